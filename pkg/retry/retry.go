package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
)

// Class separates failures that may succeed on a later delivery from those
// that will not. Cancellation is its own class: it is propagated, not
// retried and not recorded as a ticket failure.
type Class int

const (
	Transient Class = iota
	Permanent
	Cancelled
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Code is the closed set of failure codes surfaced to operators.
type Code string

const (
	CodeTmsAuth              Code = "TmsAuth"
	CodeTmsNotFound          Code = "TmsNotFound"
	CodeTmsServer            Code = "TmsServer"
	CodeTmsTimeout           Code = "TmsTimeout"
	CodeSnapshot             Code = "Snapshot"
	CodeRender               Code = "Render"
	CodeArticleLimitExceeded Code = "ArticleLimitExceeded"
	CodeSigningMaterial      Code = "SigningMaterial"
	CodeSigningFailed        Code = "SigningFailed"
	CodeTsaTimeout           Code = "TsaTimeout"
	CodeTsaBadResponse       Code = "TsaBadResponse"
	CodeTsaMisconfigured     Code = "TsaMisconfigured"
	CodePathPolicy           Code = "PathPolicy"
	CodeStorage              Code = "Storage"
	CodeCancelled            Code = "Cancelled"
	CodeUnknown              Code = "Unknown"
)

var hints = map[Code]string{
	CodeTmsAuth:              "check the ticket system API token and its permissions",
	CodeTmsNotFound:          "the ticket no longer exists or is not visible to the API user",
	CodeTmsServer:            "the ticket system reported a server error; the next delivery will retry",
	CodeTmsTimeout:           "the ticket system did not answer in time; check network and load",
	CodeSnapshot:             "the ticket payload is missing required fields",
	CodeRender:               "PDF rendering failed; check the template configuration",
	CodeArticleLimitExceeded: "the ticket has more articles than the configured limit allows",
	CodeSigningMaterial:      "check the signing pfx_path and pfx_password",
	CodeSigningFailed:        "signing failed; check the certificate validity window",
	CodeTsaTimeout:           "the timestamp authority did not answer in time",
	CodeTsaBadResponse:       "the timestamp authority returned an unusable response",
	CodeTsaMisconfigured:     "check the TSA URL and basic-auth settings",
	CodePathPolicy:           "the archive path violates the path policy; fix the ticket's archive_path field",
	CodeStorage:              "filesystem error while writing the archive; check the storage mount",
	CodeCancelled:            "the job was cancelled during shutdown",
	CodeUnknown:              "unclassified error; inspect the service logs",
}

// Hint returns the operator guidance for a code.
func Hint(code Code) string {
	if h, ok := hints[code]; ok {
		return h
	}
	return hints[CodeUnknown]
}

// Failure is a classified error: class, code, and cause.
type Failure struct {
	Class Class
	Code  Code
	Err   error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s (%s)", f.Code, f.Class)
	}
	return fmt.Sprintf("%s (%s): %v", f.Code, f.Class, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// NewTransient wraps err as a retryable failure.
func NewTransient(code Code, err error) *Failure {
	return &Failure{Class: Transient, Code: code, Err: err}
}

// NewPermanent wraps err as a non-retryable failure.
func NewPermanent(code Code, err error) *Failure {
	return &Failure{Class: Permanent, Code: code, Err: err}
}

var transientErrnos = map[syscall.Errno]struct{}{
	syscall.EAGAIN:      {},
	syscall.ETIMEDOUT:   {},
	syscall.ECONNRESET:  {},
	syscall.EPIPE:       {},
	syscall.ENOTCONN:    {},
	syscall.ESTALE:      {},
	syscall.EIO:         {},
	syscall.ENETDOWN:    {},
	syscall.ENETUNREACH: {},
	syscall.EHOSTUNREACH: {},
	// ops can fix these without changing the ticket (mount, capacity)
	syscall.ENOENT: {},
	syscall.ENOSPC: {},
	syscall.EDQUOT: {},
	syscall.EROFS:  {},
}

// Classify maps an arbitrary error to a Failure. Errors already classified
// pass through unchanged; cancellation becomes the Cancelled sentinel; raw
// network and filesystem errors follow the fixed errno policy; everything
// else defaults to permanent so an unexpected bug cannot cause an endless
// reprocessing loop.
func Classify(err error) *Failure {
	if err == nil {
		return nil
	}

	var failure *Failure
	if errors.As(err, &failure) {
		return failure
	}

	if errors.Is(err, context.Canceled) {
		return &Failure{Class: Cancelled, Code: CodeCancelled, Err: err}
	}

	// Filesystem errors first: syscall.Errno itself satisfies net.Error, so
	// the network check below would otherwise swallow them.
	var pathErr *os.PathError
	var linkErr *os.LinkError
	if errors.As(err, &pathErr) || errors.As(err, &linkErr) {
		return classifyErrno(err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return NewTransient(CodeUnknown, err)
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return classifyErrno(err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewTransient(CodeUnknown, err)
	}

	return NewPermanent(CodeUnknown, err)
}

func classifyErrno(err error) *Failure {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		if _, ok := transientErrnos[errno]; ok {
			return NewTransient(CodeStorage, err)
		}
	}
	// unknown and policy/permission errnos both stay permanent
	return NewPermanent(CodeStorage, err)
}

// IsTransient reports whether err classifies as retryable.
func IsTransient(err error) bool {
	f := Classify(err)
	return f != nil && f.Class == Transient
}

// IsCancelled reports whether err classifies as cancellation.
func IsCancelled(err error) bool {
	f := Classify(err)
	return f != nil && f.Class == Cancelled
}
