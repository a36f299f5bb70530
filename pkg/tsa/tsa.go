package tsa

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"math/big"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tms-tools/ticket-archiver/pkg/metrics"
	"github.com/tms-tools/ticket-archiver/pkg/retry"
)

const (
	contentTypeQuery = "application/timestamp-query"
	contentTypeReply = "application/timestamp-reply"

	// replies larger than this are not a plausible token
	maxReplyBytes = 1 << 20
)

// sha256OID identifies the digest in the message imprint.
var sha256OID = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}

type messageImprint struct {
	HashAlgorithm pkix.AlgorithmIdentifier
	HashedMessage []byte
}

type timeStampReq struct {
	Version        int
	MessageImprint messageImprint
	Nonce          *big.Int `asn1:"optional"`
	CertReq        bool     `asn1:"optional,default:false"`
}

type pkiStatusInfo struct {
	Status       int
	StatusString asn1.RawValue `asn1:"optional"`
	FailInfo     asn1.BitString `asn1:"optional"`
}

type timeStampResp struct {
	Status pkiStatusInfo
	Token  asn1.RawValue `asn1:"optional"`
}

// Options configures the timestamp authority client.
type Options struct {
	URL      string
	Timeout  time.Duration
	User     string
	Password string
	TrustEnv bool

	HTTPClient *http.Client
}

// Client obtains RFC 3161 timestamp tokens over HTTP.
type Client struct {
	url     string
	user    string
	pass    string
	timeout time.Duration
	http    *http.Client
}

// New validates the TSA settings and builds a client. Basic auth is
// all-or-nothing: a user without a password (or the reverse) is a
// configuration error, not a request to send partial credentials.
func New(opts Options) (*Client, error) {
	u, err := url.Parse(opts.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, retry.NewPermanent(retry.CodeTsaMisconfigured,
			fmt.Errorf("tsa_url must include scheme and host"))
	}
	if (opts.User == "") != (opts.Password == "") {
		return nil, retry.NewPermanent(retry.CodeTsaMisconfigured,
			fmt.Errorf("TSA basic auth requires both user and password"))
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		transport := &http.Transport{
			MaxIdleConns:        2,
			MaxIdleConnsPerHost: 1,
		}
		if opts.TrustEnv {
			transport.Proxy = http.ProxyFromEnvironment
		}
		httpClient = &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}

	return &Client{
		url:     opts.URL,
		user:    opts.User,
		pass:    opts.Password,
		timeout: timeout,
		http:    httpClient,
	}, nil
}

// Token requests a timestamp token over the SHA-256 digest of message.
// The returned bytes are the DER ContentInfo of the token, ready to embed
// as the signature-time-stamp attribute.
func (c *Client) Token(ctx context.Context, message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)

	nonce, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, retry.NewPermanent(retry.CodeTsaBadResponse,
			fmt.Errorf("failed to generate TSA nonce: %w", err))
	}

	reqDER, err := asn1.Marshal(timeStampReq{
		Version: 1,
		MessageImprint: messageImprint{
			HashAlgorithm: pkix.AlgorithmIdentifier{
				Algorithm:  sha256OID,
				Parameters: asn1.NullRawValue,
			},
			HashedMessage: digest[:],
		},
		Nonce:   nonce,
		CertReq: true,
	})
	if err != nil {
		return nil, retry.NewPermanent(retry.CodeTsaBadResponse,
			fmt.Errorf("failed to encode timestamp request: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqDER))
	if err != nil {
		return nil, retry.NewPermanent(retry.CodeTsaMisconfigured,
			fmt.Errorf("failed to build TSA request: %w", err))
	}
	req.Header.Set("Content-Type", contentTypeQuery)
	req.Header.Set("Accept", contentTypeReply)
	if c.user != "" {
		req.SetBasicAuth(c.user, c.pass)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.transportFailure(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		metrics.TSARequests.WithLabelValues("server_error").Inc()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, retry.NewTransient(retry.CodeTsaBadResponse,
			fmt.Errorf("timestamp authority returned HTTP %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		metrics.TSARequests.WithLabelValues("http_error").Inc()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, retry.NewPermanent(retry.CodeTsaBadResponse,
			fmt.Errorf("timestamp authority returned HTTP %d", resp.StatusCode))
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if !strings.EqualFold(mediaType, contentTypeReply) {
		metrics.TSARequests.WithLabelValues("bad_response").Inc()
		return nil, retry.NewPermanent(retry.CodeTsaBadResponse,
			fmt.Errorf("timestamp authority answered with content type %q", mediaType))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		metrics.TSARequests.WithLabelValues("bad_response").Inc()
		return nil, retry.NewTransient(retry.CodeTsaBadResponse,
			fmt.Errorf("failed to read TSA reply: %w", err))
	}

	token, err := parseReply(body)
	if err != nil {
		metrics.TSARequests.WithLabelValues("bad_response").Inc()
		return nil, err
	}
	metrics.TSARequests.WithLabelValues("granted").Inc()
	return token, nil
}

func (c *Client) transportFailure(err error) error {
	if errors.Is(err, context.Canceled) {
		metrics.TSARequests.WithLabelValues("cancelled").Inc()
		return err
	}
	metrics.TSARequests.WithLabelValues("transport_error").Inc()
	var urlErr *url.Error
	if (errors.As(err, &urlErr) && urlErr.Timeout()) || errors.Is(err, context.DeadlineExceeded) {
		return retry.NewTransient(retry.CodeTsaTimeout,
			fmt.Errorf("timestamp authority did not answer within %s", c.timeout))
	}
	return retry.NewTransient(retry.CodeTsaTimeout,
		fmt.Errorf("error communicating with timestamp authority: %w", err))
}

// parseReply decodes a TimeStampResp and extracts the token. Only
// granted(0) and grantedWithMods(1) statuses carry a usable token.
func parseReply(der []byte) ([]byte, error) {
	var reply timeStampResp
	rest, err := asn1.Unmarshal(der, &reply)
	if err != nil || len(rest) != 0 {
		return nil, retry.NewPermanent(retry.CodeTsaBadResponse,
			fmt.Errorf("TSA reply is not a valid TimeStampResp"))
	}
	if reply.Status.Status != 0 && reply.Status.Status != 1 {
		return nil, retry.NewPermanent(retry.CodeTsaBadResponse,
			fmt.Errorf("timestamp authority rejected the request (status=%d)", reply.Status.Status))
	}
	if len(reply.Token.FullBytes) == 0 {
		return nil, retry.NewPermanent(retry.CodeTsaBadResponse,
			fmt.Errorf("timestamp authority granted the request but sent no token"))
	}
	return reply.Token.FullBytes, nil
}
