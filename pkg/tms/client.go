package tms

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tms-tools/ticket-archiver/pkg/metrics"
	"github.com/tms-tools/ticket-archiver/pkg/retry"
)

// Options configures the ticket system client.
type Options struct {
	BaseURL        string
	Token          string
	Timeout        time.Duration
	VerifyTLS      bool
	TrustEnv       bool
	AllowInsecure  bool // permit plain http base URLs
	AllowLocal     bool // permit loopback upstreams
	HTTPClient     *http.Client
}

// Client talks to the ticket system REST API. Each operation performs a
// single attempt with its own timeout; retry decisions belong to the
// orchestrator, not this layer.
type Client struct {
	baseURL *url.URL
	token   string
	timeout time.Duration
	http    *http.Client
}

// New validates the transport configuration and builds a client. Plain
// http and loopback upstreams are rejected unless explicitly allowed.
func New(opts Options) (*Client, error) {
	u, err := url.Parse(opts.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base URL must include scheme and host, e.g. https://tms.example")
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !opts.AllowInsecure {
			return nil, fmt.Errorf("plain http base URL requires allow_insecure_http")
		}
	default:
		return nil, fmt.Errorf("unsupported base URL scheme %q", u.Scheme)
	}
	if !opts.AllowLocal && isLoopbackHost(u.Hostname()) {
		return nil, fmt.Errorf("loopback upstream %s requires allow_local_upstreams", u.Hostname())
	}
	// trailing slash makes relative joins unambiguous
	u.Path = strings.TrimRight(u.Path, "/") + "/"

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		transport := &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 5,
			IdleConnTimeout:     30 * time.Second,
		}
		if opts.TrustEnv {
			transport.Proxy = http.ProxyFromEnvironment
		}
		if !opts.VerifyTLS {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		httpClient = &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}

	return &Client{
		baseURL: u,
		token:   opts.Token,
		timeout: timeout,
		http:    httpClient,
	}, nil
}

func isLoopbackHost(host string) bool {
	host = strings.ToLower(host)
	return host == "localhost" || host == "::1" || host == "0.0.0.0" ||
		strings.HasPrefix(host, "127.")
}

// GetTicket fetches one ticket.
func (c *Client) GetTicket(ctx context.Context, ticketID int64) (*Ticket, error) {
	var ticket Ticket
	err := c.getJSON(ctx, "get_ticket", fmt.Sprintf("api/v1/tickets/%d", ticketID), nil, &ticket)
	if err != nil {
		return nil, err
	}
	return &ticket, nil
}

// ListTags fetches the ticket's tags. The endpoint historically returns
// either a bare array or an object with a "tags" key; both are accepted.
func (c *Client) ListTags(ctx context.Context, ticketID int64) ([]string, error) {
	params := url.Values{"object": {"Ticket"}, "o_id": {strconv.FormatInt(ticketID, 10)}}

	var raw json.RawMessage
	if err := c.getJSON(ctx, "list_tags", "api/v1/tags", params, &raw); err != nil {
		return nil, err
	}

	var tags []string
	if err := json.Unmarshal(raw, &tags); err == nil {
		return tags, nil
	}
	var wrapped struct {
		Tags []string `json:"tags"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Tags != nil {
		return wrapped.Tags, nil
	}
	return nil, retry.NewPermanent(retry.CodeSnapshot,
		fmt.Errorf("unexpected tags response format for ticket %d", ticketID))
}

// ListArticles fetches all articles of a ticket.
func (c *Client) ListArticles(ctx context.Context, ticketID int64) ([]Article, error) {
	var articles []Article
	path := fmt.Sprintf("api/v1/ticket_articles/by_ticket/%d", ticketID)
	if err := c.getJSON(ctx, "list_articles", path, nil, &articles); err != nil {
		return nil, err
	}
	return articles, nil
}

// AddTag adds a tag to a ticket. Adding an existing tag is a no-op upstream.
func (c *Client) AddTag(ctx context.Context, ticketID int64, tag string) error {
	return c.postJSON(ctx, "add_tag", "api/v1/tags/add", map[string]interface{}{
		"object": "Ticket", "o_id": ticketID, "item": tag,
	}, nil)
}

// RemoveTag removes a tag from a ticket. POST keeps compatibility with
// deployments that are strict about verb routing on the tags endpoints.
func (c *Client) RemoveTag(ctx context.Context, ticketID int64, tag string) error {
	return c.postJSON(ctx, "remove_tag", "api/v1/tags/remove", map[string]interface{}{
		"object": "Ticket", "o_id": ticketID, "item": tag,
	}, nil)
}

// CreateInternalNote posts an internal HTML note on the ticket.
func (c *Client) CreateInternalNote(ctx context.Context, ticketID int64, subject, bodyHTML string) error {
	return c.postJSON(ctx, "create_note", "api/v1/ticket_articles", map[string]interface{}{
		"ticket_id":    ticketID,
		"subject":      subject,
		"body":         bodyHTML,
		"content_type": "text/html",
		"internal":     true,
	}, nil)
}

// GetAttachment downloads one attachment's binary content.
func (c *Client) GetAttachment(ctx context.Context, ticketID, articleID, attachmentID int64) ([]byte, error) {
	path := fmt.Sprintf("api/v1/ticket_attachment/%d/%d/%d", ticketID, articleID, attachmentID)
	resp, err := c.do(ctx, "get_attachment", http.MethodGet, path, nil, nil, "*/*")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retry.NewTransient(retry.CodeTmsServer,
			fmt.Errorf("failed to read attachment body: %w", err))
	}
	return data, nil
}

func (c *Client) getJSON(ctx context.Context, op, path string, params url.Values, out interface{}) error {
	resp, err := c.do(ctx, op, http.MethodGet, path, params, nil, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.decodeJSON(resp, out)
}

func (c *Client) postJSON(ctx context.Context, op, path string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request body: %w", err)
	}
	resp, err := c.do(ctx, op, http.MethodPost, path, nil, payload, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return c.decodeJSON(resp, out)
}

func (c *Client) decodeJSON(resp *http.Response, out interface{}) error {
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return retry.NewPermanent(retry.CodeSnapshot,
			fmt.Errorf("invalid JSON from ticket system (status=%d): %w", resp.StatusCode, err))
	}
	return nil
}

func (c *Client) do(ctx context.Context, op, method, path string, params url.Values, body []byte, accept string) (*http.Response, error) {
	// cancel is not deferred: on success it is handed to the response body
	// so the caller can stream it, and runs when the body is closed.
	ctx, cancel := context.WithTimeout(ctx, c.timeout)

	ref, err := url.Parse(path)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("invalid request path %q: %w", path, err)
	}
	target := c.baseURL.ResolveReference(ref)
	if params != nil {
		target.RawQuery = params.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Token token="+c.token)
	req.Header.Set("Accept", accept)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.TMSRequests.WithLabelValues(op, "error").Inc()
		cancel()
		return nil, c.transportFailure(err)
	}
	metrics.TMSRequests.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
		return resp, nil
	}

	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	cancel()
	return nil, statusFailure(resp.StatusCode, target.String())
}

// transportFailure classifies a failed round trip. Timeouts stay
// distinguishable from other connection problems; parent-context
// cancellation propagates as cancellation.
func (c *Client) transportFailure(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var urlErr *url.Error
	if (errors.As(err, &urlErr) && urlErr.Timeout()) || errors.Is(err, context.DeadlineExceeded) {
		return retry.NewTransient(retry.CodeTmsTimeout,
			fmt.Errorf("ticket system request timed out after %s", c.timeout))
	}
	return retry.NewTransient(retry.CodeTmsServer,
		fmt.Errorf("ticket system connection error: %w", err))
}

func statusFailure(status int, target string) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return retry.NewPermanent(retry.CodeTmsAuth,
			fmt.Errorf("ticket system auth failed (status=%d) at %s", status, target))
	case status == http.StatusNotFound:
		return retry.NewPermanent(retry.CodeTmsNotFound,
			fmt.Errorf("ticket system resource not found (status=404) at %s", target))
	case status == http.StatusTooManyRequests:
		return retry.NewTransient(retry.CodeTmsServer,
			fmt.Errorf("ticket system rate limit (status=429) at %s", target))
	case status >= 500:
		return retry.NewTransient(retry.CodeTmsServer,
			fmt.Errorf("ticket system server error (status=%d) at %s", status, target))
	default:
		return retry.NewPermanent(retry.CodeUnknown,
			fmt.Errorf("ticket system client error (status=%d) at %s", status, target))
	}
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
