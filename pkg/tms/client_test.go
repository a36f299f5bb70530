package tms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tms-tools/ticket-archiver/pkg/retry"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := New(Options{
		BaseURL:    srv.URL,
		Token:      "secret-token",
		Timeout:    2 * time.Second,
		VerifyTLS:  true,
		AllowLocal: true,
		// httptest binds plain http on loopback
		AllowInsecure: true,
	})
	require.NoError(t, err)
	return client, srv
}

func TestNewRejectsUnsafeTransports(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"missing scheme", Options{BaseURL: "tms.example"}},
		{"plain http without opt-in", Options{BaseURL: "http://tms.example"}},
		{"loopback without opt-in", Options{BaseURL: "https://127.0.0.1:9200"}},
		{"localhost without opt-in", Options{BaseURL: "https://localhost"}},
		{"ftp scheme", Options{BaseURL: "ftp://tms.example"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts)
			assert.Error(t, err)
		})
	}
}

func TestGetTicketSendsAuthHeader(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/tickets/42", r.URL.Path)
		assert.Equal(t, "Token token=secret-token", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":     42,
			"number": "20260800042",
			"title":  "printer on fire",
			"owner":  map[string]string{"login": "agent1"},
			"preferences": map[string]interface{}{
				"custom_fields": map[string]interface{}{"archive_path": "ops>hardware"},
			},
		})
	}))

	ticket, err := client.GetTicket(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), ticket.ID)
	assert.Equal(t, "20260800042", ticket.Number)
	assert.Equal(t, "agent1", ticket.Owner.Login)
	assert.Equal(t, "ops>hardware", ticket.CustomFields()["archive_path"])
}

func TestListTagsAcceptsBothShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{"bare array", `["pdf:sign","vip"]`, []string{"pdf:sign", "vip"}},
		{"wrapped object", `{"tags":["pdf:sign"]}`, []string{"pdf:sign"}},
		{"empty array", `[]`, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "Ticket", r.URL.Query().Get("object"))
				assert.Equal(t, "7", r.URL.Query().Get("o_id"))
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(tt.body))
			}))

			tags, err := client.ListTags(context.Background(), 7)
			require.NoError(t, err)
			assert.Equal(t, tt.want, tags)
		})
	}
}

func TestListTagsRejectsUnknownShape(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"items":["x"]}`))
	}))

	_, err := client.ListTags(context.Background(), 7)
	var failure *retry.Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, retry.Permanent, failure.Class)
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		class  retry.Class
		code   retry.Code
	}{
		{"unauthorized", http.StatusUnauthorized, retry.Permanent, retry.CodeTmsAuth},
		{"forbidden", http.StatusForbidden, retry.Permanent, retry.CodeTmsAuth},
		{"not found", http.StatusNotFound, retry.Permanent, retry.CodeTmsNotFound},
		{"rate limited", http.StatusTooManyRequests, retry.Transient, retry.CodeTmsServer},
		{"bad gateway", http.StatusBadGateway, retry.Transient, retry.CodeTmsServer},
		{"internal error", http.StatusInternalServerError, retry.Transient, retry.CodeTmsServer},
		{"unprocessable", http.StatusUnprocessableEntity, retry.Permanent, retry.CodeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))

			_, err := client.GetTicket(context.Background(), 1)
			var failure *retry.Failure
			require.ErrorAs(t, err, &failure)
			assert.Equal(t, tt.class, failure.Class)
			assert.Equal(t, tt.code, failure.Code)
		})
	}
}

func TestNoInternalRetries(t *testing.T) {
	var calls atomic.Int64
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := client.GetTicket(context.Background(), 1)
	require.Error(t, err)
	assert.Equal(t, int64(1), calls.Load(), "client must not retry on its own")
}

func TestTimeoutClassifiedAsTmsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	client, err := New(Options{
		BaseURL:       srv.URL,
		Token:         "tok",
		Timeout:       50 * time.Millisecond,
		AllowLocal:    true,
		AllowInsecure: true,
	})
	require.NoError(t, err)

	_, err = client.GetTicket(context.Background(), 1)
	var failure *retry.Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, retry.Transient, failure.Class)
	assert.Equal(t, retry.CodeTmsTimeout, failure.Code)
}

func TestParentCancellationPropagates(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := client.GetTicket(ctx, 1)
	require.Error(t, err)
	assert.True(t, retry.IsCancelled(err))
}

func TestCreateInternalNoteBody(t *testing.T) {
	var got map[string]interface{}
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/ticket_articles", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":900}`))
	}))

	err := client.CreateInternalNote(context.Background(), 42, "Archive created", "<p>done</p>")
	require.NoError(t, err)
	assert.Equal(t, float64(42), got["ticket_id"])
	assert.Equal(t, "Archive created", got["subject"])
	assert.Equal(t, "<p>done</p>", got["body"])
	assert.Equal(t, "text/html", got["content_type"])
	assert.Equal(t, true, got["internal"])
}

func TestTagMutationBodies(t *testing.T) {
	type call struct {
		path string
		body map[string]interface{}
	}
	var calls []call
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		calls = append(calls, call{path: r.URL.Path, body: body})
		w.Write([]byte(`{}`))
	}))

	require.NoError(t, client.AddTag(context.Background(), 9, "pdf:processing"))
	require.NoError(t, client.RemoveTag(context.Background(), 9, "pdf:sign"))

	require.Len(t, calls, 2)
	assert.Equal(t, "/api/v1/tags/add", calls[0].path)
	assert.Equal(t, "pdf:processing", calls[0].body["item"])
	assert.Equal(t, "/api/v1/tags/remove", calls[1].path)
	assert.Equal(t, "pdf:sign", calls[1].body["item"])
	for _, c := range calls {
		assert.Equal(t, "Ticket", c.body["object"])
		assert.Equal(t, float64(9), c.body["o_id"])
	}
}

func TestGetAttachment(t *testing.T) {
	payload := []byte{0x25, 0x50, 0x44, 0x46, 0x00, 0xFF}
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/ticket_attachment/1/2/3", r.URL.Path)
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(payload)
	}))

	data, err := client.GetAttachment(context.Background(), 1, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestRedirectsAreNotFollowed(t *testing.T) {
	var followed atomic.Bool
	client, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/elsewhere" {
			followed.Store(true)
			w.Write([]byte(`{}`))
			return
		}
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	_ = srv

	_, err := client.GetTicket(context.Background(), 5)
	require.Error(t, err)
	assert.False(t, followed.Load())
	var failure *retry.Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, retry.CodeUnknown, failure.Code)
}
