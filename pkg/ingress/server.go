package ingress

import (
	"crypto/hmac"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tms-tools/ticket-archiver/pkg/audit"
	"github.com/tms-tools/ticket-archiver/pkg/config"
	"github.com/tms-tools/ticket-archiver/pkg/dispatch"
	"github.com/tms-tools/ticket-archiver/pkg/events"
	"github.com/tms-tools/ticket-archiver/pkg/history"
	"github.com/tms-tools/ticket-archiver/pkg/log"
	"github.com/tms-tools/ticket-archiver/pkg/metrics"
)

// InFlightReporter reports whether a ticket currently holds the
// processing slot. The in-process in-flight set satisfies it.
type InFlightReporter interface {
	Contains(ticketID int64) bool
}

// Options wires the HTTP surface.
type Options struct {
	Config     *config.Config
	Dispatcher dispatch.Dispatcher
	History    history.Store
	Broker     *events.Broker
	InFlight   InFlightReporter // nil reports nothing in flight
	Version    string
}

// Server is the webhook-facing HTTP surface: the ingest endpoints plus
// health, metrics, job status, and the optional admin history API.
type Server struct {
	cfg        *config.Config
	dispatcher dispatch.Dispatcher
	history    history.Store
	broker     *events.Broker
	inFlight   InFlightReporter
	version    string
	logger     zerolog.Logger
	draining   atomic.Bool
}

// NewServer builds the HTTP surface from its collaborators.
func NewServer(opts Options) (*Server, error) {
	if opts.Config == nil || opts.Dispatcher == nil {
		return nil, errors.New("ingress requires config and a dispatcher")
	}
	if opts.History == nil {
		opts.History = history.NopStore{}
	}
	return &Server{
		cfg:        opts.Config,
		dispatcher: opts.Dispatcher,
		history:    opts.History,
		broker:     opts.Broker,
		inFlight:   opts.InFlight,
		version:    opts.Version,
		logger:     log.WithComponent("ingress"),
	}, nil
}

// BeginDrain makes the ingest endpoints refuse new work with 503.
func (s *Server) BeginDrain() {
	s.draining.Store(true)
}

// Handler assembles the middleware chain, outermost first: request id,
// body limit, rate limit, webhook auth on ingest paths, then routing.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /ingest", s.instrument("/ingest", s.handleIngest))
	mux.HandleFunc("POST /ingest/batch", s.instrument("/ingest/batch", s.handleIngestBatch))
	mux.HandleFunc("POST /retry/{ticket_id}", s.instrument("/retry", s.handleRetry))
	mux.HandleFunc("GET /jobs/{ticket_id}", s.instrument("/jobs", s.handleJobStatus))
	mux.HandleFunc("GET /healthz", s.instrument("/healthz", s.handleHealthz))
	mux.Handle("GET /metrics", s.metricsHandler())
	mux.HandleFunc("GET /admin/api/history", s.instrument("/admin/api/history", s.handleAdminHistory))

	auth := NewWebhookAuth(s.cfg.TMS.WebhookSecret, s.cfg.Hardening.Webhook)
	limiter := NewRateLimiter(s.cfg.Hardening.RateLimit)

	var handler http.Handler = mux
	handler = auth.Middleware(handler)
	handler = limiter.Middleware(handler)
	handler = BodyLimit(s.cfg.Hardening.BodyMaxBytes)(handler)
	handler = RequestID(handler)
	return handler
}

func (s *Server) instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		writeError(w, http.StatusServiceUnavailable, "shutting_down")
		return
	}

	payload, ok := s.decodePayload(w, r)
	if !ok {
		return
	}
	ticketID, ok := ExtractTicketID(payload)
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "invalid_ticket_id")
		return
	}

	if !s.submit(w, r, ticketID, payload) {
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"accepted":  true,
		"ticket_id": ticketID,
	})
}

func (s *Server) handleIngestBatch(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		writeError(w, http.StatusServiceUnavailable, "shutting_down")
		return
	}

	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	var payloads []map[string]interface{}
	if err := decoder.Decode(&payloads); err != nil {
		s.decodeError(w, err)
		return
	}

	var accepted []int64
	rejected := 0
	for _, payload := range payloads {
		ticketID, ok := ExtractTicketID(payload)
		if !ok {
			rejected++
			continue
		}
		if !s.submit(w, r, ticketID, payload) {
			return
		}
		accepted = append(accepted, ticketID)
	}
	if len(accepted) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "invalid_ticket_id")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"accepted":   true,
		"count":      len(accepted),
		"ticket_ids": accepted,
		"rejected":   rejected,
	})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		writeError(w, http.StatusServiceUnavailable, "shutting_down")
		return
	}

	ticketID, ok := CoerceTicketID(r.PathValue("ticket_id"))
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "invalid_ticket_id")
		return
	}
	if !s.submit(w, r, ticketID, nil) {
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"accepted":  true,
		"ticket_id": ticketID,
	})
}

// submit queues the job; a full or draining dispatcher turns into 503.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, ticketID int64, payload map[string]interface{}) bool {
	requestID := RequestIDFromContext(r.Context())
	deliveryID := strings.TrimSpace(r.Header.Get(DeliveryIDHeader))

	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}

	err := s.dispatcher.Submit(dispatch.Job{
		TicketID:   ticketID,
		DeliveryID: deliveryID,
		RequestID:  requestID,
		Payload:    raw,
	})
	if err != nil {
		s.logger.Warn().Err(err).Int64("ticket_id", ticketID).Msg("Job submission rejected")
		writeError(w, http.StatusServiceUnavailable, "shutting_down")
		return false
	}

	if s.broker != nil {
		s.broker.Publish(events.NewJobEvent(events.EventJobAccepted, ticketID, deliveryID, ""))
	}
	reqLogger := log.WithRequestID(requestID)
	reqLogger.Info().
		Int64("ticket_id", ticketID).
		Str("delivery_id", deliveryID).
		Msg("Webhook accepted")
	return true
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	ticketID, ok := CoerceTicketID(r.PathValue("ticket_id"))
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "invalid_ticket_id")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ticket_id":     ticketID,
		"in_flight":     s.inFlight != nil && s.inFlight.Contains(ticketID),
		"shutting_down": s.draining.Load(),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	body := map[string]interface{}{
		"status":  "ok",
		"service": audit.ServiceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
	}
	if !s.cfg.Observability.HealthzOmitVersion {
		body["version"] = s.version
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) metricsHandler() http.Handler {
	inner := metrics.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := s.cfg.Observability.MetricsBearerToken
		if token.IsSet() && !bearerOK(r, token.Value()) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		inner.ServeHTTP(w, r)
	})
}

func (s *Server) handleAdminHistory(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Admin.Enabled {
		writeError(w, http.StatusNotFound, "admin_disabled")
		return
	}
	if !s.cfg.Admin.BearerToken.IsSet() {
		writeError(w, http.StatusServiceUnavailable, "admin_token_not_configured")
		return
	}
	if !bearerOK(r, s.cfg.Admin.BearerToken.Value()) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	limit := s.cfg.Admin.HistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusUnprocessableEntity, "invalid_limit")
			return
		}
		limit = parsed
	}

	var ticketID int64
	if v := r.URL.Query().Get("ticket_id"); v != "" {
		parsed, ok := CoerceTicketID(v)
		if !ok {
			writeError(w, http.StatusUnprocessableEntity, "invalid_ticket_id")
			return
		}
		ticketID = parsed
	}

	recent, err := s.history.Recent(r.Context(), limit, ticketID)
	if err != nil {
		s.logger.Error().Err(err).Msg("History read failed")
		writeError(w, http.StatusInternalServerError, "history_unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": recent})
}

func (s *Server) decodePayload(w http.ResponseWriter, r *http.Request) (map[string]interface{}, bool) {
	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	var payload map[string]interface{}
	if err := decoder.Decode(&payload); err != nil {
		s.decodeError(w, err)
		return nil, false
	}
	return payload, true
}

func (s *Server) decodeError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		metrics.WebhookRejected.WithLabelValues("request_too_large").Inc()
		writeError(w, http.StatusRequestEntityTooLarge, "request_too_large")
		return
	}
	writeError(w, http.StatusBadRequest, "invalid_json")
}

func bearerOK(r *http.Request, expected string) bool {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return false
	}
	provided := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	return hmac.Equal([]byte(provided), []byte(expected))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
