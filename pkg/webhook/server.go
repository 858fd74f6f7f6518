// Package webhook ingests tracker events over HTTP. Every delivery is
// verified against the shared HMAC secret, recorded in the persistent
// delivery ledger before any work happens, and then dispatched
// asynchronously into the coordination queue. The ledger is what makes
// redelivered events harmless: the tracker may send the same delivery id
// any number of times and only the first one enqueues work.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"foreman/pkg/config"
	"foreman/pkg/logx"
	"foreman/pkg/metrics"
	"foreman/pkg/persistence"
	"foreman/pkg/queue"
	"foreman/pkg/tracker"
	"foreman/pkg/version"
)

const (
	// SignatureHeader carries the hex HMAC-SHA256 of the raw request body,
	// optionally prefixed with "sha256=".
	SignatureHeader = "X-Tracker-Signature"
	// DeliveryHeader carries the tracker's unique id for this delivery.
	// When absent the body hash stands in, which still deduplicates exact
	// retransmissions.
	DeliveryHeader = "X-Delivery-Id"

	maxBodyBytes = 1 << 20

	shutdownTimeout = 5 * time.Second
)

// Event is the tracker's webhook payload. Type and Action select the
// handler; the rest is whatever context the tracker includes for that
// event kind.
type Event struct {
	Type    string           `json:"type"`
	Action  string           `json:"action"`
	Ticket  tracker.Ticket   `json:"ticket"`
	Comment *tracker.Comment `json:"comment,omitempty"`
	Label   string           `json:"label,omitempty"`
}

// Key returns the handler lookup key, e.g. "ticket.created".
func (e Event) Key() string {
	return e.Type + "." + e.Action
}

// HandlerFunc reacts to one verified, deduplicated event. Handlers run
// off the request goroutine; an error is logged, never redelivered.
type HandlerFunc func(ev Event) error

// Server is the webhook HTTP endpoint plus the delivery ledger around it.
type Server struct {
	store         *persistence.Store
	coord         *queue.Coordination
	limits        *tracker.RateLimitState
	metrics       metrics.Recorder
	logger        *logx.Logger
	handlers      map[string]HandlerFunc
	secret        []byte
	retention     time.Duration
	addr          string
	allowUnsigned bool
}

// NewServer resolves the shared secret and wires the default handlers.
// A missing secret is fatal unless unsigned deliveries were explicitly
// allowed, which config validation restricts to development. limits is
// the tracker client's rate-limit state, surfaced on /status; nil just
// omits it.
func NewServer(store *persistence.Store, coord *queue.Coordination, limits *tracker.RateLimitState, cfg config.WebhookConfig, rec metrics.Recorder) (*Server, error) {
	if rec == nil {
		rec = metrics.Nop()
	}
	s := &Server{
		store:         store,
		coord:         coord,
		limits:        limits,
		metrics:       rec,
		logger:        logx.NewLogger("webhook"),
		retention:     cfg.DeliveryRetention(),
		addr:          cfg.Addr,
		allowUnsigned: cfg.AllowUnsigned,
	}

	secret, err := config.GetSecret(cfg.SecretName)
	if err != nil || secret == "" {
		if !cfg.AllowUnsigned {
			return nil, fmt.Errorf("webhook secret %s is not available: %w", cfg.SecretName, err)
		}
		s.logger.Warn("Webhook signature verification is DISABLED; do not expose this endpoint")
	}
	s.secret = []byte(secret)

	s.handlers = map[string]HandlerFunc{
		"ticket.created":  s.onTicketCreated,
		"comment.created": s.onCommentCreated,
		"label.changed":   s.onLabelChanged,
	}
	return s, nil
}

// RegisterRoutes attaches all webhook endpoints to the mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/webhook", s.handleWebhook)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())
}

// StatusPayload is what GET /status returns: the daemon's live view of the
// tracker quota and both queues. foremanctl renders it.
type StatusPayload struct {
	Version   string                    `json:"version"`
	RateLimit RateLimitStatus           `json:"rate_limit"`
	Queues    map[string]map[string]int `json:"queues"`
	// Logs holds the most recent warning and error lines.
	Logs []logx.LogEntry `json:"logs,omitempty"`
}

// RateLimitStatus is the wire form of the tracker's rate-limit snapshot.
type RateLimitStatus struct {
	Limited           bool   `json:"limited"`
	ResetAt           string `json:"reset_at,omitempty"`
	RequestsRemaining int    `json:"requests_remaining"`
	RequestsLimit     int    `json:"requests_limit"`
	ConsecutiveErrors int    `json:"consecutive_errors"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	payload := StatusPayload{
		Version: version.Version,
		Queues:  map[string]map[string]int{},
	}
	if s.limits != nil {
		snap := s.limits.Snapshot(time.Now())
		payload.RateLimit = RateLimitStatus{
			Limited:           snap.Limited,
			RequestsRemaining: snap.RequestsRemaining,
			RequestsLimit:     snap.RequestsLimit,
			ConsecutiveErrors: snap.ConsecutiveErrors,
		}
		if snap.Limited {
			payload.RateLimit.ResetAt = snap.ResetAt.UTC().Format(time.RFC3339)
		}
	}
	for _, q := range []persistence.QueueKind{persistence.QueueCoordination, persistence.QueueExecution} {
		counts, err := s.store.CountByStatus(q)
		if err != nil {
			s.logger.Error("Failed to count %s tasks: %v", q, err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		payload.Queues[string(q)] = counts
	}
	payload.Logs = recentProblems(10)
	writeJSON(w, http.StatusOK, payload)
}

// recentProblems returns the newest warning and error log lines, oldest first.
func recentProblems(limit int) []logx.LogEntry {
	all := logx.GetRecentLogEntries("", time.Time{})
	problems := make([]logx.LogEntry, 0, limit)
	for _, entry := range all {
		if entry.Level != string(logx.LevelWarn) && entry.Level != string(logx.LevelError) {
			continue
		}
		problems = append(problems, entry)
	}
	if len(problems) > limit {
		problems = problems[len(problems)-limit:]
	}
	return problems
}

// handleRoot accepts bare-path POSTs from trackers that cannot set a
// delivery path, and 404s everything else.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	s.handleWebhook(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if !s.allowUnsigned {
		if !s.verify(body, r.Header.Get(SignatureHeader)) {
			s.logger.Warn("Rejected delivery with bad signature from %s", r.RemoteAddr)
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}

	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil || ev.Type == "" {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	deliveryID := r.Header.Get(DeliveryHeader)
	if deliveryID == "" {
		sum := sha256.Sum256(body)
		deliveryID = hex.EncodeToString(sum[:])
	}

	// Record before dispatch. If the process dies between these two steps
	// the event is lost rather than doubled, and the poll cycle picks the
	// ticket up on its own.
	created, err := s.store.RecordDelivery(deliveryID, ev.Key())
	if err != nil {
		s.logger.Error("Failed to record delivery %s: %v", deliveryID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !created {
		s.metrics.IncWebhookDelivery(ev.Key(), true)
		s.logger.Debug("Duplicate delivery %s (%s) ignored", deliveryID, ev.Key())
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}
	s.metrics.IncWebhookDelivery(ev.Key(), false)

	go s.process(deliveryID, ev)

	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// verify checks the hex HMAC-SHA256 signature over the raw body.
func (s *Server) verify(body []byte, header string) bool {
	header = strings.TrimPrefix(strings.TrimSpace(header), "sha256=")
	if header == "" {
		return false
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(header), []byte(want))
}

// process runs the handler for one new delivery. The ledger row is
// stamped processed no matter what: a broken handler degrades to one
// event type going dark, never to a redelivery storm.
func (s *Server) process(deliveryID string, ev Event) {
	defer func() {
		if err := s.store.MarkDeliveryProcessed(deliveryID); err != nil {
			s.logger.Error("Failed to mark delivery %s processed: %v", deliveryID, err)
		}
	}()

	handler, ok := s.handlers[ev.Key()]
	if !ok {
		s.logger.Debug("No handler for %s events", ev.Key())
		return
	}
	if err := handler(ev); err != nil {
		s.logger.Error("Handler for %s delivery %s failed: %v", ev.Key(), deliveryID, err)
	}
}

// PurgeLedger deletes delivery rows older than the configured retention
// window and reports how many went.
func (s *Server) PurgeLedger() (int64, error) {
	return s.store.PurgeDeliveries(s.retention)
}

// StartServer runs the webhook endpoint until ctx is cancelled.
func (s *Server) StartServer(ctx context.Context) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	server := &http.Server{
		Addr:    s.addr,
		Handler: mux,
	}

	go func() {
		s.logger.Info("Webhook server listening on %s", s.addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Webhook server error: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		s.logger.Info("Shutting down webhook server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		//nolint:contextcheck // fresh timeout context on purpose; the parent is already done
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Webhook server shutdown error: %v", err)
		}
	}()

	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
