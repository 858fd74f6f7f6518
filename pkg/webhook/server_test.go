package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/pkg/config"
	"foreman/pkg/logx"
	"foreman/pkg/metrics"
	"foreman/pkg/persistence"
	"foreman/pkg/queue"
	"foreman/pkg/tracker"
)

const testSecret = "whsec-0123456789abcdef"

type countingRecorder struct {
	metrics.NoopRecorder
	mu   sync.Mutex
	seen []string
}

func (r *countingRecorder) IncWebhookDelivery(eventType string, duplicate bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, fmt.Sprintf("%s dup=%v", eventType, duplicate))
}

func (r *countingRecorder) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

type serverHarness struct {
	server   *Server
	store    *persistence.Store
	mux      *http.ServeMux
	recorder *countingRecorder
	limits   *tracker.RateLimitState
}

func newHarness(t *testing.T, allowUnsigned bool) *serverHarness {
	t.Helper()
	t.Setenv(config.SecretWebhookSecret, testSecret)

	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	coord := queue.NewCoordination(store, config.QueuesConfig{
		CoordinationMaxRetries:   3,
		CoordinationStuckMinutes: 30,
	}, metrics.Nop())

	rec := &countingRecorder{}
	limits := tracker.NewRateLimitState()
	srv, err := NewServer(store, coord, limits, config.WebhookConfig{
		Addr:                  ":0",
		SecretName:            config.SecretWebhookSecret,
		AllowUnsigned:         allowUnsigned,
		DeliveryRetentionDays: 7,
	}, rec)
	require.NoError(t, err)

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	return &serverHarness{server: srv, store: store, mux: mux, recorder: rec, limits: limits}
}

func (h *serverHarness) post(path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)
	return rec
}

// deliveryProcessed reports whether the handler goroutine for this
// delivery has run to completion. Tests wait on it before asserting,
// and before the cleanup closes the store out from under a handler.
func (h *serverHarness) deliveryProcessed(deliveryID string) bool {
	var processedAt sql.NullString
	err := h.store.DB().QueryRow(
		`SELECT processed_at FROM webhook_deliveries WHERE delivery_id = ?`, deliveryID,
	).Scan(&processedAt)
	return err == nil && processedAt.Valid
}

func (h *serverHarness) waitProcessed(t *testing.T, deliveryID string) {
	t.Helper()
	require.Eventually(t, func() bool { return h.deliveryProcessed(deliveryID) },
		2*time.Second, 10*time.Millisecond)
}

func (h *serverHarness) coordinationTasks(t *testing.T, status string) []*persistence.Task {
	t.Helper()
	tasks, err := h.store.ListTasks(persistence.QueueCoordination, status, 50)
	require.NoError(t, err)
	return tasks
}

func signWith(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func sign(body []byte) string {
	return signWith(testSecret, body)
}

func eventBody(t *testing.T, ev Event) []byte {
	t.Helper()
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	return b
}

func sampleTicket(labels ...string) tracker.Ticket {
	return tracker.Ticket{ID: "1001", Key: "PROJ-1", Title: "Fix the thing", Labels: labels}
}

func TestWebhookEnqueuesEvaluation(t *testing.T) {
	h := newHarness(t, false)

	body := eventBody(t, Event{Type: "ticket", Action: "created", Ticket: sampleTicket(tracker.LabelTriage)})
	rec := h.post("/webhook", body, map[string]string{
		SignatureHeader: sign(body),
		DeliveryHeader:  "dl-1",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "accepted")
	h.waitProcessed(t, "dl-1")

	tasks := h.coordinationTasks(t, persistence.StatusPending)
	require.Len(t, tasks, 1)
	task := tasks[0]
	assert.Equal(t, persistence.TaskEvaluate, task.TaskType)
	assert.Equal(t, "1001", task.TicketID)
	assert.Equal(t, "PROJ-1", task.TicketKey)
	assert.Equal(t, webhookPriority, task.Priority)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	h := newHarness(t, false)

	body := eventBody(t, Event{Type: "ticket", Action: "created", Ticket: sampleTicket(tracker.LabelTriage)})
	for name, sig := range map[string]string{
		"missing":      "",
		"wrong secret": signWith("some-other-secret", body),
		"garbage":      "not-even-hex",
	} {
		rec := h.post("/webhook", body, map[string]string{SignatureHeader: sig})
		require.Equalf(t, http.StatusUnauthorized, rec.Code, "signature case %q", name)
	}

	require.Empty(t, h.coordinationTasks(t, persistence.StatusPending))
}

func TestWebhookAcceptsPrefixedSignature(t *testing.T) {
	h := newHarness(t, false)

	body := eventBody(t, Event{Type: "ticket", Action: "created", Ticket: sampleTicket(tracker.LabelTriage)})
	rec := h.post("/webhook", body, map[string]string{
		SignatureHeader: "sha256=" + sign(body),
		DeliveryHeader:  "dl-pfx",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "accepted")
	h.waitProcessed(t, "dl-pfx")
}

func TestWebhookAllowUnsignedSkipsVerification(t *testing.T) {
	h := newHarness(t, true)

	body := eventBody(t, Event{Type: "ticket", Action: "created", Ticket: sampleTicket(tracker.LabelTriage)})
	rec := h.post("/webhook", body, map[string]string{DeliveryHeader: "dl-unsigned"})

	require.Equal(t, http.StatusOK, rec.Code)
	h.waitProcessed(t, "dl-unsigned")
	require.Len(t, h.coordinationTasks(t, persistence.StatusPending), 1)
}

func TestWebhookDeduplicatesDeliveries(t *testing.T) {
	h := newHarness(t, false)

	body := eventBody(t, Event{Type: "ticket", Action: "created", Ticket: sampleTicket(tracker.LabelTriage)})
	headers := map[string]string{SignatureHeader: sign(body), DeliveryHeader: "dl-42"}

	rec := h.post("/webhook", body, headers)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "accepted")
	h.waitProcessed(t, "dl-42")

	rec = h.post("/webhook", body, headers)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "duplicate")

	require.Len(t, h.coordinationTasks(t, persistence.StatusPending), 1)
	assert.Equal(t, []string{"ticket.created dup=false", "ticket.created dup=true"}, h.recorder.events())
}

func TestWebhookFallbackDeliveryID(t *testing.T) {
	h := newHarness(t, false)

	body := eventBody(t, Event{Type: "label", Action: "changed", Ticket: sampleTicket(tracker.LabelApproved), Label: tracker.LabelApproved})
	headers := map[string]string{SignatureHeader: sign(body)}

	rec := h.post("/webhook", body, headers)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "accepted")

	sum := sha256.Sum256(body)
	h.waitProcessed(t, hex.EncodeToString(sum[:]))

	// An identical body with no delivery id hashes to the same ledger row.
	rec = h.post("/webhook", body, headers)
	assert.Contains(t, rec.Body.String(), "duplicate")

	tasks := h.coordinationTasks(t, persistence.StatusPending)
	require.Len(t, tasks, 1)
	assert.Equal(t, persistence.TaskSyncState, tasks[0].TaskType)
}

func TestWebhookRejectsMalformedPayload(t *testing.T) {
	h := newHarness(t, false)

	for name, body := range map[string][]byte{
		"not json":     []byte("{nope"),
		"missing type": []byte(`{"action":"created"}`),
	} {
		rec := h.post("/webhook", body, map[string]string{SignatureHeader: sign(body)})
		require.Equalf(t, http.StatusBadRequest, rec.Code, "payload case %q", name)
	}
}

func TestWebhookRouting(t *testing.T) {
	h := newHarness(t, false)

	body := eventBody(t, Event{Type: "ticket", Action: "created", Ticket: sampleTicket(tracker.LabelTriage)})

	rec := h.post("/", body, map[string]string{SignatureHeader: sign(body), DeliveryHeader: "dl-root"})
	require.Equal(t, http.StatusOK, rec.Code, "bare-path POST should reach the webhook handler")

	rec = h.post("/nope", body, map[string]string{SignatureHeader: sign(body)})
	require.Equal(t, http.StatusNotFound, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	rr := httptest.NewRecorder()
	h.mux.ServeHTTP(rr, req)
	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	require.Equal(t, http.MethodPost, rr.Header().Get("Allow"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	rr = httptest.NewRecorder()
	h.mux.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	var health map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &health))
	assert.Equal(t, "ok", health["status"])

	h.waitProcessed(t, "dl-root")
}

func TestStatusEndpoint(t *testing.T) {
	h := newHarness(t, false)

	body := eventBody(t, Event{Type: "ticket", Action: "created", Ticket: sampleTicket(tracker.LabelTriage)})
	rec := h.post("/webhook", body, map[string]string{SignatureHeader: sign(body), DeliveryHeader: "dl-status"})
	require.Equal(t, http.StatusOK, rec.Code)
	h.waitProcessed(t, "dl-status")

	resetAt := time.Now().Add(10 * time.Minute)
	h.limits.SetResetAt(resetAt)
	h.limits.RecordQuota(12, 500)

	marker := fmt.Sprintf("status smoke %d", time.Now().UnixNano())
	logx.NewLogger("status-test").Warn("%s", marker)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rr := httptest.NewRecorder()
	h.mux.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var status StatusPayload
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.True(t, status.RateLimit.Limited)
	assert.Equal(t, resetAt.UTC().Format(time.RFC3339), status.RateLimit.ResetAt)
	assert.Equal(t, 12, status.RateLimit.RequestsRemaining)
	assert.Equal(t, 500, status.RateLimit.RequestsLimit)
	assert.Equal(t, 1, status.Queues[string(persistence.QueueCoordination)][persistence.StatusPending])
	assert.Empty(t, status.Queues[string(persistence.QueueExecution)])

	found := false
	for _, entry := range status.Logs {
		if entry.Message == marker {
			found = true
			break
		}
	}
	assert.True(t, found, "recent warnings should surface in the status payload")

	req = httptest.NewRequest(http.MethodPost, "/status", nil)
	rr = httptest.NewRecorder()
	h.mux.ServeHTTP(rr, req)
	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestCommentEventsGatedOnAwaitingResponse(t *testing.T) {
	h := newHarness(t, false)

	quiet := eventBody(t, Event{
		Type:    "comment",
		Action:  "created",
		Ticket:  sampleTicket(tracker.LabelExecuting),
		Comment: &tracker.Comment{ID: "c1", Author: "alice", Body: "any progress?"},
	})
	rec := h.post("/webhook", quiet, map[string]string{SignatureHeader: sign(quiet), DeliveryHeader: "dl-quiet"})
	require.Equal(t, http.StatusOK, rec.Code)
	h.waitProcessed(t, "dl-quiet")
	require.Empty(t, h.coordinationTasks(t, persistence.StatusPending),
		"comments on tickets not awaiting a response should queue nothing")

	waiting := eventBody(t, Event{
		Type:    "comment",
		Action:  "created",
		Ticket:  sampleTicket(tracker.LabelAwaitingResponse),
		Comment: &tracker.Comment{ID: "c2", Author: "alice", Body: "yes, use the v2 endpoint"},
	})
	rec = h.post("/webhook", waiting, map[string]string{SignatureHeader: sign(waiting), DeliveryHeader: "dl-waiting"})
	require.Equal(t, http.StatusOK, rec.Code)
	h.waitProcessed(t, "dl-waiting")

	tasks := h.coordinationTasks(t, persistence.StatusPending)
	require.Len(t, tasks, 1)
	assert.Equal(t, persistence.TaskCheckResponse, tasks[0].TaskType)
}

func TestWebhookUnknownEventTypeIsRecorded(t *testing.T) {
	h := newHarness(t, false)

	body := eventBody(t, Event{Type: "sprint", Action: "closed"})
	rec := h.post("/webhook", body, map[string]string{SignatureHeader: sign(body), DeliveryHeader: "dl-sprint"})

	require.Equal(t, http.StatusOK, rec.Code)
	h.waitProcessed(t, "dl-sprint")
	require.Empty(t, h.coordinationTasks(t, persistence.StatusPending))
}

func TestWebhookHandlerErrorStillMarksProcessed(t *testing.T) {
	h := newHarness(t, false)
	h.server.handlers["ticket.created"] = func(Event) error { return errors.New("tracker exploded") }

	body := eventBody(t, Event{Type: "ticket", Action: "created", Ticket: sampleTicket(tracker.LabelTriage)})
	rec := h.post("/webhook", body, map[string]string{SignatureHeader: sign(body), DeliveryHeader: "dl-err"})

	require.Equal(t, http.StatusOK, rec.Code)
	h.waitProcessed(t, "dl-err")
	require.Empty(t, h.coordinationTasks(t, persistence.StatusPending))
}

func TestNewServerRequiresSecret(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	coord := queue.NewCoordination(store, config.QueuesConfig{CoordinationMaxRetries: 3}, metrics.Nop())

	_, err = NewServer(store, coord, nil, config.WebhookConfig{
		Addr:       ":0",
		SecretName: "FOREMAN_TEST_MISSING_SECRET",
	}, metrics.Nop())
	require.Error(t, err)

	srv, err := NewServer(store, coord, nil, config.WebhookConfig{
		Addr:          ":0",
		SecretName:    "FOREMAN_TEST_MISSING_SECRET",
		AllowUnsigned: true,
	}, metrics.Nop())
	require.NoError(t, err)
	require.NotNil(t, srv)
}

func TestPurgeLedger(t *testing.T) {
	h := newHarness(t, false)

	created, err := h.store.RecordDelivery("dl-old", "ticket.created")
	require.NoError(t, err)
	require.True(t, created)
	_, err = h.store.DB().Exec(`UPDATE webhook_deliveries SET received_at = ? WHERE delivery_id = ?`,
		persistence.FormatTime(time.Now().UTC().Add(-30*24*time.Hour)), "dl-old")
	require.NoError(t, err)

	created, err = h.store.RecordDelivery("dl-new", "ticket.created")
	require.NoError(t, err)
	require.True(t, created)

	purged, err := h.server.PurgeLedger()
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	created, err = h.store.RecordDelivery("dl-old", "ticket.created")
	require.NoError(t, err)
	assert.True(t, created, "a purged delivery id is a new delivery again")
}
