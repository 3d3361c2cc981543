package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pawzap/internal/queue"
	"pawzap/internal/resilience"
	"pawzap/internal/router"
	"pawzap/internal/session"
	"pawzap/internal/store"
)

type stubClient struct {
	mu       sync.Mutex
	events   chan session.Event
	loggedIn bool
	sent     []string
}

func newStubClient() *stubClient {
	return &stubClient{events: make(chan session.Event, 16), loggedIn: true}
}

func (c *stubClient) Connect(context.Context) error {
	if c.loggedIn {
		c.events <- session.ConnectedEvent{JID: "5511999@s.whatsapp.net"}
	}
	return nil
}

func (c *stubClient) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.events != nil {
		close(c.events)
		c.events = nil
	}
}

func (c *stubClient) Logout(context.Context) error {
	c.Disconnect()
	return nil
}

func (c *stubClient) PairPhone(context.Context, string) (string, error) { return "ABCD-1234", nil }

func (c *stubClient) SendText(_ context.Context, toJID, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, text)
	return fmt.Sprintf("WAMID-%d", len(c.sent)), nil
}

func (c *stubClient) IsLoggedIn() bool { return c.loggedIn }

func (c *stubClient) SnapshotCredentials(context.Context) ([]byte, error) {
	return []byte(`{"jid":"5511999@s.whatsapp.net"}`), nil
}

func (c *stubClient) Events() <-chan session.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events
}

type noopNotifier struct{}

func (noopNotifier) Notify(string, string, map[string]any) {}

type apiFixture struct {
	server   *Server
	store    *store.Store
	sessions *session.Manager
	client   *stubClient
	jobs     *captureJobs
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	db, err := sqlx.Connect("sqlite", ":memory:")
	require.NoError(t, err)
	st := store.NewWithDB(db, "sqlite")
	require.NoError(t, st.InitSchema(context.Background()))
	t.Cleanup(func() { st.Close() })

	client := newStubClient()
	factory := func(context.Context, string) (session.Client, error) { return client, nil }
	cipher, err := session.NewSessionCipher("test-passphrase")
	require.NoError(t, err)
	sessions := session.NewManager(
		session.NewRegistry(),
		st,
		factory,
		noopNotifier{},
		func(context.Context, string, session.MessageEvent) error { return nil },
		cipher,
		session.DefaultReconnectConfig(),
	)
	t.Cleanup(sessions.Close)

	breaker := resilience.NewCircuitBreaker(resilience.DefaultSettings("ai"))
	jobs := &captureJobs{}
	return &apiFixture{
		server:   NewServer(st, sessions, nil, jobs, breaker),
		store:    st,
		sessions: sessions,
		client:   client,
		jobs:     jobs,
	}
}

type captureJobs struct {
	mu   sync.Mutex
	jobs []queue.Job
	err  error
}

func (c *captureJobs) PublishJob(_ context.Context, job queue.Job) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.jobs = append(c.jobs, job)
	return nil
}

func (c *captureJobs) published() []queue.Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]queue.Job(nil), c.jobs...)
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (f *apiFixture) createOrg(t *testing.T) string {
	rec := f.do(t, http.MethodPost, "/admin/organizations", map[string]any{
		"name":          "Banho e Tosa Central",
		"businessHours": "seg-sab 8h-18h",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	return decodeMap(t, rec)["id"].(string)
}

func TestCreateAndListOrganizations(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createOrg(t)
	assert.NotEmpty(t, id)

	rec := f.do(t, http.MethodGet, "/admin/organizations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var orgs []store.Organization
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &orgs))
	require.Len(t, orgs, 1)
	assert.Equal(t, "Banho e Tosa Central", orgs[0].Name)
}

func TestCreateOrganizationRequiresName(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/admin/organizations", map[string]any{"businessHours": "24h"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetWebhook(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createOrg(t)

	rec := f.do(t, http.MethodPut, "/admin/organizations/"+id+"/webhook", map[string]any{
		"url": "https://crm.example.com/hooks/wa",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	org, err := f.store.GetOrganization(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "https://crm.example.com/hooks/wa", org.WebhookURL)

	rec = f.do(t, http.MethodPut, "/admin/organizations/missing/webhook", map[string]any{"url": "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOwnerNumbersAreNormalized(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createOrg(t)

	rec := f.do(t, http.MethodPost, "/admin/organizations/"+id+"/owners", map[string]any{
		"phoneNumber": "+55 (11) 99999-0001",
		"label":       "dona",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodGet, "/admin/organizations/"+id+"/owners", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeMap(t, rec)
	owners := body["owners"].([]any)
	require.Len(t, owners, 1)
	assert.Equal(t, "5511999990001", owners[0])
}

func TestConnectStatusAndSend(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createOrg(t)

	rec := f.do(t, http.MethodPost, "/orgs/"+id+"/connect", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	assert.Eventually(t, func() bool {
		status, err := f.sessions.Status(id)
		return err == nil && status == session.StatusConnected
	}, time.Second, 10*time.Millisecond)

	rec = f.do(t, http.MethodGet, "/orgs/"+id+"/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "connected", decodeMap(t, rec)["status"])

	rec = f.do(t, http.MethodPost, "/orgs/"+id+"/send", map[string]any{
		"to":   "5511988887777",
		"text": "seu banho está agendado",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "WAMID-1", decodeMap(t, rec)["messageId"])

	rec = f.do(t, http.MethodPost, "/orgs/"+id+"/send", map[string]any{"to": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConnectReturnsPairingCode(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createOrg(t)
	f.client.loggedIn = false

	rec := f.do(t, http.MethodPost, "/orgs/"+id+"/connect", map[string]any{
		"phoneNumber": "5511999990000",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeMap(t, rec)
	assert.Equal(t, "pairing_pending", body["status"])
	assert.Equal(t, "ABCD-1234", body["pairingCode"])
	assert.NotEmpty(t, body["pairingCodeExpiresAt"])
}

func TestConnectTwiceConflicts(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createOrg(t)

	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/orgs/"+id+"/connect", nil).Code)
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/orgs/"+id+"/connect", nil).Code)
}

func TestSessionEndpointsFor404(t *testing.T) {
	f := newAPIFixture(t)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/orgs/nope/status", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/orgs/nope/health", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/orgs/nope/disconnect", nil).Code)
}

func TestBackupAndValidate(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createOrg(t)

	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/orgs/"+id+"/connect", nil).Code)
	assert.Eventually(t, func() bool {
		status, err := f.sessions.Status(id)
		return err == nil && status == session.StatusConnected
	}, time.Second, 10*time.Millisecond)

	rec := f.do(t, http.MethodPost, "/orgs/"+id+"/backup", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEmpty(t, decodeMap(t, rec)["backupId"])

	rec = f.do(t, http.MethodGet, "/orgs/"+id+"/backup/validate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeMap(t, rec)["valid"])
}

func TestHealthSummaryAndDiagnostics(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createOrg(t)
	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/orgs/"+id+"/connect", nil).Code)
	assert.Eventually(t, func() bool {
		status, err := f.sessions.Status(id)
		return err == nil && status == session.StatusConnected
	}, time.Second, 10*time.Millisecond)

	rec := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeMap(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["sessions"])

	rec = f.do(t, http.MethodGet, "/diagnostics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	diag := decodeMap(t, rec)
	assert.Len(t, diag["breakers"], 1)
}

func TestUsageSummaryValidatesSince(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createOrg(t)

	rec := f.do(t, http.MethodGet, "/admin/organizations/"+id+"/usage?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/admin/organizations/"+id+"/usage", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeMap(t, rec)
	usage := body["usage"].(map[string]any)
	assert.Equal(t, float64(0), usage["interactions"])
}

func TestEnqueueWebhook(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createOrg(t)

	rec := f.do(t, http.MethodPost, "/webhook", map[string]any{
		"organizationId": id,
		"message": map[string]any{
			"externalId": "WAMID-10",
			"fromJid":    "5511988887777@s.whatsapp.net",
			"fromNumber": "5511988887777",
			"pushName":   "Ana",
			"text":       "qual o horário de sábado?",
		},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, true, decodeMap(t, rec)["queued"])

	published := f.jobs.published()
	require.Len(t, published, 1)
	assert.Equal(t, id, published[0].OrganizationID)
	assert.Equal(t, router.JobKindText, published[0].Kind)

	payload, err := router.DecodePayload(published[0])
	require.NoError(t, err)
	text, ok := payload.(router.TextMessage)
	require.True(t, ok)
	assert.Equal(t, "qual o horário de sábado?", text.Text)
	assert.Equal(t, "WAMID-10", text.ExternalID)
}

func TestEnqueueWebhookMediaAndValidation(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createOrg(t)

	rec := f.do(t, http.MethodPost, "/webhook", map[string]any{
		"organizationId": id,
		"message": map[string]any{
			"externalId": "WAMID-11",
			"fromNumber": "5511988887777",
			"caption":    "foto do meu cachorro",
			"mimeType":   "image/jpeg",
			"mediaUrl":   "https://media.example.com/k.jpg",
		},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	published := f.jobs.published()
	require.Len(t, published, 1)
	assert.Equal(t, router.JobKindMedia, published[0].Kind)

	// Missing required fields enqueue nothing.
	rec = f.do(t, http.MethodPost, "/webhook", map[string]any{
		"organizationId": id,
		"message":        map[string]any{"text": "sem id"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, f.jobs.published(), 1)
}

func TestSessionDiagnostics(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createOrg(t)
	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/orgs/"+id+"/connect", nil).Code)
	assert.Eventually(t, func() bool {
		status, err := f.sessions.Status(id)
		return err == nil && status == session.StatusConnected
	}, time.Second, 10*time.Millisecond)

	rec := f.do(t, http.MethodGet, "/orgs/"+id+"/diagnostics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeMap(t, rec)
	assert.Equal(t, "ok", body["overall"])
	assert.Len(t, body["checks"], 4)
}

func TestDeliveryEndpointsWithoutManager(t *testing.T) {
	f := newAPIFixture(t)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/delivery/status", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/delivery/events/abc", nil).Code)
}
