package httpserver_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/syncd/internal/httpserver"
	"github.com/teranos/syncd/internal/ingest"
	"github.com/teranos/syncd/internal/store"
	"github.com/teranos/syncd/internal/supervisor"
)

type fakeSupervisor struct {
	ready    bool
	statuses map[string]supervisor.NodeHealth
	store    *store.Store
	ingestor *ingest.Ingestor
}

func (f *fakeSupervisor) Ready() bool                                 { return f.ready }
func (f *fakeSupervisor) NodeStatus() map[string]supervisor.NodeHealth { return f.statuses }
func (f *fakeSupervisor) Store() *store.Store                         { return f.store }
func (f *fakeSupervisor) Ingestor() *ingest.Ingestor                   { return f.ingestor }

func newTestServer(t *testing.T) (*httpserver.Server, *fakeSupervisor) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "syncd.db")
	db, err := store.OpenWithMigrations(dbPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := store.New(db)
	ig := ingest.New(s, ingest.Config{Nodes: []ingest.NodeInfo{{Name: "wan"}, {Name: "lan", Passwordless: true}}})

	fake := &fakeSupervisor{
		ready:    true,
		statuses: map[string]supervisor.NodeHealth{"wan": {Reachable: true}, "lan": {Reachable: false}},
		store:    s,
		ingestor: ig,
	}
	return httpserver.New(fake, zap.NewNop().Sugar()), fake
}

func TestHealthzAlwaysOK(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyzReflectsSupervisor(t *testing.T) {
	srv, fake := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	fake.ready = false
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWebhookUnknownNodeReturns404(t *testing.T) {
	srv, _ := newTestServer(t)
	body := strings.NewReader(`{"NotificationType":"PlaybackProgress","NotificationUsername":"alice"}`)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook/ghost", body))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookMalformedBodyReturns400(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook/wan", strings.NewReader(`not json`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookAcceptedEnqueuesIntent(t *testing.T) {
	srv, _ := newTestServer(t)
	body := strings.NewReader(`{
		"NotificationType": "PlaybackProgress",
		"NotificationUsername": "alice",
		"Path": "/mnt/nfs/movies/x.mkv",
		"PlaybackPositionTicks": 6000000000
	}`)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook/wan", body))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		IntentIDs []int64 `json:"intent_ids"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.IntentIDs, 1)
}

func TestPendingEventsProjection(t *testing.T) {
	srv, _ := newTestServer(t)
	body := strings.NewReader(`{
		"NotificationType": "PlaybackProgress",
		"NotificationUsername": "alice",
		"Path": "/mnt/nfs/movies/x.mkv",
		"PlaybackPositionTicks": 6000000000
	}`)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook/wan", body))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/events/pending", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "alice")
}

func TestStatusReportsNodeHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "wan")
}
