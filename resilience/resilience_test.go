package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/padsign/padsign/artifactcache"
	"github.com/padsign/padsign/domain"
	pserr "github.com/padsign/padsign/errors"
	"github.com/padsign/padsign/internal/metrics"
	"github.com/padsign/padsign/orchestrator"
)

func TestMain(m *testing.M) {
	metrics.InitCustomMetrics(prometheus.NewRegistry())
	m.Run()
}

var errBackendDown = errors.New("backend down")

// flakyRepo fails selected operations a configurable number of times
// before behaving like an in-memory store.
type flakyRepo struct {
	mu          sync.Mutex
	sessions    map[string]*domain.SignatureSession
	storeCalls  int
	failStores  int
	updateCalls int
	failUpdates int
}

func newFlakyRepo() *flakyRepo {
	return &flakyRepo{sessions: map[string]*domain.SignatureSession{}}
}

func (r *flakyRepo) StoreSession(_ context.Context, s *domain.SignatureSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.storeCalls++
	if r.failStores != 0 {
		r.failStores--
		return errBackendDown
	}
	cp := *s
	r.sessions[s.ID] = &cp
	return nil
}

func (r *flakyRepo) GetSessionByID(_ context.Context, id string) (*domain.SignatureSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *flakyRepo) UpdateSessionStatus(_ context.Context, id string, expected domain.SessionStatus, update *domain.SignatureSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateCalls++
	if r.failUpdates != 0 {
		r.failUpdates--
		return errBackendDown
	}
	s, ok := r.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	if s.Status != expected {
		return domain.ErrStatusConflict
	}
	cp := *update
	r.sessions[id] = &cp
	return nil
}

func (r *flakyRepo) ListExpiredSessions(context.Context, time.Time, int) ([]*domain.SignatureSession, error) {
	return nil, nil
}

func (r *flakyRepo) ListSessionsByTenant(context.Context, string, domain.SessionFilter) ([]*domain.SignatureSession, error) {
	return nil, nil
}

func (r *flakyRepo) stores() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.storeCalls
}

type nullTransport struct{}

func (nullTransport) Send([]byte) error  { return nil }
func (nullTransport) Close(string) error { return nil }
func (nullTransport) RemoteAddr() string { return "test:0" }

// staticDirectory always offers the same idle tablet.
type staticDirectory struct{ conn *domain.DeviceConnection }

func (d *staticDirectory) LookupTablet(string) *domain.DeviceConnection { return d.conn }

func (d *staticDirectory) LookupWorkstation(string) *domain.WorkstationConnection { return nil }

func (d *staticDirectory) SelectTablet(tenantID, _, _ string, busy func(string) bool) *domain.DeviceConnection {
	if d.conn == nil || d.conn.TenantID != tenantID || busy(d.conn.DeviceID) {
		return nil
	}
	return d.conn
}

type noopRenderer struct{}

func (noopRenderer) Render(context.Context, string) ([]byte, error) { return []byte("doc"), nil }

func newWrapper(t *testing.T, repo *flakyRepo, cfg Config) *Wrapper {
	t.Helper()
	cache := artifactcache.NewMemoryCache(time.Minute, 16)
	t.Cleanup(func() { _ = cache.Close() })
	directory := &staticDirectory{conn: &domain.DeviceConnection{
		DeviceID:      "d1",
		TenantID:      "t1",
		LocationID:    "loc1",
		Authenticated: true,
		Transport:     nullTransport{},
	}}
	orch := orchestrator.New(repo, directory, cache, noopRenderer{}, orchestrator.Config{})
	return New(orch, cfg)
}

func createRequest() *orchestrator.CreateRequest {
	return &orchestrator.CreateRequest{
		TenantID:      "t1",
		LocationID:    "loc1",
		WorkstationID: "ws1",
		Kind:          domain.KindSimple,
	}
}

func TestCreateAndDispatchHappyPath(t *testing.T) {
	repo := newFlakyRepo()
	w := newWrapper(t, repo, Config{})

	outcome, err := w.CreateAndDispatch(context.Background(), createRequest())
	require.NoError(t, err)
	require.True(t, outcome.Success)
	assert.NotEmpty(t, outcome.SessionID)
	assert.Equal(t, orchestrator.OutcomeDispatched, outcome.Dispatch.Outcome)
	assert.Equal(t, "d1", outcome.Dispatch.DeviceID)
}

func TestRejectionPassesThroughUnretried(t *testing.T) {
	repo := newFlakyRepo()
	w := newWrapper(t, repo, Config{FailureThreshold: 2})

	// Validation rejections must not consume retries or trip the breaker.
	for i := 0; i < 5; i++ {
		_, err := w.CreateAndDispatch(context.Background(), &orchestrator.CreateRequest{
			WorkstationID: "ws1",
			Kind:          domain.KindSimple,
		})
		require.Error(t, err)
		assert.True(t, pserr.IsCode(err, pserr.InvalidRequest))
	}
	assert.Equal(t, 0, repo.stores())

	// A valid request still goes through; the breaker stayed closed.
	outcome, err := w.CreateAndDispatch(context.Background(), createRequest())
	require.NoError(t, err)
	assert.True(t, outcome.Success)
}

func TestBreakerOpensAndFallsBack(t *testing.T) {
	repo := newFlakyRepo()
	repo.failStores = -1 // fail forever
	w := newWrapper(t, repo, Config{
		FailureThreshold: 2,
		MaxRetries:       1,
		CallTimeout:      2 * time.Second,
	})

	for i := 0; i < 2; i++ {
		outcome, err := w.CreateAndDispatch(context.Background(), createRequest())
		require.NoError(t, err)
		assert.False(t, outcome.Success)
		assert.Equal(t, pserr.ServiceDegraded, outcome.Reason)
		assert.Empty(t, outcome.SessionID, "no session was ever persisted")
	}

	// The breaker is open now: the fallback short-circuits without a
	// backend call.
	before := repo.stores()
	outcome, err := w.CreateAndDispatch(context.Background(), createRequest())
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.Equal(t, pserr.ServiceDegraded, outcome.Reason)
	assert.Equal(t, before, repo.stores())
}

func TestRetryDoesNotRecreatePersistedSession(t *testing.T) {
	repo := newFlakyRepo()
	repo.failUpdates = 1 // first dispatch status write fails, then recovers
	w := newWrapper(t, repo, Config{
		FailureThreshold: 10,
		MaxRetries:       2,
		CallTimeout:      5 * time.Second,
	})

	outcome, err := w.CreateAndDispatch(context.Background(), createRequest())
	require.NoError(t, err)
	require.True(t, outcome.Success)
	assert.Equal(t, orchestrator.OutcomeDispatched, outcome.Dispatch.Outcome)
	assert.Equal(t, 1, repo.stores(), "the retry must reuse the persisted session")

	stored, err := repo.GetSessionByID(context.Background(), outcome.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSentToDevice, stored.Status)
}

func TestNoDeviceAvailableIsReportedNotDegraded(t *testing.T) {
	repo := newFlakyRepo()
	cache := artifactcache.NewMemoryCache(time.Minute, 16)
	t.Cleanup(func() { _ = cache.Close() })
	orch := orchestrator.New(repo, &staticDirectory{}, cache, noopRenderer{}, orchestrator.Config{})
	w := New(orch, Config{})

	outcome, err := w.CreateAndDispatch(context.Background(), createRequest())
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Equal(t, pserr.NoDeviceAvailable, outcome.Reason)
	assert.Equal(t, orchestrator.OutcomeNoDeviceAvailable, outcome.Dispatch.Outcome)
	assert.Equal(t, 1, repo.stores())
}

func TestSubmitRejectionPassesThrough(t *testing.T) {
	repo := newFlakyRepo()
	w := newWrapper(t, repo, Config{})

	_, err := w.Submit(context.Background(), &orchestrator.Submission{
		SessionID:      "missing",
		DeviceID:       "d1",
		SignatureImage: []byte("sig"),
	})
	require.Error(t, err)
	assert.True(t, pserr.IsCode(err, pserr.SessionNotFound))
}

func TestSubmitCompletesThroughWrapper(t *testing.T) {
	repo := newFlakyRepo()
	w := newWrapper(t, repo, Config{})

	created, err := w.CreateAndDispatch(context.Background(), createRequest())
	require.NoError(t, err)
	require.True(t, created.Success)

	outcome, err := w.Submit(context.Background(), &orchestrator.Submission{
		SessionID:      created.SessionID,
		DeviceID:       "d1",
		SignatureImage: []byte("sig"),
	})
	require.NoError(t, err)
	require.True(t, outcome.Success)
	assert.Equal(t, "inline:"+created.SessionID, outcome.Result.SignatureRef)
}
