package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
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
	"github.com/padsign/padsign/protocol"
)

func TestMain(m *testing.M) {
	metrics.InitCustomMetrics(prometheus.NewRegistry())
	m.Run()
}

// --- fakes ---

type fakeTransport struct {
	mu   sync.Mutex
	sent [][]byte
	fail bool
}

func (t *fakeTransport) Send(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail {
		return assert.AnError
	}
	buf := make([]byte, len(frame))
	copy(buf, frame)
	t.sent = append(t.sent, buf)
	return nil
}

func (t *fakeTransport) Close(string) error { return nil }
func (t *fakeTransport) RemoteAddr() string { return "test:0" }

func (t *fakeTransport) frames(tb testing.TB) []*protocol.Frame {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*protocol.Frame, 0, len(t.sent))
	for _, raw := range t.sent {
		f, err := protocol.Decode(raw)
		require.NoError(tb, err)
		out = append(out, f)
	}
	return out
}

// memSessionRepo is an in-memory SessionRepository with real CAS
// semantics, so the status-conflict paths run for real.
type memSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*domain.SignatureSession
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{sessions: make(map[string]*domain.SignatureSession)}
}

func (r *memSessionRepo) StoreSession(_ context.Context, s *domain.SignatureSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.sessions[s.ID] = &cp
	return nil
}

func (r *memSessionRepo) GetSessionByID(_ context.Context, id string) (*domain.SignatureSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *memSessionRepo) UpdateSessionStatus(_ context.Context, id string, expected domain.SessionStatus, update *domain.SignatureSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
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

func (r *memSessionRepo) ListExpiredSessions(_ context.Context, now time.Time, limit int) ([]*domain.SignatureSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.SignatureSession
	for _, s := range r.sessions {
		if !s.Status.IsTerminal() && s.ExpiresAt.Before(now) {
			cp := *s
			out = append(out, &cp)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (r *memSessionRepo) ListSessionsByTenant(_ context.Context, tenantID string, filter domain.SessionFilter) ([]*domain.SignatureSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.SignatureSession
	for _, s := range r.sessions {
		if s.TenantID != tenantID {
			continue
		}
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		if filter.Kind != "" && s.Kind != filter.Kind {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

// fakeDirectory serves a fixed set of connections.
type fakeDirectory struct {
	mu           sync.Mutex
	tablets      map[string]*domain.DeviceConnection
	workstations map[string]*domain.WorkstationConnection
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		tablets:      make(map[string]*domain.DeviceConnection),
		workstations: make(map[string]*domain.WorkstationConnection),
	}
}

func (d *fakeDirectory) addTablet(deviceID, tenantID, locationID string) *fakeTransport {
	tr := &fakeTransport{}
	d.mu.Lock()
	d.tablets[deviceID] = &domain.DeviceConnection{
		DeviceID: deviceID, TenantID: tenantID, LocationID: locationID,
		Authenticated: true, Transport: tr,
	}
	d.mu.Unlock()
	return tr
}

func (d *fakeDirectory) addWorkstation(workstationID, tenantID string) *fakeTransport {
	tr := &fakeTransport{}
	d.mu.Lock()
	d.workstations[workstationID] = &domain.WorkstationConnection{
		WorkstationID: workstationID, TenantID: tenantID,
		Authenticated: true, Transport: tr,
	}
	d.mu.Unlock()
	return tr
}

func (d *fakeDirectory) LookupTablet(deviceID string) *domain.DeviceConnection {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tablets[deviceID]
}

func (d *fakeDirectory) LookupWorkstation(workstationID string) *domain.WorkstationConnection {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.workstations[workstationID]
}

func (d *fakeDirectory) SelectTablet(tenantID, locationID, _ string, busy func(string) bool) *domain.DeviceConnection {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, conn := range d.tablets {
		if conn.TenantID != tenantID {
			continue
		}
		if locationID != "" && conn.LocationID != locationID {
			continue
		}
		if busy(conn.DeviceID) {
			continue
		}
		return conn
	}
	return nil
}

// staleDirectory answers selection from a view that never sees devices
// as busy, modeling a concurrent dispatch racing the inflight bookkeeping.
type staleDirectory struct{ *fakeDirectory }

func (d *staleDirectory) SelectTablet(tenantID, locationID, workstationID string, _ func(string) bool) *domain.DeviceConnection {
	return d.fakeDirectory.SelectTablet(tenantID, locationID, workstationID, func(string) bool { return false })
}

type fakeRenderer struct {
	doc []byte
	err error
}

func (r *fakeRenderer) Render(context.Context, string) ([]byte, error) {
	return r.doc, r.err
}

// --- helpers ---

func newTestOrchestrator(t *testing.T) (*Orchestrator, *memSessionRepo, *fakeDirectory, artifactcache.Cache) {
	t.Helper()
	repo := newMemSessionRepo()
	dir := newFakeDirectory()
	cache := artifactcache.NewMemoryCache(time.Minute, 64)
	t.Cleanup(func() { _ = cache.Close() })
	orch := New(repo, dir, cache, &fakeRenderer{doc: []byte("%PDF-fake")}, Config{
		SimpleTTL:         2 * time.Minute,
		DocumentTTL:       30 * time.Minute,
		MaxSignatureBytes: 1024,
	})
	return orch, repo, dir, cache
}

func simpleRequest() *CreateRequest {
	return &CreateRequest{
		TenantID:      "t1",
		LocationID:    "loc1",
		WorkstationID: "ws1",
		SignerName:    "Jane Roe",
		Kind:          domain.KindSimple,
	}
}

func createAndDispatch(t *testing.T, orch *Orchestrator, req *CreateRequest) *domain.SignatureSession {
	t.Helper()
	session, err := orch.CreateSession(context.Background(), req)
	require.NoError(t, err)
	res, err := orch.Dispatch(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, OutcomeDispatched, res.Outcome)
	got, err := orch.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	return got
}

// --- tests ---

func TestCreateSessionValidation(t *testing.T) {
	orch, _, _, _ := newTestOrchestrator(t)

	tests := []struct {
		name string
		req  *CreateRequest
	}{
		{"missing tenant", &CreateRequest{WorkstationID: "ws1", Kind: domain.KindSimple}},
		{"missing workstation", &CreateRequest{TenantID: "t1", Kind: domain.KindSimple}},
		{"unknown kind", &CreateRequest{TenantID: "t1", WorkstationID: "ws1", Kind: "fancy"}},
		{"document without record", &CreateRequest{TenantID: "t1", WorkstationID: "ws1", Kind: domain.KindDocument}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := orch.CreateSession(context.Background(), tc.req)
			assert.True(t, pserr.IsCode(err, pserr.InvalidRequest), "got %v", err)
		})
	}
}

func TestCreateSessionTTLPerKind(t *testing.T) {
	orch, _, _, _ := newTestOrchestrator(t)

	simple, err := orch.CreateSession(context.Background(), simpleRequest())
	require.NoError(t, err)
	assert.WithinDuration(t, simple.CreatedAt.Add(2*time.Minute), simple.ExpiresAt, time.Second)
	assert.Equal(t, domain.StatusPending, simple.Status)

	doc, err := orch.CreateSession(context.Background(), &CreateRequest{
		TenantID: "t1", WorkstationID: "ws1", Kind: domain.KindDocument, RecordID: "rec-1",
	})
	require.NoError(t, err)
	assert.WithinDuration(t, doc.CreatedAt.Add(30*time.Minute), doc.ExpiresAt, time.Second)
}

func TestDispatchNoDeviceLeavesSessionPending(t *testing.T) {
	orch, repo, _, _ := newTestOrchestrator(t)

	session, err := orch.CreateSession(context.Background(), simpleRequest())
	require.NoError(t, err)

	res, err := orch.Dispatch(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoDeviceAvailable, res.Outcome)

	stored, err := repo.GetSessionByID(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, stored.Status, "undeliverable sessions stay Pending until expiry")
}

func TestListSessions(t *testing.T) {
	orch, _, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := orch.CreateSession(ctx, simpleRequest())
	require.NoError(t, err)
	_, err = orch.CreateSession(ctx, &CreateRequest{
		TenantID: "t1", WorkstationID: "ws1", Kind: domain.KindDocument, RecordID: "rec-1",
	})
	require.NoError(t, err)
	_, err = orch.CreateSession(ctx, &CreateRequest{
		TenantID: "t2", WorkstationID: "ws9", Kind: domain.KindSimple,
	})
	require.NoError(t, err)

	all, err := orch.ListSessions(ctx, "t1", domain.SessionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2, "listings never cross tenants")

	docs, err := orch.ListSessions(ctx, "t1", domain.SessionFilter{Kind: domain.KindDocument})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "rec-1", docs[0].DocumentRef)

	_, err = orch.ListSessions(ctx, "", domain.SessionFilter{})
	assert.True(t, pserr.IsCode(err, pserr.InvalidRequest))
}

func TestDispatchReservesDeviceAtomically(t *testing.T) {
	repo := newMemSessionRepo()
	dir := &staleDirectory{newFakeDirectory()}
	cache := artifactcache.NewMemoryCache(time.Minute, 64)
	t.Cleanup(func() { _ = cache.Close() })
	orch := New(repo, dir, cache, &fakeRenderer{doc: []byte("%PDF-fake")}, Config{MaxSignatureBytes: 1024})
	dir.addTablet("d1", "t1", "loc1")

	first := createAndDispatch(t, orch, simpleRequest())
	assert.Equal(t, "d1", first.TargetDeviceID)

	// Selection saw the device idle, but the reservation must refuse a
	// second binding.
	second, err := orch.CreateSession(context.Background(), simpleRequest())
	require.NoError(t, err)
	res, err := orch.Dispatch(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoDeviceAvailable, res.Outcome)

	stored, err := repo.GetSessionByID(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, stored.Status)
	assert.Empty(t, stored.TargetDeviceID)
}

func TestDispatchBindsDeviceAndMarksBusy(t *testing.T) {
	orch, _, dir, _ := newTestOrchestrator(t)
	tabletTr := dir.addTablet("d1", "t1", "loc1")

	session := createAndDispatch(t, orch, simpleRequest())
	assert.Equal(t, domain.StatusSentToDevice, session.Status)
	assert.Equal(t, "d1", session.TargetDeviceID)

	frames := tabletTr.frames(t)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.TypeSignatureRequest, frames[0].Type)

	// The busy device is skipped for the next dispatch.
	second, err := orch.CreateSession(context.Background(), simpleRequest())
	require.NoError(t, err)
	res, err := orch.Dispatch(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoDeviceAvailable, res.Outcome)
}

func TestDispatchDocumentCarriesRenderedDocument(t *testing.T) {
	orch, _, dir, cache := newTestOrchestrator(t)
	tabletTr := dir.addTablet("d1", "t1", "loc1")

	session := createAndDispatch(t, orch, &CreateRequest{
		TenantID: "t1", LocationID: "loc1", WorkstationID: "ws1",
		Kind: domain.KindDocument, RecordID: "rec-1",
	})
	assert.Equal(t, domain.StatusSentToDevice, session.Status)

	frames := tabletTr.frames(t)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.TypeDocumentSignatureRequest, frames[0].Type)

	var payload protocol.SignatureRequestPayload
	require.NoError(t, json.Unmarshal(frames[0].Payload, &payload))
	assert.True(t, bytes.Equal([]byte("%PDF-fake"), payload.Document))

	artifact, ok := cache.Get(context.Background(), session.ID)
	require.True(t, ok, "document is pre-cached at dispatch")
	assert.Equal(t, []byte("%PDF-fake"), artifact.DocumentBytes)
}

func TestDispatchNonPendingFails(t *testing.T) {
	orch, _, dir, _ := newTestOrchestrator(t)
	dir.addTablet("d1", "t1", "loc1")

	session := createAndDispatch(t, orch, simpleRequest())
	_, err := orch.Dispatch(context.Background(), session.ID)
	assert.True(t, pserr.IsCode(err, pserr.InvalidState))
}

func TestRecordProgressForwardOnly(t *testing.T) {
	orch, repo, dir, _ := newTestOrchestrator(t)
	dir.addTablet("d1", "t1", "loc1")
	session := createAndDispatch(t, orch, simpleRequest())

	orch.RecordProgress(context.Background(), session.ID, domain.StatusSigningInProgress)
	stored, _ := repo.GetSessionByID(context.Background(), session.ID)
	assert.Equal(t, domain.StatusSigningInProgress, stored.Status)

	// Backward update is ignored, not applied.
	orch.RecordProgress(context.Background(), session.ID, domain.StatusDeviceViewing)
	stored, _ = repo.GetSessionByID(context.Background(), session.ID)
	assert.Equal(t, domain.StatusSigningInProgress, stored.Status)

	// Non-progress states are ignored outright.
	orch.RecordProgress(context.Background(), session.ID, domain.StatusCompleted)
	stored, _ = repo.GetSessionByID(context.Background(), session.ID)
	assert.Equal(t, domain.StatusSigningInProgress, stored.Status)
}

func TestSubmitCompletesAndNotifiesWorkstationOnce(t *testing.T) {
	orch, repo, dir, _ := newTestOrchestrator(t)
	dir.addTablet("d1", "t1", "loc1")
	wsTr := dir.addWorkstation("ws1", "t1")
	session := createAndDispatch(t, orch, simpleRequest())

	sub := &Submission{
		SessionID:      session.ID,
		DeviceID:       "d1",
		SignatureImage: []byte("png-bytes"),
	}
	res, err := orch.Submit(context.Background(), sub)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Duplicate)
	assert.Equal(t, "inline:"+session.ID, res.SignatureRef)

	stored, _ := repo.GetSessionByID(context.Background(), session.ID)
	assert.Equal(t, domain.StatusCompleted, stored.Status)
	assert.Equal(t, []byte("png-bytes"), stored.Signature)
	require.NotNil(t, stored.CompletedAt)

	// Duplicate submission: same result, no second notification.
	dup, err := orch.Submit(context.Background(), sub)
	require.NoError(t, err)
	assert.True(t, dup.Success)
	assert.True(t, dup.Duplicate)
	assert.Equal(t, res.SignatureRef, dup.SignatureRef)

	completed := 0
	for _, f := range wsTr.frames(t) {
		if f.Type == protocol.TypeSignatureCompleted {
			completed++
		}
	}
	assert.Equal(t, 1, completed, "workstation sees exactly one completion")
}

func TestSubmitDocumentAttachesToCache(t *testing.T) {
	orch, repo, dir, cache := newTestOrchestrator(t)
	dir.addTablet("d1", "t1", "loc1")
	session := createAndDispatch(t, orch, &CreateRequest{
		TenantID: "t1", LocationID: "loc1", WorkstationID: "ws1",
		Kind: domain.KindDocument, RecordID: "rec-1",
	})

	res, err := orch.Submit(context.Background(), &Submission{
		SessionID:      session.ID,
		DeviceID:       "d1",
		SignerName:     "John Doe",
		SignatureImage: []byte("sig"),
		Metadata:       map[string]string{"pad": "v2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "cache:"+session.ID, res.SignatureRef)

	artifact, ok := cache.Get(context.Background(), session.ID)
	require.True(t, ok)
	assert.Equal(t, []byte("sig"), artifact.SignatureImage)
	assert.Equal(t, []byte("%PDF-fake"), artifact.DocumentBytes)
	assert.Equal(t, "John Doe", artifact.SignerName)
	assert.Equal(t, "d1", artifact.TargetDeviceID)
	assert.Equal(t, "v2", artifact.Metadata["pad"])

	stored, _ := repo.GetSessionByID(context.Background(), session.ID)
	assert.Empty(t, stored.Signature, "document signatures live in the cache, not the session record")
}

func TestSubmitRejections(t *testing.T) {
	orch, _, dir, _ := newTestOrchestrator(t)
	dir.addTablet("d1", "t1", "loc1")
	session := createAndDispatch(t, orch, simpleRequest())

	tests := []struct {
		name string
		sub  *Submission
		code string
	}{
		{"unknown session", &Submission{SessionID: "nope", DeviceID: "d1", SignatureImage: []byte("x")}, pserr.SessionNotFound},
		{"unbound device", &Submission{SessionID: session.ID, DeviceID: "d3", SignatureImage: []byte("x")}, pserr.UnauthorizedDevice},
		{"missing device id", &Submission{SessionID: session.ID, SignatureImage: []byte("x")}, pserr.UnauthorizedDevice},
		{"empty signature", &Submission{SessionID: session.ID, DeviceID: "d1"}, pserr.InvalidSignaturePayload},
		{"oversized signature", &Submission{SessionID: session.ID, DeviceID: "d1", SignatureImage: make([]byte, 2048)}, pserr.InvalidSignaturePayload},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := orch.Submit(context.Background(), tc.sub)
			assert.True(t, pserr.IsCode(err, tc.code), "expected %s, got %v", tc.code, err)
		})
	}
}

func TestSubmitPendingSessionRejected(t *testing.T) {
	orch, _, _, _ := newTestOrchestrator(t)
	session, err := orch.CreateSession(context.Background(), simpleRequest())
	require.NoError(t, err)

	_, err = orch.Submit(context.Background(), &Submission{
		SessionID: session.ID, DeviceID: "d1", SignatureImage: []byte("x"),
	})
	assert.True(t, pserr.IsCode(err, pserr.InvalidState))
}

func TestSubmitAfterExpiryWindowRejected(t *testing.T) {
	orch, repo, dir, _ := newTestOrchestrator(t)
	dir.addTablet("d1", "t1", "loc1")
	session := createAndDispatch(t, orch, simpleRequest())

	// Force the window into the past; the sweep has not run.
	repo.mu.Lock()
	repo.sessions[session.ID].ExpiresAt = time.Now().Add(-time.Second)
	repo.mu.Unlock()

	_, err := orch.Submit(context.Background(), &Submission{
		SessionID: session.ID, DeviceID: "d1", SignatureImage: []byte("x"),
	})
	assert.True(t, pserr.IsCode(err, pserr.SessionExpired), "got %v", err)

	stored, _ := repo.GetSessionByID(context.Background(), session.ID)
	assert.Equal(t, domain.StatusExpired, stored.Status, "lazy expiry applies before the sweep")
}

func TestCancelNotifiesBothPartiesWithoutClosing(t *testing.T) {
	orch, repo, dir, _ := newTestOrchestrator(t)
	tabletTr := dir.addTablet("d1", "t1", "loc1")
	wsTr := dir.addWorkstation("ws1", "t1")
	session := createAndDispatch(t, orch, simpleRequest())

	require.NoError(t, orch.Cancel(context.Background(), session.ID, "operator", "customer left"))

	stored, _ := repo.GetSessionByID(context.Background(), session.ID)
	assert.Equal(t, domain.StatusCancelled, stored.Status)
	assert.Equal(t, "customer left", stored.StatusReason)

	tabletFrames := tabletTr.frames(t)
	assert.Equal(t, protocol.TypeSessionCancelled, tabletFrames[len(tabletFrames)-1].Type)
	wsFrames := wsTr.frames(t)
	assert.Equal(t, protocol.TypeSessionCancelled, wsFrames[len(wsFrames)-1].Type)

	// Cancelling a terminal session is an invalid-state error.
	err := orch.Cancel(context.Background(), session.ID, "operator", "again")
	assert.True(t, pserr.IsCode(err, pserr.InvalidState))

	// The device is free for the next dispatch.
	next, err := orch.CreateSession(context.Background(), simpleRequest())
	require.NoError(t, err)
	res, err := orch.Dispatch(context.Background(), next.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDispatched, res.Outcome)
}

func TestExpireDueSweep(t *testing.T) {
	orch, repo, dir, _ := newTestOrchestrator(t)
	dir.addTablet("d1", "t1", "loc1")
	wsTr := dir.addWorkstation("ws1", "t1")
	session := createAndDispatch(t, orch, simpleRequest())

	repo.mu.Lock()
	repo.sessions[session.ID].ExpiresAt = time.Now().Add(-time.Minute)
	repo.mu.Unlock()

	expired := orch.ExpireDue(context.Background(), time.Now())
	assert.Equal(t, 1, expired)

	stored, _ := repo.GetSessionByID(context.Background(), session.ID)
	assert.Equal(t, domain.StatusExpired, stored.Status)

	wsFrames := wsTr.frames(t)
	assert.Equal(t, protocol.TypeSessionExpired, wsFrames[len(wsFrames)-1].Type)

	// Terminal sessions are not re-expired.
	assert.Zero(t, orch.ExpireDue(context.Background(), time.Now()))
}

func TestGetSessionAppliesLazyExpiry(t *testing.T) {
	orch, repo, _, _ := newTestOrchestrator(t)
	session, err := orch.CreateSession(context.Background(), simpleRequest())
	require.NoError(t, err)

	repo.mu.Lock()
	repo.sessions[session.ID].ExpiresAt = time.Now().Add(-time.Second)
	repo.mu.Unlock()

	got, err := orch.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, got.Status)

	_, err = orch.GetSession(context.Background(), "missing")
	assert.True(t, pserr.IsCode(err, pserr.SessionNotFound))
}
