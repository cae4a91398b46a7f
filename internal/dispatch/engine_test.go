package dispatch

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panelworks/fieldops/internal/fault"
	"github.com/panelworks/fieldops/internal/model"
	"github.com/panelworks/fieldops/internal/store"
)

// fakeStore is an in-memory Store for engine tests.
type fakeStore struct {
	sessions   map[string]*model.GapFillSession
	candidates map[string]*model.GapFillCandidate
	customers  map[string]model.CandidateCustomer
	log        []model.OutreachLogEntry
	onRoute    []string
	cancelled  []string
	attempted  []string

	confirmErr error
	expandErr  error
	markErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions:   map[string]*model.GapFillSession{},
		candidates: map[string]*model.GapFillCandidate{},
		customers:  map[string]model.CandidateCustomer{},
	}
}

func (f *fakeStore) CreateSession(ctx context.Context, s *model.GapFillSession) error {
	for _, existing := range f.sessions {
		if existing.Status == model.SessionStatusActive {
			return fault.Conflictf("a gap-fill session is already active")
		}
	}
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	cp := *s
	f.sessions[s.ID] = &cp
	return nil
}

func (f *fakeStore) GetSession(ctx context.Context, id string) (*model.GapFillSession, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, fault.NotFoundf("session not found: %s", id)
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStore) ActiveSession(ctx context.Context) (*model.GapFillSession, error) {
	for _, s := range f.sessions {
		if s.Status == model.SessionStatusActive {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) LatestSessionForRoute(ctx context.Context, routeID string) (*model.GapFillSession, error) {
	var latest *model.GapFillSession
	for _, s := range f.sessions {
		if s.RouteID != routeID {
			continue
		}
		if latest == nil || s.CreatedAt.After(latest.CreatedAt) {
			latest = s
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (f *fakeStore) ExpandSession(ctx context.Context, sessionID string, layer int, ranked []model.RankedCandidate, now time.Time) ([]model.GapFillCandidate, error) {
	if f.expandErr != nil {
		return nil, f.expandErr
	}
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, fault.NotFoundf("session not found: %s", sessionID)
	}
	if s.Status != model.SessionStatusActive {
		return nil, fault.InvalidStatef("session %s is %s, not active", sessionID, s.Status)
	}
	out, err := f.InsertCandidates(ctx, sessionID, ranked, now)
	if err != nil {
		return nil, err
	}
	s.SearchLayer = layer
	return out, nil
}

func (f *fakeStore) CloseSession(ctx context.Context, sessionID string, at time.Time) (*model.GapFillSession, error) {
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, fault.NotFoundf("session not found: %s", sessionID)
	}
	if s.Status != model.SessionStatusActive {
		return nil, fault.InvalidStatef("session %s is already %s", sessionID, s.Status)
	}
	s.Status = model.SessionStatusClosed
	s.Resolution = model.ResolutionUnfilled
	s.ResolvedAt = &at
	cp := *s
	return &cp, nil
}

func (f *fakeStore) SetTechMovedOn(ctx context.Context, sessionID string) error {
	s, ok := f.sessions[sessionID]
	if !ok {
		return fault.NotFoundf("session not found: %s", sessionID)
	}
	s.TechMovedOn = true
	return nil
}

func (f *fakeStore) MarkGapFillAttempted(ctx context.Context, jobID string) error {
	if f.markErr != nil {
		return f.markErr
	}
	f.attempted = append(f.attempted, jobID)
	return nil
}

func (f *fakeStore) InsertCandidates(ctx context.Context, sessionID string, ranked []model.RankedCandidate, now time.Time) ([]model.GapFillCandidate, error) {
	maxRank := 0
	for _, c := range f.candidates {
		if c.SessionID == sessionID && c.SortRank > maxRank {
			maxRank = c.SortRank
		}
	}
	var out []model.GapFillCandidate
	for i, rc := range ranked {
		c := model.GapFillCandidate{
			ID:             uuid.New().String(),
			SessionID:      sessionID,
			CustomerID:     rc.CustomerID,
			Tier:           rc.Tier,
			TierReason:     rc.TierReason,
			DistanceMiles:  rc.DistanceMiles,
			DirectionScore: rc.DirectionScore,
			SearchLayer:    rc.SearchLayer,
			SortRank:       maxRank + i + 1,
			OutreachStatus: model.OutreachPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		cp := c
		f.candidates[c.ID] = &cp
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeStore) ListCandidates(ctx context.Context, sessionID string) ([]model.GapFillCandidate, error) {
	var out []model.GapFillCandidate
	for _, c := range f.candidates {
		if c.SessionID == sessionID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SortRank < out[j].SortRank })
	return out, nil
}

func (f *fakeStore) GetCandidate(ctx context.Context, id string) (*model.GapFillCandidate, error) {
	c, ok := f.candidates[id]
	if !ok {
		return nil, fault.NotFoundf("candidate not found: %s", id)
	}
	cp := *c
	return &cp, nil
}

func (f *fakeStore) CandidateCustomerIDs(ctx context.Context, sessionID string) ([]string, error) {
	var ids []string
	for _, c := range f.candidates {
		if c.SessionID == sessionID {
			ids = append(ids, c.CustomerID)
		}
	}
	return ids, nil
}

func (f *fakeStore) UpdateCandidateOutreach(ctx context.Context, u store.OutreachUpdate) (*model.GapFillCandidate, error) {
	c, ok := f.candidates[u.CandidateID]
	if !ok {
		return nil, fault.NotFoundf("candidate not found: %s", u.CandidateID)
	}
	c.OutreachStatus = u.Status
	if u.Note != nil {
		c.OutreachNote = *u.Note
	}
	if u.ContactMethod != nil {
		c.ContactMethodUsed = *u.ContactMethod
	}
	if u.ContactedAt != nil {
		c.ContactedAt = u.ContactedAt
	}
	if u.ResolvedAt != nil {
		c.ResolvedAt = u.ResolvedAt
	}
	c.UpdatedAt = u.Now
	cp := *c
	return &cp, nil
}

func (f *fakeStore) AppendOutreachLog(ctx context.Context, e model.OutreachLogEntry) error {
	f.log = append(f.log, e)
	return nil
}

func (f *fakeStore) OutreachCounts(ctx context.Context, weekAgo, monthAgo time.Time) (map[string]model.OutreachCounts, error) {
	out := map[string]model.OutreachCounts{}
	for _, e := range f.log {
		c := out[e.CustomerID]
		if e.ContactedAt.After(weekAgo) {
			c.Week++
		}
		if e.ContactedAt.After(monthAgo) {
			c.Month++
		}
		out[e.CustomerID] = c
	}
	return out, nil
}

func (f *fakeStore) LastContacts(ctx context.Context) (map[string]model.LastContact, error) {
	out := map[string]model.LastContact{}
	for _, e := range f.log {
		if last, ok := out[e.CustomerID]; !ok || e.ContactedAt.After(last.ContactedAt) {
			out[e.CustomerID] = model.LastContact{ContactedAt: e.ContactedAt, Outcome: e.Outcome}
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteRecentOutreach(ctx context.Context, customerID string, since time.Time) (int, error) {
	var kept []model.OutreachLogEntry
	removed := 0
	for _, e := range f.log {
		if e.CustomerID == customerID && e.ContactedAt.After(since) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	f.log = kept
	return removed, nil
}

func (f *fakeStore) CandidatePool(ctx context.Context, q store.PoolQuery) ([]model.CandidateCustomer, error) {
	var out []model.CandidateCustomer
	for _, c := range f.customers {
		if c.Lat >= q.BBox.MinLat && c.Lat <= q.BBox.MaxLat &&
			c.Lng >= q.BBox.MinLng && c.Lng <= q.BBox.MaxLng {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) CustomersByID(ctx context.Context, ids []string) (map[string]model.CandidateCustomer, error) {
	out := map[string]model.CandidateCustomer{}
	for _, id := range ids {
		if c, ok := f.customers[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

func (f *fakeStore) RouteCustomerIDs(ctx context.Context, date string) ([]string, error) {
	return f.onRoute, nil
}

func (f *fakeStore) CancelledTodayCustomerIDs(ctx context.Context, date string) ([]string, error) {
	return f.cancelled, nil
}

func (f *fakeStore) SetAnytimeAccess(ctx context.Context, customerID string, enabled bool) error {
	c, ok := f.customers[customerID]
	if !ok {
		return fault.NotFoundf("customer not found: %s", customerID)
	}
	c.AnytimeAccess = enabled
	f.customers[customerID] = c
	return nil
}

func (f *fakeStore) ConfirmCandidate(ctx context.Context, p store.ConfirmParams) (*store.ConfirmResult, error) {
	if f.confirmErr != nil {
		return nil, f.confirmErr
	}
	cand, ok := f.candidates[p.CandidateID]
	if !ok {
		return nil, fault.NotFoundf("candidate not found: %s", p.CandidateID)
	}
	sess, ok := f.sessions[p.SessionID]
	if !ok {
		return nil, fault.NotFoundf("session not found: %s", p.SessionID)
	}
	if sess.Status != model.SessionStatusActive {
		return nil, fault.Conflictf("session %s is no longer active", p.SessionID)
	}
	now := p.Now
	cand.OutreachStatus = model.OutreachConfirmed
	cand.ResolvedAt = &now
	sess.Status = model.SessionStatusFilled
	sess.Resolution = model.ResolutionConfirmed
	sess.ResolvedAt = &now
	sess.ConfirmedCustomerID = cand.CustomerID
	sess.ConfirmedCandidateID = cand.ID
	f.log = append(f.log, model.OutreachLogEntry{
		CustomerID: cand.CustomerID, ContactedAt: now, Outcome: "confirmed", Tier: cand.Tier,
	})
	sc := *sess
	cc := *cand
	return &store.ConfirmResult{Session: &sc, Candidate: &cc}, nil
}

func (f *fakeStore) Stats(ctx context.Context) (*model.GapFillStats, error) {
	return &model.GapFillStats{TierSuccess: map[int]model.TierOutcomes{}}, nil
}

func (f *fakeStore) Migrate(ctx context.Context) error { return nil }
func (f *fakeStore) Close() error                      { return nil }

var testNow = time.Date(2025, 6, 16, 15, 0, 0, 0, time.UTC) // 10:00 in Chicago

func newTestEngine(f *fakeStore) *Engine {
	loc, _ := time.LoadLocation("America/Chicago")
	return NewEngine(f, loc, WithClock(func() time.Time { return testNow }))
}

func startInput() StartInput {
	return StartInput{
		RouteID:                 "route-1",
		CancelledStopID:         "stop-1",
		CancelledJobID:          "job-1",
		CancelledCustomerID:     "cust-cancelled",
		CancelledJobDescription: "Solar Panel Cleaning",
		ReferenceLat:            32.7767,
		ReferenceLng:            -96.7970,
	}
}

func addCustomer(f *fakeStore, id string, lat, lng float64, anytime bool) {
	f.customers[id] = model.CandidateCustomer{
		ID:            id,
		FirstName:     "First" + id,
		Phone:         "555-0100",
		Lat:           lat,
		Lng:           lng,
		AnytimeAccess: anytime,
	}
}

func TestEngine_StartValidation(t *testing.T) {
	e := newTestEngine(newFakeStore())

	in := startInput()
	in.RouteID = ""
	_, err := e.Start(context.Background(), in)
	require.Error(t, err)
	assert.True(t, fault.IsValidation(err))

	in = startInput()
	in.CancelledJobDescription = ""
	_, err = e.Start(context.Background(), in)
	assert.True(t, fault.IsValidation(err))

	in = startInput()
	in.ReferenceLat = 0
	in.ReferenceLng = 0
	_, err = e.Start(context.Background(), in)
	assert.True(t, fault.IsValidation(err))
}

func TestEngine_StartGeneratesRankedCandidates(t *testing.T) {
	f := newFakeStore()
	addCustomer(f, "near-anytime", 32.7777, -96.7980, true)
	addCustomer(f, "near-plain", 32.7800, -96.8000, false)
	e := newTestEngine(f)

	view, err := e.Start(context.Background(), startInput())
	require.NoError(t, err)

	assert.Equal(t, model.SessionStatusActive, view.Session.Status)
	assert.Equal(t, 1, view.Session.SearchLayer)
	assert.Equal(t, "Close Range, Best Fit", view.LayerLabel)
	require.Len(t, view.Candidates, 2)

	// Anytime access sorts first and carries the tier 1 message.
	assert.Equal(t, "near-anytime", view.Candidates[0].CustomerID)
	assert.Equal(t, 1, view.Candidates[0].Tier)
	assert.Contains(t, view.Candidates[0].SuggestedMessage, "Hey Firstnear-anytime")
	require.NotNil(t, view.Candidates[0].Customer)
}

func TestEngine_StartSecondSessionConflicts(t *testing.T) {
	f := newFakeStore()
	e := newTestEngine(f)

	_, err := e.Start(context.Background(), startInput())
	require.NoError(t, err)

	in := startInput()
	in.RouteID = "route-2"
	_, err = e.Start(context.Background(), in)
	require.Error(t, err)
	assert.True(t, fault.IsConflict(err))
	assert.Contains(t, err.Error(), "route-1")
}

func TestEngine_StartExcludesCancelledCustomerAndRoute(t *testing.T) {
	f := newFakeStore()
	addCustomer(f, "cust-cancelled", 32.7770, -96.7975, true)
	addCustomer(f, "on-route", 32.7772, -96.7976, true)
	addCustomer(f, "bailed", 32.7774, -96.7977, true)
	addCustomer(f, "ok", 32.7776, -96.7978, true)
	f.onRoute = []string{"on-route"}
	f.cancelled = []string{"bailed"}
	e := newTestEngine(f)

	view, err := e.Start(context.Background(), startInput())
	require.NoError(t, err)
	require.Len(t, view.Candidates, 1)
	assert.Equal(t, "ok", view.Candidates[0].CustomerID)
}

func TestEngine_ExpandAppendsOnlyNewCandidates(t *testing.T) {
	f := newFakeStore()
	addCustomer(f, "close", 32.7777, -96.7980, true)
	addCustomer(f, "far", 32.99, -96.99, true) // ~18.5 miles: layer 3 territory
	e := newTestEngine(f)

	view, err := e.Start(context.Background(), startInput())
	require.NoError(t, err)
	require.Len(t, view.Candidates, 1)
	sessionID := view.Session.ID

	view, err = e.Expand(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, view.Session.SearchLayer)
	assert.Equal(t, "Expanded Range", view.LayerLabel)
	require.Len(t, view.Candidates, 1, "far customer is still outside layer 2")

	view, err = e.Expand(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, 3, view.Session.SearchLayer)
	require.Len(t, view.Candidates, 2)

	// The close customer kept rank 1; the late arrival appended below even
	// though both are tier 1.
	assert.Equal(t, "close", view.Candidates[0].CustomerID)
	assert.Equal(t, "far", view.Candidates[1].CustomerID)
	assert.Equal(t, 3, view.Candidates[1].SearchLayer)

	view, err = e.Expand(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, 4, view.Session.SearchLayer)

	_, err = e.Expand(context.Background(), sessionID)
	require.Error(t, err)
	assert.True(t, fault.IsInvalidState(err))
}

func TestEngine_ExpandClosedSession(t *testing.T) {
	f := newFakeStore()
	e := newTestEngine(f)

	view, err := e.Start(context.Background(), startInput())
	require.NoError(t, err)
	_, err = e.Close(context.Background(), view.Session.ID)
	require.NoError(t, err)

	_, err = e.Expand(context.Background(), view.Session.ID)
	require.Error(t, err)
	assert.True(t, fault.IsInvalidState(err))
}

func TestEngine_ExpandFailureLeavesLayerUnchanged(t *testing.T) {
	f := newFakeStore()
	addCustomer(f, "close", 32.7777, -96.7980, true)
	addCustomer(f, "far", 32.99, -96.99, true)
	e := newTestEngine(f)

	view, err := e.Start(context.Background(), startInput())
	require.NoError(t, err)
	sessionID := view.Session.ID

	f.expandErr = eris.New("copy failed")
	_, err = e.Expand(context.Background(), sessionID)
	require.Error(t, err)

	got, err := e.Session(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Session.SearchLayer, "failed expand must not advance the layer")
	require.Len(t, got.Candidates, 1)

	// The retry evaluates layer 2, not layer 3.
	f.expandErr = nil
	view, err = e.Expand(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, view.Session.SearchLayer)
}

func TestEngine_CloseMarksJobAttempted(t *testing.T) {
	f := newFakeStore()
	e := newTestEngine(f)

	view, err := e.Start(context.Background(), startInput())
	require.NoError(t, err)
	assert.Empty(t, f.attempted, "starting a session does not mark the job")

	_, err = e.Close(context.Background(), view.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1"}, f.attempted)
}

func TestEngine_CloseMarkFailurePropagates(t *testing.T) {
	f := newFakeStore()
	e := newTestEngine(f)

	view, err := e.Start(context.Background(), startInput())
	require.NoError(t, err)

	f.markErr = eris.New("jobs table unavailable")
	_, err = e.Close(context.Background(), view.Session.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jobs table unavailable")
}

func TestEngine_RecordOutreach(t *testing.T) {
	f := newFakeStore()
	addCustomer(f, "c1", 32.7777, -96.7980, true)
	e := newTestEngine(f)

	view, err := e.Start(context.Background(), startInput())
	require.NoError(t, err)
	cand := view.Candidates[0]

	note := "texted, waiting"
	method := "text"
	updated, err := e.RecordOutreach(context.Background(), OutreachInput{
		SessionID:     view.Session.ID,
		CandidateID:   cand.ID,
		Status:        model.OutreachContacted,
		Note:          &note,
		ContactMethod: &method,
	})
	require.NoError(t, err)
	assert.Equal(t, model.OutreachContacted, updated.OutreachStatus)
	assert.Equal(t, "texted, waiting", updated.OutreachNote)
	require.NotNil(t, updated.ContactedAt)
	assert.Nil(t, updated.ResolvedAt, "contacted is not terminal")

	// The contact attempt landed in the suppression log.
	require.Len(t, f.log, 1)
	assert.Equal(t, "c1", f.log[0].CustomerID)
	assert.Equal(t, "contacted", f.log[0].Outcome)
	assert.Equal(t, 1, f.log[0].Tier)
}

func TestEngine_RecordOutreachSkippedNotLogged(t *testing.T) {
	f := newFakeStore()
	addCustomer(f, "c1", 32.7777, -96.7980, true)
	e := newTestEngine(f)

	view, err := e.Start(context.Background(), startInput())
	require.NoError(t, err)

	updated, err := e.RecordOutreach(context.Background(), OutreachInput{
		SessionID:   view.Session.ID,
		CandidateID: view.Candidates[0].ID,
		Status:      model.OutreachSkipped,
	})
	require.NoError(t, err)
	require.NotNil(t, updated.ResolvedAt)
	assert.Nil(t, updated.ContactedAt)
	assert.Empty(t, f.log, "skip is not an outreach touch")
}

func TestEngine_RecordOutreachRejectsConfirmed(t *testing.T) {
	e := newTestEngine(newFakeStore())
	_, err := e.RecordOutreach(context.Background(), OutreachInput{
		SessionID:   "s",
		CandidateID: "c",
		Status:      model.OutreachConfirmed,
	})
	require.Error(t, err)
	assert.True(t, fault.IsValidation(err))
}

func TestEngine_RecordOutreachWrongSession(t *testing.T) {
	f := newFakeStore()
	addCustomer(f, "c1", 32.7777, -96.7980, true)
	e := newTestEngine(f)

	view, err := e.Start(context.Background(), startInput())
	require.NoError(t, err)

	_, err = e.RecordOutreach(context.Background(), OutreachInput{
		SessionID:   "other-session",
		CandidateID: view.Candidates[0].ID,
		Status:      model.OutreachContacted,
	})
	require.Error(t, err)
	assert.True(t, fault.IsNotFound(err))
}

func TestEngine_ConfirmResolvesSession(t *testing.T) {
	f := newFakeStore()
	addCustomer(f, "c1", 32.7777, -96.7980, true)
	e := newTestEngine(f)

	view, err := e.Start(context.Background(), startInput())
	require.NoError(t, err)

	res, err := e.Confirm(context.Background(), view.Session.ID, view.Candidates[0].ID, true)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusFilled, res.Session.Status)
	assert.Equal(t, "c1", res.Session.ConfirmedCustomerID)
	assert.Equal(t, model.OutreachConfirmed, res.Candidate.OutreachStatus)

	// The slot is free again for the next cancellation.
	active, err := e.Active(context.Background())
	require.NoError(t, err)
	assert.Nil(t, active)

	_, err = e.Confirm(context.Background(), view.Session.ID, view.Candidates[0].ID, false)
	require.Error(t, err)
	assert.True(t, fault.IsConflict(err))
}

func TestEngine_ConcurrentConfirmSingleWinner(t *testing.T) {
	f := newFakeStore()
	addCustomer(f, "c1", 32.7777, -96.7980, true)
	addCustomer(f, "c2", 32.7800, -96.8000, true)
	e := newTestEngine(f)

	view, err := e.Start(context.Background(), startInput())
	require.NoError(t, err)
	require.Len(t, view.Candidates, 2)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.Confirm(context.Background(), view.Session.ID, view.Candidates[i].ID, false)
		}(i)
	}
	wg.Wait()

	var won, lost int
	for _, err := range errs {
		if err == nil {
			won++
		} else if fault.IsConflict(err) {
			lost++
		}
	}
	assert.Equal(t, 1, won, "exactly one confirm succeeds")
	assert.Equal(t, 1, lost, "the loser gets a conflict")

	got, err := e.Session(context.Background(), view.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusFilled, got.Session.Status)
	assert.NotEmpty(t, got.Session.ConfirmedCandidateID)
}

func TestEngine_ConcurrentStartSingleSession(t *testing.T) {
	f := newFakeStore()
	e := newTestEngine(f)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			in := startInput()
			in.RouteID = uuid.New().String()
			_, errs[i] = e.Start(context.Background(), in)
		}(i)
	}
	wg.Wait()

	var won, lost int
	for _, err := range errs {
		if err == nil {
			won++
		} else if fault.IsConflict(err) {
			lost++
		}
	}
	assert.Equal(t, 1, won, "exactly one start wins the active slot")
	assert.Equal(t, 1, lost)
	assert.Len(t, f.sessions, 1)
}

func TestEngine_TechMovedOn(t *testing.T) {
	f := newFakeStore()
	e := newTestEngine(f)

	view, err := e.Start(context.Background(), startInput())
	require.NoError(t, err)

	require.NoError(t, e.MarkTechMovedOn(context.Background(), view.Session.ID))
	got, err := e.Session(context.Background(), view.Session.ID)
	require.NoError(t, err)
	assert.True(t, got.Session.TechMovedOn)

	_, err = e.Close(context.Background(), view.Session.ID)
	require.NoError(t, err)
	err = e.MarkTechMovedOn(context.Background(), view.Session.ID)
	require.Error(t, err)
	assert.True(t, fault.IsInvalidState(err))
}

func TestEngine_RouteStatus(t *testing.T) {
	f := newFakeStore()
	e := newTestEngine(f)

	none, err := e.RouteStatus(context.Background(), "route-1")
	require.NoError(t, err)
	assert.Nil(t, none)

	view, err := e.Start(context.Background(), startInput())
	require.NoError(t, err)

	got, err := e.RouteStatus(context.Background(), "route-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, view.Session.ID, got.Session.ID)
}

func TestEngine_ResetContactTimer(t *testing.T) {
	f := newFakeStore()
	f.log = []model.OutreachLogEntry{
		{CustomerID: "c1", ContactedAt: testNow.AddDate(0, 0, -2), Outcome: "contacted"},
		{CustomerID: "c1", ContactedAt: testNow.AddDate(0, 0, -45), Outcome: "no_answer"},
		{CustomerID: "c2", ContactedAt: testNow.AddDate(0, 0, -1), Outcome: "declined"},
	}
	e := newTestEngine(f)

	removed, err := e.ResetContactTimer(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, removed, "only entries inside the suppression window clear")
	require.Len(t, f.log, 2)
}

func TestEngine_SuppressedCustomerExcludedFromNewSession(t *testing.T) {
	f := newFakeStore()
	addCustomer(f, "capped", 32.7777, -96.7980, true)
	addCustomer(f, "fresh", 32.7800, -96.8000, true)
	f.log = []model.OutreachLogEntry{
		{CustomerID: "capped", ContactedAt: testNow.AddDate(0, 0, -2), Outcome: "contacted"},
	}
	e := newTestEngine(f)

	view, err := e.Start(context.Background(), startInput())
	require.NoError(t, err)
	require.Len(t, view.Candidates, 1)
	assert.Equal(t, "fresh", view.Candidates[0].CustomerID)
}

func TestEngine_Message(t *testing.T) {
	f := newFakeStore()
	addCustomer(f, "c1", 32.7777, -96.7980, true)
	e := newTestEngine(f)

	view, err := e.Start(context.Background(), startInput())
	require.NoError(t, err)

	msg, err := e.Message(context.Background(), view.Candidates[0].ID)
	require.NoError(t, err)
	assert.Contains(t, msg, "Hey Firstc1")
	assert.Contains(t, msg, "don't have to be home")
}
