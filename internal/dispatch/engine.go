// Package dispatch orchestrates gap-fill sessions: opening a session for a
// cancelled stop, generating and expanding ranked candidate lists, tracking
// dispatcher outreach, and committing the confirmed replacement into the
// live route.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/panelworks/fieldops/internal/fault"
	"github.com/panelworks/fieldops/internal/geomath"
	"github.com/panelworks/fieldops/internal/model"
	"github.com/panelworks/fieldops/internal/outreach"
	"github.com/panelworks/fieldops/internal/pipeline"
	"github.com/panelworks/fieldops/internal/store"
)

// resetWindowDays is how far back ResetContactTimer clears outreach history,
// matching the widest suppression window.
const resetWindowDays = 30

// Engine is the gap-fill session orchestrator. The mutex serializes
// state-changing operations in-process; the store's uniqueness and
// status-predicate guarantees hold across processes.
type Engine struct {
	store     store.Store
	ledger    *outreach.Ledger
	templates *outreach.Templates
	params    pipeline.Params
	loc       *time.Location
	now       func() time.Time

	mu sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithParams overrides the default filtering constants.
func WithParams(p pipeline.Params) Option {
	return func(e *Engine) { e.params = p }
}

// WithTemplates overrides the outreach message catalog.
func WithTemplates(t *outreach.Templates) Option {
	return func(e *Engine) { e.templates = t }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine builds an Engine over a store. loc is the business operating
// timezone; every cutoff and calendar-date comparison happens in it.
func NewEngine(st store.Store, loc *time.Location, opts ...Option) *Engine {
	e := &Engine{
		store:     st,
		ledger:    outreach.NewLedger(st),
		templates: outreach.DefaultTemplates(),
		params:    pipeline.DefaultParams(),
		loc:       loc,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StartInput describes the cancelled stop a new session replaces.
type StartInput struct {
	RouteID                 string   `json:"route_id"`
	CancelledStopID         string   `json:"cancelled_stop_id"`
	CancelledJobID          string   `json:"cancelled_job_id"`
	CancelledCustomerID     string   `json:"cancelled_customer_id"`
	CancelledJobDescription string   `json:"cancelled_job_description"`
	ReferenceLat            float64  `json:"reference_lat"`
	ReferenceLng            float64  `json:"reference_lng"`
	ReferenceAddress        string   `json:"reference_address"`
	NextStopID              string   `json:"next_stop_id"`
	NextStopLat             *float64 `json:"next_stop_lat"`
	NextStopLng             *float64 `json:"next_stop_lng"`
	NextStopTime            string   `json:"next_stop_time"`
}

func (in StartInput) validate() error {
	if in.RouteID == "" {
		return fault.Validationf("route_id is required")
	}
	if in.CancelledJobDescription == "" {
		return fault.Validationf("cancelled_job_description is required")
	}
	if in.ReferenceLat == 0 && in.ReferenceLng == 0 {
		return fault.Validationf("reference coordinates are required")
	}
	return nil
}

// CandidateView is a candidate joined with its customer directory row and
// the suggested outreach text for its tier.
type CandidateView struct {
	model.GapFillCandidate
	Customer         *model.CandidateCustomer `json:"customer,omitempty"`
	SuggestedMessage string                   `json:"suggested_message,omitempty"`
}

// SessionView is a session with its ranked candidates and layer label.
type SessionView struct {
	Session    *model.GapFillSession `json:"session"`
	LayerLabel string                `json:"layer_label"`
	Candidates []CandidateView       `json:"candidates"`
}

// ConfirmView reports a committed confirmation.
type ConfirmView struct {
	Session   *model.GapFillSession  `json:"session"`
	Candidate *model.GapFillCandidate `json:"candidate"`
	NewJob    *model.Job             `json:"new_job,omitempty"`
	NewStop   *model.RouteStop       `json:"new_stop,omitempty"`
}

// Start opens a new gap-fill session for a cancelled stop and generates the
// layer 1 candidate list. At most one session may be active at a time; a
// second start reports which route holds the slot.
func (e *Engine) Start(ctx context.Context, in StartInput) (*SessionView, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if active, err := e.store.ActiveSession(ctx); err != nil {
		return nil, err
	} else if active != nil {
		return nil, fault.Conflictf("a gap-fill session is already active for route %s", active.RouteID)
	}

	now := e.now().UTC()
	sess := &model.GapFillSession{
		RouteID:                 in.RouteID,
		CancelledStopID:         in.CancelledStopID,
		CancelledJobID:          in.CancelledJobID,
		CancelledCustomerID:     in.CancelledCustomerID,
		CancelledJobDescription: in.CancelledJobDescription,
		ReferenceLat:            in.ReferenceLat,
		ReferenceLng:            in.ReferenceLng,
		ReferenceAddress:        in.ReferenceAddress,
		NextStopID:              in.NextStopID,
		NextStopLat:             in.NextStopLat,
		NextStopLng:             in.NextStopLng,
		NextStopTime:            in.NextStopTime,
		SearchLayer:             1,
		Status:                  model.SessionStatusActive,
		CreatedAt:               now,
	}
	if err := e.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	ranked, err := e.rankCandidates(ctx, sess, 1, nil)
	if err != nil {
		return nil, err
	}
	inserted, err := e.store.InsertCandidates(ctx, sess.ID, ranked, e.now().UTC())
	if err != nil {
		return nil, err
	}
	zap.L().Info("gap-fill session started",
		zap.String("session_id", sess.ID),
		zap.String("route_id", sess.RouteID),
		zap.Int("candidates", len(inserted)))

	return e.buildView(ctx, sess, inserted)
}

// Expand widens an active session's search to the next layer and appends the
// newly surfaced candidates below the existing list. Customers already
// surfaced in earlier layers are not re-evaluated.
func (e *Engine) Expand(ctx context.Context, sessionID string) (*SessionView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != model.SessionStatusActive {
		return nil, fault.InvalidStatef("session %s is %s, not active", sessionID, sess.Status)
	}
	if sess.SearchLayer >= model.MaxSearchLayer {
		return nil, fault.InvalidStatef("session %s is already at the widest search layer", sessionID)
	}

	newLayer := sess.SearchLayer + 1
	existing, err := e.store.CandidateCustomerIDs(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	ranked, err := e.rankCandidates(ctx, sess, newLayer, existing)
	if err != nil {
		return nil, err
	}
	// Layer bump and candidate batch commit together; a failed expand leaves
	// the session at its previous layer so a retry re-evaluates this one.
	inserted, err := e.store.ExpandSession(ctx, sessionID, newLayer, ranked, e.now().UTC())
	if err != nil {
		return nil, err
	}
	sess.SearchLayer = newLayer
	zap.L().Info("gap-fill search expanded",
		zap.String("session_id", sessionID),
		zap.Int("layer", newLayer),
		zap.Int("new_candidates", len(inserted)))

	candidates, err := e.store.ListCandidates(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return e.buildView(ctx, sess, candidates)
}

// rankCandidates runs one filtering round for a session at the given layer
// and returns the ranked survivors without persisting them. extraExclude
// lists customer ids already surfaced in earlier layers.
func (e *Engine) rankCandidates(ctx context.Context, sess *model.GapFillSession, layer int, extraExclude []string) ([]model.RankedCandidate, error) {
	cfg, ok := model.LayerFor(layer)
	if !ok {
		return nil, eris.Errorf("dispatch: unknown search layer %d", layer)
	}

	nowLocal := e.now().In(e.loc)
	today := nowLocal.Format("2006-01-02")
	bbox := geomath.BoundingBox(sess.ReferenceLat, sess.ReferenceLng, cfg.MaxMiles)

	var (
		customers    []model.CandidateCustomer
		snapshot     *outreach.Snapshot
		routeIDs     []string
		cancelledIDs []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		customers, err = e.store.CandidatePool(gctx, store.PoolQuery{
			BBox:           bbox,
			JobDescription: sess.CancelledJobDescription,
		})
		return err
	})
	g.Go(func() error {
		var err error
		snapshot, err = e.ledger.Snapshot(gctx, e.now().UTC())
		return err
	})
	g.Go(func() error {
		var err error
		routeIDs, err = e.store.RouteCustomerIDs(gctx, today)
		return err
	})
	g.Go(func() error {
		var err error
		cancelledIDs, err = e.store.CancelledTodayCustomerIDs(gctx, today)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	exclude := map[string]bool{}
	if sess.CancelledCustomerID != "" {
		exclude[sess.CancelledCustomerID] = true
	}
	for _, id := range routeIDs {
		exclude[id] = true
	}
	for _, id := range extraExclude {
		exclude[id] = true
	}
	cancelledToday := make(map[string]bool, len(cancelledIDs))
	for _, id := range cancelledIDs {
		cancelledToday[id] = true
	}

	return pipeline.FilterAndScore(pipeline.Input{
		Session:        *sess,
		Layer:          layer,
		Customers:      customers,
		Exclude:        exclude,
		Outreach:       snapshot.Counts,
		LastContacts:   snapshot.Last,
		CancelledToday: cancelledToday,
		NowLocal:       nowLocal,
	}, e.params)
}

// buildView joins candidates with their customer rows and suggested message.
func (e *Engine) buildView(ctx context.Context, sess *model.GapFillSession, candidates []model.GapFillCandidate) (*SessionView, error) {
	cfg, _ := model.LayerFor(sess.SearchLayer)

	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.CustomerID)
	}
	customers, err := e.store.CustomersByID(ctx, ids)
	if err != nil {
		return nil, err
	}

	views := make([]CandidateView, 0, len(candidates))
	for _, c := range candidates {
		v := CandidateView{GapFillCandidate: c}
		if cust, ok := customers[c.CustomerID]; ok {
			cust := cust
			v.Customer = &cust
			v.SuggestedMessage = e.templates.Render(c.Tier, cust.FirstName)
		}
		views = append(views, v)
	}
	return &SessionView{Session: sess, LayerLabel: cfg.Label, Candidates: views}, nil
}

// Active returns the currently active session with candidates, or nil when
// no session is open.
func (e *Engine) Active(ctx context.Context) (*SessionView, error) {
	sess, err := e.store.ActiveSession(ctx)
	if err != nil || sess == nil {
		return nil, err
	}
	return e.sessionView(ctx, sess)
}

// Session returns one session with candidates by id.
func (e *Engine) Session(ctx context.Context, id string) (*SessionView, error) {
	sess, err := e.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.sessionView(ctx, sess)
}

// RouteStatus returns the latest session opened for a route, or nil when the
// route never had one.
func (e *Engine) RouteStatus(ctx context.Context, routeID string) (*SessionView, error) {
	sess, err := e.store.LatestSessionForRoute(ctx, routeID)
	if err != nil || sess == nil {
		return nil, err
	}
	return e.sessionView(ctx, sess)
}

func (e *Engine) sessionView(ctx context.Context, sess *model.GapFillSession) (*SessionView, error) {
	candidates, err := e.store.ListCandidates(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	return e.buildView(ctx, sess, candidates)
}

// OutreachInput records one dispatcher contact action against a candidate.
type OutreachInput struct {
	SessionID     string
	CandidateID   string
	Status        model.OutreachStatus
	Note          *string
	ContactMethod *string
}

// RecordOutreach updates a candidate's outreach status. Statuses that
// represent a real contact attempt stamp contacted_at and append to the
// suppression log; terminal statuses stamp resolved_at. Confirmation goes
// through Confirm, not here.
func (e *Engine) RecordOutreach(ctx context.Context, in OutreachInput) (*model.GapFillCandidate, error) {
	if !in.Status.Valid() {
		return nil, fault.Validationf("unknown outreach status %q", in.Status)
	}
	if in.Status == model.OutreachConfirmed {
		return nil, fault.Validationf("confirmation must go through the confirm operation")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cand, err := e.store.GetCandidate(ctx, in.CandidateID)
	if err != nil {
		return nil, err
	}
	if cand.SessionID != in.SessionID {
		return nil, fault.NotFoundf("candidate %s does not belong to session %s", in.CandidateID, in.SessionID)
	}
	sess, err := e.store.GetSession(ctx, in.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != model.SessionStatusActive {
		return nil, fault.InvalidStatef("session %s is %s, not active", in.SessionID, sess.Status)
	}

	now := e.now().UTC()
	u := store.OutreachUpdate{
		CandidateID:   in.CandidateID,
		Status:        in.Status,
		Note:          in.Note,
		ContactMethod: in.ContactMethod,
		Now:           now,
	}
	if in.Status.MarksContacted() {
		u.ContactedAt = &now
	}
	if in.Status.Terminal() {
		u.ResolvedAt = &now
	}

	updated, err := e.store.UpdateCandidateOutreach(ctx, u)
	if err != nil {
		return nil, err
	}

	if in.Status.CountsForSuppression() {
		if err := e.store.AppendOutreachLog(ctx, model.OutreachLogEntry{
			CustomerID:  cand.CustomerID,
			SessionID:   sess.ID,
			ContactedAt: now,
			Outcome:     string(in.Status),
			Tier:        cand.Tier,
			ServiceType: sess.CancelledJobDescription,
		}); err != nil {
			return nil, err
		}
	}
	return updated, nil
}

// Confirm commits a candidate as the replacement for the cancelled stop. The
// store runs the whole mutation as one transaction; a concurrent confirmation
// of the same session loses with a conflict.
func (e *Engine) Confirm(ctx context.Context, sessionID, candidateID string, addToRoute bool) (*ConfirmView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	nowLocal := e.now().In(e.loc)
	res, err := e.store.ConfirmCandidate(ctx, store.ConfirmParams{
		SessionID:   sessionID,
		CandidateID: candidateID,
		AddToRoute:  addToRoute,
		Now:         e.now().UTC(),
		Today:       nowLocal.Format("2006-01-02"),
	})
	if err != nil {
		return nil, err
	}
	zap.L().Info("gap-fill candidate confirmed",
		zap.String("session_id", sessionID),
		zap.String("candidate_id", candidateID),
		zap.Bool("add_to_route", addToRoute))

	return &ConfirmView{
		Session:   res.Session,
		Candidate: res.Candidate,
		NewJob:    res.NewJob,
		NewStop:   res.NewStop,
	}, nil
}

// Close abandons an active session unfilled and marks the originating
// cancelled job as gap-fill attempted so it is not re-dispatched.
func (e *Engine) Close(ctx context.Context, sessionID string) (*model.GapFillSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess, err := e.store.CloseSession(ctx, sessionID, e.now().UTC())
	if err != nil {
		return nil, err
	}
	if sess.CancelledJobID != "" {
		if err := e.store.MarkGapFillAttempted(ctx, sess.CancelledJobID); err != nil {
			return nil, err
		}
	}
	zap.L().Info("gap-fill session closed", zap.String("session_id", sessionID))
	return sess, nil
}

// MarkTechMovedOn flags that the technician has left the cancelled stop's
// location. The session stays active; dispatchers see the flag and weigh
// drive-time estimates accordingly.
func (e *Engine) MarkTechMovedOn(ctx context.Context, sessionID string) error {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != model.SessionStatusActive {
		return fault.InvalidStatef("session %s is %s, not active", sessionID, sess.Status)
	}
	return e.store.SetTechMovedOn(ctx, sessionID)
}

// SetAnytimeAccess toggles a customer's anytime-access flag, which promotes
// them to tier 1 in future sessions.
func (e *Engine) SetAnytimeAccess(ctx context.Context, customerID string, enabled bool) error {
	return e.store.SetAnytimeAccess(ctx, customerID, enabled)
}

// ResetContactTimer clears a customer's recent outreach history so they are
// immediately eligible again. Returns the number of log entries removed.
func (e *Engine) ResetContactTimer(ctx context.Context, customerID string) (int, error) {
	since := e.now().UTC().AddDate(0, 0, -resetWindowDays)
	n, err := e.store.DeleteRecentOutreach(ctx, customerID, since)
	if err != nil {
		return 0, err
	}
	zap.L().Info("contact timer reset",
		zap.String("customer_id", customerID), zap.Int("removed", n))
	return n, nil
}

// Message returns the rendered outreach text for a candidate.
func (e *Engine) Message(ctx context.Context, candidateID string) (string, error) {
	cand, err := e.store.GetCandidate(ctx, candidateID)
	if err != nil {
		return "", err
	}
	customers, err := e.store.CustomersByID(ctx, []string{cand.CustomerID})
	if err != nil {
		return "", err
	}
	firstName := ""
	if cust, ok := customers[cand.CustomerID]; ok {
		firstName = cust.FirstName
	}
	return e.templates.Render(cand.Tier, firstName), nil
}

// TierMessage returns the canned outreach template for a tier without
// rendering. Unknown tiers fall back to the tier 5 message.
func (e *Engine) TierMessage(tier int) string {
	return e.templates.Message(tier)
}

// Stats reports fill-rate and per-tier conversion aggregates.
func (e *Engine) Stats(ctx context.Context) (*model.GapFillStats, error) {
	return e.store.Stats(ctx)
}
