// Package store persists gap-fill sessions, candidates, and the outreach log,
// and exposes the customer/job/route lookups the dispatch engine consumes.
// Two drivers implement the same interface: PostgreSQL (pgx) for deployment
// and SQLite (modernc) for local use.
package store

import (
	"context"
	"time"

	"github.com/panelworks/fieldops/internal/geomath"
	"github.com/panelworks/fieldops/internal/model"
)

// PoolQuery selects the candidate directory slice for one filtering round:
// customers inside the bounding box with usable coordinates and a phone
// number, annotated with job history for the cancelled job's description.
type PoolQuery struct {
	BBox           geomath.BBox
	JobDescription string
}

// OutreachUpdate mutates one candidate's outreach progress. Nil pointer
// fields are left untouched.
type OutreachUpdate struct {
	CandidateID   string
	Status        model.OutreachStatus
	Note          *string
	ContactMethod *string
	ContactedAt   *time.Time
	ResolvedAt    *time.Time
	Now           time.Time
}

// ConfirmParams drives the atomic confirmation commit. Today is the current
// date in the business timezone, used by the double-booking guard. AddToRoute
// schedules the new job today and inserts a stop at the cancelled stop's
// position; otherwise the job is created unscheduled for manual routing.
type ConfirmParams struct {
	SessionID   string
	CandidateID string
	AddToRoute  bool
	Now         time.Time
	Today       string
}

// ConfirmResult reports everything the confirmation transaction committed.
type ConfirmResult struct {
	Session   *model.GapFillSession
	Candidate *model.GapFillCandidate
	NewJob    *model.Job
	NewStop   *model.RouteStop
}

// Store defines persistence for the gap-fill dispatch engine.
//
// Absent-row conventions: lookups that can legitimately find nothing
// (ActiveSession, LatestSessionForRoute) return (nil, nil); lookups by
// identifier return a fault.NotFoundError. Methods guarding invariants
// (CreateSession, CloseSession, ConfirmCandidate) return fault.ConflictError
// or fault.InvalidStateError when the invariant would be violated.
type Store interface {
	// Sessions. CreateSession relies on a storage-level uniqueness guarantee
	// (partial unique index on status='active') so two racing creators cannot
	// both win.
	CreateSession(ctx context.Context, s *model.GapFillSession) error
	GetSession(ctx context.Context, id string) (*model.GapFillSession, error)
	ActiveSession(ctx context.Context) (*model.GapFillSession, error)
	LatestSessionForRoute(ctx context.Context, routeID string) (*model.GapFillSession, error)
	// ExpandSession advances an active session to the given search layer and
	// appends that layer's candidate batch atomically: a failure at either
	// step leaves the session and candidate rows exactly as they were.
	ExpandSession(ctx context.Context, sessionID string, layer int, ranked []model.RankedCandidate, now time.Time) ([]model.GapFillCandidate, error)
	CloseSession(ctx context.Context, sessionID string, at time.Time) (*model.GapFillSession, error)
	SetTechMovedOn(ctx context.Context, sessionID string) error
	MarkGapFillAttempted(ctx context.Context, jobID string) error

	// Candidates. InsertCandidates assigns sort ranks continuing from the
	// session's current maximum so later layers append below earlier ones.
	InsertCandidates(ctx context.Context, sessionID string, ranked []model.RankedCandidate, now time.Time) ([]model.GapFillCandidate, error)
	ListCandidates(ctx context.Context, sessionID string) ([]model.GapFillCandidate, error)
	GetCandidate(ctx context.Context, id string) (*model.GapFillCandidate, error)
	CandidateCustomerIDs(ctx context.Context, sessionID string) ([]string, error)
	UpdateCandidateOutreach(ctx context.Context, u OutreachUpdate) (*model.GapFillCandidate, error)

	// Outreach log (append-only; aggregation is read-side).
	AppendOutreachLog(ctx context.Context, e model.OutreachLogEntry) error
	OutreachCounts(ctx context.Context, weekAgo, monthAgo time.Time) (map[string]model.OutreachCounts, error)
	LastContacts(ctx context.Context) (map[string]model.LastContact, error)
	DeleteRecentOutreach(ctx context.Context, customerID string, since time.Time) (int, error)

	// Collaborator lookups. CustomersByID returns directory rows without job
	// history annotations; absent ids are simply missing from the map.
	CandidatePool(ctx context.Context, q PoolQuery) ([]model.CandidateCustomer, error)
	CustomersByID(ctx context.Context, ids []string) (map[string]model.CandidateCustomer, error)
	RouteCustomerIDs(ctx context.Context, date string) ([]string, error)
	CancelledTodayCustomerIDs(ctx context.Context, date string) ([]string, error)
	SetAnytimeAccess(ctx context.Context, customerID string, enabled bool) error

	// ConfirmCandidate commits the whole route mutation as one transaction:
	// double-booking guard, job creation, optional stop insert, candidate and
	// session resolution, outreach log append. A failure at any step leaves
	// every row untouched.
	ConfirmCandidate(ctx context.Context, p ConfirmParams) (*ConfirmResult, error)

	Stats(ctx context.Context) (*model.GapFillStats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
