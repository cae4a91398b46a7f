package model

import "time"

// SessionStatus is the lifecycle state of a gap-fill session.
type SessionStatus string

const (
	SessionStatusActive SessionStatus = "active"
	SessionStatusFilled SessionStatus = "filled"
	SessionStatusClosed SessionStatus = "closed"
)

// Terminal reports whether no further transition may leave this status.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusFilled || s == SessionStatusClosed
}

// Resolution records how a session ended.
type Resolution string

const (
	ResolutionConfirmed Resolution = "confirmed"
	ResolutionUnfilled  Resolution = "unfilled"
)

// GapFillSession is one cancellation-driven dispatch attempt. At most one
// session is active system-wide at any time: one truck can only take one
// replacement job.
type GapFillSession struct {
	ID string `json:"id"`

	RouteID                 string `json:"route_id"`
	CancelledStopID         string `json:"cancelled_stop_id"`
	CancelledJobID          string `json:"cancelled_job_id"`
	CancelledCustomerID     string `json:"cancelled_customer_id"`
	CancelledJobDescription string `json:"cancelled_job_description"`

	ReferenceLat     float64 `json:"reference_lat"`
	ReferenceLng     float64 `json:"reference_lng"`
	ReferenceAddress string  `json:"reference_address,omitempty"`

	NextStopID   string   `json:"next_stop_id,omitempty"`
	NextStopLat  *float64 `json:"next_stop_lat,omitempty"`
	NextStopLng  *float64 `json:"next_stop_lng,omitempty"`
	NextStopTime string   `json:"next_stop_time,omitempty"` // "HH:MM" in the business timezone

	SearchLayer int           `json:"search_layer"`
	Status      SessionStatus `json:"status"`
	Resolution  Resolution    `json:"resolution,omitempty"`

	ConfirmedCustomerID  string `json:"confirmed_customer_id,omitempty"`
	ConfirmedCandidateID string `json:"confirmed_candidate_id,omitempty"`
	TechMovedOn          bool   `json:"tech_moved_on"`

	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// HasNextStop reports whether the session carries a committed next stop to
// gate time feasibility and direction scoring against.
func (s *GapFillSession) HasNextStop() bool {
	return s.NextStopLat != nil && s.NextStopLng != nil
}

// GapFillStats aggregates session outcomes for reporting.
type GapFillStats struct {
	TotalSessions  int                  `json:"total_sessions"`
	FilledSessions int                  `json:"filled_sessions"`
	FillRatePct    int                  `json:"fill_rate_pct"`
	TierSuccess    map[int]TierOutcomes `json:"tier_success_rates"`
}

// TierOutcomes is the per-tier outreach conversion summary.
type TierOutcomes struct {
	Total     int `json:"total"`
	Confirmed int `json:"confirmed"`
	RatePct   int `json:"rate_pct"`
}
