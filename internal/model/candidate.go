package model

import "time"

// OutreachStatus tracks dispatcher contact progress for one candidate.
type OutreachStatus string

const (
	OutreachPending   OutreachStatus = "pending"
	OutreachContacted OutreachStatus = "contacted"
	OutreachNoAnswer  OutreachStatus = "no_answer"
	OutreachDeclined  OutreachStatus = "declined"
	OutreachConfirmed OutreachStatus = "confirmed"
	OutreachSkipped   OutreachStatus = "skipped"
)

// Valid reports whether s is a recognized outreach status.
func (s OutreachStatus) Valid() bool {
	switch s {
	case OutreachPending, OutreachContacted, OutreachNoAnswer,
		OutreachDeclined, OutreachConfirmed, OutreachSkipped:
		return true
	}
	return false
}

// Terminal reports whether the status closes out the candidate.
func (s OutreachStatus) Terminal() bool {
	switch s {
	case OutreachConfirmed, OutreachDeclined, OutreachNoAnswer, OutreachSkipped:
		return true
	}
	return false
}

// MarksContacted reports whether the status records an actual contact attempt
// and should stamp contacted_at.
func (s OutreachStatus) MarksContacted() bool {
	return s == OutreachContacted || s == OutreachNoAnswer
}

// CountsForSuppression reports whether an outcome participates in the
// weekly/monthly contact caps. Only statuses that represent a real outreach
// touch are logged and counted.
func (s OutreachStatus) CountsForSuppression() bool {
	switch s {
	case OutreachContacted, OutreachNoAnswer, OutreachDeclined:
		return true
	}
	return false
}

// GapFillCandidate is one customer surfaced for one session. A customer
// appears at most once per session; rows are created by the filter pipeline
// and mutated only by dispatcher actions.
type GapFillCandidate struct {
	ID         string `json:"id"`
	SessionID  string `json:"session_id"`
	CustomerID string `json:"customer_id"`

	Tier           int     `json:"tier"`
	TierReason     string  `json:"tier_reason"`
	DistanceMiles  float64 `json:"distance_miles"`
	DirectionScore float64 `json:"direction_score"`
	SearchLayer    int     `json:"search_layer"`
	SortRank       int     `json:"sort_rank"`

	OutreachStatus    OutreachStatus `json:"outreach_status"`
	OutreachNote      string         `json:"outreach_note,omitempty"`
	ContactMethodUsed string         `json:"contact_method_used,omitempty"`

	ContactedAt *time.Time `json:"contacted_at,omitempty"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// RankedCandidate is the pipeline's output row before persistence: a scored,
// tiered customer with its presentation order not yet assigned.
type RankedCandidate struct {
	CustomerID     string       `json:"customer_id"`
	Tier           int          `json:"tier"`
	TierReason     string       `json:"tier_reason"`
	DistanceMiles  float64      `json:"distance_miles"`
	DirectionScore float64      `json:"direction_score"`
	SearchLayer    int          `json:"search_layer"`
	LastContact    *LastContact `json:"last_contact,omitempty"`
}

// OutreachLogEntry is an immutable audit record of one outreach attempt.
// Entries are only appended, never updated; suppression counts and historical
// reporting are read-side aggregations over this log.
type OutreachLogEntry struct {
	ID          string    `json:"id"`
	CustomerID  string    `json:"customer_id"`
	SessionID   string    `json:"session_id"`
	ContactedAt time.Time `json:"contacted_at"`
	Outcome     string    `json:"outcome"`
	Tier        int       `json:"tier"`
	ServiceType string    `json:"service_type"`
}

// OutreachCounts holds a customer's trailing contact totals used to enforce
// the weekly and monthly caps.
type OutreachCounts struct {
	Week  int `json:"week"`
	Month int `json:"month"`
}

// LastContact is a customer's most recent outreach touch.
type LastContact struct {
	ContactedAt time.Time `json:"contacted_at"`
	Outcome     string    `json:"outcome"`
}
