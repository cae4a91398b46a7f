package model

import "time"

// CandidateCustomer is a customer directory row annotated with job history
// for the service type being replaced. This is the shape the directory lookup
// returns for each customer inside the search bounding box.
type CandidateCustomer struct {
	ID        string  `json:"id"`
	FirstName string  `json:"first_name"`
	FullName  string  `json:"full_name"`
	Address   string  `json:"address,omitempty"`
	Phone     string  `json:"phone"`
	Email     string  `json:"email,omitempty"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`

	AnytimeAccess bool `json:"anytime_access"`
	Flexible      bool `json:"flexible"`
	IsRecurring   bool `json:"is_recurring"`

	PanelCount             int        `json:"panel_count"`
	PreferredContactMethod string     `json:"preferred_contact_method,omitempty"`
	LastServiceForType     *time.Time `json:"last_service_for_type,omitempty"`
	NextScheduledForType   *time.Time `json:"next_scheduled_for_type,omitempty"`
	RecurrenceForType      string     `json:"recurrence_for_type,omitempty"`
	CompletedCountForType  int        `json:"completed_count_for_type"`
}

// Job is the slice of the jobs table the dispatch core reads and writes when
// committing a confirmed candidate. Full job CRUD lives outside this core.
type Job struct {
	ID             string  `json:"id"`
	CustomerID     string  `json:"customer_id"`
	JobDescription string  `json:"job_description"`
	Status         string  `json:"status"`
	PanelCount     int     `json:"panel_count"`
	Price          float64 `json:"price"`
	PricePerPanel  float64 `json:"price_per_panel"`
	PreferredDays  string  `json:"preferred_days,omitempty"`
	PreferredTime  string  `json:"preferred_time,omitempty"`
	Technician     string  `json:"technician,omitempty"`
	Employee       string  `json:"employee,omitempty"`
	Notes          string  `json:"notes,omitempty"`
	IsGapFill      bool    `json:"is_gap_fill"`
	ScheduledDate  string  `json:"scheduled_date,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// RouteStop is the slice of the route_stops table used when inserting a
// replacement stop at the cancelled stop's position.
type RouteStop struct {
	ID            string `json:"id"`
	RouteID       string `json:"route_id"`
	CustomerID    string `json:"customer_id"`
	StopOrder     int    `json:"stop_order"`
	ScheduledTime string `json:"scheduled_time,omitempty"`
	Notes         string `json:"notes,omitempty"`
	Cancelled     bool   `json:"cancelled"`
}
