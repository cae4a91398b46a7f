// Package pipeline implements candidate filtering and scoring for a gap-fill
// session. FilterAndScore is pure: every lookup is resolved by the caller and
// passed in, so per-customer evaluation has no shared mutable state.
package pipeline

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/panelworks/fieldops/internal/geomath"
	"github.com/panelworks/fieldops/internal/model"
	"github.com/panelworks/fieldops/internal/tier"
)

// Params are the business constants that gate time feasibility, suppression,
// and cooldown. Defaults match the operating rules; config may tune them.
type Params struct {
	JobDurationMinutes  float64 `json:"job_duration_minutes"`
	BufferMinutes       float64 `json:"buffer_minutes"`
	HardCutoffHour      int     `json:"hard_cutoff_hour"`
	MaxContactsPerWeek  int     `json:"max_contacts_per_week"`
	MaxContactsPerMonth int     `json:"max_contacts_per_month"`
	CooldownMonths      float64 `json:"cooldown_months"`
}

// DefaultParams returns the standard operating constants.
func DefaultParams() Params {
	return Params{
		JobDurationMinutes:  75,
		BufferMinutes:       10,
		HardCutoffHour:      18,
		MaxContactsPerWeek:  1,
		MaxContactsPerMonth: 3,
		CooldownMonths:      6,
	}
}

// Input carries everything one filtering round needs. NowLocal must already
// be in the business operating timezone; cutoff comparisons never consult the
// request's locale.
type Input struct {
	Session        model.GapFillSession
	Layer          int
	Customers      []model.CandidateCustomer
	Exclude        map[string]bool
	Outreach       map[string]model.OutreachCounts
	LastContacts   map[string]model.LastContact
	CancelledToday map[string]bool
	NowLocal       time.Time
}

// FilterAndScore runs the per-customer filter chain for one search layer and
// returns the survivors scored, tiered, and sorted by tier ascending then
// distance ascending. Tier always dominates distance: a closer low-priority
// customer never outranks a farther high-priority one.
func FilterAndScore(in Input, p Params) ([]model.RankedCandidate, error) {
	cfg, ok := model.LayerFor(in.Layer)
	if !ok {
		return nil, eris.Errorf("pipeline: unknown search layer %d", in.Layer)
	}

	nowMinutes := in.NowLocal.Hour()*60 + in.NowLocal.Minute()
	nextStopMinutes, hasNextTime := parseClock(in.Session.NextStopTime)

	var out []model.RankedCandidate
	for _, c := range in.Customers {
		if in.Exclude[c.ID] {
			continue
		}

		distance := geomath.HaversineMiles(in.Session.ReferenceLat, in.Session.ReferenceLng, c.Lat, c.Lng)
		if distance > cfg.MaxMiles {
			continue
		}

		counts := in.Outreach[c.ID]
		if counts.Week >= p.MaxContactsPerWeek || counts.Month >= p.MaxContactsPerMonth {
			continue
		}

		// A customer who already bailed today does not get offered the slot
		// their cancellation opened.
		if in.CancelledToday[c.ID] {
			continue
		}

		if c.LastServiceForType != nil &&
			tier.MonthsSince(*c.LastServiceForType, in.NowLocal) < p.CooldownMonths {
			continue
		}

		driveMinutes := geomath.EstimateDriveMinutes(distance)
		if float64(nowMinutes)+driveMinutes+p.JobDurationMinutes > float64(p.HardCutoffHour*60) {
			continue
		}
		if cfg.EnforceTimeGate && hasNextTime {
			totalMinutes := p.JobDurationMinutes + driveMinutes + p.BufferMinutes
			if float64(nowMinutes)+totalMinutes > float64(nextStopMinutes) {
				continue
			}
		}

		tierNum, reason := tier.Classify(c, in.NowLocal)

		dirScore := 0.0
		if in.Session.HasNextStop() {
			dirScore = geomath.DirectionScore(
				in.Session.ReferenceLat, in.Session.ReferenceLng,
				*in.Session.NextStopLat, *in.Session.NextStopLng,
				c.Lat, c.Lng,
			)
		}

		rc := model.RankedCandidate{
			CustomerID:     c.ID,
			Tier:           tierNum,
			TierReason:     reason,
			DistanceMiles:  round2(distance),
			DirectionScore: round2(dirScore),
			SearchLayer:    in.Layer,
		}
		if lc, ok := in.LastContacts[c.ID]; ok {
			last := lc
			rc.LastContact = &last
		}
		out = append(out, rc)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Tier != out[j].Tier {
			return out[i].Tier < out[j].Tier
		}
		return out[i].DistanceMiles < out[j].DistanceMiles
	})
	return out, nil
}

// parseClock extracts minutes-since-midnight from an "HH:MM" wall-clock
// string. A trailing seconds component is tolerated.
func parseClock(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	hh, rest, ok := strings.Cut(s, ":")
	if !ok {
		return 0, false
	}
	mm := rest
	if i := strings.IndexByte(rest, ':'); i >= 0 {
		mm = rest[:i]
	}
	h, err1 := strconv.Atoi(strings.TrimSpace(hh))
	m, err2 := strconv.Atoi(strings.TrimSpace(mm))
	if err1 != nil || err2 != nil {
		return 0, false
	}
	return h*60 + m, true
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
