// Package tier classifies candidate customers into priority tiers. Tier 1 is
// the best fit for an open slot; tier 5 is the fallback. Rules are evaluated
// in strict priority order and the first match wins.
package tier

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/panelworks/fieldops/internal/model"
)

// daysPerMonth is the flat month length used for recurrence arithmetic.
const daysPerMonth = 30

// overdueFactor marks a recurring customer as overdue once they have gone
// half again past their recurrence interval.
const overdueFactor = 1.5

// Classify maps a customer and the current time to a priority tier and a
// human-readable reason for the dispatcher. The job type under consideration
// is the one annotated on the customer's *ForType fields.
func Classify(c model.CandidateCustomer, now time.Time) (int, string) {
	if c.AnytimeAccess {
		return 1, "Anytime Access - no need to be home"
	}

	if c.IsRecurring && c.RecurrenceForType != "" && c.LastServiceForType != nil {
		interval := RecurrenceMonths(c.RecurrenceForType)
		monthsSince := monthsBetween(*c.LastServiceForType, now)
		if monthsSince >= float64(interval)*overdueFactor {
			return 2, fmt.Sprintf("Recurring, last cleaned %d months ago (overdue)", round(monthsSince))
		}
		if monthsSince >= float64(interval)-1 {
			return 2, fmt.Sprintf("Recurring, last cleaned %d months ago (due)", round(monthsSince))
		}
	}

	if c.Flexible && c.NextScheduledForType == nil {
		return 3, "Flexible, no scheduled job"
	}

	if c.NextScheduledForType != nil {
		daysUntil := int(math.Floor(c.NextScheduledForType.Sub(now).Hours() / 24))
		if daysUntil > 0 && daysUntil <= 21 {
			return 4, fmt.Sprintf("Has job scheduled for %s", c.NextScheduledForType.Format("Monday, January 2"))
		}
	}

	if c.CompletedCountForType > 0 && !c.IsRecurring {
		if c.LastServiceForType != nil {
			monthsSince := round(monthsBetween(*c.LastServiceForType, now))
			return 5, fmt.Sprintf("Last service was %d months ago, non-recurring", monthsSince)
		}
		return 5, "Past customer, non-recurring"
	}

	return 5, "Past customer in area"
}

// RecurrenceMonths normalizes the free-text recurrence interval customers
// carry into a month count. Unparseable values default to 6.
func RecurrenceMonths(interval string) int {
	switch interval {
	case "biannual", "6months", "6":
		return 6
	case "annual", "yearly", "12months", "12":
		return 12
	case "triannual", "4months", "4":
		return 4
	}
	if months, err := strconv.Atoi(interval); err == nil && months > 0 {
		return months
	}
	return 6
}

// MonthsSince returns the 30-day-month distance from t to now. Exposed for
// the pipeline's cooldown check so both use identical arithmetic.
func MonthsSince(t, now time.Time) float64 {
	return monthsBetween(t, now)
}

func monthsBetween(from, to time.Time) float64 {
	return to.Sub(from).Hours() / (24 * daysPerMonth)
}

func round(f float64) int {
	return int(math.Round(f))
}
