// Package estimator projects queue positions and call times. It does no I/O.
package estimator

import (
	"math"
	"sort"
	"time"

	"qms/clinic-queue/internal/models"
)

// DefaultDuration is used when neither history nor configuration knows a service.
const DefaultDuration = 10 * time.Minute

// Durations resolves the average service time per service: observed history
// first, then the configured minutes, then Default.
type Durations struct {
	History    map[string]time.Duration
	Configured map[string]time.Duration
	Default    time.Duration
}

func (d Durations) For(serviceID string) time.Duration {
	if v, ok := d.History[serviceID]; ok && v > 0 {
		return v
	}
	if v, ok := d.Configured[serviceID]; ok && v > 0 {
		return v
	}
	if d.Default > 0 {
		return d.Default
	}
	return DefaultDuration
}

type Input struct {
	Now time.Time
	// Opening is the session start for the date; zero means no lower bound.
	Opening   time.Time
	Entries   []models.QueueEntry
	Durations Durations
}

type Result struct {
	EntryID           string
	Position          int
	EstimatedCallTime time.Time
}

// Order sorts entries the way they will be called.
func Order(entries []models.QueueEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.QueueNumber != b.QueueNumber {
			return a.QueueNumber < b.QueueNumber
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.EntryID < b.EntryID
	})
}

// Compute returns one result per waiting entry, in call order.
//
// Position counts the waiting entries ahead. The first waiting entry is
// expected at max(now, opening) plus the extra delay reported on entries
// being served; each later one waits for the service time and extra delay of
// every waiting entry ahead of it. Terminal entries are ignored.
func Compute(in Input) []Result {
	entries := make([]models.QueueEntry, 0, len(in.Entries))
	for _, entry := range in.Entries {
		if entry.Status.Live() {
			entries = append(entries, entry)
		}
	}
	Order(entries)

	cursor := in.Now
	if in.Opening.After(cursor) {
		cursor = in.Opening
	}
	for _, entry := range entries {
		if entry.Status == models.StatusServing {
			cursor = cursor.Add(minutes(entry.ExtraDelayMinutes))
		}
	}

	var results []Result
	position := 0
	for _, entry := range entries {
		if entry.Status != models.StatusWaiting {
			continue
		}
		results = append(results, Result{
			EntryID:           entry.EntryID,
			Position:          position,
			EstimatedCallTime: cursor,
		})
		cursor = cursor.Add(in.Durations.For(entry.ServiceID) + minutes(entry.ExtraDelayMinutes))
		position++
	}
	return results
}

// Classify labels an estimate against the clock. The delay is whole minutes,
// rounded up, and zero when on time.
func Classify(now, eta time.Time) (models.EstimateLabel, int) {
	if !now.After(eta) {
		return models.LabelOnTime, 0
	}
	late := now.Sub(eta)
	return models.LabelDelayed, int(math.Ceil(late.Minutes()))
}

func minutes(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Minute
}
