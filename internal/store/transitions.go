package store

import "qms/clinic-queue/internal/models"

// transitionMap lists, per target status, the statuses an entry may leave to reach it.
var transitionMap = map[models.Status][]models.Status{
	models.StatusServing:  {models.StatusWaiting},
	models.StatusFinished: {models.StatusServing},
	models.StatusCanceled: {models.StatusWaiting, models.StatusServing},
}

func ValidTransition(from, to models.Status) bool {
	allowed, ok := transitionMap[to]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == from {
			return true
		}
	}
	return false
}

// SourceStatuses returns the statuses that may transition to target.
func SourceStatuses(target models.Status) []models.Status {
	return append([]models.Status(nil), transitionMap[target]...)
}

// EventType names the outbox and audit event emitted when an entry reaches status.
func EventType(status models.Status) string {
	switch status {
	case models.StatusWaiting:
		return "entry.created"
	case models.StatusServing:
		return "entry.called"
	case models.StatusFinished:
		return "entry.finished"
	case models.StatusCanceled:
		return "entry.canceled"
	}
	return "entry.updated"
}
