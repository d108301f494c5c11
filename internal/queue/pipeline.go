package queue

import (
	"context"
	"errors"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"
)

// Change describes one committed state change of an entry.
type Change struct {
	Entry    models.QueueEntry
	Previous models.Status
	Created  bool
}

// Step is a follow-up that runs after a change commits. A failing step is
// logged and does not undo the change.
type Step struct {
	Name string
	Run  func(ctx context.Context, change Change) error
}

// DefaultSteps wires MRN assignment, estimate recompute and board publishing, in that order.
func DefaultSteps(s *Service) []Step {
	return []Step{
		{Name: "assign_mrn", Run: s.assignMRNOnFinish},
		{Name: "recompute", Run: s.recomputeAfterChange},
		{Name: "publish_board", Run: s.publishBoard},
	}
}

func (s *Service) run(ctx context.Context, change Change) {
	for _, step := range s.steps {
		if err := step.Run(ctx, change); err != nil {
			s.logger.Warn("post-change step failed", "step", step.Name, "entry_id", change.Entry.EntryID, "err", err)
		}
	}
}

func (s *Service) assignMRNOnFinish(ctx context.Context, change Change) error {
	if change.Entry.Status != models.StatusFinished || change.Previous == models.StatusFinished {
		return nil
	}
	_, err := s.AssignMRN(ctx, change.Entry.PatientID)
	if errors.Is(err, store.ErrMRNAssigned) {
		return nil
	}
	return err
}

func (s *Service) recomputeAfterChange(ctx context.Context, change Change) error {
	_, err := s.Recompute(ctx, change.Entry.DoctorID, change.Entry.ServiceDate)
	return err
}

func (s *Service) publishBoard(ctx context.Context, change Change) error {
	if s.publisher == nil {
		return nil
	}
	board, err := s.Board(ctx, change.Entry.DoctorID, change.Entry.ServiceDate)
	if err != nil {
		return err
	}
	s.publisher.PublishBoard(ctx, board)
	return nil
}
