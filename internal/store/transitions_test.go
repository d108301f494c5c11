package store

import (
	"testing"

	"qms/clinic-queue/internal/models"
)

func TestValidTransition(t *testing.T) {
	cases := []struct {
		from  models.Status
		to    models.Status
		valid bool
	}{
		{models.StatusWaiting, models.StatusServing, true},
		{models.StatusServing, models.StatusFinished, true},
		{models.StatusWaiting, models.StatusCanceled, true},
		{models.StatusServing, models.StatusCanceled, true},
		{models.StatusWaiting, models.StatusFinished, false},
		{models.StatusServing, models.StatusServing, false},
		{models.StatusFinished, models.StatusCanceled, false},
		{models.StatusFinished, models.StatusServing, false},
		{models.StatusCanceled, models.StatusCanceled, false},
		{models.StatusCanceled, models.StatusWaiting, false},
		{models.StatusServing, models.StatusWaiting, false},
		{models.StatusWaiting, models.Status("held"), false},
	}

	for _, tt := range cases {
		if got := ValidTransition(tt.from, tt.to); got != tt.valid {
			t.Fatalf("ValidTransition(%q, %q)=%v, want %v", tt.from, tt.to, got, tt.valid)
		}
	}
}

func TestSourceStatusesIsCopy(t *testing.T) {
	sources := SourceStatuses(models.StatusCanceled)
	if len(sources) != 2 {
		t.Fatalf("expected two sources for cancel, got %v", sources)
	}
	sources[0] = models.StatusFinished
	if ValidTransition(models.StatusFinished, models.StatusCanceled) {
		t.Fatalf("mutating the returned slice must not change the table")
	}
}
