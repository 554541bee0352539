package orchestrator

import (
	"github.com/maestro-run/maestro/internal/backend"
	"github.com/maestro-run/maestro/pkg/maestro"
)

// CheckProgress summarizes how far run has advanced against def's static
// step list. CompletionPercentage is always 100 once the run is
// COMPLETED (including a zero-step definition, which would otherwise
// divide by zero), and StepsDone*100/StepsTotal otherwise.
func CheckProgress(run *backend.Run, def *maestro.Definition) maestro.Progress {
	done := 0
	for _, id := range def.Steps {
		if entry, ok := run.Timeline[id]; ok && entry.Output != nil {
			done++
		}
	}

	var pct int
	switch {
	case run.Status == backend.StatusCompleted:
		pct = 100
	case len(def.Steps) > 0:
		pct = done * 100 / len(def.Steps)
	}

	return maestro.Progress{
		RunID:                run.ID,
		Status:               maestro.Status(run.Status),
		CurrentStepID:        run.CurrentStepID,
		StepsTotal:           len(def.Steps),
		StepsDone:            done,
		CompletionPercentage: pct,
	}
}
