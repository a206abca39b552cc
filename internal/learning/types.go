// Package learning drives the retraining loop: scheduled incremental
// fine-tunes, weekly full retrains, A/B evaluation, and promotion of
// challengers into the live routing table.
package learning

import (
	"time"

	"github.com/google/uuid"

	"github.com/fxsage/fxadvisor/internal/registry"
)

// RunStatus is the terminal state of one training run.
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunSkipped   RunStatus = "skipped"
)

// TrainingLog is the audit row written for every scheduled run,
// including skips. Detail carries the failure or skip reason.
type TrainingLog struct {
	ID          uuid.UUID          `json:"id"`
	Type        registry.TrainType `json:"type"`
	Status      RunStatus          `json:"status"`
	Version     string             `json:"version,omitempty"`
	SampleCount int                `json:"sample_count"`
	Detail      string             `json:"detail,omitempty"`
	StartedAt   time.Time          `json:"started_at"`
	FinishedAt  time.Time          `json:"finished_at"`
}

// Duration is how long the run took.
func (l TrainingLog) Duration() time.Duration {
	return l.FinishedAt.Sub(l.StartedAt)
}
