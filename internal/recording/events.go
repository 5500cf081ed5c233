package recording

import (
	"time"

	"screenkeep/internal/retention"
)

const (
	EventStarted     = "recording.started"
	EventProcessing  = "recording.processing"
	EventStopped     = "recording.stopped"
	EventEmpty       = "recording.empty"
	EventInterrupted = "recording.interrupted"
	EventFailed      = "recording.failed"
	EventArtifact    = "artifact.ready"
)

// Event is what the controller tells the outside world about.
type Event struct {
	Type      string              `json:"type"`
	SessionID string              `json:"session_id,omitempty"`
	Artifact  *retention.Artifact `json:"artifact,omitempty"`
	Error     string              `json:"error,omitempty"`
	At        time.Time           `json:"at"`
}

// Notifier receives controller events. Publish must not block.
type Notifier interface {
	Publish(Event)
}

type nopNotifier struct{}

func (nopNotifier) Publish(Event) {}
