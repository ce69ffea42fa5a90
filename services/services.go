package services

import "time"

// RangelabService is the interface implemented by each long-running rangelab
// service (orchestrator, stats). Start is expected to block.
type RangelabService interface {
	Start() error
}

// NATS subjects for fire-and-forget notifications. Consumers (stats, push
// notification relays, scoreboards) subscribe to these; publish failures are
// logged and never fail the triggering operation.
const (
	SessionStarted = "rangelab.session.started"
	SessionStopped = "rangelab.session.stopped"
	FlagSubmitted  = "rangelab.flag.submitted"
)

// SessionEvent is the payload published on the session.* subjects.
type SessionEvent struct {
	SessionID string    `json:"SessionID"`
	UserID    string    `json:"UserID"`
	LabSlug   string    `json:"LabSlug"`
	Status    string    `json:"Status"`
	Reason    string    `json:"Reason,omitempty"`
	Started   time.Time `json:"Started,omitempty"`
	Ended     time.Time `json:"Ended,omitempty"`

	// Seconds from StartSession to RUNNING. Only set on session.started.
	ProvisioningTime int `json:"ProvisioningTime,omitempty"`
}

// FlagEvent is the payload published on the flag.submitted subject.
type FlagEvent struct {
	SessionID string    `json:"SessionID"`
	UserID    string    `json:"UserID"`
	LabSlug   string    `json:"LabSlug"`
	FlagName  string    `json:"FlagName"`
	Correct   bool      `json:"Correct"`
	Points    int       `json:"Points"`
	Submitted time.Time `json:"Submitted"`
}
