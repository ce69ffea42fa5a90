package db

import "time"

// SessionStatus tracks a session through its lifecycle. Transitions are monotonic:
// once a session reaches a terminal status it never leaves it.
type SessionStatus string

const (
	Status_STARTING SessionStatus = "STARTING"
	Status_RUNNING  SessionStatus = "RUNNING"
	Status_STOPPED  SessionStatus = "STOPPED"
	Status_EXPIRED  SessionStatus = "EXPIRED"
	Status_FAILED   SessionStatus = "FAILED"
)

// Terminal returns true if the status is one a session can never transition out of.
func (s SessionStatus) Terminal() bool {
	return s == Status_STOPPED || s == Status_EXPIRED || s == Status_FAILED
}

// ConnectionMode tags a ConnectionInfo with the shape of its fields. Consumers
// must branch on this tag rather than sniffing which fields are populated.
type ConnectionMode string

const (
	ConnectionModeIsolated ConnectionMode = "isolated"
	ConnectionModeNAT      ConnectionMode = "nat"
)

// ConnectionInfo tells the user how to reach their instance. In isolated mode only
// IP is meaningful (standard service ports, reachable over the VPN tunnel). In NAT
// mode Host, SSHPort and WebPort are meaningful.
type ConnectionInfo struct {
	Mode ConnectionMode `json:"Mode"`

	IP string `json:"IP,omitempty"`

	Host    string `json:"Host,omitempty"`
	SSHPort int    `json:"SSHPort,omitempty"`
	WebPort int    `json:"WebPort,omitempty"`
}

// SessionFlag is the per-session state of one of the lab's flags: the value this
// session must submit, and whether it has been correctly submitted yet.
type SessionFlag struct {
	Value     string `json:"Value,omitempty"`
	Points    int    `json:"Points,omitempty"`
	Submitted bool   `json:"Submitted,omitempty"`
	Correct   bool   `json:"Correct,omitempty"`

	// Delivery outcome for this flag: "delivered", "failed", or "not-required"
	// for static flags. Informational only - validation never depends on it.
	Delivery string `json:"Delivery,omitempty"`
}

// Session is a runtime claim binding one user, one lab, and one VM instance, with a
// bounded lifetime. The orchestrator holds the authoritative copy while the session
// is active; the DataManager provides durability.
type Session struct {
	ID      string `json:"SessionId,omitempty"`
	UserID  string `json:"UserId,omitempty"`
	LabSlug string `json:"LabSlug,omitempty"`

	Status SessionStatus `json:"Status,omitempty"`

	ConnectionInfo *ConnectionInfo         `json:"ConnectionInfo,omitempty"`
	Flags          map[string]*SessionFlag `json:"Flags,omitempty"`

	StartedAt      time.Time `json:"StartedAt,omitempty"`
	ExpiresAt      time.Time `json:"ExpiresAt,omitempty"`
	EndedAt        time.Time `json:"EndedAt,omitempty"`
	LastActivity   time.Time `json:"LastActivity,omitempty"`
	ExtensionsUsed int       `json:"ExtensionsUsed,omitempty"`

	// Non-fatal provisioning diagnostics, e.g. flags that couldn't be delivered.
	Warnings []string `json:"Warnings,omitempty"`
}
