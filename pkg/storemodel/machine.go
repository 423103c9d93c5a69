package storemodel

import (
	"sync"
	"time"
)

// Machine is a worker descriptor. ConnectInfo is shared and
// mutated only under its own lock, by pkg/machinehealth — never
// directly by the orchestrator or the transport session.
type Machine struct {
	SSHName           string
	SSHKey            string
	SupportedFeatures []string
	IsLocalhost       bool

	connectInfo ConnectInfo
}

// NewMachine constructs a Machine with a fresh, never-failed
// ConnectInfo.
func NewMachine(sshName, sshKey string, supportedFeatures []string, isLocalhost bool) *Machine {
	return &Machine{
		SSHName:           sshName,
		SSHKey:            sshKey,
		SupportedFeatures: supportedFeatures,
		IsLocalhost:       isLocalhost,
	}
}

// ConnectInfo returns a snapshot of the machine's current health
// bookkeeping, safe to read from the scheduler at any time.
func (m *Machine) ConnectInfo() ConnectInfoSnapshot {
	m.connectInfo.mu.Lock()
	defer m.connectInfo.mu.Unlock()
	return ConnectInfoSnapshot{
		ConsecutiveFailures: m.connectInfo.ConsecutiveFailures,
		LastFailure:         m.connectInfo.LastFailure,
		DisabledUntil:       m.connectInfo.DisabledUntil,
	}
}

// WithLock runs fn with the machine's per-machine lock held, passing
// the live ConnectInfo for fn to mutate in place. Only
// pkg/machinehealth calls this (the orchestrator's success-path reset
// goes through Policy.RecordSuccess); everyone else calls ConnectInfo
// for a read-only snapshot.
func (m *Machine) WithLock(fn func(ci *ConnectInfo)) {
	m.connectInfo.mu.Lock()
	defer m.connectInfo.mu.Unlock()
	fn(&m.connectInfo)
}

// ConnectInfo is the per-machine mutable health record. The
// embedded mutex makes it safe to share a single instance across the
// step tasks that build on one machine concurrently. It is never
// copied; callers that need a read-only view call Machine.ConnectInfo
// for a ConnectInfoSnapshot instead.
type ConnectInfo struct {
	mu sync.Mutex

	ConsecutiveFailures int // 0..4
	LastFailure         time.Time
	DisabledUntil       time.Time
}

// ConnectInfoSnapshot is a point-in-time, lock-free copy of
// ConnectInfo for readers (the scheduler).
type ConnectInfoSnapshot struct {
	ConsecutiveFailures int
	LastFailure         time.Time
	DisabledUntil       time.Time
}

// IsDisabled reports whether the machine is currently backed off as of
// now.
func (ci ConnectInfoSnapshot) IsDisabled(now time.Time) bool {
	return now.Before(ci.DisabledUntil)
}
