package sandbox

import (
	"time"

	"github.com/cochaviz/keel/internal/network"
)

// State names a step of the runtime pipeline.
type State string

// Runtime states in visiting order.
const (
	StatePending              State = "pending"
	StateCheckPrereqs         State = "check-prereqs"
	StateBuildTemplate        State = "build-template"
	StatePrepareEphemeralDisk State = "prepare-ephemeral-disk"
	StateSelectNetworkMode    State = "select-network-mode"
	StateBoot                 State = "boot"
	StateAwaitGuestNetwork    State = "await-guest-network"
	StateAwaitControlChannel  State = "await-control-channel"
	StateReconcileAPI         State = "reconcile-api"
	StateAwaitAPIHealthy      State = "await-api-healthy"
	StateReady                State = "ready"
	StateHealthLoop           State = "health-loop"
	StateShutdown             State = "shutdown"
	StateStopped              State = "stopped"
)

// Serving reports whether the sandbox is handing out its API.
func (s State) Serving() bool {
	return s == StateReady || s == StateHealthLoop
}

// Snapshot is a point-in-time view of a run.
type Snapshot struct {
	RunID      string    `json:"run_id"`
	State      State     `json:"state"`
	StartedAt  time.Time `json:"started_at"`
	Mode       string    `json:"mode,omitempty"`
	Network    string    `json:"network,omitempty"`
	Control    string    `json:"control,omitempty"`
	API        string    `json:"api,omitempty"`
	App        string    `json:"app,omitempty"`
	PID        int       `json:"pid,omitempty"`
	APIHealthy bool      `json:"api_healthy"`
	LastCheck  time.Time `json:"last_check,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Healthy is true while serving with a reachable API.
func (s Snapshot) Healthy() bool {
	return s.State.Serving() && s.APIHealthy
}

func (s *Snapshot) setMode(mode network.Mode) {
	s.Mode = string(mode.Kind())
	s.Network = mode.Describe()
	s.Control = mode.ControlEndpoint().String()
	s.API = mode.APIEndpoint().String()
	s.App = mode.AppEndpoint().String()
}
