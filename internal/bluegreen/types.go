// Package bluegreen implements the traffic switch: a single source of truth
// for which of two interchangeable backend instances receives new
// connections, and the cutover state machine that moves traffic between them
// without dropping connections already established.
package bluegreen

import (
	"fmt"
	"net/url"
	"time"
)

// Color labels a backend instance, conventionally blue or green.
type Color string

// Phase is the lifecycle position of an instance.
type Phase string

const (
	PhaseCreated  Phase = "created"
	PhaseWarmed   Phase = "warmed"
	PhaseActive   Phase = "active"
	PhaseDraining Phase = "draining"
	PhaseRetired  Phase = "retired"
)

// State is the routing state of the switch. A and B are the first and second
// configured instances.
type State string

const (
	StateRoutedToA   State = "ROUTED_TO_A"
	StateCuttingOver State = "CUTTING_OVER"
	StateRoutedToB   State = "ROUTED_TO_B"
)

// Instance is one addressable backend.
type Instance struct {
	Color       Color     `json:"color"`
	Address     string    `json:"address"`
	HealthPath  string    `json:"health_path"`
	Phase       Phase     `json:"phase"`
	UpdatedAt   time.Time `json:"updated_at"`
	LastProbeAt time.Time `json:"last_probe_at,omitempty"`
	LastProbe   string    `json:"last_probe,omitempty"`
}

// Upstream is what a Reloader points traffic at.
func (i Instance) Upstream() Upstream {
	return Upstream{Color: i.Color, Address: i.Address}
}

// HealthURL is the readiness probe target.
func (i Instance) HealthURL() string {
	return i.Address + i.HealthPath
}

// Upstream names the backend that receives new connections.
type Upstream struct {
	Color   Color  `json:"color"`
	Address string `json:"address"`
}

// HostPort returns the host:port part of the address.
func (u Upstream) HostPort() (string, error) {
	parsed, err := parseAddress(u.Address)
	if err != nil {
		return "", err
	}
	return parsed.Host, nil
}

func parseAddress(address string) (*url.URL, error) {
	parsed, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", address, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid address %q: scheme must be http or https", address)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("invalid address %q: missing host", address)
	}
	return parsed, nil
}

// Snapshot is the routing state at one point in time. Active is never empty.
type Snapshot struct {
	State         State      `json:"state"`
	Active        Color      `json:"active"`
	Draining      Color      `json:"draining,omitempty"`
	Generation    uint64     `json:"generation"`
	ChangedAt     time.Time  `json:"changed_at"`
	DrainDeadline *time.Time `json:"drain_deadline,omitempty"`
}

// CuttingOver reports whether a previous instance is still draining.
func (s Snapshot) CuttingOver() bool {
	return s.State == StateCuttingOver
}

// Status is the snapshot plus the instance table and live connection counts.
type Status struct {
	Snapshot
	Instances       []Instance      `json:"instances"`
	OpenConnections map[Color]int64 `json:"open_connections"`
}
