package domain

import (
	"sort"
	"time"
)

// RemoteDisplayDisabled is the port recorded for a machine whose remote display is off
const RemoteDisplayDisabled = 1

// Node represents a compute server able to host units
type Node struct {
	Address         string              // Unique address the scheduler reaches the node on
	Port            int                 // RPC port of the node
	Gauges          *ResourceGauges     // Last reported resource usage, nil when unknown
	StatusUpdatedAt *time.Time          // When Gauges were last written
	Sessions        map[string]*Session // Sessions hosted by the node keyed by session id
}

// ResourceGauges holds live resource usage of a node in percent
type ResourceGauges struct {
	CPU    float64 `json:"cpu"`
	Memory float64 `json:"mem"`
	Disk   float64 `json:"hdd"`
}

// Workshop represents a lab template and its instance policy
type Workshop struct {
	ID           int64  // Unique identifier
	Name         string // Unique workshop name, also the template group prefix
	Label        string // Display label
	Description  string // Optional description
	MinInstances int    // Units kept pre-warmed per node
	MaxInstances int    // Cap on units across all nodes
	Enabled      bool   // Whether the workshop can be checked out
}

// Session represents one checked-out or pre-warmed unit of a workshop on a node
type Session struct {
	ID          string    // Globally unique session id
	NodeAddress string    // Node hosting the unit
	Workshop    string    // Workshop name
	Machines    []Machine // Machines of the unit, empty until cloned
	Password    string    // Password handed to the participant
	Available   bool      // True while pre-warmed and not checked out
	StartedAt   time.Time // When the session was created or checked out
}

// Machine represents one cloned VM in a session's unit
type Machine struct {
	Name   string // Hypervisor machine name
	Port   int    // Remote display port or RemoteDisplayDisabled
	State  string // Last observed power state
	Active bool   // Whether a remote display connection is open
}

// NodeStatus is the status payload a node reports on every poll.
// Gauges is nil when the node could not sample its resources.
type NodeStatus struct {
	Gauges   *ResourceGauges            `json:"gauges,omitempty"`
	Sessions map[string][]MachineStatus `json:"sessions"`
}

// MachineStatus is the polled state of one machine
type MachineStatus struct {
	Name                 string `json:"name"`
	State                string `json:"state"`
	RemoteDisplayEnabled bool   `json:"vrde-enabled"`
	RemoteDisplayActive  bool   `json:"vrde-active"`
}

// UnitMachine is one entry of a unit introspection
type UnitMachine struct {
	Name string `json:"name"`
	Port int    `json:"port"`
}

// CountSessions returns the number of sessions hosted by the node
func (n *Node) CountSessions() int {
	return len(n.Sessions)
}

// CountByWorkshop returns the number of sessions for the workshop, optionally only the available ones
func (n *Node) CountByWorkshop(workshop string, availableOnly bool) int {
	count := 0
	for _, s := range n.Sessions {
		if s.Workshop != workshop {
			continue
		}
		if availableOnly && !s.Available {
			continue
		}
		count++
	}
	return count
}

// AvailableSession returns the oldest available session for the workshop, or nil
func (n *Node) AvailableSession(workshop string) *Session {
	var candidates []*Session
	for _, s := range n.Sessions {
		if s.Available && s.Workshop == workshop {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].StartedAt.Equal(candidates[j].StartedAt) {
			return candidates[i].ID < candidates[j].ID
		}
		return candidates[i].StartedAt.Before(candidates[j].StartedAt)
	})
	return candidates[0]
}

// Idle reports whether no machine of the session has an active remote display connection
func (s *Session) Idle() bool {
	for _, m := range s.Machines {
		if m.Active {
			return false
		}
	}
	return true
}

// Ports returns the remote display ports exposed by the session's machines
func (s *Session) Ports() []int {
	var ports []int
	for _, m := range s.Machines {
		if m.Port != RemoteDisplayDisabled && m.Port > 0 {
			ports = append(ports, m.Port)
		}
	}
	return ports
}
