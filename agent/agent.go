// Package agent defines the agent profile consumed by the call runtime.
//
// Agents are configured elsewhere (campaign management is a separate system);
// the runtime only needs each agent's prompt templates, voice, and language.
// The Directory interface is the boundary to that system.
package agent

import (
	"context"
	"errors"
	"sync"
)

// DefaultInterruptThreshold is the minimum user speech duration, in seconds,
// that interrupts AI playback when the agent doesn't configure its own.
const DefaultInterruptThreshold = 4.0

// Agent holds the configuration the runtime needs to drive a call.
type Agent struct {
	// ID is the unique agent identifier.
	ID string `json:"id"`

	// Name is a human-readable agent name.
	Name string `json:"name"`

	// SystemPrompt is the raw system prompt template ({{variable}} syntax).
	SystemPrompt string `json:"system_prompt"`

	// GreetingMessage is the raw greeting template spoken at call start.
	GreetingMessage string `json:"greeting_message"`

	// VoiceID selects the synthesis voice. Empty means the provider default.
	VoiceID string `json:"voice_id"`

	// Language is the conversation language code (e.g. "en", "es").
	Language string `json:"language"`

	// InterruptThreshold is the user speech duration in seconds that
	// interrupts playback. Zero means DefaultInterruptThreshold.
	InterruptThreshold float64 `json:"interrupt_threshold,omitempty"`
}

// Directory resolves agent profiles by ID.
type Directory interface {
	// Get returns the agent with the given ID.
	// Returns ErrAgentNotFound if no such agent exists.
	Get(ctx context.Context, id string) (*Agent, error)
}

// ErrAgentNotFound is returned when an agent ID doesn't resolve.
var ErrAgentNotFound = errors.New("agent not found")

// MemoryDirectory is an in-memory Directory for tests and single-tenant
// deployments where agents are loaded from configuration at startup.
type MemoryDirectory struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewMemoryDirectory creates a directory seeded with the given agents.
func NewMemoryDirectory(agents ...*Agent) *MemoryDirectory {
	d := &MemoryDirectory{agents: make(map[string]*Agent)}
	for _, a := range agents {
		d.agents[a.ID] = a
	}
	return d
}

// Get returns the agent with the given ID.
func (d *MemoryDirectory) Get(ctx context.Context, id string) (*Agent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	a, ok := d.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	cp := *a
	return &cp, nil
}

// Put adds or replaces an agent.
func (d *MemoryDirectory) Put(a *Agent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *a
	d.agents[a.ID] = &cp
}

// Remove deletes an agent. Removing an unknown ID is a no-op.
func (d *MemoryDirectory) Remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.agents, id)
}
