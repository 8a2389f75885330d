// Package presence publishes which hubs are online right now, separately
// from the durable hub rows in the store.
package presence

import (
	"context"
	"time"
)

// State is the payload a hub advertises while online.
type State struct {
	MachineID    string
	HubID        string
	FriendlyName string
	Mode         string
	Scripts      []string
	OnlineAt     time.Time
	OS           string
	CPUCores     int
	MemoryBytes  uint64
}

type Presence interface {
	// Track publishes (or republishes) the hub as online with the given state.
	Track(ctx context.Context, state State) error
	// Refresh keeps an earlier Track alive.
	Refresh(ctx context.Context) error
	// Leave withdraws the hub.
	Leave(ctx context.Context) error
}

// Nop is used when no presence backend is configured.
type Nop struct{}

func (Nop) Track(context.Context, State) error { return nil }
func (Nop) Refresh(context.Context) error      { return nil }
func (Nop) Leave(context.Context) error        { return nil }
