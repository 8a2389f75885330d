// Package realtime defines the change feed a hub subscribes to and the typed
// events decoded from it.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/metorial/prankhub/internal/models"
)

const (
	TableCommands = "script_commands"
	TableRemotes  = "active_remotes"

	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
)

// ErrClosed is returned by Next after the subscription was closed.
var ErrClosed = errors.New("subscription closed")

// Change is one row-level change as delivered by a backend.
type Change struct {
	Table  string          `json:"table"`
	Op     string          `json:"op"`
	HubID  string          `json:"hub_id"`
	Record json.RawMessage `json:"record"`
}

// Event is the closed set of things a hub reacts to. The concrete types are
// CommandInserted, RemoteUpserted and Unrecognized.
type Event interface {
	isEvent()
}

type CommandInserted struct {
	Command models.Command
}

type RemoteUpserted struct {
	Op     string
	Remote models.Assignment
}

// Unrecognized carries changes the hub does not understand yet.
type Unrecognized struct {
	Change Change
}

func (CommandInserted) isEvent() {}
func (RemoteUpserted) isEvent()  {}
func (Unrecognized) isEvent()    {}

// Feed opens subscriptions filtered to one hub.
type Feed interface {
	Subscribe(ctx context.Context, hubID string) (Subscription, error)
}

// Subscription yields events until closed. A non-context error from Next
// means the transport failed and the subscription is dead.
type Subscription interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

type commandRecord struct {
	ID         string `json:"id"`
	HubID      string `json:"hub_id"`
	ScriptName string `json:"script_name"`
	UserID     string `json:"user_id"`
	Status     string `json:"status"`
	CreatedAt  string `json:"created_at"`
}

type remoteRecord struct {
	HubID          string  `json:"hub_id"`
	UserID         string  `json:"user_id"`
	AssignedScript *string `json:"assigned_script"`
	ScriptColor    *string `json:"script_color"`
	LastSeen       string  `json:"last_seen"`
}

// Decode turns a raw change into a typed event. Malformed records are an
// error; well-formed changes the hub has no handler for are Unrecognized.
func Decode(c Change) (Event, error) {
	op := strings.ToUpper(c.Op)

	switch {
	case c.Table == TableCommands && op == OpInsert:
		var rec commandRecord
		if err := json.Unmarshal(c.Record, &rec); err != nil {
			return nil, fmt.Errorf("decode command record: %w", err)
		}
		return CommandInserted{Command: models.Command{
			ID:         rec.ID,
			HubID:      rec.HubID,
			ScriptName: rec.ScriptName,
			UserID:     rec.UserID,
			Status:     rec.Status,
			CreatedAt:  ParseTime(rec.CreatedAt),
		}}, nil

	case c.Table == TableRemotes && (op == OpInsert || op == OpUpdate):
		var rec remoteRecord
		if err := json.Unmarshal(c.Record, &rec); err != nil {
			return nil, fmt.Errorf("decode remote record: %w", err)
		}
		remote := models.Assignment{
			HubID:    rec.HubID,
			UserID:   rec.UserID,
			LastSeen: ParseTime(rec.LastSeen),
		}
		if rec.AssignedScript != nil {
			remote.AssignedScript = *rec.AssignedScript
		}
		if rec.ScriptColor != nil {
			remote.ScriptColor = *rec.ScriptColor
		}
		return RemoteUpserted{Op: op, Remote: remote}, nil
	}

	return Unrecognized{Change: c}, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseTime accepts the timestamp renderings Postgres and SQLite produce.
// Unparseable input yields the zero time.
func ParseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// DecodeLenient is Decode for feed implementations: a change that fails to
// decode is surfaced as Unrecognized rather than failing the subscription.
func DecodeLenient(c Change) Event {
	ev, err := Decode(c)
	if err != nil {
		return Unrecognized{Change: c}
	}
	return ev
}
