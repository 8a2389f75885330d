// Package store defines the table-oriented backend shared by hubs and
// remotes. Implementations live in sqlitestore and pgstore.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/metorial/prankhub/internal/models"
	"github.com/metorial/prankhub/internal/realtime"
)

var ErrNotFound = errors.New("not found")

type Store interface {
	Migrate(ctx context.Context) error

	// UpsertHub inserts or updates the hub keyed by machine id and returns
	// its id. Feature flags on an existing row are left untouched.
	UpsertHub(ctx context.Context, hub *models.Hub) (string, error)
	TouchHub(ctx context.Context, hubID, status string, at time.Time) error
	GetHub(ctx context.Context, hubID string) (*models.Hub, error)
	ListHubs(ctx context.Context) ([]models.Hub, error)
	// MarkStale flips online hubs that have not been seen for olderThan to
	// offline and reports how many changed.
	MarkStale(ctx context.Context, olderThan time.Duration) (int64, error)

	// ReplaceHubScripts deletes every script row of the hub and inserts the
	// given ones in a single transaction.
	ReplaceHubScripts(ctx context.Context, hubID string, scripts []models.HubScript) error
	ListHubScripts(ctx context.Context, hubID string) ([]models.HubScript, error)

	CreateCommand(ctx context.Context, cmd *models.Command) (string, error)
	GetCommand(ctx context.Context, id string) (*models.Command, error)
	UpdateCommandStatus(ctx context.Context, id, status string) error

	InsertResult(ctx context.Context, result *models.CommandResult) error
	GetResult(ctx context.Context, commandID string) (*models.CommandResult, error)

	UpsertAssignment(ctx context.Context, a *models.Assignment) error
	ListAssignments(ctx context.Context, hubID string) ([]models.Assignment, error)

	Close() error
}

// Backend is a store that also delivers realtime change events.
type Backend interface {
	Store
	realtime.Feed
}
