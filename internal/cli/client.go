package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/metorial/prankhub/internal/hub"
	"github.com/metorial/prankhub/internal/models"
	"github.com/metorial/prankhub/internal/store"
)

const defaultPollInterval = 250 * time.Millisecond

// Client performs the remote side of the protocol directly against the
// backend: it reads hubs, creates commands and waits for their results.
type Client struct {
	store  store.Store
	poll   time.Duration
	logger logrus.FieldLogger
}

func NewClient(st store.Store, logger logrus.FieldLogger) *Client {
	return &Client{
		store:  st,
		poll:   defaultPollInterval,
		logger: logger,
	}
}

type HubDetail struct {
	Hub     *models.Hub        `json:"hub"`
	Scripts []models.HubScript `json:"scripts"`
}

func (c *Client) ListHubs(ctx context.Context) ([]models.Hub, error) {
	hubs, err := c.store.ListHubs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list hubs: %w", err)
	}
	return hubs, nil
}

func (c *Client) GetHub(ctx context.Context, hubID string) (*HubDetail, error) {
	h, err := c.store.GetHub(ctx, hubID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("hub %s not found", hubID)
		}
		return nil, fmt.Errorf("get hub: %w", err)
	}

	scripts, err := c.store.ListHubScripts(ctx, hubID)
	if err != nil {
		return nil, fmt.Errorf("list hub scripts: %w", err)
	}

	return &HubDetail{Hub: h, Scripts: scripts}, nil
}

// Send creates a pending command for a script the hub advertises.
func (c *Client) Send(ctx context.Context, hubID, script, userID string) (string, error) {
	detail, err := c.GetHub(ctx, hubID)
	if err != nil {
		return "", err
	}

	offered := false
	for _, s := range detail.Scripts {
		if s.ScriptName == script {
			offered = true
			break
		}
	}
	if !offered {
		return "", fmt.Errorf("hub %s does not offer script %q", hubID, script)
	}

	id, err := c.store.CreateCommand(ctx, &models.Command{
		HubID:      hubID,
		ScriptName: script,
		UserID:     userID,
		Status:     models.CommandPending,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		return "", fmt.Errorf("create command: %w", err)
	}
	return id, nil
}

// Wait polls until the command reaches a terminal status and returns it with
// its result row.
func (c *Client) Wait(ctx context.Context, commandID string) (*models.Command, *models.CommandResult, error) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		cmd, err := c.store.GetCommand(ctx, commandID)
		if err != nil {
			return nil, nil, fmt.Errorf("get command: %w", err)
		}

		if cmd.Terminal() {
			res, err := c.store.GetResult(ctx, commandID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return cmd, nil, fmt.Errorf("get result: %w", err)
			}
			return cmd, res, nil
		}

		select {
		case <-ctx.Done():
			return cmd, nil, fmt.Errorf("waiting for command %s (status %s): %w", commandID, cmd.Status, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) Assignments(ctx context.Context, hubID string) ([]models.Assignment, error) {
	assignments, err := c.store.ListAssignments(ctx, hubID)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	return assignments, nil
}

// Shuffle reassigns every remote of the hub from its published script table.
func (c *Client) Shuffle(ctx context.Context, hubID string) ([]models.Assignment, error) {
	if _, err := c.store.GetHub(ctx, hubID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("hub %s not found", hubID)
		}
		return nil, fmt.Errorf("get hub: %w", err)
	}

	assigner := hub.NewAssigner(c.store, hubID, hub.HubScriptSource(c.store, hubID), c.logger)
	return assigner.ShuffleAll(ctx)
}

// Prune marks hubs offline that have not heartbeated for olderThan.
func (c *Client) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := c.store.MarkStale(ctx, olderThan)
	if err != nil {
		return 0, fmt.Errorf("mark stale hubs: %w", err)
	}
	return n, nil
}
