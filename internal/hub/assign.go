package hub

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/metorial/prankhub/internal/logging"
	"github.com/metorial/prankhub/internal/models"
	"github.com/metorial/prankhub/internal/store"
)

// ErrNoScripts is returned when there is nothing to assign.
var ErrNoScripts = errors.New("no scripts available")

const (
	minColor = 0x100000
	maxColor = 0xFFFFFF
)

// ScriptSource lists the scripts an assigner may hand out.
type ScriptSource func(ctx context.Context) ([]string, error)

// HubScriptSource reads the script pool from the hub_scripts table, for
// callers that are not the hub process itself.
func HubScriptSource(st store.Store, hubID string) ScriptSource {
	return func(ctx context.Context) ([]string, error) {
		rows, err := st.ListHubScripts(ctx, hubID)
		if err != nil {
			return nil, fmt.Errorf("list hub scripts: %w", err)
		}
		names := make([]string, 0, len(rows))
		for _, r := range rows {
			names = append(names, r.ScriptName)
		}
		return names, nil
	}
}

// Assigner maps remotes of one hub to scripts.
type Assigner struct {
	store   store.Store
	hubID   string
	scripts ScriptSource
	log     *logrus.Entry

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewAssigner(st store.Store, hubID string, scripts ScriptSource, logger logrus.FieldLogger) *Assigner {
	return &Assigner{
		store:   st,
		hubID:   hubID,
		scripts: scripts,
		log:     logging.Component(logger, "assigner"),
		rnd:     rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// Assign picks a script uniformly at random for userID and persists it.
func (a *Assigner) Assign(ctx context.Context, userID string) (models.Assignment, error) {
	names, err := a.pool(ctx)
	if err != nil {
		return models.Assignment{}, err
	}

	a.mu.Lock()
	script := names[a.rnd.IntN(len(names))]
	color := a.color()
	a.mu.Unlock()

	assignment := models.Assignment{
		HubID:          a.hubID,
		UserID:         userID,
		AssignedScript: script,
		ScriptColor:    color,
		LastSeen:       time.Now(),
	}
	if err := a.store.UpsertAssignment(ctx, &assignment); err != nil {
		return models.Assignment{}, fmt.Errorf("upsert assignment: %w", err)
	}

	return assignment, nil
}

// ShuffleAll reassigns every remote tracked for the hub. Scripts are drawn
// from a permutation that is refilled only when used up, so no two remotes
// share a script while there are enough scripts to go around.
func (a *Assigner) ShuffleAll(ctx context.Context) ([]models.Assignment, error) {
	remotes, err := a.store.ListAssignments(ctx, a.hubID)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}

	names, err := a.pool(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]models.Assignment, 0, len(remotes))
	var bag []string

	for _, remote := range remotes {
		a.mu.Lock()
		if len(bag) == 0 {
			bag = make([]string, len(names))
			for i, j := range a.rnd.Perm(len(names)) {
				bag[i] = names[j]
			}
		}
		script := bag[0]
		bag = bag[1:]
		color := a.color()
		a.mu.Unlock()

		assignment := models.Assignment{
			HubID:          a.hubID,
			UserID:         remote.UserID,
			AssignedScript: script,
			ScriptColor:    color,
			LastSeen:       remote.LastSeen,
		}
		if err := a.store.UpsertAssignment(ctx, &assignment); err != nil {
			return out, fmt.Errorf("upsert assignment for %s: %w", remote.UserID, err)
		}
		out = append(out, assignment)
	}

	a.log.Infof("Shuffled %d remotes across %d scripts", len(out), len(names))
	return out, nil
}

func (a *Assigner) pool(ctx context.Context) ([]string, error) {
	names, err := a.scripts(ctx)
	if err != nil {
		return nil, fmt.Errorf("load scripts: %w", err)
	}
	if len(names) == 0 {
		a.log.Warn("No scripts available to assign")
		return nil, ErrNoScripts
	}
	return names, nil
}

// color must be called with mu held.
func (a *Assigner) color() string {
	return fmt.Sprintf("#%06x", minColor+a.rnd.IntN(maxColor-minColor+1))
}
