// Package hub runs a prank hub: it registers the machine with the backend,
// keeps its row alive, listens for commands addressed to it and executes
// them, and hands out scripts to remotes in assigned mode.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/metorial/prankhub/internal/executor"
	"github.com/metorial/prankhub/internal/identity"
	"github.com/metorial/prankhub/internal/logging"
	"github.com/metorial/prankhub/internal/models"
	"github.com/metorial/prankhub/internal/presence"
	"github.com/metorial/prankhub/internal/realtime"
	"github.com/metorial/prankhub/internal/registry"
	"github.com/metorial/prankhub/internal/store"
)

const (
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultMaxReconnectAttempts = 10
	DefaultMaxBackoff           = 60 * time.Second
	DefaultDrainTimeout         = 5 * time.Second

	offlineWriteTimeout = 5 * time.Second
)

// State is the command channel state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	// StateOffline is terminal: the supervisor gave up reconnecting.
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateOffline:
		return "offline"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Scripts is the registry surface the hub needs.
type Scripts interface {
	Discover(ctx context.Context) ([]string, error)
	Snapshot() []registry.Script
}

// Runner executes one script on behalf of a requester.
type Runner interface {
	Execute(ctx context.Context, name, requester string) executor.Result
}

// HealthReporter mirrors the hub state to an external health endpoint.
type HealthReporter interface {
	Set(serving bool)
	Serve(ctx context.Context, addr string) error
}

type Deps struct {
	Store    store.Backend
	Scripts  Scripts
	Runner   Runner
	Presence presence.Presence
	Health   HealthReporter
	Logger   logrus.FieldLogger
}

type Options struct {
	// MachineID overrides the fingerprint derived from Facts.
	MachineID            string
	Facts                identity.Facts
	FriendlyName         string
	Mode                 string
	HeartbeatInterval    time.Duration
	MaxReconnectAttempts int
	MaxBackoff           time.Duration
	DrainTimeout         time.Duration
	HealthAddr           string
}

type Hub struct {
	store    store.Backend
	scripts  Scripts
	runner   Runner
	presence presence.Presence
	health   HealthReporter
	log      *logrus.Entry
	opts     Options

	machineID string

	// sleep and now are replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	mu          sync.Mutex
	hubID       string
	state       State
	settings    models.Hub
	sub         realtime.Subscription
	processed   map[string]struct{}
	assigner    *Assigner
	lastShuffle time.Time

	tasks      sync.WaitGroup
	execCtx    context.Context
	cancelExec context.CancelFunc
}

func New(deps Deps, opts Options) *Hub {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	if opts.Mode == "" {
		opts.Mode = models.ModeShared
	}
	if opts.FriendlyName == "" {
		opts.FriendlyName = opts.Facts.Hostname
	}

	machineID := opts.MachineID
	if machineID == "" {
		machineID = identity.MachineID(opts.Facts)
	}

	pres := deps.Presence
	if pres == nil {
		pres = presence.Nop{}
	}

	execCtx, cancel := context.WithCancel(context.Background())

	return &Hub{
		store:      deps.Store,
		scripts:    deps.Scripts,
		runner:     deps.Runner,
		presence:   pres,
		health:     deps.Health,
		log:        logging.Component(deps.Logger, "hub"),
		opts:       opts,
		machineID:  machineID,
		sleep:      sleepContext,
		now:        time.Now,
		processed:  make(map[string]struct{}),
		execCtx:    execCtx,
		cancelExec: cancel,
	}
}

func (h *Hub) MachineID() string {
	return h.machineID
}

// HubID returns the id bound by the first successful Register, or "".
func (h *Hub) HubID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hubID
}

func (h *Hub) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Hub) setState(s State) {
	h.mu.Lock()
	prev := h.state
	h.state = s
	h.mu.Unlock()

	if h.health != nil {
		h.health.Set(s == StateSubscribed)
	}
	if prev != s {
		h.log.Debugf("Command channel %s -> %s", prev, s)
	}
}

func (h *Hub) mode() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.settings.Mode != "" {
		return h.settings.Mode
	}
	return h.opts.Mode
}

// Assigner is available after Register.
func (h *Hub) Assigner() *Assigner {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.assigner
}

// Register discovers scripts, upserts the hub row keyed by machine id and
// replaces the hub's script table. The hub id is bound on the first call.
func (h *Hub) Register(ctx context.Context) (models.Hub, error) {
	if _, err := h.scripts.Discover(ctx); err != nil {
		return models.Hub{}, fmt.Errorf("discover scripts: %w", err)
	}

	row := models.Hub{
		MachineID:    h.machineID,
		FriendlyName: h.opts.FriendlyName,
		Mode:         h.opts.Mode,
		Status:       models.StatusOnline,
		LastSeen:     h.now(),
	}

	id, err := h.store.UpsertHub(ctx, &row)
	if err != nil {
		return models.Hub{}, fmt.Errorf("upsert hub: %w", err)
	}

	h.mu.Lock()
	if h.hubID == "" {
		h.hubID = id
		h.assigner = NewAssigner(h.store, id, h.scriptNames, h.log)
		h.lastShuffle = h.now()
	}
	row.ID = h.hubID
	h.settings = row
	h.mu.Unlock()

	if current, err := h.store.GetHub(ctx, row.ID); err == nil {
		row = *current
		h.mu.Lock()
		h.settings = row
		h.mu.Unlock()
	} else {
		h.log.WithError(err).Warn("Failed to read hub settings")
	}

	if err := h.publishScripts(ctx); err != nil {
		return models.Hub{}, err
	}

	h.log.WithFields(logrus.Fields{
		"hub_id":     row.ID,
		"machine_id": h.machineID,
		"mode":       row.Mode,
	}).Infof("Registered hub %q", row.FriendlyName)

	return row, nil
}

func (h *Hub) scriptNames(context.Context) ([]string, error) {
	snapshot := h.scripts.Snapshot()
	names := make([]string, 0, len(snapshot))
	for _, s := range snapshot {
		names = append(names, s.Name)
	}
	return names, nil
}

// publishScripts replaces the hub_scripts rows with the current snapshot.
func (h *Hub) publishScripts(ctx context.Context) error {
	snapshot := h.scripts.Snapshot()
	rows := make([]models.HubScript, 0, len(snapshot))
	for _, s := range snapshot {
		rows = append(rows, models.HubScript{
			HubID:        h.HubID(),
			ScriptName:   s.Name,
			FriendlyName: s.FriendlyName,
		})
	}

	if err := h.store.ReplaceHubScripts(ctx, h.HubID(), rows); err != nil {
		return fmt.Errorf("replace hub scripts: %w", err)
	}
	return nil
}

// rescan rediscovers scripts and republishes the script table. Failures are
// logged; the previous snapshot stays in effect.
func (h *Hub) rescan(ctx context.Context) {
	if _, err := h.scripts.Discover(ctx); err != nil {
		h.log.WithError(err).Warn("Failed to rediscover scripts")
		return
	}
	if err := h.publishScripts(ctx); err != nil {
		h.log.WithError(err).Warn("Failed to refresh hub scripts")
	}
}

func (h *Hub) presenceState() presence.State {
	snapshot := h.scripts.Snapshot()
	names := make([]string, 0, len(snapshot))
	for _, s := range snapshot {
		names = append(names, s.Name)
	}

	return presence.State{
		MachineID:    h.machineID,
		HubID:        h.HubID(),
		FriendlyName: h.opts.FriendlyName,
		Mode:         h.mode(),
		Scripts:      names,
		OnlineAt:     h.now(),
		OS:           h.opts.Facts.OS,
		CPUCores:     h.opts.Facts.CPUCores,
		MemoryBytes:  h.opts.Facts.MemoryBytes,
	}
}

// Heartbeat performs one tick: touch the hub row, keep presence alive and
// run a due auto-shuffle.
func (h *Hub) Heartbeat(ctx context.Context) error {
	hubID := h.HubID()
	if hubID == "" {
		return errors.New("hub is not registered")
	}

	state := h.State()
	status := models.StatusOnline
	if state == StateOffline {
		status = models.StatusOffline
	}

	if err := h.store.TouchHub(ctx, hubID, status, h.now()); err != nil {
		return fmt.Errorf("touch hub: %w", err)
	}

	if state == StateSubscribed {
		if err := h.presence.Refresh(ctx); err != nil {
			h.log.WithError(err).Warn("Failed to refresh presence")
		}
	}

	if current, err := h.store.GetHub(ctx, hubID); err == nil {
		h.mu.Lock()
		h.settings = *current
		h.mu.Unlock()
	} else {
		h.log.WithError(err).Debug("Failed to reload hub settings")
	}

	if state != StateOffline {
		h.autoShuffle(ctx)
	}

	return nil
}

func (h *Hub) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(h.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.Heartbeat(ctx); err != nil && ctx.Err() == nil {
				h.log.WithError(err).Warn("Heartbeat failed")
			}
		}
	}
}

// autoShuffle reshuffles every remote when the hub row enables it and the
// interval has passed. Only assigned hubs shuffle.
func (h *Hub) autoShuffle(ctx context.Context) {
	h.mu.Lock()
	settings := h.settings
	assigner := h.assigner
	due := false
	if settings.Mode == models.ModeAssigned && settings.AutoShuffleEnabled && assigner != nil {
		interval := time.Duration(settings.AutoShuffleInterval) * time.Second
		if interval <= 0 {
			interval = models.DefaultAutoShuffleInterval * time.Second
		}
		if h.now().Sub(h.lastShuffle) >= interval {
			due = true
			h.lastShuffle = h.now()
		}
	}
	h.mu.Unlock()

	if !due {
		return
	}

	assignments, err := assigner.ShuffleAll(ctx)
	if err != nil {
		if !errors.Is(err, ErrNoScripts) {
			h.log.WithError(err).Warn("Auto-shuffle failed")
		}
		return
	}
	h.log.Infof("Auto-shuffled %d remotes", len(assignments))
}

// Run registers the hub and serves until ctx is cancelled, then shuts down.
// Giving up on the command channel does not end Run: the hub stays inert and
// keeps heartbeating as offline.
func (h *Hub) Run(ctx context.Context) error {
	if _, err := h.Register(ctx); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if h.health != nil && h.opts.HealthAddr != "" {
		g.Go(func() error {
			h.log.Infof("Health service listening on %s", h.opts.HealthAddr)
			if err := h.health.Serve(gctx, h.opts.HealthAddr); err != nil {
				return fmt.Errorf("serve health: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		h.heartbeatLoop(gctx)
		return nil
	})

	g.Go(func() error {
		err := h.supervise(gctx)
		if errors.Is(err, ErrGaveUp) {
			return nil
		}
		return err
	})

	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), h.opts.DrainTimeout+offlineWriteTimeout)
	defer cancel()

	return errors.Join(runErr, h.Shutdown(shutdownCtx))
}

// Shutdown drains in-flight executions for up to the drain timeout, cancels
// whatever is left, withdraws presence and marks the hub offline.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.closeSubscription()
	if h.State() != StateOffline {
		h.setState(StateDisconnected)
	}

	if !h.drain(h.opts.DrainTimeout) {
		h.log.Warn("In-flight executions did not finish in time, cancelling them")
		h.cancelExec()
		h.tasks.Wait()
	}
	h.cancelExec()

	var errs []error
	if err := h.presence.Leave(ctx); err != nil {
		errs = append(errs, fmt.Errorf("leave presence: %w", err))
	}

	if hubID := h.HubID(); hubID != "" {
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), offlineWriteTimeout)
		defer cancel()
		if err := h.store.TouchHub(writeCtx, hubID, models.StatusOffline, h.now()); err != nil {
			errs = append(errs, fmt.Errorf("mark hub offline: %w", err))
		}
	}

	h.log.Info("Hub stopped")
	return errors.Join(errs...)
}

func (h *Hub) drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		h.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
