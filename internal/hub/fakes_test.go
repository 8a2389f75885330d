package hub

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/metorial/prankhub/internal/executor"
	"github.com/metorial/prankhub/internal/models"
	"github.com/metorial/prankhub/internal/presence"
	"github.com/metorial/prankhub/internal/realtime"
	"github.com/metorial/prankhub/internal/registry"
	"github.com/metorial/prankhub/internal/store"
)

type fakeBackend struct {
	mu          sync.Mutex
	hubs        map[string]*models.Hub // by machine id
	scripts     map[string][]models.HubScript
	commands    map[string]*models.Command
	statuses    map[string][]string
	results     map[string]*models.CommandResult
	assignments map[string]map[string]models.Assignment

	subscribeErr  error
	subscribeHook func(n int) (realtime.Subscription, error)
	subscribes    int
	insertErr     error
	statusErr     map[string]error
	touches       []string
}

var _ store.Backend = (*fakeBackend)(nil)

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		hubs:        make(map[string]*models.Hub),
		scripts:     make(map[string][]models.HubScript),
		commands:    make(map[string]*models.Command),
		statuses:    make(map[string][]string),
		results:     make(map[string]*models.CommandResult),
		assignments: make(map[string]map[string]models.Assignment),
		statusErr:   make(map[string]error),
	}
}

func (f *fakeBackend) Migrate(context.Context) error { return nil }
func (f *fakeBackend) Close() error                  { return nil }

func (f *fakeBackend) UpsertHub(_ context.Context, hub *models.Hub) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if existing, ok := f.hubs[hub.MachineID]; ok {
		existing.FriendlyName = hub.FriendlyName
		existing.Mode = hub.Mode
		existing.Status = hub.Status
		existing.LastSeen = hub.LastSeen
		return existing.ID, nil
	}

	row := *hub
	row.ID = uuid.NewString()
	row.AutoShuffleInterval = models.DefaultAutoShuffleInterval
	f.hubs[hub.MachineID] = &row
	return row.ID, nil
}

func (f *fakeBackend) hubByID(id string) *models.Hub {
	for _, h := range f.hubs {
		if h.ID == id {
			return h
		}
	}
	return nil
}

func (f *fakeBackend) TouchHub(_ context.Context, hubID, status string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	h := f.hubByID(hubID)
	if h == nil {
		return store.ErrNotFound
	}
	h.Status = status
	h.LastSeen = at
	f.touches = append(f.touches, status)
	return nil
}

func (f *fakeBackend) GetHub(_ context.Context, hubID string) (*models.Hub, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	h := f.hubByID(hubID)
	if h == nil {
		return nil, store.ErrNotFound
	}
	cp := *h
	return &cp, nil
}

func (f *fakeBackend) ListHubs(context.Context) ([]models.Hub, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []models.Hub
	for _, h := range f.hubs {
		out = append(out, *h)
	}
	return out, nil
}

func (f *fakeBackend) MarkStale(context.Context, time.Duration) (int64, error) { return 0, nil }

func (f *fakeBackend) ReplaceHubScripts(_ context.Context, hubID string, scripts []models.HubScript) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[hubID] = append([]models.HubScript(nil), scripts...)
	return nil
}

func (f *fakeBackend) ListHubScripts(_ context.Context, hubID string) ([]models.HubScript, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.HubScript(nil), f.scripts[hubID]...), nil
}

func (f *fakeBackend) CreateCommand(_ context.Context, cmd *models.Command) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cp := *cmd
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	f.commands[cp.ID] = &cp
	return cp.ID, nil
}

func (f *fakeBackend) GetCommand(_ context.Context, id string) (*models.Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.commands[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeBackend) UpdateCommandStatus(_ context.Context, id, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.statusErr[status]; err != nil {
		return err
	}
	f.statuses[id] = append(f.statuses[id], status)
	if c, ok := f.commands[id]; ok {
		c.Status = status
	}
	return nil
}

func (f *fakeBackend) InsertResult(_ context.Context, r *models.CommandResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.insertErr != nil {
		return f.insertErr
	}
	cp := *r
	f.results[r.CommandID] = &cp
	return nil
}

func (f *fakeBackend) GetResult(_ context.Context, commandID string) (*models.CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, ok := f.results[commandID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeBackend) UpsertAssignment(_ context.Context, a *models.Assignment) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.assignments[a.HubID] == nil {
		f.assignments[a.HubID] = make(map[string]models.Assignment)
	}
	f.assignments[a.HubID][a.UserID] = *a
	return nil
}

func (f *fakeBackend) ListAssignments(_ context.Context, hubID string) ([]models.Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []models.Assignment
	for _, a := range f.assignments[hubID] {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (f *fakeBackend) Subscribe(context.Context, string) (realtime.Subscription, error) {
	f.mu.Lock()
	f.subscribes++
	n := f.subscribes
	hook := f.subscribeHook
	err := f.subscribeErr
	f.mu.Unlock()

	if hook != nil {
		return hook(n)
	}
	if err != nil {
		return nil, err
	}
	return newFakeSub(), nil
}

func (f *fakeBackend) statusesOf(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.statuses[id]...)
}

func (f *fakeBackend) resultOf(id string) *models.CommandResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.results[id]
}

func (f *fakeBackend) setHub(machineID string, fn func(*models.Hub)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f.hubs[machineID])
}

// fakeSub delivers queued events and fails with err once it is set.
type fakeSub struct {
	events chan realtime.Event
	fail   chan error
	once   sync.Once
	closed chan struct{}
}

func newFakeSub() *fakeSub {
	return &fakeSub{
		events: make(chan realtime.Event, 16),
		fail:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (s *fakeSub) Next(ctx context.Context) (realtime.Event, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, realtime.ErrClosed
	case err := <-s.fail:
		return nil, err
	case ev := <-s.events:
		return ev, nil
	}
}

func (s *fakeSub) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type fakeScripts struct {
	mu       sync.Mutex
	scripts  []registry.Script
	discover int
}

func newFakeScripts(names ...string) *fakeScripts {
	f := &fakeScripts{}
	for _, n := range names {
		f.scripts = append(f.scripts, registry.Script{Name: n, FriendlyName: registry.Humanize(n)})
	}
	return f
}

func (f *fakeScripts) Discover(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discover++
	names := make([]string, 0, len(f.scripts))
	for _, s := range f.scripts {
		names = append(names, s.Name)
	}
	return names, nil
}

func (f *fakeScripts) Snapshot() []registry.Script {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]registry.Script(nil), f.scripts...)
}

func (f *fakeScripts) set(names ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts = nil
	for _, n := range names {
		f.scripts = append(f.scripts, registry.Script{Name: n, FriendlyName: registry.Humanize(n)})
	}
}

type fakeRunner struct {
	mu     sync.Mutex
	calls  map[string]int
	result executor.Result
	block  chan struct{}
	panic  bool
}

func newFakeRunner(result executor.Result) *fakeRunner {
	return &fakeRunner{calls: make(map[string]int), result: result}
}

func (r *fakeRunner) Execute(ctx context.Context, name, _ string) executor.Result {
	r.mu.Lock()
	r.calls[name]++
	block := r.block
	shouldPanic := r.panic
	r.mu.Unlock()

	if shouldPanic {
		panic("runner exploded")
	}

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return executor.Result{Error: "Script execution cancelled", ExitCode: -1}
		}
	}
	return r.result
}

func (r *fakeRunner) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[name]
}

type fakePresence struct {
	mu      sync.Mutex
	tracks  []presence.State
	refresh int
	leaves  int
	err     error
}

func (p *fakePresence) Track(_ context.Context, s presence.State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, s)
	return p.err
}

func (p *fakePresence) Refresh(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refresh++
	return p.err
}

func (p *fakePresence) Leave(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leaves++
	return p.err
}

func (p *fakePresence) counts() (tracks, refresh, leaves int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tracks), p.refresh, p.leaves
}

type fakeHealth struct {
	mu      sync.Mutex
	serving []bool
}

func (h *fakeHealth) Set(serving bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.serving = append(h.serving, serving)
}

func (h *fakeHealth) Serve(ctx context.Context, _ string) error {
	<-ctx.Done()
	return nil
}

func (h *fakeHealth) last() (bool, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.serving) == 0 {
		return false, false
	}
	return h.serving[len(h.serving)-1], true
}

var errTransport = errors.New("connection reset")
