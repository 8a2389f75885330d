package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metorial/prankhub/internal/executor"
	"github.com/metorial/prankhub/internal/models"
	"github.com/metorial/prankhub/internal/realtime"
)

type testHub struct {
	*Hub
	backend  *fakeBackend
	scripts  *fakeScripts
	runner   *fakeRunner
	presence *fakePresence
	health   *fakeHealth
	logs     *logtest.Hook

	delaysMu sync.Mutex
	delays   []time.Duration
}

func newTestHub(t *testing.T, mode string) *testHub {
	t.Helper()
	return newTestHubWith(t, newFakeBackend(), mode)
}

func newTestHubWith(t *testing.T, backend *fakeBackend, mode string) *testHub {
	t.Helper()

	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	th := &testHub{
		backend:  backend,
		scripts:  newFakeScripts("beep", "fart", "screen_rotate"),
		runner:   newFakeRunner(executor.Result{Success: true, Output: "done", Stdout: "done", DurationMS: 12}),
		presence: &fakePresence{},
		health:   &fakeHealth{},
		logs:     hook,
	}

	th.Hub = New(Deps{
		Store:    backend,
		Scripts:  th.scripts,
		Runner:   th.runner,
		Presence: th.presence,
		Health:   th.health,
		Logger:   logger,
	}, Options{
		MachineID:    "machine-1",
		FriendlyName: "Living Room",
		Mode:         mode,
		DrainTimeout: time.Second,
	})

	th.Hub.sleep = func(ctx context.Context, d time.Duration) error {
		th.delaysMu.Lock()
		defer th.delaysMu.Unlock()
		th.delays = append(th.delays, d)
		return ctx.Err()
	}

	t.Cleanup(th.Hub.cancelExec)
	return th
}

func (th *testHub) recordedDelays() []time.Duration {
	th.delaysMu.Lock()
	defer th.delaysMu.Unlock()
	return append([]time.Duration(nil), th.delays...)
}

func (th *testHub) register(t *testing.T) models.Hub {
	t.Helper()
	row, err := th.Register(context.Background())
	require.NoError(t, err)
	return row
}

func (th *testHub) command(id, script string) models.Command {
	return models.Command{
		ID:         id,
		HubID:      th.HubID(),
		ScriptName: script,
		UserID:     "user-1",
		Status:     models.CommandPending,
		CreatedAt:  time.Now().Add(-50 * time.Millisecond),
	}
}

func hasLog(hook *logtest.Hook, level logrus.Level, substr string) bool {
	for _, e := range hook.AllEntries() {
		if e.Level == level && strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

func TestBackoff(t *testing.T) {
	expected := map[int]time.Duration{
		1:  2 * time.Second,
		2:  4 * time.Second,
		3:  8 * time.Second,
		4:  16 * time.Second,
		5:  32 * time.Second,
		6:  60 * time.Second,
		7:  60 * time.Second,
		10: 60 * time.Second,
		64: 60 * time.Second,
	}
	for attempt, want := range expected {
		assert.Equal(t, want, Backoff(attempt, 60*time.Second), "attempt %d", attempt)
	}

	assert.Equal(t, 2*time.Second, Backoff(0, 60*time.Second))
	assert.Equal(t, 10*time.Second, Backoff(4, 10*time.Second))
}

func TestRegisterIsRestartStable(t *testing.T) {
	backend := newFakeBackend()

	first := newTestHubWith(t, backend, models.ModeShared)
	row1 := first.register(t)

	second := newTestHubWith(t, backend, models.ModeAssigned)
	second.opts.FriendlyName = "Kitchen"
	row2 := second.register(t)

	assert.Equal(t, row1.ID, row2.ID)
	assert.Len(t, backend.hubs, 1)
	assert.Equal(t, "Kitchen", row2.FriendlyName)
	assert.Equal(t, models.ModeAssigned, row2.Mode)
	assert.Equal(t, models.StatusOnline, row2.Status)
}

func TestRegisterBindsHubIDOnce(t *testing.T) {
	th := newTestHub(t, models.ModeShared)
	row := th.register(t)

	// Even if the row were recreated under a new id, the hub keeps the first.
	th.backend.setHub("machine-1", func(h *models.Hub) { h.ID = "replaced" })
	_, _ = th.Register(context.Background())

	assert.Equal(t, row.ID, th.HubID())
}

func TestRescanReplacesScriptTable(t *testing.T) {
	th := newTestHub(t, models.ModeShared)
	th.scripts.set("foo", "keep")
	row := th.register(t)

	th.scripts.set("bar", "keep")
	th.rescan(context.Background())

	rows, err := th.backend.ListHubScripts(context.Background(), row.ID)
	require.NoError(t, err)

	var names []string
	for _, r := range rows {
		names = append(names, r.ScriptName)
		assert.Equal(t, row.ID, r.HubID)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"bar", "keep"}, names)
}

func TestDuplicateCommandExecutesOnce(t *testing.T) {
	th := newTestHub(t, models.ModeShared)
	th.register(t)

	cmd := th.command("cmd-1", "beep")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			th.HandleEvent(context.Background(), realtime.CommandInserted{Command: cmd})
		}()
	}
	wg.Wait()
	th.tasks.Wait()

	assert.Equal(t, 1, th.runner.count("beep"))
	assert.Equal(t, []string{models.CommandExecuting, models.CommandCompleted}, th.backend.statusesOf("cmd-1"))
}

func TestCommandRejected(t *testing.T) {
	th := newTestHub(t, models.ModeShared)
	th.register(t)

	tests := []struct {
		name   string
		mutate func(*models.Command)
	}{
		{"missing id", func(c *models.Command) { c.ID = "" }},
		{"missing script", func(c *models.Command) { c.ScriptName = "" }},
		{"not pending", func(c *models.Command) { c.Status = models.CommandExecuting }},
		{"other hub", func(c *models.Command) { c.HubID = "someone-else" }},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := th.command("rejected-"+string(rune('a'+i)), "beep")
			tt.mutate(&cmd)

			th.HandleEvent(context.Background(), realtime.CommandInserted{Command: cmd})
			th.tasks.Wait()

			assert.Zero(t, th.runner.count("beep"))
			assert.Empty(t, th.backend.statusesOf(cmd.ID))
		})
	}
}

func TestCommandResultRecorded(t *testing.T) {
	th := newTestHub(t, models.ModeShared)
	th.register(t)

	th.HandleEvent(context.Background(), realtime.CommandInserted{Command: th.command("cmd-ok", "beep")})
	th.tasks.Wait()

	res := th.backend.resultOf("cmd-ok")
	require.NotNil(t, res)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "done", res.Stdout)
	assert.Equal(t, int64(12), res.DurationMS)

	var detail models.ResultDetail
	require.NoError(t, json.Unmarshal(res.Result, &detail))
	assert.Equal(t, "beep", detail.ScriptName)
	assert.Equal(t, "user-1", detail.UserID)
	assert.True(t, detail.Success)

	assert.True(t, hasLog(th.logs, logrus.InfoLevel, "Received command"))
	var latencyLogged bool
	for _, e := range th.logs.AllEntries() {
		if _, ok := e.Data["latency_ms"]; ok {
			latencyLogged = true
		}
	}
	assert.True(t, latencyLogged)
}

func TestFailedExecutionUsesErrorAsStderr(t *testing.T) {
	th := newTestHub(t, models.ModeShared)
	th.runner.result = executor.Result{
		Error:    "Script 'ghost' not found",
		ExitCode: -1,
	}
	th.register(t)

	th.HandleEvent(context.Background(), realtime.CommandInserted{Command: th.command("cmd-ghost", "ghost")})
	th.tasks.Wait()

	assert.Equal(t, []string{models.CommandExecuting, models.CommandFailed}, th.backend.statusesOf("cmd-ghost"))

	res := th.backend.resultOf("cmd-ghost")
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Equal(t, -1, res.ExitCode)
	assert.Equal(t, "Script 'ghost' not found", res.Stderr)
}

func TestResultWriteFailureMarksCommandFailed(t *testing.T) {
	th := newTestHub(t, models.ModeShared)
	th.backend.insertErr = errors.New("disk full")
	th.register(t)

	th.HandleEvent(context.Background(), realtime.CommandInserted{Command: th.command("cmd-1", "beep")})
	th.tasks.Wait()

	assert.Equal(t, []string{models.CommandExecuting, models.CommandFailed}, th.backend.statusesOf("cmd-1"))
	assert.Nil(t, th.backend.resultOf("cmd-1"))
}

func TestRunnerPanicMarksCommandFailed(t *testing.T) {
	th := newTestHub(t, models.ModeShared)
	th.runner.panic = true
	th.register(t)

	th.HandleEvent(context.Background(), realtime.CommandInserted{Command: th.command("cmd-1", "beep")})
	th.tasks.Wait()

	assert.Equal(t, []string{models.CommandExecuting, models.CommandFailed}, th.backend.statusesOf("cmd-1"))
}

func TestStuckCommandIsLogged(t *testing.T) {
	th := newTestHub(t, models.ModeShared)
	th.backend.insertErr = errors.New("disk full")
	th.backend.statusErr[models.CommandFailed] = errors.New("connection refused")
	th.register(t)

	th.HandleEvent(context.Background(), realtime.CommandInserted{Command: th.command("cmd-1", "beep")})
	th.tasks.Wait()

	assert.True(t, hasLog(th.logs, logrus.ErrorLevel, "command may be stuck"))
}

func TestExecutionDoesNotBlockEvents(t *testing.T) {
	th := newTestHub(t, models.ModeShared)
	th.runner.block = make(chan struct{})
	th.register(t)

	done := make(chan struct{})
	go func() {
		th.HandleEvent(context.Background(), realtime.CommandInserted{Command: th.command("slow-1", "beep")})
		th.HandleEvent(context.Background(), realtime.CommandInserted{Command: th.command("slow-2", "fart")})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("HandleEvent blocked on execution")
	}

	require.Eventually(t, func() bool {
		return th.runner.count("beep") == 1 && th.runner.count("fart") == 1
	}, 2*time.Second, 10*time.Millisecond)

	close(th.runner.block)
	th.tasks.Wait()

	assert.Equal(t, []string{models.CommandExecuting, models.CommandCompleted}, th.backend.statusesOf("slow-2"))
}

func TestRemoteAssignment(t *testing.T) {
	t.Run("assigned mode assigns", func(t *testing.T) {
		th := newTestHub(t, models.ModeAssigned)
		row := th.register(t)

		th.HandleEvent(context.Background(), realtime.RemoteUpserted{
			Op:     realtime.OpInsert,
			Remote: models.Assignment{HubID: row.ID, UserID: "remote-1"},
		})

		assignments, err := th.backend.ListAssignments(context.Background(), row.ID)
		require.NoError(t, err)
		require.Len(t, assignments, 1)
		assert.Contains(t, []string{"beep", "fart", "screen_rotate"}, assignments[0].AssignedScript)
		assert.Regexp(t, `^#[0-9a-f]{6}$`, assignments[0].ScriptColor)
	})

	t.Run("shared mode ignores", func(t *testing.T) {
		th := newTestHub(t, models.ModeShared)
		row := th.register(t)

		th.HandleEvent(context.Background(), realtime.RemoteUpserted{
			Op:     realtime.OpInsert,
			Remote: models.Assignment{HubID: row.ID, UserID: "remote-1"},
		})

		assignments, err := th.backend.ListAssignments(context.Background(), row.ID)
		require.NoError(t, err)
		assert.Empty(t, assignments)
	})

	t.Run("existing assignment kept", func(t *testing.T) {
		th := newTestHub(t, models.ModeAssigned)
		row := th.register(t)

		th.HandleEvent(context.Background(), realtime.RemoteUpserted{
			Op:     realtime.OpUpdate,
			Remote: models.Assignment{HubID: row.ID, UserID: "remote-1", AssignedScript: "fart"},
		})

		assignments, err := th.backend.ListAssignments(context.Background(), row.ID)
		require.NoError(t, err)
		assert.Empty(t, assignments)
	})

	t.Run("other hub ignored", func(t *testing.T) {
		th := newTestHub(t, models.ModeAssigned)
		th.register(t)

		th.HandleEvent(context.Background(), realtime.RemoteUpserted{
			Op:     realtime.OpInsert,
			Remote: models.Assignment{HubID: "other", UserID: "remote-1"},
		})

		assignments, err := th.backend.ListAssignments(context.Background(), "other")
		require.NoError(t, err)
		assert.Empty(t, assignments)
	})
}

func TestUnrecognizedEventIgnored(t *testing.T) {
	th := newTestHub(t, models.ModeShared)
	th.register(t)

	th.HandleEvent(context.Background(), realtime.Unrecognized{Change: realtime.Change{Table: "hubs", Op: "DELETE"}})
	th.HandleEvent(context.Background(), nil)

	assert.True(t, hasLog(th.logs, logrus.DebugLevel, "Ignoring unrecognized change"))
	assert.True(t, hasLog(th.logs, logrus.WarnLevel, "Unknown event type"))
}

func TestSupervisorGivesUp(t *testing.T) {
	th := newTestHub(t, models.ModeShared)
	th.backend.subscribeErr = errTransport
	row := th.register(t)

	err := th.supervise(context.Background())
	require.ErrorIs(t, err, ErrGaveUp)

	s := time.Second
	assert.Equal(t, []time.Duration{2 * s, 4 * s, 8 * s, 16 * s, 32 * s, 60 * s, 60 * s, 60 * s, 60 * s, 60 * s},
		th.recordedDelays())
	assert.Equal(t, 11, th.backend.subscribes)
	assert.Equal(t, StateOffline, th.State())

	serving, ok := th.health.last()
	require.True(t, ok)
	assert.False(t, serving)

	_, _, leaves := th.presence.counts()
	assert.Equal(t, 1, leaves)
	assert.True(t, hasLog(th.logs, logrus.ErrorLevel, "FATAL:"))

	hub, err := th.backend.GetHub(context.Background(), row.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOffline, hub.Status)

	// The process stays inert but keeps reporting itself offline.
	require.NoError(t, th.Heartbeat(context.Background()))
	hub, err = th.backend.GetHub(context.Background(), row.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOffline, hub.Status)
	_, refreshes, _ := th.presence.counts()
	assert.Zero(t, refreshes)
}

func TestSupervisorResetsAttemptsAfterReconnect(t *testing.T) {
	th := newTestHub(t, models.ModeShared)
	th.register(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	failing := func() *fakeSub {
		sub := newFakeSub()
		sub.fail <- errTransport
		return sub
	}

	th.backend.subscribeHook = func(n int) (realtime.Subscription, error) {
		switch n {
		case 1:
			return failing(), nil
		case 2:
			return nil, errTransport
		case 3:
			return failing(), nil
		default:
			cancel()
			return newFakeSub(), nil
		}
	}

	require.NoError(t, th.supervise(ctx))

	s := time.Second
	assert.Equal(t, []time.Duration{2 * s, 4 * s, 2 * s}, th.recordedDelays())

	tracks, _, _ := th.presence.counts()
	assert.Equal(t, 3, tracks)

	th.scripts.mu.Lock()
	discovers := th.scripts.discover
	th.scripts.mu.Unlock()
	assert.Equal(t, 4, discovers)
}

func TestHeartbeat(t *testing.T) {
	th := newTestHub(t, models.ModeShared)

	require.Error(t, th.Heartbeat(context.Background()))

	row := th.register(t)

	require.NoError(t, th.Heartbeat(context.Background()))
	_, refreshes, _ := th.presence.counts()
	assert.Zero(t, refreshes, "presence is only refreshed while subscribed")

	th.setState(StateSubscribed)
	require.NoError(t, th.Heartbeat(context.Background()))
	_, refreshes, _ = th.presence.counts()
	assert.Equal(t, 1, refreshes)

	hub, err := th.backend.GetHub(context.Background(), row.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOnline, hub.Status)
}

func TestAutoShuffle(t *testing.T) {
	th := newTestHub(t, models.ModeAssigned)

	var clockMu sync.Mutex
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	th.Hub.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return clock
	}
	advance := func(d time.Duration) {
		clockMu.Lock()
		defer clockMu.Unlock()
		clock = clock.Add(d)
	}

	row := th.register(t)
	ctx := context.Background()

	for _, user := range []string{"u1", "u2"} {
		require.NoError(t, th.backend.UpsertAssignment(ctx, &models.Assignment{HubID: row.ID, UserID: user}))
	}
	th.backend.setHub("machine-1", func(h *models.Hub) {
		h.AutoShuffleEnabled = true
		h.AutoShuffleInterval = 60
	})

	require.NoError(t, th.Heartbeat(ctx))
	assignments, err := th.backend.ListAssignments(ctx, row.ID)
	require.NoError(t, err)
	for _, a := range assignments {
		assert.Empty(t, a.AssignedScript, "shuffle is not due yet")
	}

	advance(61 * time.Second)
	require.NoError(t, th.Heartbeat(ctx))

	assignments, err = th.backend.ListAssignments(ctx, row.ID)
	require.NoError(t, err)
	require.Len(t, assignments, 2)
	assert.NotEmpty(t, assignments[0].AssignedScript)
	assert.NotEmpty(t, assignments[1].AssignedScript)
	assert.NotEqual(t, assignments[0].AssignedScript, assignments[1].AssignedScript)
}

func TestAutoShuffleSkippedInSharedMode(t *testing.T) {
	th := newTestHub(t, models.ModeShared)
	th.Hub.now = func() time.Time { return time.Now().Add(time.Hour) }
	row := th.register(t)
	ctx := context.Background()

	require.NoError(t, th.backend.UpsertAssignment(ctx, &models.Assignment{HubID: row.ID, UserID: "u1"}))
	th.backend.setHub("machine-1", func(h *models.Hub) {
		h.AutoShuffleEnabled = true
		h.AutoShuffleInterval = 1
	})
	th.Hub.lastShuffle = time.Time{}

	require.NoError(t, th.Heartbeat(ctx))

	assignments, err := th.backend.ListAssignments(ctx, row.ID)
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	assert.Empty(t, assignments[0].AssignedScript)
}

func TestRunAndShutdown(t *testing.T) {
	th := newTestHub(t, models.ModeShared)

	subs := make(chan *fakeSub, 1)
	th.backend.subscribeHook = func(int) (realtime.Subscription, error) {
		sub := newFakeSub()
		subs <- sub
		return sub, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- th.Run(ctx) }()

	var sub *fakeSub
	select {
	case sub = <-subs:
	case <-time.After(2 * time.Second):
		t.Fatal("Hub never subscribed")
	}

	require.Eventually(t, func() bool {
		serving, _ := th.health.last()
		return th.State() == StateSubscribed && serving
	}, 2*time.Second, 10*time.Millisecond)

	cmd := th.command("cmd-run", "beep")
	sub.events <- realtime.CommandInserted{Command: cmd}

	require.Eventually(t, func() bool {
		statuses := th.backend.statusesOf("cmd-run")
		return len(statuses) == 2 && statuses[1] == models.CommandCompleted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	hub, err := th.backend.GetHub(context.Background(), th.HubID())
	require.NoError(t, err)
	assert.Equal(t, models.StatusOffline, hub.Status)

	_, _, leaves := th.presence.counts()
	assert.Equal(t, 1, leaves)

	serving, _ := th.health.last()
	assert.False(t, serving)

	select {
	case <-sub.closed:
	default:
		t.Error("Subscription was not closed")
	}
}

func TestShutdownCancelsSlowExecutions(t *testing.T) {
	th := newTestHub(t, models.ModeShared)
	th.runner.block = make(chan struct{})
	th.opts.DrainTimeout = 50 * time.Millisecond
	th.register(t)

	th.HandleEvent(context.Background(), realtime.CommandInserted{Command: th.command("stuck", "beep")})
	require.Eventually(t, func() bool { return th.runner.count("beep") == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, th.Shutdown(context.Background()))

	assert.Equal(t, []string{models.CommandExecuting, models.CommandFailed}, th.backend.statusesOf("stuck"))
	assert.True(t, hasLog(th.logs, logrus.WarnLevel, "did not finish in time"))
}
