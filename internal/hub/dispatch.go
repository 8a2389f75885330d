package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/metorial/prankhub/internal/models"
	"github.com/metorial/prankhub/internal/realtime"
)

const resultWriteTimeout = 10 * time.Second

// HandleEvent routes one change event. It never blocks on script execution.
func (h *Hub) HandleEvent(ctx context.Context, ev realtime.Event) {
	switch e := ev.(type) {
	case realtime.CommandInserted:
		h.handleCommand(e.Command)

	case realtime.RemoteUpserted:
		h.handleRemote(ctx, e.Remote)

	case realtime.Unrecognized:
		h.log.WithFields(logrus.Fields{
			"table": e.Change.Table,
			"op":    e.Change.Op,
		}).Debug("Ignoring unrecognized change")

	default:
		h.log.Warnf("Unknown event type: %T", ev)
	}
}

func (h *Hub) handleCommand(cmd models.Command) {
	log := h.log.WithFields(logrus.Fields{
		"command_id": cmd.ID,
		"script":     cmd.ScriptName,
		"user_id":    cmd.UserID,
	})

	if cmd.ID == "" || cmd.ScriptName == "" {
		log.Warn("Ignoring command with missing id or script name")
		return
	}
	if cmd.HubID != "" && cmd.HubID != h.HubID() {
		log.Debug("Ignoring command for another hub")
		return
	}
	if cmd.Status != models.CommandPending {
		log.Debugf("Ignoring command in status %q", cmd.Status)
		return
	}
	if !h.markProcessed(cmd.ID) {
		log.Debug("Ignoring duplicate command")
		return
	}

	if !cmd.CreatedAt.IsZero() {
		log = log.WithField("latency_ms", h.now().Sub(cmd.CreatedAt).Milliseconds())
	}
	log.Info("Received command")

	h.tasks.Add(1)
	go func() {
		defer h.tasks.Done()
		h.execute(h.execCtx, cmd, log)
	}()
}

// markProcessed records id and reports whether it was new.
func (h *Hub) markProcessed(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, seen := h.processed[id]; seen {
		return false
	}
	h.processed[id] = struct{}{}
	return true
}

// execute runs the command and records its outcome. Whatever goes wrong, it
// tries to leave the command in failed rather than executing.
func (h *Hub) execute(ctx context.Context, cmd models.Command, log *logrus.Entry) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return h.runCommand(ctx, cmd, log)
	}()
	if err == nil {
		return
	}

	log.WithError(err).Error("Command handling failed")

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resultWriteTimeout)
	defer cancel()
	if err := h.store.UpdateCommandStatus(writeCtx, cmd.ID, models.CommandFailed); err != nil {
		log.WithError(err).Error("Failed to mark command failed, command may be stuck")
	}
}

func (h *Hub) runCommand(ctx context.Context, cmd models.Command, log *logrus.Entry) error {
	if err := h.store.UpdateCommandStatus(ctx, cmd.ID, models.CommandExecuting); err != nil {
		return fmt.Errorf("mark executing: %w", err)
	}

	res := h.runner.Execute(ctx, cmd.ScriptName, cmd.UserID)

	// Record the outcome even when the hub is shutting down.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resultWriteTimeout)
	defer cancel()

	detail, err := json.Marshal(models.ResultDetail{
		Success:    res.Success,
		Output:     res.Output,
		Error:      res.Error,
		DurationMS: res.DurationMS,
		ExitCode:   res.ExitCode,
		ScriptName: cmd.ScriptName,
		UserID:     cmd.UserID,
		TimedOut:   res.TimedOut,
	})
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	stderr := res.Stderr
	if stderr == "" && !res.Success {
		stderr = res.Error
	}

	result := &models.CommandResult{
		CommandID:  cmd.ID,
		ExitCode:   res.ExitCode,
		Stdout:     res.Stdout,
		Stderr:     stderr,
		Success:    res.Success,
		DurationMS: res.DurationMS,
		Result:     detail,
	}
	if err := h.store.InsertResult(writeCtx, result); err != nil {
		return fmt.Errorf("insert result: %w", err)
	}

	status := models.CommandCompleted
	if !res.Success {
		status = models.CommandFailed
	}
	if err := h.store.UpdateCommandStatus(writeCtx, cmd.ID, status); err != nil {
		return fmt.Errorf("mark %s: %w", status, err)
	}

	log.WithFields(logrus.Fields{
		"success":     res.Success,
		"exit_code":   res.ExitCode,
		"duration_ms": res.DurationMS,
	}).Infof("Command %s", status)

	return nil
}

func (h *Hub) handleRemote(ctx context.Context, remote models.Assignment) {
	if remote.HubID != h.HubID() {
		return
	}
	if h.mode() != models.ModeAssigned || remote.AssignedScript != "" {
		return
	}

	assigner := h.Assigner()
	if assigner == nil {
		return
	}

	a, err := assigner.Assign(ctx, remote.UserID)
	if err != nil {
		if !errors.Is(err, ErrNoScripts) {
			h.log.WithError(err).WithField("user_id", remote.UserID).Warn("Failed to assign script")
		}
		return
	}

	h.log.WithFields(logrus.Fields{
		"user_id": a.UserID,
		"script":  a.AssignedScript,
	}).Info("Assigned script to remote")
}
