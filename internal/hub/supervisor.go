package hub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/metorial/prankhub/internal/models"
	"github.com/metorial/prankhub/internal/realtime"
)

// ErrGaveUp is returned by the supervisor after the last reconnect attempt.
var ErrGaveUp = errors.New("gave up reconnecting command channel")

// Backoff returns the delay before reconnect attempt n (starting at 1):
// 2^n seconds, capped at ceiling.
func Backoff(attempt int, ceiling time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt >= 31 {
		return ceiling
	}

	d := time.Duration(1<<attempt) * time.Second
	if ceiling > 0 && d > ceiling {
		return ceiling
	}
	return d
}

// supervise keeps the command channel subscribed, reconnecting with
// exponential backoff. It returns nil when ctx ends and ErrGaveUp once the
// attempt budget is spent.
func (h *Hub) supervise(ctx context.Context) error {
	attempt := 0

	for {
		if attempt > 0 {
			h.rescan(ctx)
		}

		sub, err := h.connect(ctx)
		if err == nil {
			if attempt > 0 {
				h.log.Infof("Command channel restored after %d attempts", attempt)
			}
			attempt = 0

			err = h.consume(ctx, sub)
			h.closeSubscription()
			if ctx.Err() != nil {
				return nil
			}
			h.log.WithError(err).Warn("Command channel lost")
		} else {
			if ctx.Err() != nil {
				return nil
			}
			h.log.WithError(err).Warn("Failed to connect command channel")
		}

		h.setState(StateDisconnected)

		attempt++
		if attempt > h.opts.MaxReconnectAttempts {
			h.giveUp(ctx)
			return ErrGaveUp
		}

		delay := Backoff(attempt, h.opts.MaxBackoff)
		h.log.Infof("Reconnecting in %s (attempt %d/%d)", delay, attempt, h.opts.MaxReconnectAttempts)
		if err := h.sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

// connect subscribes to this hub's changes and republishes presence.
func (h *Hub) connect(ctx context.Context) (realtime.Subscription, error) {
	h.closeSubscription()
	h.setState(StateConnecting)

	sub, err := h.store.Subscribe(ctx, h.HubID())
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	h.mu.Lock()
	h.sub = sub
	h.mu.Unlock()

	h.setState(StateSubscribed)
	h.log.Info("Command channel subscribed")

	if err := h.presence.Track(ctx, h.presenceState()); err != nil {
		h.log.WithError(err).Warn("Failed to publish presence")
	}

	return sub, nil
}

func (h *Hub) consume(ctx context.Context, sub realtime.Subscription) error {
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		h.HandleEvent(ctx, ev)
	}
}

// closeSubscription is best-effort; errors are only logged at debug.
func (h *Hub) closeSubscription() {
	h.mu.Lock()
	sub := h.sub
	h.sub = nil
	h.mu.Unlock()

	if sub == nil {
		return
	}
	if err := sub.Close(); err != nil {
		h.log.WithError(err).Debug("Failed to close subscription")
	}
}

func (h *Hub) giveUp(ctx context.Context) {
	h.log.Errorf("FATAL: command channel could not be restored after %d attempts, hub is offline until restarted",
		h.opts.MaxReconnectAttempts)

	h.setState(StateOffline)

	if err := h.presence.Leave(ctx); err != nil {
		h.log.WithError(err).Warn("Failed to leave presence")
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), offlineWriteTimeout)
	defer cancel()
	if err := h.store.TouchHub(writeCtx, h.HubID(), models.StatusOffline, h.now()); err != nil {
		h.log.WithError(err).Warn("Failed to mark hub offline")
	}
}
