package sqlitestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/metorial/prankhub/internal/realtime"
)

const pollBatch = 100

// Subscribe starts following the change log for one hub. Only changes
// written after the call are delivered.
func (db *DB) Subscribe(ctx context.Context, hubID string) (realtime.Subscription, error) {
	var cursor int64
	err := db.conn.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM change_log`).Scan(&cursor)
	if err != nil {
		return nil, fmt.Errorf("read change log cursor: %w", err)
	}

	return &subscription{
		db:       db,
		hubID:    hubID,
		cursor:   cursor,
		interval: db.pollInterval,
		done:     make(chan struct{}),
	}, nil
}

type subscription struct {
	db       *DB
	hubID    string
	cursor   int64
	interval time.Duration
	pending  []realtime.Change

	closeOnce sync.Once
	done      chan struct{}
}

func (s *subscription) Next(ctx context.Context) (realtime.Event, error) {
	for {
		if len(s.pending) > 0 {
			c := s.pending[0]
			s.pending = s.pending[1:]
			return realtime.DecodeLenient(c), nil
		}

		select {
		case <-s.done:
			return nil, realtime.ErrClosed
		default:
		}

		changes, err := s.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("poll change log: %w", err)
		}
		if len(changes) > 0 {
			s.pending = changes
			continue
		}

		timer := time.NewTimer(s.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-s.done:
			timer.Stop()
			return nil, realtime.ErrClosed
		case <-timer.C:
		}
	}
}

func (s *subscription) poll(ctx context.Context) ([]realtime.Change, error) {
	rows, err := s.db.conn.QueryContext(ctx, `SELECT id, tbl, op, hub_id, record FROM change_log
		WHERE id > ? AND hub_id = ? ORDER BY id LIMIT ?`, s.cursor, s.hubID, pollBatch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []realtime.Change
	for rows.Next() {
		var id int64
		var c realtime.Change
		var record string
		if err := rows.Scan(&id, &c.Table, &c.Op, &c.HubID, &record); err != nil {
			return nil, err
		}
		c.Record = json.RawMessage(record)
		changes = append(changes, c)
		s.cursor = id
	}

	return changes, rows.Err()
}

func (s *subscription) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
