package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/metorial/prankhub/internal/realtime"
)

// Channel is the NOTIFY channel the schema triggers publish to.
const Channel = "prankhub_changes"

// Subscribe opens a dedicated connection that LISTENs for row changes and
// filters them to one hub.
func (s *Store) Subscribe(ctx context.Context, hubID string) (realtime.Subscription, error) {
	conn, err := pgx.ConnectConfig(ctx, s.pool.Config().ConnConfig.Copy())
	if err != nil {
		return nil, fmt.Errorf("connect listener: %w", err)
	}

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{Channel}.Sanitize()); err != nil {
		conn.Close(context.Background())
		return nil, fmt.Errorf("listen: %w", err)
	}

	return &subscription{conn: conn, hubID: hubID}, nil
}

type subscription struct {
	conn  *pgx.Conn
	hubID string

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

func (s *subscription) Next(ctx context.Context) (realtime.Event, error) {
	for {
		n, err := s.conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if s.isClosed() {
				return nil, realtime.ErrClosed
			}
			return nil, fmt.Errorf("wait for notification: %w", err)
		}

		var c realtime.Change
		if err := json.Unmarshal([]byte(n.Payload), &c); err != nil {
			return realtime.Unrecognized{Change: realtime.Change{
				Table:  n.Channel,
				Record: json.RawMessage(fmt.Sprintf("%q", n.Payload)),
			}}, nil
		}

		if c.HubID != s.hubID {
			continue
		}

		return realtime.DecodeLenient(c), nil
	}
}

func (s *subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = s.conn.Close(ctx)
	})
	return err
}
