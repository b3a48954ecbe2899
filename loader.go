package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// maxLoadAttempts bounds the create-or-load loop under pathological
// contention on a single id.
const maxLoadAttempts = 5

// record is a session row exactly as stored; the payload is not decoded.
type record struct {
	id         string
	payload    string
	lastUpdate sql.NullTime
}

// loadOrCreate resolves id to its stored record, inserting an empty one on
// first use. Concurrent creators race on the insert; a duplicate-key
// rejection means another creator won, and the select is retried until the
// attempt limit is reached.
func (s *Store) loadOrCreate(ctx context.Context, id string) (*record, error) {
	st := s.statements()

	for attempt := 0; attempt < maxLoadAttempts; attempt++ {
		rec := &record{id: id}
		err := st.selectStmt.QueryRowContext(ctx, id).Scan(&rec.payload, &rec.lastUpdate)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to load session: %w", err)
		}

		now := time.Now().UTC()
		err = s.insertEmpty(ctx, st, id, now)
		if err == nil {
			return &record{id: id, lastUpdate: sql.NullTime{Time: now, Valid: true}}, nil
		}
		if !s.dialect.IsDuplicateKey(err) {
			return nil, fmt.Errorf("failed to create session: %w", err)
		}
		// Lost the creation race; the winner's row is picked up by the
		// next select.
		s.log.Debug().Str("id", id).Int("attempt", attempt+1).Msg("session creation race lost, reselecting")
	}
	return nil, fmt.Errorf("failed to load session after %d attempts: %w", maxLoadAttempts, ErrContention)
}

func (s *Store) insertEmpty(ctx context.Context, st *statements, id string, now time.Time) error {
	if s.serialize {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	_, err := st.insertStmt.ExecContext(ctx, id, "", now)
	return err
}
