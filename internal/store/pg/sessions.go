package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crewgate/crewgate/internal/sessions"
)

const queryTimeout = 10 * time.Second

// SessionStore implements sessions.Store on Postgres. The whole session
// snapshot is stored as one JSONB document keyed by session key, matching
// the file store's one-file-per-session layout.
type SessionStore struct {
	db *sql.DB
}

func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

func (s *SessionStore) LoadAll() (map[string]*sessions.Session, error) {
	ctx, cancel := timeoutCtx()
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT session_key, data FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("pg: load sessions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*sessions.Session)
	for rows.Next() {
		var key string
		var data []byte
		if err := rows.Scan(&key, &data); err != nil {
			return nil, fmt.Errorf("pg: scan session: %w", err)
		}
		var sess sessions.Session
		if err := json.Unmarshal(data, &sess); err != nil {
			// One corrupt row should not block startup.
			continue
		}
		out[key] = &sess
	}
	return out, rows.Err()
}

func (s *SessionStore) Save(snapshot *sessions.Session) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}

	ctx, cancel := timeoutCtx()
	defer cancel()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_key, data, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (session_key) DO UPDATE SET data = $2, updated_at = now()`,
		snapshot.Key, data)
	if err != nil {
		return fmt.Errorf("pg: save session %s: %w", snapshot.Key, err)
	}
	return nil
}

func (s *SessionStore) Delete(key string) error {
	ctx, cancel := timeoutCtx()
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_key = $1`, key); err != nil {
		return fmt.Errorf("pg: delete session %s: %w", key, err)
	}
	return nil
}

func timeoutCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), queryTimeout)
}
