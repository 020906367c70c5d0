// Package persist is the dispatcher's write-ahead mirror: queued messages
// are recorded here before the send is attempted, removed on acknowledgment,
// and replayed into a fresh engine after a process restart.
package persist

import (
	"context"
	"encoding/json"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/stratoline/devicelink/internal/message"
)

const schema = `
CREATE TABLE IF NOT EXISTS pending_messages (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	endpoint_id TEXT NOT NULL,
	message_id  TEXT NOT NULL UNIQUE,
	envelope    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS pending_messages_endpoint
	ON pending_messages (endpoint_id, seq);
`

// Store is a SQLite-backed message mirror. Safe for concurrent use.
type Store struct {
	pool *sqlitex.Pool
	path string
}

// Open creates or opens the mirror database at path.
func Open(path string) (*Store, error) {
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    2,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("open message store %s: %w", path, err)
	}
	s := &Store{pool: pool, path: path}
	conn, err := pool.Take(context.Background())
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("open message store %s: %w", path, err)
	}
	defer pool.Put(conn)
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create message store schema: %w", err)
	}
	return s, nil
}

func prepareConn(conn *sqlite.Conn) error {
	// WAL keeps the queue readable while a batch is being acknowledged.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

// Save mirrors messages for the given endpoint. Saving a message id that is
// already mirrored replaces the previous copy, so replayed queues do not
// accumulate duplicates.
func (s *Store) Save(ctx context.Context, endpointID string, msgs ...message.Message) (err error) {
	if len(msgs) == 0 {
		return nil
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	defer sqlitex.Save(conn)(&err)

	for _, m := range msgs {
		envelope, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode message %s: %w", m.ID, err)
		}
		err = sqlitex.Execute(conn,
			`INSERT OR REPLACE INTO pending_messages (endpoint_id, message_id, envelope) VALUES (?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{endpointID, m.ID, string(envelope)}})
		if err != nil {
			return fmt.Errorf("mirror message %s: %w", m.ID, err)
		}
	}
	return nil
}

// Delete drops acknowledged messages by id.
func (s *Store) Delete(ctx context.Context, ids ...string) (err error) {
	if len(ids) == 0 {
		return nil
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	defer sqlitex.Save(conn)(&err)

	for _, id := range ids {
		err = sqlitex.Execute(conn,
			`DELETE FROM pending_messages WHERE message_id = ?`,
			&sqlitex.ExecOptions{Args: []any{id}})
		if err != nil {
			return fmt.Errorf("delete message %s: %w", id, err)
		}
	}
	return nil
}

// Load returns the endpoint's mirrored messages in queue order.
func (s *Store) Load(ctx context.Context, endpointID string) ([]message.Message, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var msgs []message.Message
	err = sqlitex.Execute(conn,
		`SELECT envelope FROM pending_messages WHERE endpoint_id = ? ORDER BY seq`,
		&sqlitex.ExecOptions{
			Args: []any{endpointID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var m message.Message
				if err := json.Unmarshal([]byte(stmt.ColumnText(0)), &m); err != nil {
					return fmt.Errorf("decode mirrored message: %w", err)
				}
				msgs = append(msgs, m)
				return nil
			},
		})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// Count reports how many messages are mirrored across all endpoints.
func (s *Store) Count(ctx context.Context) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	count := 0
	err = sqlitex.Execute(conn,
		`SELECT COUNT(*) FROM pending_messages`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt(0)
				return nil
			},
		})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) Close() error {
	return s.pool.Close()
}
