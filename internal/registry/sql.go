package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/dreamware/fleetgate/internal/cluster"
)

const schema = `
CREATE TABLE IF NOT EXISTS edge_nodes (
	id TEXT PRIMARY KEY,
	token_hash TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	subdomain TEXT UNIQUE,
	public_address TEXT NOT NULL DEFAULT '',
	ipv4 TEXT NOT NULL DEFAULT '',
	port INTEGER NOT NULL DEFAULT 0,
	capabilities_json TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL,
	metadata_json TEXT NOT NULL DEFAULT '',
	last_seen TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`

const selectColumns = `
SELECT
	id,
	token_hash,
	display_name,
	coalesce(subdomain, ''),
	public_address,
	ipv4,
	port,
	capabilities_json,
	status,
	metadata_json,
	last_seen,
	created_at,
	updated_at
FROM edge_nodes`

// SQLStore persists the registry in a SQL database. The same schema and
// queries serve SQLite (single coordinator) and PostgreSQL (several
// coordinators sharing one registry).
type SQLStore struct {
	db       *sql.DB
	postgres bool
}

// OpenSQLite opens or creates a SQLite registry at path.
func OpenSQLite(path string) (*SQLStore, error) {
	if path == "" {
		return nil, errors.New("sqlite registry requires a path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create registry directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}
	// One writer at a time; readers are served from the WAL.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set registry journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set registry busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize registry schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// OpenPostgres connects to a PostgreSQL registry described by dsn.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres registry requires a dsn")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping registry db: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize registry schema: %w", err)
	}
	return &SQLStore{db: db, postgres: true}, nil
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) Create(ctx context.Context, node *cluster.EdgeNode) error {
	n := node.Clone()
	n.Subdomain = NormalizeSubdomain(n.Subdomain)
	args, err := rowArgs(n)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
INSERT INTO edge_nodes (
	id, token_hash, display_name, subdomain, public_address, ipv4, port,
	capabilities_json, status, metadata_json, last_seen, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`), args...)
	if err != nil {
		if isUniqueViolation(err) {
			if _, getErr := s.Get(ctx, n.ID); getErr == nil {
				return ErrExists
			}
			return ErrSubdomainTaken
		}
		return fmt.Errorf("insert node %q: %w", n.ID, err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*cluster.EdgeNode, error) {
	return scanNode(s.db.QueryRowContext(ctx, s.rebind(selectColumns+` WHERE id = ?`), id))
}

func (s *SQLStore) FindBySubdomain(ctx context.Context, sub string) (*cluster.EdgeNode, error) {
	sub = NormalizeSubdomain(sub)
	if sub == "" {
		return nil, ErrNotFound
	}
	return scanNode(s.db.QueryRowContext(ctx, s.rebind(selectColumns+` WHERE subdomain = ?`), sub))
}

func (s *SQLStore) List(ctx context.Context) ([]*cluster.EdgeNode, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	out := make([]*cluster.EdgeNode, 0)
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate node rows: %w", err)
	}
	return out, nil
}

func (s *SQLStore) Update(ctx context.Context, id string, fn func(*cluster.EdgeNode) error) (*cluster.EdgeNode, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update %q: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	query := selectColumns + ` WHERE id = ?`
	if s.postgres {
		query += ` FOR UPDATE`
	}
	cur, err := scanNode(tx.QueryRowContext(ctx, s.rebind(query), id))
	if err != nil {
		return nil, err
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = id
	next.Subdomain = NormalizeSubdomain(next.Subdomain)

	if next.Subdomain != "" && next.Subdomain != cur.Subdomain {
		var owner string
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT id FROM edge_nodes WHERE subdomain = ? AND id <> ?`), next.Subdomain, id).Scan(&owner)
		if err == nil {
			return nil, ErrSubdomainTaken
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("check subdomain %q: %w", next.Subdomain, err)
		}
	}

	args, err := rowArgs(next)
	if err != nil {
		return nil, err
	}
	// rowArgs starts with id; the UPDATE takes it last.
	_, err = tx.ExecContext(ctx, s.rebind(`
UPDATE edge_nodes SET
	token_hash = ?,
	display_name = ?,
	subdomain = ?,
	public_address = ?,
	ipv4 = ?,
	port = ?,
	capabilities_json = ?,
	status = ?,
	metadata_json = ?,
	last_seen = ?,
	created_at = ?,
	updated_at = ?
WHERE id = ?`), append(args[1:], id)...)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrSubdomainTaken
		}
		return nil, fmt.Errorf("update node %q: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit node %q: %w", id, err)
	}
	return next, nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM edge_nodes WHERE id = ?`), id); err != nil {
		return fmt.Errorf("delete node %q: %w", id, err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*cluster.EdgeNode, error) {
	var (
		n                          cluster.EdgeNode
		status, capsJSON, metaJSON string
		lastSeen, created, updated string
	)
	err := row.Scan(
		&n.ID,
		&n.TokenHash,
		&n.DisplayName,
		&n.Subdomain,
		&n.PublicAddress,
		&n.IPv4,
		&n.Port,
		&capsJSON,
		&status,
		&metaJSON,
		&lastSeen,
		&created,
		&updated,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read node: %w", err)
	}
	n.Status = cluster.Status(status)
	if err := json.Unmarshal([]byte(capsJSON), &n.Capabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities of %q: %w", n.ID, err)
	}
	if len(n.Capabilities) == 0 {
		n.Capabilities = nil
	}
	if metaJSON != "" {
		n.Metadata = json.RawMessage(metaJSON)
	}
	if n.LastSeen, err = parseTime(lastSeen); err != nil {
		return nil, err
	}
	if n.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if n.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &n, nil
}

func rowArgs(n *cluster.EdgeNode) ([]any, error) {
	caps := n.Capabilities
	if caps == nil {
		caps = []cluster.Capability{}
	}
	capsJSON, err := json.Marshal(caps)
	if err != nil {
		return nil, fmt.Errorf("encode capabilities: %w", err)
	}
	var subdomain any
	if n.Subdomain != "" {
		subdomain = n.Subdomain
	}
	return []any{
		n.ID,
		n.TokenHash,
		n.DisplayName,
		subdomain,
		n.PublicAddress,
		n.IPv4,
		n.Port,
		string(capsJSON),
		string(n.Status),
		string(n.Metadata),
		formatTime(n.LastSeen),
		formatTime(n.CreatedAt),
		formatTime(n.UpdatedAt),
	}, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
