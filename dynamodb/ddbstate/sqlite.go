package ddbstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/migrate"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS migration_states (
	table_name       TEXT    NOT NULL,
	seq              INTEGER NOT NULL,
	version          TEXT    NOT NULL UNIQUE,
	previous_version TEXT    NOT NULL,
	schema_hash      TEXT    NOT NULL,
	applied_at       TEXT    NOT NULL,
	state            BLOB    NOT NULL,
	PRIMARY KEY (table_name, seq)
);
CREATE UNIQUE INDEX IF NOT EXISTS migration_states_previous
	ON migration_states (table_name, previous_version);
`

// SQLite keeps the history of one table in a SQLite database file. The
// unique index on the previous version makes two saves following the same
// head conflict even across processes.
type SQLite struct {
	db    *sql.DB
	table string
}

// OpenSQLite opens or creates the database at path for tableName.
func OpenSQLite(path, tableName string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create state schema: %w", err)
	}
	return &SQLite{db: db, table: tableName}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) GetState(ctx context.Context) (*migrate.State, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT state FROM migration_states WHERE table_name = ? ORDER BY seq DESC LIMIT 1`, s.table)
	var data []byte
	err := row.Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get state %s: %w", s.table, err)
	}
	return decodeState(data)
}

func (s *SQLite) SaveState(ctx context.Context, st *migrate.State) error {
	data, err := encodeState(st)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var (
		seq  int64
		head sql.NullString
	)
	err = tx.QueryRowContext(ctx,
		`SELECT seq, version FROM migration_states WHERE table_name = ? ORDER BY seq DESC LIMIT 1`, s.table).
		Scan(&seq, &head)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read head %s: %w", s.table, err)
	}
	var prev *migrate.State
	if head.Valid {
		prev = &migrate.State{Version: head.String}
	}
	if err := checkHead(prev, st); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO migration_states (table_name, seq, version, previous_version, schema_hash, applied_at, state)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.table, seq+1, st.Version, st.PreviousVersion, st.SchemaHash, st.AppliedAt.UTC().Format(time.RFC3339Nano), data)
	if err != nil {
		return fmt.Errorf("save state %s: %w", st.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit state %s: %w", st.Version, err)
	}
	return nil
}

func (s *SQLite) GetHistory(ctx context.Context) ([]*migrate.State, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state FROM migration_states WHERE table_name = ? ORDER BY seq ASC`, s.table)
	if err != nil {
		return nil, fmt.Errorf("get history %s: %w", s.table, err)
	}
	defer rows.Close()

	var out []*migrate.State
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		st, err := decodeState(data)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
