package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresStore struct {
	db *DB
}

type DB struct {
	raw *sql.DB
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) Close() error {
	return db.raw.Close()
}

func rebindPostgresPlaceholders(query string) string {
	var out strings.Builder
	out.Grow(len(query) + 16)

	arg := 1
	inSingleQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if ch == '\'' {
			out.WriteByte(ch)
			if inSingleQuote {
				// '' inside a literal is an escaped quote.
				if i+1 < len(query) && query[i+1] == '\'' {
					out.WriteByte(query[i+1])
					i++
					continue
				}
				inSingleQuote = false
			} else {
				inSingleQuote = true
			}
			continue
		}
		if ch == '?' && !inSingleQuote {
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(arg))
			arg++
			continue
		}
		out.WriteByte(ch)
	}
	return out.String()
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetConnMaxIdleTime(30 * time.Second)
	db.SetMaxIdleConns(1)
	db.SetMaxOpenConns(2)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresStore{db: &DB{raw: db}}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS idl_upload_checkpoints (
			target TEXT NOT NULL,
			digest TEXT NOT NULL,
			next_offset BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (target, digest)
		);
	`)
	if err != nil {
		return fmt.Errorf("migrate checkpoint table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, key Key) (int, bool, error) {
	var offset int64
	err := s.db.QueryRowContext(ctx, `
		SELECT next_offset FROM idl_upload_checkpoints
		WHERE target = ? AND digest = ?
	`, key.Target, key.Digest).Scan(&offset)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load checkpoint %s: %w", key, err)
	}
	return int(offset), true, nil
}

func (s *PostgresStore) Save(ctx context.Context, key Key, offset int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idl_upload_checkpoints (target, digest, next_offset, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(target, digest) DO UPDATE SET
			next_offset = excluded.next_offset,
			updated_at = excluded.updated_at
	`, key.Target, key.Digest, int64(offset), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Clear(ctx context.Context, key Key) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM idl_upload_checkpoints WHERE target = ? AND digest = ?
	`, key.Target, key.Digest)
	if err != nil {
		return fmt.Errorf("clear checkpoint %s: %w", key, err)
	}
	return nil
}
