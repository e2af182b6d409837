// Package sqldriver implements checkpoint.Driver over any database/sql
// connection wrapped by ent's SQL dialect driver. The sqlite and postgres
// packages open their database and delegate to it.
package sqldriver

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/papercomputeco/spool/pkg/checkpoint"
)

const table = "checkpoints"

var columns = []string{"message_id", "stream_id", "state", "revision", "final", "updated_at"}

// schema is portable across SQLite and PostgreSQL.
const schema = `CREATE TABLE IF NOT EXISTS checkpoints (
	message_id TEXT PRIMARY KEY,
	stream_id TEXT NOT NULL,
	state TEXT NOT NULL,
	revision BIGINT NOT NULL,
	final BOOLEAN NOT NULL,
	updated_at BIGINT NOT NULL
)`

// Driver implements checkpoint.Driver over an ent SQL driver.
type Driver struct {
	Client *entsql.Driver
}

var _ checkpoint.Driver = (*Driver)(nil)

// New wraps db for the given ent dialect (dialect.SQLite, dialect.Postgres)
// and creates the checkpoint table when missing.
func New(ctx context.Context, dialectName string, db *sql.DB) (*Driver, error) {
	d := &Driver{Client: entsql.OpenDB(dialectName, db)}
	if _, err := d.Client.DB().ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return d, nil
}

func (d *Driver) builder() *entsql.DialectBuilder {
	return entsql.Dialect(d.Client.Dialect())
}

// Put upserts cp. Unless cp is final, the stored row is only replaced when
// it is not final and has a lower revision.
func (d *Driver) Put(ctx context.Context, cp *checkpoint.Checkpoint) (bool, error) {
	if cp == nil {
		return false, checkpoint.ErrNilCheckpoint
	}

	state, err := json.Marshal(cp.State)
	if err != nil {
		return false, fmt.Errorf("encoding checkpoint state: %w", err)
	}

	opts := []entsql.ConflictOption{
		entsql.ConflictColumns("message_id"),
		entsql.ResolveWithNewValues(),
	}
	if !cp.Final {
		// Both columns must stay in one predicate to be qualified with the
		// table name; an unqualified column is ambiguous in the conflict
		// clause on PostgreSQL.
		opts = append(opts, entsql.UpdateWhere(
			entsql.LT("revision", cp.Revision).Append(func(b *entsql.Builder) {
				b.WriteString(" AND NOT ").Ident("final")
			}),
		))
	}

	query, args := d.builder().Insert(table).
		Columns(columns...).
		Values(cp.MessageID, cp.StreamID, string(state), cp.Revision, cp.Final, cp.UpdatedAt.UnixNano()).
		OnConflict(opts...).
		Query()

	res, err := d.Client.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to put checkpoint %s: %w", cp.MessageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to put checkpoint %s: %w", cp.MessageID, err)
	}
	return n > 0, nil
}

func (d *Driver) Get(ctx context.Context, messageID string) (*checkpoint.Checkpoint, error) {
	query, args := d.builder().Select(columns...).
		From(d.builder().Table(table)).
		Where(entsql.EQ("message_id", messageID)).
		Query()

	row := d.Client.DB().QueryRowContext(ctx, query, args...)
	cp, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, checkpoint.NotFoundError{MessageID: messageID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint %s: %w", messageID, err)
	}
	return cp, nil
}

func (d *Driver) List(ctx context.Context) ([]*checkpoint.Checkpoint, error) {
	query, args := d.builder().Select(columns...).
		From(d.builder().Table(table)).
		OrderBy(entsql.Desc("updated_at"), "message_id").
		Query()

	rows, err := d.Client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*checkpoint.Checkpoint
	for rows.Next() {
		cp, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to list checkpoints: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (d *Driver) Delete(ctx context.Context, messageID string) error {
	query, args := d.builder().Delete(table).
		Where(entsql.EQ("message_id", messageID)).
		Query()

	if _, err := d.Client.DB().ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete checkpoint %s: %w", messageID, err)
	}
	return nil
}

func (d *Driver) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	query, args := d.builder().Delete(table).
		Where(entsql.LT("updated_at", cutoff.UnixNano())).
		Query()

	res, err := d.Client.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to prune checkpoints: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to prune checkpoints: %w", err)
	}
	return int(n), nil
}

func (d *Driver) Close() error {
	return d.Client.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(s scanner) (*checkpoint.Checkpoint, error) {
	var (
		cp        checkpoint.Checkpoint
		state     string
		updatedAt int64
	)
	if err := s.Scan(&cp.MessageID, &cp.StreamID, &state, &cp.Revision, &cp.Final, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(state), &cp.State); err != nil {
		return nil, fmt.Errorf("decoding checkpoint state: %w", err)
	}
	cp.UpdatedAt = time.Unix(0, updatedAt)
	return &cp, nil
}
