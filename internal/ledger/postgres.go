package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/terminal-bench/notarium/pkg/items"
)

// Postgres is the durable Ledger. Per-item write ordering is enforced
// with row-level locks (SELECT ... FOR UPDATE); reads never block.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open connection pool and ensures the schema.
func NewPostgres(db *sql.DB) (*Postgres, error) {
	p := &Postgres{db: db}
	if err := p.initSchema(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Postgres) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS state_records (
			id BIGSERIAL PRIMARY KEY,
			hash BYTEA NOT NULL UNIQUE,
			state INT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			locked_by_id BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS ix_state_records_state ON state_records(state)`,
		`CREATE INDEX IF NOT EXISTS ix_state_records_locked_by ON state_records(locked_by_id)`,
		`CREATE TABLE IF NOT EXISTS payments (
			id BIGSERIAL PRIMARY KEY,
			amount NUMERIC NOT NULL,
			paid_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS follower_callbacks (
			id TEXT PRIMARY KEY,
			environment_id BIGINT NOT NULL,
			state TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS environments (
			id BIGINT PRIMARY KEY,
			payload BYTEA NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := p.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to init ledger schema: %w", err)
		}
	}
	return nil
}

func scanRecord(row interface{ Scan(...interface{}) error }) (*StateRecord, error) {
	var record StateRecord
	var hash []byte
	var state int
	err := row.Scan(&record.RecordID, &hash, &state, &record.CreatedAt, &record.ExpiresAt, &record.LockedByRecordID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan state record: %w", err)
	}
	if len(hash) != items.HashIDSize {
		return nil, fmt.Errorf("corrupt state record: hash length %d", len(hash))
	}
	copy(record.ID[:], hash)
	record.State = items.State(state)
	return &record, nil
}

const recordColumns = `id, hash, state, created_at, expires_at, locked_by_id`

func (p *Postgres) FindOrCreate(ctx context.Context, id items.HashID, expiresAt time.Time) (*StateRecord, bool, error) {
	now := time.Now()
	result, err := p.db.ExecContext(ctx,
		`INSERT INTO state_records (hash, state, created_at, expires_at)
		 VALUES ($1, $2, $3, $4) ON CONFLICT (hash) DO NOTHING`,
		id.Bytes(), int(items.StateUndefined), now, expiresAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create state record: %w", err)
	}
	inserted, _ := result.RowsAffected()

	record, err := p.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return record, inserted == 0, nil
}

func (p *Postgres) Get(ctx context.Context, id items.HashID) (*StateRecord, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM state_records WHERE hash = $1`, id.Bytes())
	return scanRecord(row)
}

func (p *Postgres) Save(ctx context.Context, record *StateRecord) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stored, err := scanRecord(tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM state_records WHERE hash = $1 FOR UPDATE`, record.ID.Bytes()))
	if err == ErrNotFound {
		err = tx.QueryRowContext(ctx,
			`INSERT INTO state_records (hash, state, created_at, expires_at, locked_by_id)
			 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
			record.ID.Bytes(), int(record.State), record.CreatedAt, record.ExpiresAt, record.LockedByRecordID,
		).Scan(&record.RecordID)
		if err != nil {
			return fmt.Errorf("failed to insert state record: %w", err)
		}
		return tx.Commit()
	}
	if err != nil {
		return err
	}

	if !items.CanTransition(stored.State, record.State) {
		return fmt.Errorf("%w: %s -> %s for %s",
			ErrBackwardTransition, stored.State, record.State, record.ID.Short())
	}
	record.RecordID = stored.RecordID

	_, err = tx.ExecContext(ctx,
		`UPDATE state_records SET state = $1, expires_at = $2, locked_by_id = $3 WHERE id = $4`,
		int(record.State), record.ExpiresAt, record.LockedByRecordID, record.RecordID,
	)
	if err != nil {
		return fmt.Errorf("failed to update state record: %w", err)
	}
	return tx.Commit()
}

func (p *Postgres) Destroy(ctx context.Context, record *StateRecord) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM state_records WHERE hash = $1`, record.ID.Bytes())
	if err != nil {
		return fmt.Errorf("failed to destroy state record: %w", err)
	}
	return nil
}

func (p *Postgres) LockToRevoke(ctx context.Context, targetID items.HashID, byRecordID int64) (*StateRecord, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	record, err := scanRecord(tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM state_records WHERE hash = $1 FOR UPDATE`, targetID.Bytes()))
	if err != nil {
		return nil, err
	}
	if record.State == items.StateLocked && record.LockedByRecordID == byRecordID {
		return record, tx.Commit()
	}
	if record.State != items.StateApproved {
		return nil, ErrLocked
	}

	record.State = items.StateLocked
	record.LockedByRecordID = byRecordID
	_, err = tx.ExecContext(ctx,
		`UPDATE state_records SET state = $1, locked_by_id = $2 WHERE id = $3`,
		int(record.State), byRecordID, record.RecordID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to lock record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return record, nil
}

func (p *Postgres) LockForCreation(ctx context.Context, newID items.HashID, byRecordID int64, expiresAt time.Time) (*StateRecord, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO state_records (hash, state, created_at, expires_at)
		 VALUES ($1, $2, $3, $4) ON CONFLICT (hash) DO NOTHING`,
		newID.Bytes(), int(items.StateUndefined), time.Now(), expiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create lock record: %w", err)
	}

	record, err := scanRecord(tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM state_records WHERE hash = $1 FOR UPDATE`, newID.Bytes()))
	if err != nil {
		return nil, err
	}
	if record.State == items.StateLockedForCreation && record.LockedByRecordID == byRecordID {
		return record, tx.Commit()
	}
	if record.State != items.StateUndefined {
		return nil, ErrLocked
	}

	record.State = items.StateLockedForCreation
	record.LockedByRecordID = byRecordID
	_, err = tx.ExecContext(ctx,
		`UPDATE state_records SET state = $1, locked_by_id = $2 WHERE id = $3`,
		int(record.State), byRecordID, record.RecordID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to lock record for creation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return record, nil
}

func (p *Postgres) RecordsLockedBy(ctx context.Context, byRecordID int64) ([]*StateRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM state_records WHERE locked_by_id = $1`, byRecordID)
	if err != nil {
		return nil, fmt.Errorf("failed to query locked records: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (p *Postgres) FindUnfinished(ctx context.Context) ([]*StateRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM state_records WHERE state = ANY($1)`,
		intArray([]items.State{
			items.StatePendingPositive, items.StatePendingNegative,
			items.StateLocked, items.StateLockedForCreation,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query unfinished records: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

func collectRecords(rows *sql.Rows) ([]*StateRecord, error) {
	var out []*StateRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func (p *Postgres) SavePayment(ctx context.Context, amount decimal.Decimal, at time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO payments (amount, paid_at) VALUES ($1, $2)`, amount, at)
	if err != nil {
		return fmt.Errorf("failed to save payment: %w", err)
	}
	return nil
}

func (p *Postgres) AddCallback(ctx context.Context, record CallbackRecord) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO follower_callbacks (id, environment_id, state, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, expires_at = EXCLUDED.expires_at`,
		record.ID, record.EnvironmentID, record.State, record.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to add callback record: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateCallbackState(ctx context.Context, id, state string) error {
	result, err := p.db.ExecContext(ctx,
		`UPDATE follower_callbacks SET state = $1 WHERE id = $2`, state, id)
	if err != nil {
		return fmt.Errorf("failed to update callback state: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) StartedCallbacks(ctx context.Context) ([]CallbackRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, environment_id, state, expires_at FROM follower_callbacks WHERE state = $1`,
		CallbackStarted)
	if err != nil {
		return nil, fmt.Errorf("failed to query started callbacks: %w", err)
	}
	defer rows.Close()

	var out []CallbackRecord
	for rows.Next() {
		var record CallbackRecord
		if err := rows.Scan(&record.ID, &record.EnvironmentID, &record.State, &record.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan callback record: %w", err)
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveEnvironment(ctx context.Context, environmentID int64, payload []byte) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO environments (id, payload) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload`,
		environmentID, payload)
	if err != nil {
		return fmt.Errorf("failed to save environment: %w", err)
	}
	return nil
}

func (p *Postgres) GetEnvironment(ctx context.Context, environmentID int64) ([]byte, error) {
	var payload []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT payload FROM environments WHERE id = $1`, environmentID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get environment: %w", err)
	}
	return payload, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

// intArray renders states as a postgres int array literal for ANY().
func intArray(states []items.State) string {
	out := "{"
	for i, s := range states {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprint(int(s))
	}
	return out + "}"
}
