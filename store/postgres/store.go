// Package postgres implements the tenant store over PostgreSQL. Each
// tenant owns one schema inside a shared database; partition transactions
// run at the serializable isolation level with the tenant's schema on the
// search path, so tenants never observe or block each other.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	tally "github.com/tallybot/tally"
	"github.com/tallybot/tally/bill"
	"github.com/tallybot/tally/cycle"
	"github.com/tallybot/tally/id"
	"github.com/tallybot/tally/roster"
	"github.com/tallybot/tally/store"
	"github.com/tallybot/tally/types"
)

var _ store.Store = (*Store)(nil)

const tenantSchema = `
CREATE TABLE IF NOT EXISTS cycles (
	id              TEXT PRIMARY KEY,
	opened_at       TIMESTAMPTZ NOT NULL,
	closed_at       TIMESTAMPTZ,
	opening_balance BIGINT NOT NULL,
	total_in        BIGINT,
	total_out       BIGINT,
	adjustments     BIGINT,
	net             BIGINT,
	bill_count      INTEGER,
	duration_ms     BIGINT,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS cycles_single_open
	ON cycles ((1)) WHERE closed_at IS NULL;

CREATE TABLE IF NOT EXISTS bills (
	seq         BIGSERIAL PRIMARY KEY,
	cycle_id    TEXT NOT NULL REFERENCES cycles(id),
	amount      BIGINT NOT NULL,
	kind        TEXT NOT NULL,
	memo        TEXT NOT NULL DEFAULT '',
	principal   TEXT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL,
	deleted     BOOLEAN NOT NULL DEFAULT FALSE,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS bills_by_cycle ON bills (cycle_id, deleted, seq);

CREATE TABLE IF NOT EXISTS roster (
	principal  TEXT PRIMARY KEY,
	role       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS previous_balance (
	slot   INTEGER PRIMARY KEY CHECK (slot = 1),
	amount BIGINT NOT NULL
);
`

// Store implements store.Store over a shared PostgreSQL database.
type Store struct {
	db *sql.DB

	mu       sync.Mutex
	prepared map[string]bool
}

// Open connects to PostgreSQL using a lib/pq DSN. Tenant schemas are
// created lazily on first use.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres db: %w", err)
	}
	return &Store{db: db, prepared: make(map[string]bool)}, nil
}

// schemaName maps a tenant identifier to its schema.
func schemaName(tenantID string) string {
	var b strings.Builder
	b.WriteString("tenant_")
	for _, r := range tenantID {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// ensureSchema creates the tenant's schema and tables once.
func (s *Store) ensureSchema(ctx context.Context, tenantID string) (string, error) {
	schema := schemaName(tenantID)

	s.mu.Lock()
	done := s.prepared[schema]
	s.mu.Unlock()
	if done {
		return schema, nil
	}

	if _, err := s.db.ExecContext(ctx,
		fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", pq.QuoteIdentifier(schema))); err != nil {
		return "", err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("SET LOCAL search_path TO %s", pq.QuoteIdentifier(schema))); err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx, tenantSchema); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.prepared[schema] = true
	s.mu.Unlock()
	return schema, nil
}

// WithTenantTx implements store.Store.
func (s *Store) WithTenantTx(ctx context.Context, tenantID string, fn func(tx store.Tx) error) error {
	schema, err := s.ensureSchema(ctx, tenantID)
	if err != nil {
		return tally.StorageError(tenantID, err)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return tally.StorageError(tenantID, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("SET LOCAL search_path TO %s", pq.QuoteIdentifier(schema))); err != nil {
		return tally.StorageError(tenantID, err)
	}

	if err := fn(&partitionTx{tx: tx, tenantID: tenantID}); err != nil {
		// Domain outcomes pass through; a failed read or write inside the
		// transaction is a storage failure.
		if tally.IsExpected(err) || errors.Is(err, tally.ErrNotFound) {
			return err
		}
		return tally.StorageError(tenantID, err)
	}

	if err := tx.Commit(); err != nil {
		return tally.StorageError(tenantID, err)
	}
	return nil
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements store.Store.
func (s *Store) Close() error {
	return s.db.Close()
}

// isUniqueViolation reports a PostgreSQL unique constraint failure.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// partitionTx implements store.Tx over one serializable transaction with
// the tenant's schema on the search path.
type partitionTx struct {
	tx       *sql.Tx
	tenantID string
}

var _ store.Tx = (*partitionTx)(nil)

const cycleColumns = `id, opened_at, closed_at, opening_balance,
	total_in, total_out, adjustments, net, bill_count, duration_ms,
	created_at, updated_at`

func (t *partitionTx) scanCycle(row *sql.Row) (*cycle.Cycle, error) {
	var (
		rawID      string
		openedAt   time.Time
		closedAt   sql.NullTime
		opening    int64
		totalIn    sql.NullInt64
		totalOut   sql.NullInt64
		adjust     sql.NullInt64
		net        sql.NullInt64
		billCount  sql.NullInt64
		durationMS sql.NullInt64
		createdAt  time.Time
		updatedAt  time.Time
	)
	err := row.Scan(&rawID, &openedAt, &closedAt, &opening,
		&totalIn, &totalOut, &adjust, &net, &billCount, &durationMS,
		&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tally.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	cycleID, err := id.ParseCycleID(rawID)
	if err != nil {
		return nil, err
	}

	c := &cycle.Cycle{
		ID:             cycleID,
		TenantID:       t.tenantID,
		OpenedAt:       openedAt,
		OpeningBalance: types.Amount(opening),
	}
	c.CreatedAt = createdAt
	c.UpdatedAt = updatedAt
	if closedAt.Valid {
		at := closedAt.Time
		c.ClosedAt = &at
		c.Summary = &cycle.Summary{
			TotalIn:     types.Amount(totalIn.Int64),
			TotalOut:    types.Amount(totalOut.Int64),
			Adjustments: types.Amount(adjust.Int64),
			Net:         types.Amount(net.Int64),
			BillCount:   int(billCount.Int64),
			Duration:    time.Duration(durationMS.Int64) * time.Millisecond,
		}
	}
	return c, nil
}

func (t *partitionTx) GetOpenCycle(ctx context.Context) (*cycle.Cycle, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+cycleColumns+` FROM cycles WHERE closed_at IS NULL`)
	return t.scanCycle(row)
}

func (t *partitionTx) LastClosedCycle(ctx context.Context) (*cycle.Cycle, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+cycleColumns+` FROM cycles
		 WHERE closed_at IS NOT NULL ORDER BY closed_at DESC LIMIT 1`)
	return t.scanCycle(row)
}

func (t *partitionTx) OpenCycle(ctx context.Context, c *cycle.Cycle) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO cycles (id, opened_at, opening_balance, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		c.ID.String(), c.OpenedAt, c.OpeningBalance.Int64(), c.CreatedAt, c.UpdatedAt)
	if isUniqueViolation(err) {
		return tally.ErrCycleAlreadyOpen
	}
	return err
}

func (t *partitionTx) CloseCycle(ctx context.Context, cycleID id.CycleID, closedAt time.Time, summary cycle.Summary) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE cycles SET closed_at = $1, total_in = $2, total_out = $3,
			adjustments = $4, net = $5, bill_count = $6, duration_ms = $7, updated_at = $1
		 WHERE id = $8`,
		closedAt, summary.TotalIn.Int64(), summary.TotalOut.Int64(),
		summary.Adjustments.Int64(), summary.Net.Int64(), summary.BillCount,
		summary.Duration.Milliseconds(), cycleID.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return tally.ErrNotFound
	}
	return nil
}

func (t *partitionTx) InsertBill(ctx context.Context, b *bill.Bill) error {
	return t.tx.QueryRowContext(ctx,
		`INSERT INTO bills (cycle_id, amount, kind, memo, principal, recorded_at,
			created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING seq`,
		b.CycleID.String(), b.Amount.Int64(), string(b.Kind), b.Memo, b.Principal,
		b.RecordedAt, b.CreatedAt, b.UpdatedAt).Scan(&b.Seq)
}

const billColumns = `seq, cycle_id, amount, kind, memo, principal,
	recorded_at, deleted, created_at, updated_at`

type billScanner interface {
	Scan(dest ...any) error
}

func (t *partitionTx) scanBill(row billScanner) (*bill.Bill, error) {
	var (
		b          bill.Bill
		rawCycleID string
		amount     int64
		kind       string
	)
	err := row.Scan(&b.Seq, &rawCycleID, &amount, &kind, &b.Memo, &b.Principal,
		&b.RecordedAt, &b.Deleted, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tally.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	cycleID, err := id.ParseCycleID(rawCycleID)
	if err != nil {
		return nil, err
	}

	b.TenantID = t.tenantID
	b.CycleID = cycleID
	b.Amount = types.Amount(amount)
	b.Kind = bill.Kind(kind)
	return &b, nil
}

func (t *partitionTx) LastActiveBill(ctx context.Context, cycleID id.CycleID) (*bill.Bill, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+billColumns+` FROM bills
		 WHERE cycle_id = $1 AND NOT deleted ORDER BY seq DESC LIMIT 1`,
		cycleID.String())
	return t.scanBill(row)
}

func (t *partitionTx) SoftDeleteBill(ctx context.Context, seq int64) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE bills SET deleted = TRUE, updated_at = NOW() WHERE seq = $1`, seq)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return tally.ErrNotFound
	}
	return nil
}

func (t *partitionTx) ListBills(ctx context.Context, cycleID id.CycleID, opts bill.ListOpts) ([]*bill.Bill, error) {
	limit := sql.NullInt64{Int64: int64(opts.Limit), Valid: opts.Limit > 0}
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+billColumns+` FROM bills
		 WHERE cycle_id = $1 AND (NOT deleted OR $2)
		 ORDER BY seq DESC LIMIT $3 OFFSET $4`,
		cycleID.String(), opts.IncludeDeleted, limit, opts.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

	var bills []*bill.Bill
	for rows.Next() {
		b, err := t.scanBill(rows)
		if err != nil {
			return nil, err
		}
		bills = append(bills, b)
	}
	return bills, rows.Err()
}

func (t *partitionTx) CountBills(ctx context.Context, cycleID id.CycleID, opts bill.ListOpts) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bills WHERE cycle_id = $1 AND (NOT deleted OR $2)`,
		cycleID.String(), opts.IncludeDeleted).Scan(&n)
	return n, err
}

func (t *partitionTx) CycleTotals(ctx context.Context, cycleID id.CycleID) (bill.Totals, error) {
	var totals bill.Totals

	rows, err := t.tx.QueryContext(ctx,
		`SELECT amount, kind FROM bills WHERE cycle_id = $1 AND NOT deleted`,
		cycleID.String())
	if err != nil {
		return totals, err
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

	for rows.Next() {
		var (
			amount int64
			kind   string
		)
		if err := rows.Scan(&amount, &kind); err != nil {
			return totals, err
		}
		totals.Add(&bill.Bill{Amount: types.Amount(amount), Kind: bill.Kind(kind)})
	}
	return totals, rows.Err()
}

func (t *partitionTx) Roster(ctx context.Context) (roster.Snapshot, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT principal, role, created_at, updated_at FROM roster ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

	var snap roster.Snapshot
	for rows.Next() {
		var (
			e    roster.Entry
			role string
		)
		if err := rows.Scan(&e.Principal, &role, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.TenantID = t.tenantID
		e.Role = roster.Role(role)
		snap = append(snap, &e)
	}
	return snap, rows.Err()
}

func (t *partitionTx) UpsertRosterEntry(ctx context.Context, e *roster.Entry) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO roster (principal, role, created_at, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (principal) DO UPDATE SET
			role = EXCLUDED.role, updated_at = EXCLUDED.updated_at`,
		e.Principal, string(e.Role), e.CreatedAt, e.UpdatedAt)
	return err
}

func (t *partitionTx) RemoveRosterEntry(ctx context.Context, principal string) error {
	_, err := t.tx.ExecContext(ctx,
		`DELETE FROM roster WHERE principal = $1`, principal)
	return err
}

func (t *partitionTx) PreviousBalance(ctx context.Context) (types.Amount, bool, error) {
	var amount int64
	err := t.tx.QueryRowContext(ctx,
		`SELECT amount FROM previous_balance WHERE slot = 1`).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return types.Amount(amount), true, nil
}

func (t *partitionTx) SetPreviousBalance(ctx context.Context, amount types.Amount) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO previous_balance (slot, amount) VALUES (1, $1)
		 ON CONFLICT (slot) DO UPDATE SET amount = EXCLUDED.amount`,
		amount.Int64())
	return err
}

func (t *partitionTx) ClearPreviousBalance(ctx context.Context) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM previous_balance`)
	return err
}
