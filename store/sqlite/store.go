// Package sqlite implements the tenant store over per-tenant SQLite files.
// Each tenant owns one database file under the store directory, so a busy
// or corrupted tenant never blocks another. Partition transactions map to
// SQLite transactions guarded by a per-tenant mutex.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	tally "github.com/tallybot/tally"
	"github.com/tallybot/tally/bill"
	"github.com/tallybot/tally/cycle"
	"github.com/tallybot/tally/id"
	"github.com/tallybot/tally/roster"
	"github.com/tallybot/tally/store"
	"github.com/tallybot/tally/types"
	_ "modernc.org/sqlite"
)

var _ store.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS cycles (
	id              TEXT PRIMARY KEY,
	opened_at       INTEGER NOT NULL,
	closed_at       INTEGER,
	opening_balance INTEGER NOT NULL,
	total_in        INTEGER,
	total_out       INTEGER,
	adjustments     INTEGER,
	net             INTEGER,
	bill_count      INTEGER,
	duration_ms     INTEGER,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS cycles_single_open
	ON cycles ((1)) WHERE closed_at IS NULL;

CREATE TABLE IF NOT EXISTS bills (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	cycle_id    TEXT NOT NULL REFERENCES cycles(id),
	amount      INTEGER NOT NULL,
	kind        TEXT NOT NULL,
	memo        TEXT NOT NULL DEFAULT '',
	principal   TEXT NOT NULL,
	recorded_at INTEGER NOT NULL,
	deleted     INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS bills_by_cycle ON bills (cycle_id, deleted, seq);

CREATE TABLE IF NOT EXISTS roster (
	principal  TEXT PRIMARY KEY,
	role       TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS previous_balance (
	slot   INTEGER PRIMARY KEY CHECK (slot = 1),
	amount INTEGER NOT NULL
);
`

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store implements store.Store over one SQLite file per tenant.
type Store struct {
	dir string

	mu      sync.Mutex
	tenants map[string]*tenantDB
	closed  bool
}

type tenantDB struct {
	mu sync.Mutex
	db *sql.DB
}

// Open creates the store directory if needed and returns a Store. Tenant
// database files are created lazily on first use.
func Open(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("storage directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return &Store{
		dir:     filepath.Clean(dir),
		tenants: make(map[string]*tenantDB),
	}, nil
}

// tenant returns the lazily opened database for tenantID.
func (s *Store) tenant(tenantID string) (*tenantDB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.New("sqlite store is closed")
	}
	if t, ok := s.tenants[tenantID]; ok {
		return t, nil
	}

	path := filepath.Join(s.dir, "tenant_"+sanitize(tenantID)+".db")
	dsn := path + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	t := &tenantDB{db: db}
	s.tenants[tenantID] = t
	return t, nil
}

// sanitize maps a tenant identifier to a safe file name fragment.
func sanitize(tenantID string) string {
	var b strings.Builder
	for _, r := range tenantID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// WithTenantTx implements store.Store.
func (s *Store) WithTenantTx(ctx context.Context, tenantID string, fn func(tx store.Tx) error) error {
	t, err := s.tenant(tenantID)
	if err != nil {
		return tally.StorageError(tenantID, err)
	}

	// SQLite allows a single writer per file; the mutex keeps racing
	// callers from burning the busy timeout.
	t.mu.Lock()
	defer t.mu.Unlock()

	sqlTx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return tally.StorageError(tenantID, err)
	}
	defer sqlTx.Rollback() //nolint:errcheck // no-op after commit

	if err := fn(&partitionTx{tx: sqlTx, tenantID: tenantID}); err != nil {
		// Domain outcomes pass through; a failed read or write inside the
		// transaction is a storage failure.
		if tally.IsExpected(err) || errors.Is(err, tally.ErrNotFound) {
			return err
		}
		return tally.StorageError(tenantID, err)
	}

	if err := sqlTx.Commit(); err != nil {
		return tally.StorageError(tenantID, err)
	}
	return nil
}

// Ping implements store.Store.
func (s *Store) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("sqlite store is closed")
	}
	return nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var first error
	for _, t := range s.tenants {
		if err := t.db.Close(); err != nil && first == nil {
			first = err
		}
	}
	s.tenants = nil
	s.closed = true
	return first
}

// partitionTx implements store.Tx over one SQLite transaction.
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
		openedAt   int64
		closedAt   sql.NullInt64
		opening    int64
		totalIn    sql.NullInt64
		totalOut   sql.NullInt64
		adjust     sql.NullInt64
		net        sql.NullInt64
		billCount  sql.NullInt64
		durationMS sql.NullInt64
		createdAt  int64
		updatedAt  int64
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
		OpenedAt:       fromMillis(openedAt),
		OpeningBalance: types.Amount(opening),
	}
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	if closedAt.Valid {
		at := fromMillis(closedAt.Int64)
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
		 VALUES (?, ?, ?, ?, ?)`,
		c.ID.String(), toMillis(c.OpenedAt), c.OpeningBalance.Int64(),
		toMillis(c.CreatedAt), toMillis(c.UpdatedAt))
	if err != nil && strings.Contains(err.Error(), "cycles_single_open") {
		return tally.ErrCycleAlreadyOpen
	}
	return err
}

func (t *partitionTx) CloseCycle(ctx context.Context, cycleID id.CycleID, closedAt time.Time, summary cycle.Summary) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE cycles SET closed_at = ?, total_in = ?, total_out = ?,
			adjustments = ?, net = ?, bill_count = ?, duration_ms = ?, updated_at = ?
		 WHERE id = ?`,
		toMillis(closedAt), summary.TotalIn.Int64(), summary.TotalOut.Int64(),
		summary.Adjustments.Int64(), summary.Net.Int64(), summary.BillCount,
		summary.Duration.Milliseconds(), toMillis(closedAt), cycleID.String())
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
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO bills (cycle_id, amount, kind, memo, principal, recorded_at,
			deleted, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		b.CycleID.String(), b.Amount.Int64(), string(b.Kind), b.Memo, b.Principal,
		toMillis(b.RecordedAt), toMillis(b.CreatedAt), toMillis(b.UpdatedAt))
	if err != nil {
		return err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return err
	}
	b.Seq = seq
	return nil
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
		recordedAt int64
		deleted    int64
		createdAt  int64
		updatedAt  int64
	)
	err := row.Scan(&b.Seq, &rawCycleID, &amount, &kind, &b.Memo, &b.Principal,
		&recordedAt, &deleted, &createdAt, &updatedAt)
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
	b.RecordedAt = fromMillis(recordedAt)
	b.Deleted = deleted != 0
	b.CreatedAt = fromMillis(createdAt)
	b.UpdatedAt = fromMillis(updatedAt)
	return &b, nil
}

func (t *partitionTx) LastActiveBill(ctx context.Context, cycleID id.CycleID) (*bill.Bill, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+billColumns+` FROM bills
		 WHERE cycle_id = ? AND deleted = 0 ORDER BY seq DESC LIMIT 1`,
		cycleID.String())
	return t.scanBill(row)
}

func (t *partitionTx) SoftDeleteBill(ctx context.Context, seq int64) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE bills SET deleted = 1, updated_at = ? WHERE seq = ?`,
		toMillis(time.Now()), seq)
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
	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+billColumns+` FROM bills
		 WHERE cycle_id = ? AND (deleted = 0 OR ? = 1)
		 ORDER BY seq DESC LIMIT ? OFFSET ?`,
		cycleID.String(), boolInt(opts.IncludeDeleted), limit, opts.Offset)
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
		`SELECT COUNT(*) FROM bills WHERE cycle_id = ? AND (deleted = 0 OR ? = 1)`,
		cycleID.String(), boolInt(opts.IncludeDeleted)).Scan(&n)
	return n, err
}

func (t *partitionTx) CycleTotals(ctx context.Context, cycleID id.CycleID) (bill.Totals, error) {
	var totals bill.Totals

	rows, err := t.tx.QueryContext(ctx,
		`SELECT amount, kind FROM bills WHERE cycle_id = ? AND deleted = 0`,
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
			e         roster.Entry
			role      string
			createdAt int64
			updatedAt int64
		)
		if err := rows.Scan(&e.Principal, &role, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		e.TenantID = t.tenantID
		e.Role = roster.Role(role)
		e.CreatedAt = fromMillis(createdAt)
		e.UpdatedAt = fromMillis(updatedAt)
		snap = append(snap, &e)
	}
	return snap, rows.Err()
}

func (t *partitionTx) UpsertRosterEntry(ctx context.Context, e *roster.Entry) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO roster (principal, role, created_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (principal) DO UPDATE SET
			role = excluded.role, updated_at = excluded.updated_at`,
		e.Principal, string(e.Role), toMillis(e.CreatedAt), toMillis(e.UpdatedAt))
	return err
}

func (t *partitionTx) RemoveRosterEntry(ctx context.Context, principal string) error {
	_, err := t.tx.ExecContext(ctx,
		`DELETE FROM roster WHERE principal = ?`, principal)
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
		`INSERT INTO previous_balance (slot, amount) VALUES (1, ?)
		 ON CONFLICT (slot) DO UPDATE SET amount = excluded.amount`,
		amount.Int64())
	return err
}

func (t *partitionTx) ClearPreviousBalance(ctx context.Context) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM previous_balance`)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
