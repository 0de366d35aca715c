// Package mongo implements the tenant store over MongoDB. Each tenant owns
// one database; partition transactions map to MongoDB multi-document
// transactions on a session, so they require a replica set deployment.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	tally "github.com/tallybot/tally"
	"github.com/tallybot/tally/bill"
	"github.com/tallybot/tally/cycle"
	"github.com/tallybot/tally/id"
	"github.com/tallybot/tally/roster"
	"github.com/tallybot/tally/store"
	"github.com/tallybot/tally/types"
)

// Collection name constants.
const (
	colCycles          = "tally_cycles"
	colBills           = "tally_bills"
	colRoster          = "tally_roster"
	colOpenMarker      = "tally_open_cycle"
	colPreviousBalance = "tally_previous_balance"
	colCounters        = "tally_counters"
)

// compile-time interface check
var _ store.Store = (*Store)(nil)

// Store implements store.Store using MongoDB.
type Store struct {
	client *mongo.Client
	prefix string

	mu       sync.Mutex
	prepared map[string]bool
}

// New creates a MongoDB store on an existing client. Tenant databases are
// named prefix + sanitized tenant id and created lazily.
func New(client *mongo.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "tally_"
	}
	return &Store{
		client:   client,
		prefix:   prefix,
		prepared: make(map[string]bool),
	}
}

// Open connects to MongoDB and returns a Store.
func Open(ctx context.Context, uri, prefix string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	return New(client, prefix), nil
}

// Client returns the underlying client for direct access.
func (s *Store) Client() *mongo.Client { return s.client }

func (s *Store) database(tenantID string) *mongo.Database {
	return s.client.Database(s.prefix + sanitize(tenantID))
}

// sanitize maps a tenant identifier to a valid database name fragment.
func sanitize(tenantID string) string {
	out := make([]byte, 0, len(tenantID))
	for i := 0; i < len(tenantID); i++ {
		c := tenantID[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// ensureIndexes creates the per-tenant indexes once.
func (s *Store) ensureIndexes(ctx context.Context, tenantID string) error {
	s.mu.Lock()
	done := s.prepared[tenantID]
	s.mu.Unlock()
	if done {
		return nil
	}

	db := s.database(tenantID)
	_, err := db.Collection(colBills).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "cycle_id", Value: 1}, {Key: "deleted", Value: 1}, {Key: "_id", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("tally/mongo: create bill indexes: %w", err)
	}
	_, err = db.Collection(colCycles).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "closed_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("tally/mongo: create cycle indexes: %w", err)
	}

	s.mu.Lock()
	s.prepared[tenantID] = true
	s.mu.Unlock()
	return nil
}

// WithTenantTx implements store.Store.
func (s *Store) WithTenantTx(ctx context.Context, tenantID string, fn func(tx store.Tx) error) error {
	if err := s.ensureIndexes(ctx, tenantID); err != nil {
		return tally.StorageError(tenantID, err)
	}

	session, err := s.client.StartSession()
	if err != nil {
		return tally.StorageError(tenantID, err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sessCtx context.Context) (interface{}, error) {
		return nil, fn(&partitionTx{db: s.database(tenantID), tenantID: tenantID, ctx: sessCtx})
	})
	if err == nil {
		return nil
	}
	if tally.IsExpected(err) || errors.Is(err, tally.ErrNotFound) {
		return err
	}
	return tally.StorageError(tenantID, err)
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close implements store.Store.
func (s *Store) Close() error {
	return s.client.Disconnect(context.Background())
}

func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// partitionTx implements store.Tx over one session-bound transaction. The
// driver binds an operation to the session through its context, so every
// accessor must run against the transaction-scoped context captured at
// construction, not the caller's.
type partitionTx struct {
	db       *mongo.Database
	tenantID string
	ctx      context.Context // transaction-scoped
}

var _ store.Tx = (*partitionTx)(nil)

// session returns the transaction-scoped context. Accessor calls made with
// any other context would execute outside the session.
func (t *partitionTx) session(ctx context.Context) context.Context {
	if t.ctx != nil {
		return t.ctx
	}
	return ctx
}

func (t *partitionTx) GetOpenCycle(ctx context.Context) (*cycle.Cycle, error) {
	ctx = t.session(ctx)
	var marker openMarkerModel
	err := t.db.Collection(colOpenMarker).
		FindOne(ctx, bson.M{"_id": "open"}).Decode(&marker)
	if isNoDocuments(err) {
		return nil, tally.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("tally/mongo: get open marker: %w", err)
	}

	var m cycleModel
	err = t.db.Collection(colCycles).
		FindOne(ctx, bson.M{"_id": marker.CycleID}).Decode(&m)
	if err != nil {
		return nil, fmt.Errorf("tally/mongo: get open cycle: %w", err)
	}
	return fromCycleModel(&m, t.tenantID)
}

func (t *partitionTx) LastClosedCycle(ctx context.Context) (*cycle.Cycle, error) {
	ctx = t.session(ctx)
	var m cycleModel
	err := t.db.Collection(colCycles).
		FindOne(ctx,
			bson.M{"closed_at": bson.M{"$ne": nil}},
			options.FindOne().SetSort(bson.D{{Key: "closed_at", Value: -1}}),
		).Decode(&m)
	if isNoDocuments(err) {
		return nil, tally.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("tally/mongo: last closed cycle: %w", err)
	}
	return fromCycleModel(&m, t.tenantID)
}

func (t *partitionTx) OpenCycle(ctx context.Context, c *cycle.Cycle) error {
	ctx = t.session(ctx)
	// The marker insert is what enforces the one-open-cycle invariant.
	_, err := t.db.Collection(colOpenMarker).
		InsertOne(ctx, &openMarkerModel{ID: "open", CycleID: c.ID.String()})
	if mongo.IsDuplicateKeyError(err) {
		return tally.ErrCycleAlreadyOpen
	}
	if err != nil {
		return fmt.Errorf("tally/mongo: insert open marker: %w", err)
	}

	if _, err := t.db.Collection(colCycles).InsertOne(ctx, toCycleModel(c)); err != nil {
		return fmt.Errorf("tally/mongo: insert cycle: %w", err)
	}
	return nil
}

func (t *partitionTx) CloseCycle(ctx context.Context, cycleID id.CycleID, closedAt time.Time, summary cycle.Summary) error {
	ctx = t.session(ctx)
	res, err := t.db.Collection(colCycles).UpdateOne(ctx,
		bson.M{"_id": cycleID.String()},
		bson.M{"$set": bson.M{
			"closed_at": closedAt,
			"summary": &summaryModel{
				TotalIn:     summary.TotalIn.Int64(),
				TotalOut:    summary.TotalOut.Int64(),
				Adjustments: summary.Adjustments.Int64(),
				Net:         summary.Net.Int64(),
				BillCount:   summary.BillCount,
				DurationMS:  summary.Duration.Milliseconds(),
			},
			"updated_at": closedAt,
		}},
	)
	if err != nil {
		return fmt.Errorf("tally/mongo: close cycle: %w", err)
	}
	if res.MatchedCount == 0 {
		return tally.ErrNotFound
	}

	_, err = t.db.Collection(colOpenMarker).DeleteOne(ctx, bson.M{"_id": "open"})
	if err != nil {
		return fmt.Errorf("tally/mongo: clear open marker: %w", err)
	}
	return nil
}

// nextSeq increments the per-tenant bill counter.
func (t *partitionTx) nextSeq(ctx context.Context) (int64, error) {
	ctx = t.session(ctx)
	var counter counterModel
	err := t.db.Collection(colCounters).FindOneAndUpdate(ctx,
		bson.M{"_id": "bill_seq"},
		bson.M{"$inc": bson.M{"value": int64(1)}},
		options.FindOneAndUpdate().
			SetUpsert(true).
			SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("tally/mongo: next bill seq: %w", err)
	}
	return counter.Value, nil
}

func (t *partitionTx) InsertBill(ctx context.Context, b *bill.Bill) error {
	ctx = t.session(ctx)
	seq, err := t.nextSeq(ctx)
	if err != nil {
		return err
	}
	b.Seq = seq

	if _, err := t.db.Collection(colBills).InsertOne(ctx, toBillModel(b)); err != nil {
		return fmt.Errorf("tally/mongo: insert bill: %w", err)
	}
	return nil
}

func (t *partitionTx) LastActiveBill(ctx context.Context, cycleID id.CycleID) (*bill.Bill, error) {
	ctx = t.session(ctx)
	var m billModel
	err := t.db.Collection(colBills).
		FindOne(ctx,
			bson.M{"cycle_id": cycleID.String(), "deleted": false},
			options.FindOne().SetSort(bson.D{{Key: "_id", Value: -1}}),
		).Decode(&m)
	if isNoDocuments(err) {
		return nil, tally.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("tally/mongo: last active bill: %w", err)
	}
	return fromBillModel(&m, t.tenantID)
}

func (t *partitionTx) SoftDeleteBill(ctx context.Context, seq int64) error {
	ctx = t.session(ctx)
	res, err := t.db.Collection(colBills).UpdateOne(ctx,
		bson.M{"_id": seq},
		bson.M{"$set": bson.M{"deleted": true, "updated_at": time.Now()}},
	)
	if err != nil {
		return fmt.Errorf("tally/mongo: soft delete bill: %w", err)
	}
	if res.MatchedCount == 0 {
		return tally.ErrNotFound
	}
	return nil
}

func (t *partitionTx) billFilter(cycleID id.CycleID, opts bill.ListOpts) bson.M {
	filter := bson.M{"cycle_id": cycleID.String()}
	if !opts.IncludeDeleted {
		filter["deleted"] = false
	}
	return filter
}

func (t *partitionTx) ListBills(ctx context.Context, cycleID id.CycleID, opts bill.ListOpts) ([]*bill.Bill, error) {
	ctx = t.session(ctx)
	findOpts := options.Find().SetSort(bson.D{{Key: "_id", Value: -1}})
	if opts.Offset > 0 {
		findOpts = findOpts.SetSkip(int64(opts.Offset))
	}
	if opts.Limit > 0 {
		findOpts = findOpts.SetLimit(int64(opts.Limit))
	}

	cursor, err := t.db.Collection(colBills).Find(ctx, t.billFilter(cycleID, opts), findOpts)
	if err != nil {
		return nil, fmt.Errorf("tally/mongo: list bills: %w", err)
	}
	defer cursor.Close(ctx) //nolint:errcheck // read-only cursor

	var bills []*bill.Bill
	for cursor.Next(ctx) {
		var m billModel
		if err := cursor.Decode(&m); err != nil {
			return nil, fmt.Errorf("tally/mongo: decode bill: %w", err)
		}
		b, err := fromBillModel(&m, t.tenantID)
		if err != nil {
			return nil, err
		}
		bills = append(bills, b)
	}
	return bills, cursor.Err()
}

func (t *partitionTx) CountBills(ctx context.Context, cycleID id.CycleID, opts bill.ListOpts) (int, error) {
	ctx = t.session(ctx)
	n, err := t.db.Collection(colBills).CountDocuments(ctx, t.billFilter(cycleID, opts))
	if err != nil {
		return 0, fmt.Errorf("tally/mongo: count bills: %w", err)
	}
	return int(n), nil
}

func (t *partitionTx) CycleTotals(ctx context.Context, cycleID id.CycleID) (bill.Totals, error) {
	ctx = t.session(ctx)
	var totals bill.Totals

	cursor, err := t.db.Collection(colBills).Find(ctx,
		bson.M{"cycle_id": cycleID.String(), "deleted": false})
	if err != nil {
		return totals, fmt.Errorf("tally/mongo: cycle totals: %w", err)
	}
	defer cursor.Close(ctx) //nolint:errcheck // read-only cursor

	for cursor.Next(ctx) {
		var m billModel
		if err := cursor.Decode(&m); err != nil {
			return totals, fmt.Errorf("tally/mongo: decode bill: %w", err)
		}
		totals.Add(&bill.Bill{Amount: types.Amount(m.Amount), Kind: bill.Kind(m.Kind)})
	}
	return totals, cursor.Err()
}

func (t *partitionTx) Roster(ctx context.Context) (roster.Snapshot, error) {
	ctx = t.session(ctx)
	cursor, err := t.db.Collection(colRoster).Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("tally/mongo: roster: %w", err)
	}
	defer cursor.Close(ctx) //nolint:errcheck // read-only cursor

	var snap roster.Snapshot
	for cursor.Next(ctx) {
		var m rosterModel
		if err := cursor.Decode(&m); err != nil {
			return nil, fmt.Errorf("tally/mongo: decode roster entry: %w", err)
		}
		snap = append(snap, fromRosterModel(&m, t.tenantID))
	}
	return snap, cursor.Err()
}

func (t *partitionTx) UpsertRosterEntry(ctx context.Context, e *roster.Entry) error {
	ctx = t.session(ctx)
	m := toRosterModel(e)
	_, err := t.db.Collection(colRoster).UpdateOne(ctx,
		bson.M{"_id": m.Principal},
		bson.M{
			"$set":         bson.M{"role": m.Role, "updated_at": m.UpdatedAt},
			"$setOnInsert": bson.M{"created_at": m.CreatedAt},
		},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("tally/mongo: upsert roster entry: %w", err)
	}
	return nil
}

func (t *partitionTx) RemoveRosterEntry(ctx context.Context, principal string) error {
	ctx = t.session(ctx)
	_, err := t.db.Collection(colRoster).DeleteOne(ctx, bson.M{"_id": principal})
	if err != nil {
		return fmt.Errorf("tally/mongo: remove roster entry: %w", err)
	}
	return nil
}

func (t *partitionTx) PreviousBalance(ctx context.Context) (types.Amount, bool, error) {
	ctx = t.session(ctx)
	var m previousBalanceModel
	err := t.db.Collection(colPreviousBalance).
		FindOne(ctx, bson.M{"_id": "previous"}).Decode(&m)
	if isNoDocuments(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("tally/mongo: previous balance: %w", err)
	}
	return types.Amount(m.Amount), true, nil
}

func (t *partitionTx) SetPreviousBalance(ctx context.Context, amount types.Amount) error {
	ctx = t.session(ctx)
	_, err := t.db.Collection(colPreviousBalance).UpdateOne(ctx,
		bson.M{"_id": "previous"},
		bson.M{"$set": bson.M{"amount": amount.Int64()}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("tally/mongo: set previous balance: %w", err)
	}
	return nil
}

func (t *partitionTx) ClearPreviousBalance(ctx context.Context) error {
	ctx = t.session(ctx)
	_, err := t.db.Collection(colPreviousBalance).DeleteOne(ctx, bson.M{"_id": "previous"})
	if err != nil {
		return fmt.Errorf("tally/mongo: clear previous balance: %w", err)
	}
	return nil
}
