package containment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dd0wney/cluso-repository/pkg/identifier"
	"github.com/dd0wney/cluso-repository/pkg/kernel"
	"github.com/dd0wney/cluso-repository/pkg/logging"
	"github.com/dd0wney/cluso-repository/pkg/metrics"
)

// PGOptions configures a PGStore.
type PGOptions struct {
	URL           string
	MaxConns      int32
	ContainsLimit int
	Logger        logging.Logger
	Metrics       *metrics.Registry
	Now           func() time.Time
}

// PGStore is an Index backed by PostgreSQL. Committed rows live in the
// containment table and each transaction's overlay in
// containment_transactions, one row per (transaction, child).
type PGStore struct {
	pool          *pgxpool.Pool
	containsLimit atomic.Int64
	logger        logging.Logger
	metrics       *metrics.Registry
	now           func() time.Time
}

var _ Index = (*PGStore)(nil)

// NewPGStore connects, verifies the connection and creates the schema.
func NewPGStore(ctx context.Context, opts PGOptions) (*PGStore, error) {
	config, err := pgxpool.ParseConfig(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	if opts.MaxConns > 0 {
		config.MaxConns = opts.MaxConns
	}
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}

	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &PGStore{
		pool:    pool,
		logger:  opts.Logger.With(logging.Component("containment"), logging.String("backend", "postgres")),
		metrics: metrics.OrDefault(opts.Metrics),
		now:     opts.Now,
	}
	s.SetContainsLimit(opts.ContainsLimit)

	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return s, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PGStore) SetContainsLimit(n int) {
	if n <= 0 {
		n = DefaultContainsLimit
	}
	s.containsLimit.Store(int64(n))
}

func (s *PGStore) limit() int {
	return int(s.containsLimit.Load())
}

func (s *PGStore) observe(op string, start time.Time, err error) {
	s.metrics.RecordContainmentOperation(op, time.Since(start), err)
}

// escapeLike quotes the LIKE metacharacters of s using backslash as the
// escape character.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// Writes

func (s *PGStore) loadPending(ctx context.Context, db pgx.Tx, txID, child string) (*pending, error) {
	var (
		op         string
		p          pending
		start, end *time.Time
	)
	err := db.QueryRow(ctx, pgSelectPending, txID, child).Scan(&op, &p.parent, &start, &end, &p.recorded, &p.seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if p.op, err = parseOpKind(op); err != nil {
		return nil, err
	}
	p.child = child
	p.start = derefTime(start)
	p.end = derefTime(end)
	return &p, nil
}

func (s *PGStore) loadFacts(ctx context.Context, db pgx.Tx, child string) (baselineFacts, error) {
	var f baselineFacts
	rows, err := db.Query(ctx, pgSelectFacts, child)
	if err != nil {
		return f, err
	}
	defer rows.Close()
	first := true
	for rows.Next() {
		var (
			parent string
			active bool
		)
		if err := rows.Scan(&parent, &active); err != nil {
			return f, err
		}
		if first {
			f.latestParent = parent
			first = false
		}
		if active {
			f.activeParent = parent
		}
	}
	return f, rows.Err()
}

func (s *PGStore) write(ctx context.Context, op string, tx kernel.Tx, child string, planFn func(cur *pending, facts baselineFacts) plan) (err error) {
	defer func(start time.Time) { s.observe(op, start, err) }(time.Now())

	txID := txOf(tx)
	if txID == "" {
		return ErrNoTransaction
	}
	err = pgx.BeginFunc(ctx, s.pool, func(db pgx.Tx) error {
		cur, err := s.loadPending(ctx, db, txID, child)
		if err != nil {
			return err
		}
		facts, err := s.loadFacts(ctx, db, child)
		if err != nil {
			return err
		}
		p := planFn(cur, facts)
		switch {
		case p.put != nil:
			_, err = db.Exec(ctx, pgUpsertPending, txID, child, p.put.parent, p.put.op.String(),
				nullTime(p.put.start), nullTime(p.put.end), p.put.recorded)
		case p.drop:
			_, err = db.Exec(ctx, pgDeletePending, txID, child)
		}
		return err
	})
	return storeError(op, child, err)
}

func (s *PGStore) AddContainedBy(ctx context.Context, tx kernel.Tx, parent, child identifier.ResourceID) error {
	return s.AddContainedByAt(ctx, tx, parent, child, time.Time{}, time.Time{})
}

func (s *PGStore) AddContainedByAt(ctx context.Context, tx kernel.Tx, parent, child identifier.ResourceID, start, end time.Time) error {
	if err := validEdge(parent, child); err != nil {
		return err
	}
	p, c := parent.BaseID(), child.BaseID()
	now := s.now()
	return s.write(ctx, opAddContainedBy, tx, c, func(_ *pending, facts baselineFacts) plan {
		return planAdd(p, c, start, end, now, facts)
	})
}

func (s *PGStore) RemoveContainedBy(ctx context.Context, tx kernel.Tx, parent, child identifier.ResourceID) error {
	if err := validEdge(parent, child); err != nil {
		return err
	}
	p, c := parent.BaseID(), child.BaseID()
	now := s.now()
	return s.write(ctx, opRemoveContainedBy, tx, c, func(cur *pending, facts baselineFacts) plan {
		return planRemove(cur, p, c, now, facts)
	})
}

func (s *PGStore) RemoveResource(ctx context.Context, tx kernel.Tx, id identifier.ResourceID) error {
	if id.IsZero() {
		return ErrInvalidID
	}
	c := id.BaseID()
	now := s.now()
	return s.write(ctx, opRemoveResource, tx, c, func(cur *pending, facts baselineFacts) plan {
		return planRemoveResource(cur, c, now, facts)
	})
}

func (s *PGStore) PurgeResource(ctx context.Context, tx kernel.Tx, id identifier.ResourceID) error {
	if id.IsZero() {
		return ErrInvalidID
	}
	c := id.BaseID()
	now := s.now()
	return s.write(ctx, opPurgeResource, tx, c, func(cur *pending, facts baselineFacts) plan {
		return planPurge(cur, c, now, facts)
	})
}

// Reads

func (s *PGStore) page(op, query string, key any, txArg any) pageFunc {
	return func(ctx context.Context, after int64, limit int) (out []row, err error) {
		defer func(start time.Time) { s.observe(op, start, err) }(time.Now())
		rows, err := s.pool.Query(ctx, query, key, txArg, after, limit)
		if err != nil {
			return nil, storeError(op, "", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r row
			if err := rows.Scan(&r.seq, &r.id); err != nil {
				return nil, storeError(op, "", err)
			}
			out = append(out, r)
		}
		return out, storeError(op, "", rows.Err())
	}
}

func (s *PGStore) GetContains(ctx context.Context, tx kernel.Tx, parent identifier.ResourceID) *Sequence {
	if parent.IsZero() {
		return failedSequence(ErrInvalidID)
	}
	if parent.IsMemento() {
		at, ok := parent.MementoInstant()
		if !ok {
			return failedSequence(ErrInvalidID)
		}
		return newSequence(ctx, s.limit(), s.page(opGetContains, pgSelectContainsAt, parent.BaseID(), at))
	}
	return newSequence(ctx, s.limit(), s.page(opGetContains, pgSelectContains, parent.BaseID(), txOf(tx)))
}

func (s *PGStore) GetContainsDeleted(ctx context.Context, tx kernel.Tx, parent identifier.ResourceID) *Sequence {
	if parent.IsZero() {
		return failedSequence(ErrInvalidID)
	}
	return newSequence(ctx, s.limit(), s.page(opGetContainsDeleted, pgSelectContainsDeleted, parent.BaseID(), txOf(tx)))
}

func (s *PGStore) GetContainedBy(ctx context.Context, tx kernel.Tx, child identifier.ResourceID) (parent string, err error) {
	defer func(start time.Time) { s.observe(opGetContainedBy, start, err) }(time.Now())
	if child.IsZero() {
		return "", ErrInvalidID
	}
	c := child.BaseID()

	if txID := txOf(tx); txID != "" {
		var (
			op   string
			open bool
		)
		err := s.pool.QueryRow(ctx, pgSelectPendingParent, txID, c).Scan(&op, &parent, &open)
		switch {
		case err == nil:
			if op == opPurge.String() {
				return "", nil
			}
			return parent, nil
		case !errors.Is(err, pgx.ErrNoRows):
			return "", storeError(opGetContainedBy, c, err)
		}
	}

	err = s.pool.QueryRow(ctx, pgSelectLatestParent, c).Scan(&parent)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return parent, storeError(opGetContainedBy, c, err)
}

func (s *PGStore) GetContainerIDByPath(ctx context.Context, tx kernel.Tx, id identifier.ResourceID, checkDeleted bool) (res identifier.ResourceID, err error) {
	defer func(start time.Time) { s.observe(opGetContainerIDByPath, start, err) }(time.Now())
	return containerByPath(ctx, s, tx, id, checkDeleted)
}

func (s *PGStore) ResourceExists(ctx context.Context, tx kernel.Tx, id identifier.ResourceID, includeDeleted bool) (exists bool, err error) {
	defer func(start time.Time) { s.observe(opResourceExists, start, err) }(time.Now())
	if id.IsZero() {
		return false, ErrInvalidID
	}
	if id.IsRepositoryRoot() {
		return true, nil
	}
	c := id.BaseID()

	if txID := txOf(tx); txID != "" {
		var (
			op, parent string
			open       bool
		)
		err := s.pool.QueryRow(ctx, pgSelectPendingParent, txID, c).Scan(&op, &parent, &open)
		switch {
		case err == nil:
			switch op {
			case opAdd.String():
				return open || includeDeleted, nil
			case opRemove.String():
				return includeDeleted, nil
			default:
				return false, nil
			}
		case !errors.Is(err, pgx.ErrNoRows):
			return false, storeError(opResourceExists, c, err)
		}
	}

	err = s.pool.QueryRow(ctx, pgSelectExists, c, includeDeleted).Scan(&exists)
	return exists, storeError(opResourceExists, c, err)
}

func (s *PGStore) HasResourcesStartingWith(ctx context.Context, tx kernel.Tx, id identifier.ResourceID) (found bool, err error) {
	defer func(start time.Time) { s.observe(opHasResourcesStarting, start, err) }(time.Now())
	if id.IsZero() {
		return false, ErrInvalidID
	}
	pattern := escapeLike(id.BaseID()+"/") + "%"
	err = s.pool.QueryRow(ctx, pgSelectStartingWith, pattern, txOf(tx)).Scan(&found)
	return found, storeError(opHasResourcesStarting, id.BaseID(), err)
}

func (s *PGStore) ContainmentLastUpdated(ctx context.Context, tx kernel.Tx, id identifier.ResourceID) (updated time.Time, err error) {
	defer func(start time.Time) { s.observe(opLastUpdated, start, err) }(time.Now())
	if id.IsZero() {
		return time.Time{}, ErrInvalidID
	}
	var t *time.Time
	if err := s.pool.QueryRow(ctx, pgSelectLastUpdated, id.BaseID(), txOf(tx)).Scan(&t); err != nil {
		return time.Time{}, storeError(opLastUpdated, id.BaseID(), err)
	}
	return derefTime(t), nil
}

// Transaction lifecycle

// CommitTransaction applies the overlay of tx in one database transaction
// at a single commit instant.
func (s *PGStore) CommitTransaction(ctx context.Context, tx kernel.Tx) (err error) {
	defer func(start time.Time) { s.observe(opCommit, start, err) }(time.Now())

	txID := txOf(tx)
	if txID == "" {
		return ErrNoTransaction
	}
	at := s.now()
	err = pgx.BeginFunc(ctx, s.pool, func(db pgx.Tx) error {
		steps := []struct {
			sql  string
			args []any
		}{
			{pgCommitTouchParents, []any{txID, at}},
			{pgCommitPurge, []any{txID}},
			{pgCommitRemove, []any{txID, at}},
			{pgCommitEndMoved, []any{txID, at}},
			{pgCommitAdd, []any{txID, at}},
			{pgDeleteTransaction, []any{txID}},
		}
		for _, step := range steps {
			if _, err := db.Exec(ctx, step.sql, step.args...); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("containment commit failed", logging.TxID(txID), logging.Error(err))
		return storeError(opCommit, "", err)
	}
	s.logger.Debug("containment committed", logging.TxID(txID))
	return nil
}

func (s *PGStore) RollbackTransaction(ctx context.Context, tx kernel.Tx) (err error) {
	defer func(start time.Time) { s.observe(opRollback, start, err) }(time.Now())
	txID := txOf(tx)
	if txID == "" {
		return ErrNoTransaction
	}
	_, err = s.pool.Exec(ctx, pgDeleteTransaction, txID)
	return storeError(opRollback, "", err)
}

func (s *PGStore) ClearAllTransactions(ctx context.Context) (err error) {
	defer func(start time.Time) { s.observe(opClearAllTransactions, start, err) }(time.Now())
	_, err = s.pool.Exec(ctx, pgDeleteAllTransactions)
	return storeError(opClearAllTransactions, "", err)
}

func (s *PGStore) Reset(ctx context.Context) (err error) {
	defer func(start time.Time) { s.observe(opReset, start, err) }(time.Now())
	_, err = s.pool.Exec(ctx, pgTruncateAll)
	return storeError(opReset, "", err)
}
