package store

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/recstore/internal/backend"
	"github.com/roach88/recstore/internal/digest"
	"github.com/roach88/recstore/internal/fault"
	"github.com/roach88/recstore/internal/pool"
	"github.com/roach88/recstore/internal/telemetry"
	"github.com/roach88/recstore/internal/txn"
)

// Defaults applied when Options leaves a field zero.
const (
	DefaultMaxContentSize   = 16 << 20
	DefaultOperationTimeout = 30 * time.Second
)

// MaxListLimit bounds ListQuery.Limit and PageQuery.PageSize.
const MaxListLimit = 1000

// Options configures a Store.
type Options struct {
	// Clock supplies claim times. Defaults to SystemClock.
	Clock Clock

	// MaxContentSize is the largest accepted content, in bytes.
	MaxContentSize int

	// OperationTimeout bounds each operation, pool wait included.
	OperationTimeout time.Duration

	// Logger receives collision warnings. If nil, a no-op logger is used.
	Logger *slog.Logger

	// Metrics records write outcomes and collisions. May be nil.
	Metrics *telemetry.Metrics
}

// Store is the record store. Safe for concurrent use.
type Store struct {
	engine  backend.Engine
	pool    *pool.Pool
	txns    *txn.Manager
	digests *digest.Service

	clock      Clock
	maxContent int
	timeout    time.Duration
	logger     *slog.Logger
	metrics    *telemetry.Metrics
}

// New creates a Store over a migrated database reachable through p.
func New(p *pool.Pool, txns *txn.Manager, digests *digest.Service, opts Options) *Store {
	s := &Store{
		engine:     p.Engine(),
		pool:       p,
		txns:       txns,
		digests:    digests,
		clock:      opts.Clock,
		maxContent: opts.MaxContentSize,
		timeout:    opts.OperationTimeout,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
	}
	if s.clock == nil {
		s.clock = SystemClock{}
	}
	if s.maxContent <= 0 {
		s.maxContent = DefaultMaxContentSize
	}
	if s.timeout <= 0 {
		s.timeout = DefaultOperationTimeout
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	return s
}

// Digests returns the digest service assigning record digests.
func (s *Store) Digests() *digest.Service {
	return s.digests
}

// Stats reports the connection pool counters of the store.
func (s *Store) Stats() pool.Stats {
	return s.pool.Stats()
}

// NewRecord builds a record for content: its digest under the active
// algorithm and a claim time from the store's clock. Nothing is written.
func (s *Store) NewRecord(content []byte) (Record, error) {
	p, err := s.newPending(content)
	if err != nil {
		return Record{}, err
	}
	return p.rec, nil
}

func (s *Store) newPending(content []byte) (pending, error) {
	if err := s.checkContent("create", content); err != nil {
		return pending{}, err
	}
	d, alg := s.digests.Compute(content)
	return pending{
		rec: Record{
			Digest:    d,
			Content:   bytes.Clone(content),
			ClaimedAt: normalizeTime(s.clock.Now()),
		},
		alg: alg,
	}, nil
}

func (s *Store) checkContent(op string, content []byte) error {
	if problem := s.contentProblem(content); problem != "" {
		return fault.Validation(op, "%s", problem)
	}
	return nil
}

func (s *Store) contentProblem(content []byte) string {
	if len(content) == 0 {
		return "content is empty"
	}
	if len(content) > s.maxContent {
		return fmt.Sprintf("content is %d bytes, limit is %d", len(content), s.maxContent)
	}
	return ""
}

func (s *Store) checkDigest(op, d string) (string, error) {
	norm, err := s.digests.Registry().ValidDigest(d)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return norm, nil
}

// withTimeout applies the per-operation timeout to ctx.
func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// observer is implemented by pooled connections and scopes. Errors surfaced
// after a query returns (Scan, Rows.Err) are reported through it so a
// failing connection is discarded.
type observer interface {
	Observe(err error)
}

func observe(q backend.Querier, err error) {
	if o, ok := q.(observer); ok {
		o.Observe(err)
	}
}
