package store

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/recstore/internal/backend"
	"github.com/roach88/recstore/internal/digest"
	"github.com/roach88/recstore/internal/pool"
	"github.com/roach88/recstore/internal/testutil"
	"github.com/roach88/recstore/internal/txn"
)

// Test algorithms with a one-byte output, so collisions are cheap to find.
const (
	tiny  digest.Algorithm = "tiny"
	tiny2 digest.Algorithm = "tiny2"
)

type testStoreConfig struct {
	service *digest.Service
	clock   Clock
	opts    Options
}

type testStoreOption func(*testStoreConfig)

func withService(s *digest.Service) testStoreOption {
	return func(c *testStoreConfig) { c.service = s }
}

func withClock(clock Clock) testStoreOption {
	return func(c *testStoreConfig) { c.clock = clock }
}

func withMaxContentSize(n int) testStoreOption {
	return func(c *testStoreConfig) { c.opts.MaxContentSize = n }
}

// createTestStore creates a store over a fresh SQLite database. The default
// digest service is sha256 and the default clock steps one second from
// testutil.Epoch.
func createTestStore(t *testing.T, opts ...testStoreOption) *Store {
	t.Helper()
	cfg := testStoreConfig{clock: testutil.NewStepClock(time.Time{}, time.Second)}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.service == nil {
		svc, err := digest.NewService(digest.SHA256, digest.WithRegistry(digest.NewRegistry()))
		require.NoError(t, err)
		cfg.service = svc
	}

	ctx := context.Background()
	e := backend.SQLite{}
	db, err := e.Open(ctx, e.DSN(filepath.Join(t.TempDir(), "test.db")))
	require.NoError(t, err)
	require.NoError(t, e.Migrate(ctx, db))

	p, err := pool.New(db, e, pool.Config{Size: 2, AcquireTimeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() {
		p.Close()
		db.Close()
	})

	cfg.opts.Clock = cfg.clock
	return New(p, txn.NewManager(p, nil), cfg.service, cfg.opts)
}

// tinyRegistry returns a registry holding the built-ins plus tiny and tiny2.
func tinyRegistry(t *testing.T) *digest.Registry {
	t.Helper()
	r := digest.NewRegistry()
	require.NoError(t, r.Register(digest.Definition{Name: tiny, Size: 1, Strength: 1, New: md5.New}))
	require.NoError(t, r.Register(digest.Definition{Name: tiny2, Size: 1, Strength: 2, New: sha1.New}))
	return r
}

// tinyService returns a service starting at tiny with ladder.
func tinyService(t *testing.T, r *digest.Registry, ladder []digest.Algorithm, opts ...digest.ServiceOption) *digest.Service {
	t.Helper()
	opts = append([]digest.ServiceOption{digest.WithRegistry(r), digest.WithLadder(ladder...)}, opts...)
	svc, err := digest.NewService(tiny, opts...)
	require.NoError(t, err)
	return svc
}

func mustCompute(t *testing.T, r *digest.Registry, content []byte, alg digest.Algorithm) string {
	t.Helper()
	d, err := r.Compute(content, alg)
	require.NoError(t, err)
	return d
}

// findContent returns the first "<prefix>-<n>" content accepted by match.
func findContent(t *testing.T, prefix string, match func([]byte) bool) []byte {
	t.Helper()
	for i := 0; i < 1<<20; i++ {
		c := []byte(fmt.Sprintf("%s-%d", prefix, i))
		if match(c) {
			return c
		}
	}
	t.Fatalf("no content found for %s", prefix)
	return nil
}

// findCollision returns content different from base with the same digest
// under alg.
func findCollision(t *testing.T, r *digest.Registry, alg digest.Algorithm, base []byte) []byte {
	t.Helper()
	want := mustCompute(t, r, base, alg)
	return findContent(t, "collide", func(c []byte) bool {
		return string(c) != string(base) && mustCompute(t, r, c, alg) == want
	})
}

func timePtr(t time.Time) *time.Time { return &t }

func digestsOf(records []Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Digest
	}
	return out
}
