package ledger_test

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"github.com/isph/exchange-engine/internal/ledger"
)

// storeSuite runs the same behavioural checks against every backend.
type storeSuite struct {
	suite.Suite
	newStore func(t *testing.T) ledger.Store
	st       ledger.Store
	ctx      context.Context
}

func (s *storeSuite) SetupTest() {
	s.ctx = context.Background()
	s.st = s.newStore(s.T())
}

func (s *storeSuite) TearDownTest() {
	s.NoError(s.st.Close())
}

func (s *storeSuite) TestReadMissing() {
	_, err := s.st.Read(s.ctx, "users/nobody")
	s.ErrorIs(err, ledger.ErrNotFound)
}

func (s *storeSuite) TestWriteThenRead() {
	v, err := s.st.Write(s.ctx, "users/u1", []byte(`{"user_id":"u1"}`))
	s.Require().NoError(err)
	s.Positive(v)

	n, err := s.st.Read(s.ctx, "users/u1")
	s.Require().NoError(err)
	s.JSONEq(`{"user_id":"u1"}`, string(n.Data))
	s.Equal(v, n.Version)
}

func (s *storeSuite) TestVersionsAreMonotonicAcrossPaths() {
	v1, err := s.st.Write(s.ctx, "stocks/AAA", []byte(`{}`))
	s.Require().NoError(err)
	v2, err := s.st.Write(s.ctx, "stocks/BBB", []byte(`{}`))
	s.Require().NoError(err)
	v3, err := s.st.Write(s.ctx, "stocks/AAA", []byte(`{"a":1}`))
	s.Require().NoError(err)

	s.Greater(v2, v1)
	s.Greater(v3, v2)
}

func (s *storeSuite) TestConditionalCreate() {
	v, err := s.st.ConditionalWrite(s.ctx, "users/u1", 0, []byte(`{"n":1}`))
	s.Require().NoError(err)
	s.Positive(v)

	_, err = s.st.ConditionalWrite(s.ctx, "users/u1", 0, []byte(`{"n":2}`))
	s.ErrorIs(err, ledger.ErrVersionConflict)

	n, err := s.st.Read(s.ctx, "users/u1")
	s.Require().NoError(err)
	s.JSONEq(`{"n":1}`, string(n.Data))
}

func (s *storeSuite) TestConditionalUpdateRejectsStaleVersion() {
	v1, err := s.st.Write(s.ctx, "users/u1", []byte(`{"n":1}`))
	s.Require().NoError(err)

	v2, err := s.st.ConditionalWrite(s.ctx, "users/u1", v1, []byte(`{"n":2}`))
	s.Require().NoError(err)
	s.Greater(v2, v1)

	_, err = s.st.ConditionalWrite(s.ctx, "users/u1", v1, []byte(`{"n":3}`))
	s.ErrorIs(err, ledger.ErrVersionConflict)

	n, err := s.st.Read(s.ctx, "users/u1")
	s.Require().NoError(err)
	s.JSONEq(`{"n":2}`, string(n.Data))
	s.Equal(v2, n.Version)
}

func (s *storeSuite) TestConditionalDeleteAndRecreate() {
	v1, err := s.st.Write(s.ctx, "portfolios/u1/XYZ", []byte(`{"quantity":3}`))
	s.Require().NoError(err)

	_, err = s.st.ConditionalWrite(s.ctx, "portfolios/u1/XYZ", v1+1000, nil)
	s.ErrorIs(err, ledger.ErrVersionConflict)

	v, err := s.st.ConditionalWrite(s.ctx, "portfolios/u1/XYZ", v1, nil)
	s.Require().NoError(err)
	s.Zero(v)

	_, err = s.st.Read(s.ctx, "portfolios/u1/XYZ")
	s.ErrorIs(err, ledger.ErrNotFound)

	// A recreated node never reuses a version it had before.
	v2, err := s.st.ConditionalWrite(s.ctx, "portfolios/u1/XYZ", 0, []byte(`{"quantity":1}`))
	s.Require().NoError(err)
	s.Greater(v2, v1)
}

func (s *storeSuite) TestConditionalDeleteOfAbsentNode() {
	_, err := s.st.ConditionalWrite(s.ctx, "portfolios/u1/NONE", 0, nil)
	s.NoError(err)

	_, err = s.st.Write(s.ctx, "portfolios/u1/SOME", []byte(`{}`))
	s.Require().NoError(err)
	_, err = s.st.ConditionalWrite(s.ctx, "portfolios/u1/SOME", 0, nil)
	s.ErrorIs(err, ledger.ErrVersionConflict)
}

func (s *storeSuite) TestAppendGeneratesDistinctIDs() {
	id1, err := s.st.Append(s.ctx, "transactions", []byte(`{"n":1}`))
	s.Require().NoError(err)
	id2, err := s.st.Append(s.ctx, "transactions", []byte(`{"n":2}`))
	s.Require().NoError(err)

	s.NotEmpty(id1)
	s.NotEqual(id1, id2)

	n, err := s.st.Read(s.ctx, "transactions/"+id1)
	s.Require().NoError(err)
	s.JSONEq(`{"n":1}`, string(n.Data))
}

func (s *storeSuite) TestListMatchesWholeSegments() {
	for _, p := range []string{"portfolios/u1/BBB", "portfolios/u1/AAA", "portfolios/u10/CCC", "users/u1"} {
		_, err := s.st.Write(s.ctx, p, []byte(`{}`))
		s.Require().NoError(err)
	}

	entries, err := s.st.List(s.ctx, "portfolios/u1")
	s.Require().NoError(err)
	s.Require().Len(entries, 2)
	s.Equal("portfolios/u1/AAA", entries[0].Path)
	s.Equal("portfolios/u1/BBB", entries[1].Path)
	s.Equal("AAA", ledger.Base(entries[0].Path))

	entries, err = s.st.List(s.ctx, "portfolios/none")
	s.Require().NoError(err)
	s.Empty(entries)
}

func (s *storeSuite) TestConcurrentConditionalWritesHaveOneWinner() {
	v, err := s.st.Write(s.ctx, "stocks/XYZ", []byte(`{"volume_available":1}`))
	s.Require().NoError(err)

	const writers = 8
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.st.ConditionalWrite(s.ctx, "stocks/XYZ", v, []byte(`{"volume_available":0}`)); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), wins.Load())
}

func TestMemoryStore(t *testing.T) {
	suite.Run(t, &storeSuite{newStore: func(*testing.T) ledger.Store {
		return ledger.NewMemoryStore()
	}})
}

func TestRedisStore(t *testing.T) {
	suite.Run(t, &storeSuite{newStore: func(t *testing.T) ledger.Store {
		mr := miniredis.RunT(t)
		return ledger.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test")
	}})
}

// TestPostgresStore needs a disposable database in TEST_DATABASE_URL.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	suite.Run(t, &storeSuite{newStore: func(t *testing.T) ledger.Store {
		ctx := context.Background()
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
		st := ledger.NewPostgresStore(pool)
		if err := st.EnsureSchema(ctx); err != nil {
			t.Fatalf("schema: %v", err)
		}
		if _, err := pool.Exec(ctx, `TRUNCATE ledger_nodes`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return st
	}})
}
