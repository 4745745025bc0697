package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

// ActivitySuite is a test suite for ActivityStore operations.
type ActivitySuite struct {
	suite.Suite
	store    *Store
	activity *ActivityStore
}

func (s *ActivitySuite) SetupTest() {
	dir := s.T().TempDir()
	store, err := NewStore(StoreConfig{Path: filepath.Join(dir, "test.db")})
	s.Require().NoError(err)
	s.store = store
	s.activity = NewActivityStore(store)
}

func (s *ActivitySuite) TearDownTest() {
	if s.store != nil {
		s.store.Close()
	}
}

func TestActivitySuite(t *testing.T) {
	suite.Run(t, new(ActivitySuite))
}

func (s *ActivitySuite) TestTouchAndLoad() {
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	s.NoError(s.activity.Touch(ctx, "proj-a", "s1", now))
	s.NoError(s.activity.Touch(ctx, "proj-a", "s2", now.Add(time.Second)))

	rows, err := s.activity.LoadProject(ctx, "proj-a")
	s.Require().NoError(err)
	s.Len(rows, 2)

	// Ordered most recent first.
	s.Equal("s2", rows[0].SessionID)
	s.Equal("s1", rows[1].SessionID)
	s.Equal(now, rows[1].LastActiveAt)
}

func (s *ActivitySuite) TestTouchNeverMovesBackwards() {
	ctx := context.Background()
	later := time.Now()
	earlier := later.Add(-time.Hour)

	s.NoError(s.activity.Touch(ctx, "proj-a", "s1", later))
	s.NoError(s.activity.Touch(ctx, "proj-a", "s1", earlier))

	rows, err := s.activity.LoadProject(ctx, "proj-a")
	s.Require().NoError(err)
	s.Require().Len(rows, 1)
	s.Equal(later.UnixMilli(), rows[0].LastActiveAt.UnixMilli())
}

func (s *ActivitySuite) TestSetActive() {
	ctx := context.Background()
	now := time.Now()

	s.NoError(s.activity.SetActive(ctx, "proj-a", "s1", now))

	id, err := s.activity.ActiveSession(ctx, "proj-a")
	s.NoError(err)
	s.Equal("s1", id)

	// Switching active demotes the previous session.
	s.NoError(s.activity.SetActive(ctx, "proj-a", "s2", now.Add(time.Second)))

	id, err = s.activity.ActiveSession(ctx, "proj-a")
	s.NoError(err)
	s.Equal("s2", id)

	rows, err := s.activity.LoadProject(ctx, "proj-a")
	s.Require().NoError(err)
	active := 0
	for _, r := range rows {
		if r.IsActive {
			active++
		}
	}
	s.Equal(1, active)
}

func (s *ActivitySuite) TestActiveSessionIsolatedPerProject() {
	ctx := context.Background()
	now := time.Now()

	s.NoError(s.activity.SetActive(ctx, "proj-a", "s1", now))
	s.NoError(s.activity.SetActive(ctx, "proj-b", "s9", now))

	id, err := s.activity.ActiveSession(ctx, "proj-a")
	s.NoError(err)
	s.Equal("s1", id)

	id, err = s.activity.ActiveSession(ctx, "proj-b")
	s.NoError(err)
	s.Equal("s9", id)
}

func (s *ActivitySuite) TestClearActive() {
	ctx := context.Background()

	s.NoError(s.activity.SetActive(ctx, "proj-a", "s1", time.Now()))
	s.NoError(s.activity.ClearActive(ctx, "proj-a"))

	id, err := s.activity.ActiveSession(ctx, "proj-a")
	s.NoError(err)
	s.Empty(id)
}

func (s *ActivitySuite) TestDelete() {
	ctx := context.Background()
	now := time.Now()

	s.NoError(s.activity.SetActive(ctx, "proj-a", "s1", now))
	s.NoError(s.activity.Touch(ctx, "proj-a", "s2", now))

	s.NoError(s.activity.Delete(ctx, "proj-a", "s1"))

	// The deleted session was active; the pointer is gone with it.
	id, err := s.activity.ActiveSession(ctx, "proj-a")
	s.NoError(err)
	s.Empty(id)

	rows, err := s.activity.LoadProject(ctx, "proj-a")
	s.Require().NoError(err)
	s.Len(rows, 1)
	s.Equal("s2", rows[0].SessionID)
}

func (s *ActivitySuite) TestStmtCache() {
	stmt, err := s.store.GetStmt("SELECT 1")
	s.NoError(err)
	s.NotNil(stmt)

	stmt2, err := s.store.GetStmt("SELECT 1")
	s.NoError(err)
	s.Same(stmt, stmt2)
}
