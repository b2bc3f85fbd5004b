package proc

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/boltdb/bolt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"showfeed/internal/app/showfeed/show"
)

func newTestStores(t *testing.T) map[string]EpisodeStore {
	t.Helper()
	dir := t.TempDir()

	db, err := bolt.Open(filepath.Join(dir, "test.bdb"), 0o600, &bolt.Options{Timeout: time.Second})
	require.NoError(t, err)

	sq, err := NewSQLite(context.Background(), filepath.Join(dir, "test.sqlite"))
	require.NoError(t, err)

	stores := map[string]EpisodeStore{"bolt": &BoltDB{DB: db}, "sqlite": sq}
	t.Cleanup(func() {
		for _, s := range stores {
			_ = s.Close()
		}
	})
	return stores
}

func desc(name string, season, episode int) show.Descriptor {
	return show.Descriptor{Show: name, Season: season, Episode: episode, Tags: []string{"x264"}}
}

func TestStore_Admit(t *testing.T) {
	for engine, store := range newTestStores(t) {
		t.Run(engine, func(t *testing.T) {
			ctx := context.Background()

			ep, ok, err := store.Admit(ctx, desc("arrow", 3, 9), "Arrow.S03E09.x264", "http://example.com/1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "arrow", ep.Show)
			assert.Equal(t, 3, ep.Season)
			assert.Equal(t, 9, ep.Episode)
			assert.Equal(t, "Arrow.S03E09.x264", ep.Title)
			assert.Equal(t, "http://example.com/1", ep.Link)
			assert.NotZero(t, ep.ID)

			// same position
			_, ok, err = store.Admit(ctx, desc("arrow", 3, 9), "Arrow.S03E09.720p", "http://example.com/2")
			require.NoError(t, err)
			assert.False(t, ok)

			// older
			_, ok, err = store.Admit(ctx, desc("arrow", 3, 8), "Arrow.S03E08", "http://example.com/3")
			require.NoError(t, err)
			assert.False(t, ok)
			_, ok, err = store.Admit(ctx, desc("arrow", 2, 23), "Arrow.S02E23", "http://example.com/4")
			require.NoError(t, err)
			assert.False(t, ok)

			// next season resets episode order
			next, ok, err := store.Admit(ctx, desc("arrow", 4, 1), "Arrow.S04E01", "http://example.com/5")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Greater(t, next.ID, ep.ID)

			// unknown show is always new
			_, ok, err = store.Admit(ctx, desc("flash", 1, 1), "Flash.S01E01", "http://example.com/6")
			require.NoError(t, err)
			assert.True(t, ok)

			shows, err := store.Shows(ctx)
			require.NoError(t, err)
			require.Len(t, shows, 2)
			assert.Equal(t, "arrow", shows[0].Name)
			assert.Equal(t, show.Position{Season: 4, Episode: 1}, shows[0].Position())
			assert.Equal(t, "flash", shows[1].Name)
		})
	}
}

func TestStore_AdmitConcurrent(t *testing.T) {
	for engine, store := range newTestStores(t) {
		t.Run(engine, func(t *testing.T) {
			ctx := context.Background()
			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				admitted int
			)
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, ok, err := store.Admit(ctx, desc("arrow", 3, 9), fmt.Sprintf("Arrow.S03E09.%d", i), "http://example.com")
					assert.NoError(t, err)
					if ok {
						mu.Lock()
						admitted++
						mu.Unlock()
					}
				}(i)
			}
			wg.Wait()

			assert.Equal(t, 1, admitted)
			recent, err := store.Recent(ctx, 100)
			require.NoError(t, err)
			assert.Len(t, recent, 1)
		})
	}
}

func TestStore_Recent(t *testing.T) {
	for engine, store := range newTestStores(t) {
		t.Run(engine, func(t *testing.T) {
			ctx := context.Background()

			recent, err := store.Recent(ctx, 10)
			require.NoError(t, err)
			assert.Empty(t, recent)

			for i := 1; i <= 5; i++ {
				_, ok, err := store.Admit(ctx, desc("arrow", 1, i), fmt.Sprintf("Arrow.S01E%02d", i), "http://example.com")
				require.NoError(t, err)
				require.True(t, ok)
			}

			recent, err = store.Recent(ctx, 3)
			require.NoError(t, err)
			require.Len(t, recent, 3)
			assert.Equal(t, 5, recent[0].Episode)
			assert.Equal(t, 4, recent[1].Episode)
			assert.Equal(t, 3, recent[2].Episode)

			recent, err = store.Recent(ctx, 10)
			require.NoError(t, err)
			assert.Len(t, recent, 5)
		})
	}
}

func TestStore_Episode(t *testing.T) {
	for engine, store := range newTestStores(t) {
		t.Run(engine, func(t *testing.T) {
			ctx := context.Background()

			ep, err := store.Episode(ctx, 42)
			require.NoError(t, err)
			assert.Nil(t, ep)

			added, ok, err := store.Admit(ctx, desc("arrow", 1, 1), "Arrow.S01E01", "http://example.com/a")
			require.NoError(t, err)
			require.True(t, ok)

			ep, err = store.Episode(ctx, added.ID)
			require.NoError(t, err)
			require.NotNil(t, ep)
			assert.Equal(t, added.ID, ep.ID)
			assert.Equal(t, "http://example.com/a", ep.Link)
			assert.Equal(t, "arrow S01E01", ep.Summary())

			ep, err = store.Episode(ctx, added.ID+1)
			require.NoError(t, err)
			assert.Nil(t, ep)
		})
	}
}

func TestStore_Seed(t *testing.T) {
	for engine, store := range newTestStores(t) {
		t.Run(engine, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, store.Seed(ctx, "  The   Flash ", show.Position{Season: 2, Episode: 5}))
			require.NoError(t, store.Seed(ctx, "the flash", show.Position{Season: 1, Episode: 9}))

			shows, err := store.Shows(ctx)
			require.NoError(t, err)
			require.Len(t, shows, 1)
			assert.Equal(t, "the flash", shows[0].Name)
			assert.Equal(t, show.Position{Season: 2, Episode: 5}, shows[0].Position())

			_, ok, err := store.Admit(ctx, desc("the flash", 2, 5), "The.Flash.S02E05", "http://example.com")
			require.NoError(t, err)
			assert.False(t, ok)
			_, ok, err = store.Admit(ctx, desc("the flash", 2, 6), "The.Flash.S02E06", "http://example.com")
			require.NoError(t, err)
			assert.True(t, ok)

			// seeding never creates episodes
			recent, err := store.Recent(ctx, 10)
			require.NoError(t, err)
			assert.Len(t, recent, 1)
		})
	}
}

func TestSQLite_ReadDuringAdmission(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLite(ctx, filepath.Join(t.TempDir(), "test.sqlite"))
	require.NoError(t, err)
	defer s.Close()

	_, ok, err := s.Admit(ctx, desc("arrow", 1, 1), "Arrow.S01E01", "http://example.com/1")
	require.NoError(t, err)
	require.True(t, ok)

	// keep a write transaction open the way Admit does
	s.mu.Lock()
	tx, err := s.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = tx.ExecContext(ctx, advanceShow, "arrow", 1, 2, time.Now().UTC())
	require.NoError(t, err)

	readCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	recent, err := s.Recent(readCtx, 10)
	require.NoError(t, err, "reads don't wait for admission")
	assert.Len(t, recent, 1)
	ep, err := s.Episode(readCtx, recent[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "Arrow.S01E01", ep.Title)
	shows, err := s.Shows(readCtx)
	require.NoError(t, err)
	require.Len(t, shows, 1)
	assert.Equal(t, 1, shows[0].LastEpisode, "uncommitted position is not visible")

	require.NoError(t, tx.Rollback())
	s.mu.Unlock()
}
