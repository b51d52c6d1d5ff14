package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/flowguard/testutil"
	"github.com/BaSui01/flowguard/types"
)

// storeFactories builds each backend fresh per test so the whole contract
// suite runs against every implementation.
func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"file": func(t *testing.T) Store {
			store, err := NewFileStore(t.TempDir())
			require.NoError(t, err)
			return store
		},
		"redis": func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return NewRedisStoreWithClient(client, "test:ckpt:")
		},
		"gorm": func(t *testing.T) Store {
			db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
				Logger: gormlogger.Default.LogMode(gormlogger.Silent),
			})
			require.NoError(t, err)
			store, err := NewGormStoreWithDB(db)
			require.NoError(t, err)
			return store
		},
	}
}

func TestStoreContract(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("save and load round-trip", func(t *testing.T) {
				store := newStore(t)
				ctx := testutil.TestContext(t)

				cp := NewCheckpoint("wf-1", "run-1", "step-b",
					[]string{"step-a", "step-b"},
					map[string]any{"step-a": map[string]any{"rows": "42"}})

				id, err := store.Save(ctx, cp)
				require.NoError(t, err)
				require.Equal(t, cp.ID, id)

				got, err := store.Load(ctx, id)
				require.NoError(t, err)
				assert.Equal(t, cp.WorkflowID, got.WorkflowID)
				assert.Equal(t, cp.RunID, got.RunID)
				assert.Equal(t, cp.CurrentStep, got.CurrentStep)
				assert.ElementsMatch(t, cp.CompletedSteps, got.CompletedSteps)
			})

			t.Run("replayed save is idempotent", func(t *testing.T) {
				store := newStore(t)
				ctx := testutil.TestContext(t)

				cp := NewCheckpoint("wf-1", "run-1", "step-a", []string{"step-a"}, nil)
				_, err := store.Save(ctx, cp)
				require.NoError(t, err)

				// Replaying the identical record, as crash recovery does,
				// must not duplicate it or fail.
				_, err = store.Save(ctx, cp)
				require.NoError(t, err)

				all, err := store.List(ctx, "wf-1")
				require.NoError(t, err)
				assert.Len(t, all, 1)
			})

			t.Run("load latest picks highest timestamp", func(t *testing.T) {
				store := newStore(t)
				ctx := testutil.TestContext(t)

				base := time.Now().Add(-time.Hour).Truncate(time.Second)
				var last string
				for i := 0; i < 3; i++ {
					cp := NewCheckpoint("wf-2", "run-1", fmt.Sprintf("step-%d", i), nil, nil)
					cp.Timestamp = base.Add(time.Duration(i) * time.Minute)
					_, err := store.Save(ctx, cp)
					require.NoError(t, err)
					last = cp.CurrentStep
				}

				got, err := store.LoadLatest(ctx, "wf-2")
				require.NoError(t, err)
				assert.Equal(t, last, got.CurrentStep)
			})

			t.Run("list is ordered oldest first", func(t *testing.T) {
				store := newStore(t)
				ctx := testutil.TestContext(t)

				base := time.Now().Add(-time.Hour).Truncate(time.Second)
				for i := 0; i < 3; i++ {
					cp := NewCheckpoint("wf-3", "run-1", fmt.Sprintf("step-%d", i), nil, nil)
					cp.Timestamp = base.Add(time.Duration(i) * time.Minute)
					_, err := store.Save(ctx, cp)
					require.NoError(t, err)
				}

				all, err := store.List(ctx, "wf-3")
				require.NoError(t, err)
				require.Len(t, all, 3)
				for i := 0; i < 3; i++ {
					assert.Equal(t, fmt.Sprintf("step-%d", i), all[i].CurrentStep)
				}
			})

			t.Run("delete removes the record", func(t *testing.T) {
				store := newStore(t)
				ctx := testutil.TestContext(t)

				cp := NewCheckpoint("wf-4", "run-1", "step-a", nil, nil)
				id, err := store.Save(ctx, cp)
				require.NoError(t, err)

				require.NoError(t, store.Delete(ctx, id))

				_, err = store.Load(ctx, id)
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("missing lookups return not found", func(t *testing.T) {
				store := newStore(t)
				ctx := testutil.TestContext(t)

				_, err := store.Load(ctx, "ckpt_missing")
				assert.ErrorIs(t, err, ErrNotFound)

				_, err = store.LoadLatest(ctx, "wf-none")
				assert.ErrorIs(t, err, ErrNotFound)

				// An absent checkpoint is a definitive answer, not a failure
				// the engine's taxonomy should classify.
				var classified *types.Error
				assert.False(t, errors.As(err, &classified))
			})

			t.Run("workflows are isolated", func(t *testing.T) {
				store := newStore(t)
				ctx := testutil.TestContext(t)

				_, err := store.Save(ctx, NewCheckpoint("wf-a", "run-1", "s1", nil, nil))
				require.NoError(t, err)
				_, err = store.Save(ctx, NewCheckpoint("wf-b", "run-1", "s1", nil, nil))
				require.NoError(t, err)

				all, err := store.List(ctx, "wf-a")
				require.NoError(t, err)
				assert.Len(t, all, 1)
				assert.Equal(t, "wf-a", all[0].WorkflowID)
			})
		})
	}
}

func TestNewStore_BackendSelection(t *testing.T) {
	ctx := context.Background()

	store, err := NewStore(StoreConfig{})
	require.NoError(t, err)
	_, ok := store.(*MemoryStore)
	assert.True(t, ok, "empty backend defaults to memory")

	store, err = NewStore(StoreConfig{Backend: "file", Dir: t.TempDir()})
	require.NoError(t, err)
	_, err = store.Save(ctx, NewCheckpoint("wf", "run", "s", nil, nil))
	assert.NoError(t, err)

	_, err = NewStore(StoreConfig{Backend: "bogus"})
	assert.Error(t, err)
}

func TestNewCheckpoint_CopiesInputs(t *testing.T) {
	completed := []string{"a"}
	state := map[string]any{"k": "v"}

	cp := NewCheckpoint("wf", "run", "a", completed, state)

	completed[0] = "mutated"
	state["k"] = "mutated"

	assert.Equal(t, []string{"a"}, cp.CompletedSteps)
	assert.Equal(t, "v", cp.State["k"])
}
