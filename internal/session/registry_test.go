package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsmanai/helmsman/internal/database"
	"github.com/helmsmanai/helmsman/internal/domain"
	"github.com/helmsmanai/helmsman/internal/events"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(database.Config{
		Path: fmt.Sprintf("file:session_%s?mode=memory&cache=shared", t.Name()),
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestRegistry(t *testing.T, maxConcurrent int, ttl time.Duration) *Registry {
	t.Helper()
	store := NewStore(newTestDB(t))
	return NewRegistry(maxConcurrent, ttl, events.NewBus(zerolog.Nop()), store, zerolog.Nop())
}

func TestRegisterDuplicateRejected(t *testing.T) {
	r := newTestRegistry(t, 3, time.Hour)

	s, err := r.Register("s1", domain.KrEquity("005930"), "Samsung")
	require.NoError(t, err)
	assert.Equal(t, "s1", s.ThreadID, "thread id defaults to the session id")

	_, err = r.Register("s1", domain.KrEquity("005930"), "Samsung")
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestRegisterValidatesInstrument(t *testing.T) {
	r := newTestRegistry(t, 3, time.Hour)

	_, err := r.Register("s1", domain.KrEquity("93"), "bad code")
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestSlotAdmission(t *testing.T) {
	r := newTestRegistry(t, 2, time.Hour)
	ctx := context.Background()

	require.True(t, r.AcquireSlot(ctx, 0))
	require.True(t, r.AcquireSlot(ctx, 0))
	assert.Equal(t, 2, r.ActiveSlots())

	// Zero timeout never blocks.
	assert.False(t, r.AcquireSlot(ctx, 0))

	// A positive timeout waits, then gives up.
	start := time.Now()
	assert.False(t, r.AcquireSlot(ctx, 50*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	r.ReleaseSlot()
	assert.True(t, r.AcquireSlot(ctx, 0))
}

func TestSlotAcquireHonorsContext(t *testing.T) {
	r := newTestRegistry(t, 1, time.Hour)
	require.True(t, r.AcquireSlot(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	assert.False(t, r.AcquireSlot(ctx, time.Minute))
}

func TestUpdateStatusAndGet(t *testing.T) {
	r := newTestRegistry(t, 3, time.Hour)
	s, err := r.Register("s1", domain.Crypto("KRW-BTC"), "Bitcoin")
	require.NoError(t, err)
	require.Equal(t, domain.SessionRunning, s.Status)

	require.NoError(t, r.UpdateStatus("s1", domain.SessionAwaitingApproval, ""))
	got, ok := r.Get("s1")
	require.True(t, ok)
	assert.Equal(t, domain.SessionAwaitingApproval, got.Status)

	// Get hands out copies; mutating one must not leak back.
	got.Status = domain.SessionError
	again, _ := r.Get("s1")
	assert.Equal(t, domain.SessionAwaitingApproval, again.Status)

	require.Error(t, r.UpdateStatus("nope", domain.SessionCompleted, ""))
}

func TestListFilterAndOrder(t *testing.T) {
	r := newTestRegistry(t, 3, time.Hour)
	for i, code := range []string{"005930", "000660", "035420"} {
		_, err := r.Register(fmt.Sprintf("s%d", i), domain.KrEquity(code), code)
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond) // distinct created_at ordering
	}
	require.NoError(t, r.UpdateStatus("s1", domain.SessionCompleted, ""))

	all := r.List("", 0)
	require.Len(t, all, 3)
	assert.Equal(t, "s2", all[0].ID, "newest first")

	completed := r.List(domain.SessionCompleted, 0)
	require.Len(t, completed, 1)
	assert.Equal(t, "s1", completed[0].ID)

	capped := r.List("", 2)
	assert.Len(t, capped, 2)
}

func TestCleanupExpiredRemovesOnlyStaleTerminal(t *testing.T) {
	r := newTestRegistry(t, 3, 50*time.Millisecond)
	_, err := r.Register("done", domain.KrEquity("005930"), "")
	require.NoError(t, err)
	_, err = r.Register("live", domain.KrEquity("000660"), "")
	require.NoError(t, err)

	require.NoError(t, r.UpdateStatus("done", domain.SessionCompleted, ""))
	time.Sleep(80 * time.Millisecond)

	removed := r.CleanupExpired()
	require.Len(t, removed, 1)
	assert.Equal(t, "done", removed[0].ID)
	assert.Equal(t, removed[0].ID, removed[0].ThreadID, "removed copies carry the thread id for pruning")

	_, ok := r.Get("done")
	assert.False(t, ok)
	_, ok = r.Get("live")
	assert.True(t, ok, "non-terminal sessions survive regardless of age")
}

func TestStoreRoundTrip(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	sess := &domain.Session{
		ID:         "s1",
		ThreadID:   "t1",
		Instrument: domain.KrEquity("005930"),
		MarketType: domain.MarketKR,
		Status:     domain.SessionAwaitingApproval,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	require.NoError(t, store.Upsert(ctx, sess))

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "t1", got.ThreadID)
	assert.Equal(t, domain.KrEquity("005930"), got.Instrument)

	interrupted, err := store.ListInterrupted(ctx)
	require.NoError(t, err)
	require.Len(t, interrupted, 1)

	// Transitioning to a terminal status drops it from the interrupted list.
	sess.Status = domain.SessionCompleted
	require.NoError(t, store.Upsert(ctx, sess))
	interrupted, err = store.ListInterrupted(ctx)
	require.NoError(t, err)
	assert.Empty(t, interrupted)

	missing, err := store.Get(ctx, "absent")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
