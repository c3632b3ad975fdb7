package idempotency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBeginAction_FirstSightIsNew(t *testing.T) {
	cache := New()
	out, err := cache.BeginAction(context.Background(), "req-1", "AA:BB")
	require.NoError(t, err)
	require.True(t, out.New)
	require.False(t, out.AlreadyPending)
}

func TestBeginAction_SecondCallBeforeCompletionIsPending(t *testing.T) {
	cache := New()
	ctx := context.Background()

	_, err := cache.BeginAction(ctx, "req-1", "AA:BB")
	require.NoError(t, err)

	out, err := cache.BeginAction(ctx, "req-1", "AA:BB")
	require.NoError(t, err)
	require.False(t, out.New)
	require.True(t, out.AlreadyPending)
}

func TestBeginAction_AfterCompletionReplaysStoredOutcome(t *testing.T) {
	cache := New()
	ctx := context.Background()

	_, err := cache.BeginAction(ctx, "req-1", "AA:BB")
	require.NoError(t, err)

	body := []byte(`{"tx":{"id":7}}`)
	require.NoError(t, cache.CompleteAction(ctx, "req-1", "AA:BB", body, 201))

	out, err := cache.BeginAction(ctx, "req-1", "AA:BB")
	require.NoError(t, err)
	require.False(t, out.New)
	require.False(t, out.AlreadyPending)
	require.Equal(t, body, out.Body)
	require.Equal(t, 201, out.StatusCode)
}

func TestCompleteAction_RepeatedCompletionIsNoOp(t *testing.T) {
	cache := New()
	ctx := context.Background()

	_, err := cache.BeginAction(ctx, "req-1", "AA:BB")
	require.NoError(t, err)

	first := []byte(`{"ok":true}`)
	require.NoError(t, cache.CompleteAction(ctx, "req-1", "AA:BB", first, 200))
	require.NoError(t, cache.CompleteAction(ctx, "req-1", "AA:BB", []byte(`{"ok":false}`), 500))

	out, err := cache.BeginAction(ctx, "req-1", "AA:BB")
	require.NoError(t, err)
	require.Equal(t, first, out.Body)
	require.Equal(t, 200, out.StatusCode)
}

func TestBeginAction_ConcurrentFirstSightHasOneWinner(t *testing.T) {
	cache := New()
	ctx := context.Background()

	const racers = 16
	var wg sync.WaitGroup
	outcomes := make([]Outcome, racers)
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = cache.BeginAction(ctx, "req-1", "AA:BB")
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := 0; i < racers; i++ {
		require.NoError(t, errs[i])
		if outcomes[i].New {
			winners++
		} else {
			require.True(t, outcomes[i].AlreadyPending)
		}
	}
	require.Equal(t, 1, winners, "exactly one racer may execute the action")
}

func TestPrune_DropsOldRecordsOnly(t *testing.T) {
	store := NewMemStore()
	cache := New(WithStore(store), WithExpiry(time.Hour))
	ctx := context.Background()

	_, err := cache.BeginAction(ctx, "req-old", "AA:BB")
	require.NoError(t, err)
	_, err = cache.BeginAction(ctx, "req-new", "AA:BB")
	require.NoError(t, err)

	store.mu.Lock()
	store.records["req-old"].CreatedAt = time.Now().Add(-2 * time.Hour)
	store.mu.Unlock()

	n, err := cache.Prune(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	// the pruned id is treated as unseen again
	out, err := cache.BeginAction(ctx, "req-old", "AA:BB")
	require.NoError(t, err)
	require.True(t, out.New)

	out, err = cache.BeginAction(ctx, "req-new", "AA:BB")
	require.NoError(t, err)
	require.True(t, out.AlreadyPending)
}
