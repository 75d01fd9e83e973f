package dquot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestGet_ColdCacheLoadsOnce(t *testing.T) {
	env := newTestEnv(t)
	env.user.readWait = 20 * time.Millisecond
	ctx := context.Background()

	var got [2]*Dquot
	var g errgroup.Group
	for i := range got {
		g.Go(func() error {
			d, err := env.cache.get(ctx, env.fs, UserQuota, 42)
			got[i] = d
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Same(t, got[0], got[1])
	reads, _, _ := env.user.counts()
	assert.Equal(t, 1, reads)
	assert.Equal(t, 2, env.cache.snapshot(got[0]).Refs)
	assert.Len(t, env.fs.Records(UserQuota), 1)

	env.cache.put(ctx, got[0])
	env.cache.put(ctx, got[1])
}

func TestGet_HashUniqueness(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var g errgroup.Group
	dquots := make([]*Dquot, 16)
	for i := range dquots {
		g.Go(func() error {
			d, err := env.cache.get(ctx, env.fs, UserQuota, uint32(i%4))
			dquots[i] = d
			return err
		})
	}
	require.NoError(t, g.Wait())

	seen := map[Key]*Dquot{}
	for _, d := range dquots {
		if prev, ok := seen[d.Key()]; ok {
			assert.Same(t, prev, d)
		}
		seen[d.Key()] = d
	}
	assert.Len(t, env.fs.Records(UserQuota), 4)
	assert.Equal(t, uint64(4), env.cache.Stats().Allocated)

	for _, d := range dquots {
		env.cache.put(ctx, d)
	}
}

func TestPut_FreeQueueTracksRefcount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	d, err := env.cache.get(ctx, env.fs, UserQuota, 7)
	require.NoError(t, err)
	assert.Nil(t, d.freeElem)
	assert.Equal(t, uint64(0), env.cache.Stats().Free)

	env.cache.put(ctx, d)
	assert.Equal(t, 0, env.cache.snapshot(d).Refs)
	assert.NotNil(t, d.freeElem)
	assert.Equal(t, uint64(1), env.cache.Stats().Free)

	again, err := env.cache.get(ctx, env.fs, UserQuota, 7)
	require.NoError(t, err)
	assert.Same(t, d, again)
	assert.Nil(t, again.freeElem)
	assert.Equal(t, uint64(0), env.cache.Stats().Free)
	assert.Equal(t, uint64(1), env.cache.Stats().CacheHits)
	env.cache.put(ctx, again)
}

func TestPut_UnreferencedPanics(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	d, err := env.cache.get(ctx, env.fs, UserQuota, 7)
	require.NoError(t, err)
	env.cache.put(ctx, d)
	assert.Panics(t, func() { env.cache.put(ctx, d) })
}

func TestDestroy_ReferencedPanics(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	d, err := env.cache.get(ctx, env.fs, UserQuota, 7)
	require.NoError(t, err)

	env.cache.list.Lock()
	assert.Panics(t, func() { env.cache.destroyLocked(d) })
	env.cache.list.Unlock()
	env.cache.put(ctx, d)
}

func TestPrune_TakesFromTail(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.cache.get(ctx, env.fs, UserQuota, 1)
	require.NoError(t, err)
	second, err := env.cache.get(ctx, env.fs, UserQuota, 2)
	require.NoError(t, err)
	held, err := env.cache.get(ctx, env.fs, UserQuota, 3)
	require.NoError(t, err)
	env.cache.put(ctx, first)
	env.cache.put(ctx, second)

	assert.Equal(t, 1, env.cache.Prune(1))
	env.cache.list.Lock()
	_, firstCached := env.cache.hash[first.Key()]
	_, secondCached := env.cache.hash[second.Key()]
	env.cache.list.Unlock()
	assert.True(t, firstCached)
	assert.False(t, secondCached)

	// Referenced records are never pruned.
	assert.Equal(t, 1, env.cache.Prune(10))
	assert.Len(t, env.fs.Records(UserQuota), 1)
	env.cache.put(ctx, held)
}

func TestPrune_ReusesHandles(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	d, err := env.cache.get(ctx, env.fs, UserQuota, 1)
	require.NoError(t, err)
	h := d.Handle()
	env.cache.put(ctx, d)
	require.Equal(t, 1, env.cache.Prune(1))

	d, err = env.cache.get(ctx, env.fs, UserQuota, 2)
	require.NoError(t, err)
	assert.Equal(t, h, d.Handle())
	env.cache.put(ctx, d)
}

func TestGet_RecordBudget(t *testing.T) {
	env := newTestEnv(t, WithMaxRecords(1))
	ctx := context.Background()

	held, err := env.cache.get(ctx, env.fs, UserQuota, 1)
	require.NoError(t, err)

	_, err = env.cache.get(ctx, env.fs, UserQuota, 2)
	assert.ErrorIs(t, err, ErrNoMemory)

	// Releasing the first record lets the budget reclaim it.
	env.cache.put(ctx, held)
	d, err := env.cache.get(ctx, env.fs, UserQuota, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), env.cache.Stats().Allocated)
	env.cache.put(ctx, d)
}

func TestGet_Disabled(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.fs.Off(ctx, GroupQuota))

	_, err := env.cache.get(ctx, env.fs, GroupQuota, 1)
	assert.ErrorIs(t, err, ErrQuotaDisabled)
	_, err = env.cache.get(ctx, env.fs, Type(5), 1)
	assert.ErrorIs(t, err, ErrInvalidType)
}

func TestMount_Twice(t *testing.T) {
	c := NewCache()
	_, err := c.Mount("fs0", nil)
	require.NoError(t, err)
	_, err = c.Mount("fs0", nil)
	assert.ErrorIs(t, err, ErrMounted)

	_, err = c.Filesystem("missing")
	assert.ErrorIs(t, err, ErrNotMounted)
	require.NoError(t, c.Unmount(context.Background(), "fs0"))
	assert.Empty(t, c.Filesystems())
}
