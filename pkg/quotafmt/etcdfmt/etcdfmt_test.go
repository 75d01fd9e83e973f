package etcdfmt

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	client "go.etcd.io/etcd/client/v2"

	"github.com/terminus-io/dquot/pkg/dquot"
)

// fakeKeys is a flat in-memory etcd v2 key space.
type fakeKeys struct {
	client.KeysAPI

	mu    sync.Mutex
	index uint64
	nodes map[string]*client.Node
}

func newFakeKeys() *fakeKeys {
	return &fakeKeys{nodes: make(map[string]*client.Node)}
}

func notFound(key string) error {
	return client.Error{Code: client.ErrorCodeKeyNotFound, Message: "Key not found", Cause: key}
}

func (k *fakeKeys) Get(_ context.Context, key string, _ *client.GetOptions) (*client.Response, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if n, ok := k.nodes[key]; ok {
		cp := *n
		return &client.Response{Action: "get", Node: &cp, Index: k.index}, nil
	}
	dir := &client.Node{Key: key, Dir: true}
	for name, n := range k.nodes {
		if strings.HasPrefix(name, key+"/") {
			cp := *n
			dir.Nodes = append(dir.Nodes, &cp)
		}
	}
	if len(dir.Nodes) == 0 {
		return nil, notFound(key)
	}
	return &client.Response{Action: "get", Node: dir, Index: k.index}, nil
}

func (k *fakeKeys) Set(_ context.Context, key, value string, opts *client.SetOptions) (*client.Response, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	prev, exists := k.nodes[key]
	if opts != nil {
		switch opts.PrevExist {
		case client.PrevNoExist:
			if exists {
				return nil, client.Error{Code: client.ErrorCodeNodeExist, Message: "Key already exists", Cause: key}
			}
		case client.PrevExist:
			if !exists {
				return nil, notFound(key)
			}
		}
	}
	k.index++
	n := &client.Node{Key: key, Value: value, CreatedIndex: k.index, ModifiedIndex: k.index}
	if exists {
		n.CreatedIndex = prev.CreatedIndex
	}
	k.nodes[key] = n
	cp := *n
	return &client.Response{Action: "set", Node: &cp, Index: k.index}, nil
}

func (k *fakeKeys) Delete(_ context.Context, key string, _ *client.DeleteOptions) (*client.Response, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	n, ok := k.nodes[key]
	if !ok {
		return nil, notFound(key)
	}
	delete(k.nodes, key)
	k.index++
	return &client.Response{Action: "delete", PrevNode: n, Index: k.index}, nil
}

func TestInitAndInfo(t *testing.T) {
	ctx := context.Background()
	kapi := newFakeKeys()
	f := New(kapi, "/dquot/data", dquot.GroupQuota)

	assert.False(t, f.CheckQuotaFile(ctx))
	_, err := f.ReadFileInfo(ctx)
	assert.ErrorIs(t, err, dquot.ErrInvalidQuotaFile)
	assert.True(t, client.IsKeyNotFound(f.WriteFileInfo(ctx, dquot.FileInfo{})))

	require.NoError(t, Init(ctx, kapi, "/dquot/data", dquot.GroupQuota, dquot.FileInfo{
		BlockGrace: time.Hour, InodeGrace: 2 * time.Hour,
	}))
	assert.Error(t, Init(ctx, kapi, "/dquot/data", dquot.GroupQuota, dquot.FileInfo{}))
	assert.True(t, f.CheckQuotaFile(ctx))
	assert.False(t, New(kapi, "/dquot/data", dquot.UserQuota).CheckQuotaFile(ctx))

	info, err := f.ReadFileInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, info.BlockGrace)
	assert.Equal(t, 2*time.Hour, info.InodeGrace)

	info.Flags = dquot.FlagRootSquash
	require.NoError(t, f.WriteFileInfo(ctx, info))
	got, err := f.ReadFileInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, info, got)
	assert.Contains(t, kapi.nodes, "/dquot/data/group/info")
}

func TestRecords(t *testing.T) {
	ctx := context.Background()
	kapi := newFakeKeys()
	require.NoError(t, Init(ctx, kapi, "/q", dquot.UserQuota, dquot.FileInfo{}))
	f := New(kapi, "/q", dquot.UserQuota)
	key := dquot.Key{Type: dquot.UserQuota, ID: 501}

	dq := &dquot.DiskQuota{Key: key}
	require.NoError(t, f.ReadDquot(ctx, dq))
	assert.Zero(t, dq.Slot)

	dq.Block = dquot.Block{BSoftLimit: 100, CurSpace: 120, BTime: 1234}
	require.NoError(t, f.CommitDquot(ctx, dq))
	slot := dq.Slot
	assert.NotZero(t, slot)
	assert.Contains(t, kapi.nodes, "/q/user/dquots/501")

	dq.Block.CurSpace = 50
	require.NoError(t, f.CommitDquot(ctx, dq))
	assert.Equal(t, slot, dq.Slot)

	got := &dquot.DiskQuota{Key: key}
	require.NoError(t, f.ReadDquot(ctx, got))
	assert.Equal(t, dq.Block, got.Block)
	assert.Equal(t, slot, got.Slot)

	other := &dquot.DiskQuota{Key: dquot.Key{Type: dquot.UserQuota, ID: 20}}
	require.NoError(t, f.CommitDquot(ctx, other))

	list, err := f.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, uint32(20), list[0].Key.ID)
	assert.Equal(t, uint32(501), list[1].Key.ID)

	require.NoError(t, f.ReleaseDquot(ctx, got))
	assert.Equal(t, slot, got.Slot)
	require.NoError(t, f.ReleaseDquot(ctx, other))
	assert.Zero(t, other.Slot)
	// Releasing twice is harmless.
	require.NoError(t, f.ReleaseDquot(ctx, &dquot.DiskQuota{Key: other.Key}))
	assert.NotContains(t, kapi.nodes, "/q/user/dquots/20")
}

func TestWithCache(t *testing.T) {
	ctx := context.Background()
	kapi := newFakeKeys()
	require.NoError(t, Init(ctx, kapi, "/shared", dquot.UserQuota, dquot.FileInfo{BlockGrace: time.Minute}))

	dquot.UnregisterFormat(dquot.FormatEtcd)
	Register(kapi)
	t.Cleanup(func() { dquot.UnregisterFormat(dquot.FormatEtcd) })

	c := dquot.NewCache()
	fs, err := c.Mount("shared", nil)
	require.NoError(t, err)
	require.NoError(t, fs.On(ctx, dquot.UserQuota, dquot.FormatEtcd, "/shared"))

	limit := uint64(10 << 20)
	snap, err := fs.SetRecord(ctx, dquot.UserQuota, 3, dquot.RecordUpdate{BHardLimit: &limit})
	require.NoError(t, err)
	assert.NotZero(t, snap.Slot)
	require.NoError(t, c.Unmount(ctx, "shared"))

	list, err := New(kapi, "/shared", dquot.UserQuota).List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, limit, list[0].Block.BHardLimit)
}
