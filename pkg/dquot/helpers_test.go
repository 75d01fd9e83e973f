package dquot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/wait"
	testingclock "k8s.io/utils/clock/testing"
)

const memFormatID FormatID = 99

// memStore is an in-memory quota file used by the tests.
type memStore struct {
	mu       sync.Mutex
	records  map[uint32]DiskQuota
	info     FileInfo
	nextSlot uint64
	invalid  bool
	readErr  error
	readWait time.Duration
	// releasing, when set, is signalled and then blocks ReleaseDquot until
	// releaseGate is closed.
	releasing   chan struct{}
	releaseGate chan struct{}

	reads, commits, releases, infoWrites int
}

func newMemStore() *memStore {
	return &memStore{
		records: make(map[uint32]DiskQuota),
		info:    FileInfo{BlockGrace: time.Hour, InodeGrace: time.Hour},
	}
}

func (s *memStore) put(id uint32, b Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSlot++
	s.records[id] = DiskQuota{Block: b, Slot: s.nextSlot}
}

func (s *memStore) get(id uint32) (DiskQuota, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dq, ok := s.records[id]
	return dq, ok
}

func (s *memStore) setReadWait(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readWait = d
}

// gateReleases makes every later ReleaseDquot announce itself on the returned
// channel and wait until open is called.
func (s *memStore) gateReleases() (started <-chan struct{}, open func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releasing = make(chan struct{}, 1)
	s.releaseGate = make(chan struct{})
	gate := s.releaseGate
	return s.releasing, func() { close(gate) }
}

func (s *memStore) counts() (reads, commits, releases int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads, s.commits, s.releases
}

type memFormat struct{ s *memStore }

func (f memFormat) CheckQuotaFile(context.Context) bool {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	return !f.s.invalid
}

func (f memFormat) ReadFileInfo(context.Context) (FileInfo, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	return f.s.info, nil
}

func (f memFormat) WriteFileInfo(_ context.Context, info FileInfo) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	f.s.info = info
	f.s.infoWrites++
	return nil
}

func (f memFormat) ReadDquot(_ context.Context, dq *DiskQuota) error {
	f.s.mu.Lock()
	delay := f.s.readWait
	f.s.reads++
	err := f.s.readErr
	rec, ok := f.s.records[dq.Key.ID]
	f.s.mu.Unlock()
	time.Sleep(delay)
	if err != nil {
		return err
	}
	if ok {
		dq.Block = rec.Block
		dq.Slot = rec.Slot
	}
	return nil
}

func (f memFormat) CommitDquot(_ context.Context, dq *DiskQuota) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	f.s.commits++
	if dq.Slot == 0 {
		f.s.nextSlot++
		dq.Slot = f.s.nextSlot
	}
	f.s.records[dq.Key.ID] = DiskQuota{Key: dq.Key, Block: dq.Block, Slot: dq.Slot}
	return nil
}

func (f memFormat) ReleaseDquot(_ context.Context, dq *DiskQuota) error {
	f.s.mu.Lock()
	started, gate := f.s.releasing, f.s.releaseGate
	f.s.mu.Unlock()
	if gate != nil {
		select {
		case started <- struct{}{}:
		default:
		}
		<-gate
	}
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	f.s.releases++
	if dq.Block.Empty() {
		delete(f.s.records, dq.Key.ID)
		dq.Slot = 0
	}
	return nil
}

func (f memFormat) Close() error { return nil }

var memStores sync.Map

func init() {
	RegisterFormat(memFormatID, func(path string, _ Type) (Format, error) {
		s, ok := memStores.Load(path)
		if !ok {
			return nil, errors.New("no such memory store " + path)
		}
		return memFormat{s: s.(*memStore)}, nil
	})
}

type testInode struct {
	binding  Binding
	uid, gid uint32
	bytes    int64
	noQuota  bool
}

func (i *testInode) Quota() *Binding { return &i.binding }
func (i *testInode) NoQuota() bool   { return i.noQuota }
func (i *testInode) Bytes() int64    { return i.bytes }
func (i *testInode) AddBytes(n int64) {
	i.bytes += n
}
func (i *testInode) SubBytes(n int64) {
	i.bytes -= n
}

func (i *testInode) OwnerID(t Type) uint32 {
	if t == GroupQuota {
		return i.gid
	}
	return i.uid
}

type inodeTable struct {
	mu     sync.Mutex
	inodes []*testInode
}

func (it *inodeTable) add(ino *testInode) *testInode {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.inodes = append(it.inodes, ino)
	return ino
}

func (it *inodeTable) WalkInodes(fn func(Inode)) {
	it.mu.Lock()
	inodes := append([]*testInode(nil), it.inodes...)
	it.mu.Unlock()
	for _, ino := range inodes {
		fn(ino)
	}
}

type recordingWarner struct {
	mu       sync.Mutex
	warnings []Warning
}

func (w *recordingWarner) Warn(_ context.Context, warning Warning) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.warnings = append(w.warnings, warning)
}

func (w *recordingWarner) kinds() []WarningKind {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]WarningKind, 0, len(w.warnings))
	for _, warning := range w.warnings {
		out = append(out, warning.Kind)
	}
	return out
}

type testEnv struct {
	cache  *Cache
	fs     *Filesystem
	user   *memStore
	group  *memStore
	clock  *testingclock.FakeClock
	warner *recordingWarner
	inodes *inodeTable
}

func (e *testEnv) newInode(t *testing.T, uid, gid uint32) *testInode {
	ino := e.inodes.add(&testInode{uid: uid, gid: gid})
	require.NoError(t, e.fs.Initialize(context.Background(), ino, AllTypes))
	return ino
}

// newTestEnv mounts a filesystem with user and group quota on, both backed
// by memory stores.
func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	env := &testEnv{
		user:   newMemStore(),
		group:  newMemStore(),
		clock:  testingclock.NewFakeClock(time.Unix(1_000_000, 0)),
		warner: &recordingWarner{},
		inodes: &inodeTable{},
	}
	opts = append([]Option{
		WithClock(env.clock),
		WithWarner(env.warner),
		WithDrainTimeout(200 * time.Millisecond),
		WithBackoff(wait.Backoff{Duration: time.Millisecond, Factor: 1, Steps: 2}),
	}, opts...)
	env.cache = NewCache(opts...)

	fs, err := env.cache.Mount(t.Name(), env.inodes)
	require.NoError(t, err)
	env.fs = fs

	userPath, groupPath := t.Name()+"/user", t.Name()+"/group"
	memStores.Store(userPath, env.user)
	memStores.Store(groupPath, env.group)
	t.Cleanup(func() {
		memStores.Delete(userPath)
		memStores.Delete(groupPath)
	})

	ctx := context.Background()
	require.NoError(t, fs.On(ctx, UserQuota, memFormatID, userPath))
	require.NoError(t, fs.On(ctx, GroupQuota, memFormatID, groupPath))
	return env
}

func u64(v uint64) *uint64 { return &v }
