package dquot

import (
	"context"
	"fmt"
	"sync"

	"k8s.io/apimachinery/pkg/util/sets"
)

// Inode is what the owning filesystem exposes to quota accounting.
type Inode interface {
	// Quota returns the binding embedded in the inode.
	Quota() *Binding
	// OwnerID returns the uid or gid the inode is charged to.
	OwnerID(t Type) uint32
	// NoQuota marks inodes that are never charged, such as quota files.
	NoQuota() bool
	Bytes() int64
	AddBytes(n int64)
	SubBytes(n int64)
}

// InodeWalker enumerates the live inodes of a filesystem for quota on/off.
type InodeWalker interface {
	WalkInodes(fn func(Inode))
}

// InodeWalkerFunc adapts a function to InodeWalker.
type InodeWalkerFunc func(fn func(Inode))

func (f InodeWalkerFunc) WalkInodes(fn func(Inode)) { f(fn) }

type quotaInfo struct {
	// guarded by Filesystem.onoff
	format   Format
	formatID FormatID
	path     string

	// guarded by Cache.data
	file      FileInfo
	fileDirty bool

	// guarded by Cache.list
	enabled bool
	dirty   sets.Set[Handle]
}

// Filesystem is the per-mount quota state.
type Filesystem struct {
	name   string
	cache  *Cache
	inodes InodeWalker

	// onoff serializes quota on/off, sync and the record/info admin calls.
	onoff sync.Mutex
	// ptr guards every inode Binding of this filesystem.
	ptr sync.RWMutex

	info [MaxQuotas]quotaInfo
}

func newFilesystem(c *Cache, name string, inodes InodeWalker) *Filesystem {
	fs := &Filesystem{name: name, cache: c, inodes: inodes}
	for t := range fs.info {
		fs.info[t].dirty = sets.New[Handle]()
	}
	return fs
}

func (fs *Filesystem) Name() string { return fs.name }

// Cache returns the cache the filesystem is mounted on.
func (fs *Filesystem) Cache() *Cache { return fs.cache }

// Enabled reports whether quota of type t is on.
func (fs *Filesystem) Enabled(t Type) bool {
	if !t.valid() {
		return false
	}
	fs.cache.list.Lock()
	defer fs.cache.list.Unlock()
	return fs.info[t].enabled
}

// enabledTypes snapshots the enabled state of every type. Callers holding
// ptr use it to refuse installing records of a type being turned off.
func (fs *Filesystem) enabledTypes() [MaxQuotas]bool {
	var out [MaxQuotas]bool
	fs.cache.list.Lock()
	for t := range fs.info {
		out[t] = fs.info[t].enabled
	}
	fs.cache.list.Unlock()
	return out
}

func (fs *Filesystem) walkInodes(fn func(Inode)) {
	if fs.inodes != nil {
		fs.inodes.WalkInodes(fn)
	}
}

func (fs *Filesystem) markInfoDirtyLocked(t Type) {
	fs.info[t].fileDirty = true
}

func (fs *Filesystem) infoDirty(t Type) bool {
	fs.cache.data.Lock()
	defer fs.cache.data.Unlock()
	return fs.info[t].fileDirty
}

// writeInfo stores the info block of type t if it is dirty.
func (fs *Filesystem) writeInfo(ctx context.Context, t Type) error {
	qi := &fs.info[t]
	fs.cache.data.Lock()
	if !qi.fileDirty || qi.format == nil {
		fs.cache.data.Unlock()
		return nil
	}
	f, file := qi.format, qi.file
	qi.fileDirty = false
	fs.cache.data.Unlock()

	if err := f.WriteFileInfo(ctx, file); err != nil {
		fs.cache.data.Lock()
		qi.fileDirty = true
		fs.cache.data.Unlock()
		return fmt.Errorf("write %s %s quota info: %w", fs.name, t, err)
	}
	return nil
}

func (fs *Filesystem) graceFor(t Type) (block, inode int64) {
	f := &fs.info[t].file
	return int64(f.BlockGrace.Seconds()), int64(f.InodeGrace.Seconds())
}
