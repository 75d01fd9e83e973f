package dquot

import (
	"container/list"
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"
)

// Dquot is one cached quota record.
type Dquot struct {
	key    Key
	handle Handle
	fs     *Filesystem

	// io serializes format I/O (read, commit, release) for this identity.
	io sync.Mutex

	flags atomic.Uint32

	// guarded by Cache.list
	refs     int
	freeElem *list.Element

	// guarded by Cache.data
	dqb  Block
	slot uint64
}

// Key returns the identity of the record.
func (d *Dquot) Key() Key { return d.key }

// Handle returns the arena handle of the record.
func (d *Dquot) Handle() Handle { return d.handle }

func (d *Dquot) testFlag(f Flag) bool { return Flag(d.flags.Load())&f != 0 }
func (d *Dquot) setFlag(f Flag)       { d.flags.Or(uint32(f)) }
func (d *Dquot) clearFlag(f Flag)     { d.flags.And(^uint32(f)) }

func (d *Dquot) testAndSetFlag(f Flag) bool {
	return Flag(d.flags.Or(uint32(f)))&f != 0
}

func (d *Dquot) testAndClearFlag(f Flag) bool {
	return Flag(d.flags.And(^uint32(f)))&f != 0
}

// Stats are the cache counters.
type Stats struct {
	Lookups   uint64 `json:"lookups"`
	Drops     uint64 `json:"drops"`
	Reads     uint64 `json:"reads"`
	Writes    uint64 `json:"writes"`
	CacheHits uint64 `json:"cache_hits"`
	Allocated uint64 `json:"allocated"`
	Free      uint64 `json:"free"`
	Syncs     uint64 `json:"syncs"`
}

type counters struct {
	lookups, drops, reads, writes, cacheHits, syncs atomic.Uint64
}

// Cache is the shared pool of quota records for every mounted filesystem.
//
// Lock order, outermost first: Filesystem.onoff, Dquot.io, Filesystem.ptr,
// Cache.data, Cache.list. Neither data nor list is held across format I/O.
type Cache struct {
	data sync.Mutex
	list sync.Mutex

	// guarded by list
	hash        map[Key]*Dquot
	arena       []*Dquot
	vacant      []Handle
	free        *list.List
	nr          int
	filesystems map[string]*Filesystem

	maxRecords   int
	backoff      wait.Backoff
	clock        clock.PassiveClock
	warner       Warner
	drainTimeout time.Duration

	stats counters
}

// Option configures a Cache.
type Option func(*Cache)

// WithMaxRecords bounds the number of records alive at once; 0 is unbounded.
func WithMaxRecords(n int) Option { return func(c *Cache) { c.maxRecords = n } }

// WithBackoff sets the retry policy used when the record budget is exhausted.
func WithBackoff(b wait.Backoff) Option { return func(c *Cache) { c.backoff = b } }

// WithClock sets the clock used for grace periods.
func WithClock(clk clock.PassiveClock) Option { return func(c *Cache) { c.clock = clk } }

// WithWarner sets where limit warnings go.
func WithWarner(w Warner) Option { return func(c *Cache) { c.warner = w } }

// WithDrainTimeout bounds how long quota off waits for transient references.
func WithDrainTimeout(d time.Duration) Option { return func(c *Cache) { c.drainTimeout = d } }

// NewCache returns an empty cache. The record budget is unbounded unless
// WithMaxRecords is given.
func NewCache(opts ...Option) *Cache {
	c := &Cache{
		hash:        make(map[Key]*Dquot),
		free:        list.New(),
		filesystems: make(map[string]*Filesystem),
		backoff: wait.Backoff{
			Duration: 10 * time.Millisecond,
			Factor:   2,
			Jitter:   0.1,
			Steps:    5,
		},
		clock:        clock.RealClock{},
		warner:       klogWarner{},
		drainTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) now() int64 { return c.clock.Now().Unix() }

// Mount registers a filesystem with the cache. inodes may be nil when the
// filesystem has no inodes to bind on quota on/off.
func (c *Cache) Mount(name string, inodes InodeWalker) (*Filesystem, error) {
	c.list.Lock()
	defer c.list.Unlock()
	if _, ok := c.filesystems[name]; ok {
		return nil, fmt.Errorf("%s: %w", name, ErrMounted)
	}
	fs := newFilesystem(c, name, inodes)
	c.filesystems[name] = fs
	klog.V(2).InfoS("Mounted quota filesystem", "fs", name)
	return fs, nil
}

// Unmount turns quota off for every type and forgets the filesystem.
func (c *Cache) Unmount(ctx context.Context, name string) error {
	fs, err := c.Filesystem(name)
	if err != nil {
		return err
	}
	if err := fs.Off(ctx, AllTypes); err != nil {
		return err
	}
	c.list.Lock()
	delete(c.filesystems, name)
	c.list.Unlock()
	klog.V(2).InfoS("Unmounted quota filesystem", "fs", name)
	return nil
}

// Filesystem returns a mounted filesystem by name.
func (c *Cache) Filesystem(name string) (*Filesystem, error) {
	c.list.Lock()
	defer c.list.Unlock()
	fs, ok := c.filesystems[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNotMounted)
	}
	return fs, nil
}

// Filesystems returns the mounted filesystems sorted by name.
func (c *Cache) Filesystems() []*Filesystem {
	c.list.Lock()
	out := make([]*Filesystem, 0, len(c.filesystems))
	for _, fs := range c.filesystems {
		out = append(out, fs)
	}
	c.list.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// get returns a referenced, active record for (fs, t, id), loading it
// through the format on a cache miss.
func (c *Cache) get(ctx context.Context, fs *Filesystem, t Type, id uint32) (*Dquot, error) {
	if !t.valid() {
		return nil, ErrInvalidType
	}
	key := Key{FS: fs.name, Type: t, ID: id}
	var empty *Dquot
	var d *Dquot
	hit := false
	for {
		c.list.Lock()
		if !fs.info[t].enabled {
			c.discardLocked(empty)
			c.list.Unlock()
			return nil, fmt.Errorf("%s: %w", key, ErrQuotaDisabled)
		}
		if cached, ok := c.hash[key]; ok {
			c.grabLocked(cached)
			c.discardLocked(empty)
			c.list.Unlock()
			c.stats.cacheHits.Add(1)
			d, hit = cached, true
			break
		}
		if empty != nil {
			c.insertLocked(empty, key, fs)
			c.list.Unlock()
			d = empty
			break
		}
		c.list.Unlock()

		var err error
		if empty, err = c.alloc(ctx); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
	}
	c.stats.lookups.Add(1)

	if hit {
		// Wait out an in-flight read, commit or release so Active is settled.
		d.io.Lock()
		d.io.Unlock()
	}
	if !d.testFlag(FlagActive) {
		if err := fs.acquire(ctx, d); err != nil {
			c.put(ctx, d)
			return nil, err
		}
	}
	return d, nil
}

// alloc creates an empty record within the record budget. When the budget
// is spent and nothing can be pruned it retries with bounded backoff.
func (c *Cache) alloc(ctx context.Context) (*Dquot, error) {
	var d *Dquot
	try := func(context.Context) (bool, error) {
		c.list.Lock()
		defer c.list.Unlock()
		if c.maxRecords > 0 && c.nr >= c.maxRecords && c.pruneLocked(1) == 0 {
			return false, nil
		}
		c.nr++
		d = &Dquot{}
		return true, nil
	}
	if err := wait.ExponentialBackoffWithContext(ctx, c.backoff, try); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		klog.Warningf("Quota record budget of %d exhausted", c.maxRecords)
		return nil, ErrNoMemory
	}
	return d, nil
}

func (c *Cache) discardLocked(d *Dquot) {
	if d != nil {
		c.nr--
	}
}

func (c *Cache) insertLocked(d *Dquot, key Key, fs *Filesystem) {
	d.key = key
	d.fs = fs
	d.refs = 1
	if n := len(c.vacant); n > 0 {
		d.handle = c.vacant[n-1]
		c.vacant = c.vacant[:n-1]
		c.arena[d.handle] = d
	} else {
		d.handle = Handle(len(c.arena))
		c.arena = append(c.arena, d)
	}
	c.hash[key] = d
}

func (c *Cache) grabLocked(d *Dquot) {
	if d.refs == 0 {
		c.free.Remove(d.freeElem)
		d.freeElem = nil
	}
	d.refs++
}

// grab takes an extra reference on a record the caller already reaches
// through a reference or a locked binding.
func (c *Cache) grab(d *Dquot) {
	c.list.Lock()
	c.grabLocked(d)
	c.list.Unlock()
}

// put drops a reference. The last reference writes back a dirty record and
// releases its on-disk slot before the record is queued for reuse.
func (c *Cache) put(ctx context.Context, d *Dquot) {
	if d == nil {
		return
	}
	c.stats.drops.Add(1)
	for {
		c.list.Lock()
		if d.refs <= 0 {
			c.list.Unlock()
			panic(fmt.Sprintf("dquot: put of unreferenced record %s", d.key))
		}
		if d.refs > 1 {
			d.refs--
			c.list.Unlock()
			return
		}
		if d.testFlag(FlagDirty) {
			c.list.Unlock()
			if err := d.fs.commit(ctx, d); err != nil {
				klog.ErrorS(err, "Cannot write quota record, quota may get out of sync", "key", d.key)
				c.list.Lock()
				c.clearDirtyLocked(d)
				c.list.Unlock()
			}
			continue
		}
		if d.testFlag(FlagActive) {
			c.list.Unlock()
			if err := d.fs.release(ctx, d); err != nil {
				klog.ErrorS(err, "Cannot release quota record", "key", d.key)
			}
			continue
		}
		d.refs--
		d.freeElem = c.free.PushBack(d)
		c.list.Unlock()
		return
	}
}

// Prune destroys up to n unreferenced records from the tail of the free
// queue and returns how many went away.
func (c *Cache) Prune(n int) int {
	c.list.Lock()
	defer c.list.Unlock()
	freed := c.pruneLocked(n)
	if freed > 0 {
		klog.V(4).InfoS("Pruned quota records", "count", freed)
	}
	return freed
}

func (c *Cache) pruneLocked(n int) int {
	freed := 0
	for ; n > 0; n-- {
		e := c.free.Back()
		if e == nil {
			break
		}
		c.destroyLocked(e.Value.(*Dquot))
		freed++
	}
	return freed
}

// destroyLocked unhashes and forgets a record. Destroying a referenced or
// dirty record would lose accounting and is fatal.
func (c *Cache) destroyLocked(d *Dquot) {
	if d.refs != 0 {
		panic(fmt.Sprintf("dquot: destroying record %s with %d references", d.key, d.refs))
	}
	if d.testFlag(FlagDirty) {
		panic(fmt.Sprintf("dquot: destroying dirty record %s", d.key))
	}
	if d.freeElem != nil {
		c.free.Remove(d.freeElem)
		d.freeElem = nil
	}
	delete(c.hash, d.key)
	c.arena[d.handle] = nil
	c.vacant = append(c.vacant, d.handle)
	c.nr--
}

func (c *Cache) lookupHandleLocked(h Handle) *Dquot {
	if int(h) >= len(c.arena) {
		return nil
	}
	return c.arena[h]
}

// Records returns snapshots of the cached records of one filesystem and
// type, ordered by id.
func (c *Cache) Records(fs *Filesystem, t Type) []Snapshot {
	type entry struct {
		d    *Dquot
		refs int
	}
	var found []entry
	c.list.Lock()
	for _, d := range c.arena {
		if d != nil && d.fs == fs && d.key.Type == t {
			found = append(found, entry{d, d.refs})
		}
	}
	c.list.Unlock()

	out := make([]Snapshot, 0, len(found))
	c.data.Lock()
	for _, e := range found {
		out = append(out, Snapshot{
			Key:    e.d.key,
			Handle: e.d.handle,
			Block:  e.d.dqb,
			Flags:  Flag(e.d.flags.Load()),
			Refs:   e.refs,
			Slot:   e.d.slot,
		})
	}
	c.data.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key.ID < out[j].Key.ID })
	return out
}

// Stats returns a point-in-time copy of the cache counters.
func (c *Cache) Stats() Stats {
	c.list.Lock()
	allocated, free := c.nr, c.free.Len()
	c.list.Unlock()
	return Stats{
		Lookups:   c.stats.lookups.Load(),
		Drops:     c.stats.drops.Load(),
		Reads:     c.stats.reads.Load(),
		Writes:    c.stats.writes.Load(),
		CacheHits: c.stats.cacheHits.Load(),
		Allocated: uint64(allocated),
		Free:      uint64(free),
		Syncs:     c.stats.syncs.Load(),
	}
}

func (c *Cache) snapshot(d *Dquot) Snapshot {
	c.list.Lock()
	refs := d.refs
	c.list.Unlock()
	c.data.Lock()
	defer c.data.Unlock()
	return Snapshot{
		Key:    d.key,
		Handle: d.handle,
		Block:  d.dqb,
		Flags:  Flag(d.flags.Load()),
		Refs:   refs,
		Slot:   d.slot,
	}
}
