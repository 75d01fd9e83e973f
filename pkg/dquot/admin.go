package dquot

import (
	"context"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
)

// On enables quota of type t backed by the quota file at path, then binds
// the records of every live inode.
func (fs *Filesystem) On(ctx context.Context, t Type, id FormatID, path string) error {
	if !t.valid() {
		return ErrInvalidType
	}
	fs.onoff.Lock()
	defer fs.onoff.Unlock()

	if fs.Enabled(t) {
		return fmt.Errorf("%s %s: %w", fs.name, t, ErrQuotaEnabled)
	}
	factory, err := findFormat(id)
	if err != nil {
		return err
	}
	f, err := factory(path, t)
	if err != nil {
		return fmt.Errorf("open quota file %s: %w", path, err)
	}
	if !f.CheckQuotaFile(ctx) {
		_ = f.Close()
		return fmt.Errorf("%s: %w", path, ErrInvalidQuotaFile)
	}
	file, err := f.ReadFileInfo(ctx)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("read quota info %s: %w", path, err)
	}

	c := fs.cache
	qi := &fs.info[t]
	c.data.Lock()
	qi.format = f
	qi.formatID = id
	qi.path = path
	qi.file = file
	qi.fileDirty = false
	c.data.Unlock()

	c.list.Lock()
	qi.enabled = true
	c.list.Unlock()

	var inodes []Inode
	fs.walkInodes(func(ino Inode) { inodes = append(inodes, ino) })
	for _, ino := range inodes {
		if err := fs.Initialize(ctx, ino, t); err != nil {
			klog.ErrorS(err, "Cannot bind inode to quota", "fs", fs.name, "type", t)
		}
	}
	klog.InfoS("Quota enabled", "fs", fs.name, "type", t, "format", id, "path", path, "inodes", len(inodes))
	return nil
}

// Off disables quota of type t (or AllTypes). Inode references are dropped
// before the records are torn down.
func (fs *Filesystem) Off(ctx context.Context, t Type) error {
	if t != AllTypes && !t.valid() {
		return ErrInvalidType
	}
	fs.onoff.Lock()
	defer fs.onoff.Unlock()

	c := fs.cache
	for cnt := range fs.info {
		typ := Type(cnt)
		if (t != AllTypes && typ != t) || !fs.Enabled(typ) {
			continue
		}
		qi := &fs.info[cnt]
		c.list.Lock()
		qi.enabled = false
		c.list.Unlock()

		fs.dropType(ctx, typ)
		fs.invalidate(ctx, typ)

		if err := fs.writeInfo(ctx, typ); err != nil {
			klog.ErrorS(err, "Cannot write quota info on quota off", "fs", fs.name, "type", typ)
		}
		c.data.Lock()
		f := qi.format
		qi.format = nil
		qi.formatID = 0
		qi.path = ""
		c.data.Unlock()
		if err := f.Close(); err != nil {
			klog.ErrorS(err, "Cannot close quota file", "fs", fs.name, "type", typ)
		}
		klog.InfoS("Quota disabled", "fs", fs.name, "type", typ)
	}
	return nil
}

// invalidate destroys every record of type t. Transient references from
// in-flight accounting get drainTimeout to go away; a reference that
// survives it is a leak and destroying the record panics.
func (fs *Filesystem) invalidate(ctx context.Context, t Type) {
	c := fs.cache
	matches := func(d *Dquot) bool { return d != nil && d.fs == fs && d.key.Type == t }

	err := wait.PollUntilContextTimeout(ctx, 10*time.Millisecond, c.drainTimeout, true,
		func(context.Context) (bool, error) {
			c.list.Lock()
			defer c.list.Unlock()
			for _, d := range c.arena {
				if matches(d) && d.refs > 0 {
					return false, nil
				}
			}
			return true, nil
		})
	if err != nil {
		klog.ErrorS(err, "Quota records still referenced at quota off", "fs", fs.name, "type", t)
	}

	c.list.Lock()
	defer c.list.Unlock()
	destroyed := 0
	for _, d := range c.arena {
		if matches(d) {
			c.destroyLocked(d)
			destroyed++
		}
	}
	fs.info[t].dirty = sets.New[Handle]()
	klog.V(4).InfoS("Invalidated quota records", "fs", fs.name, "type", t, "count", destroyed)
}

// InfoStatus describes the quota state of one type.
type InfoStatus struct {
	FileInfo
	Enabled bool     `json:"enabled"`
	Format  FormatID `json:"format"`
	Path    string   `json:"path"`
	Dirty   bool     `json:"dirty"`
}

// GetInfo returns the info block and state of type t.
func (fs *Filesystem) GetInfo(ctx context.Context, t Type) (InfoStatus, error) {
	if !t.valid() {
		return InfoStatus{}, ErrInvalidType
	}
	fs.onoff.Lock()
	defer fs.onoff.Unlock()
	if !fs.Enabled(t) {
		return InfoStatus{}, fmt.Errorf("%s %s: %w", fs.name, t, ErrQuotaDisabled)
	}
	c := fs.cache
	qi := &fs.info[t]
	c.data.Lock()
	defer c.data.Unlock()
	return InfoStatus{
		FileInfo: qi.file,
		Enabled:  true,
		Format:   qi.formatID,
		Path:     qi.path,
		Dirty:    qi.fileDirty,
	}, nil
}

// InfoUpdate selects the info fields SetInfo changes; nil fields are kept.
type InfoUpdate struct {
	BlockGrace *time.Duration
	InodeGrace *time.Duration
	Flags      *InfoFlag
}

// SetInfo changes grace periods or flags of type t. The info block is
// written back by the next sync.
func (fs *Filesystem) SetInfo(ctx context.Context, t Type, upd InfoUpdate) error {
	if !t.valid() {
		return ErrInvalidType
	}
	fs.onoff.Lock()
	defer fs.onoff.Unlock()
	if !fs.Enabled(t) {
		return fmt.Errorf("%s %s: %w", fs.name, t, ErrQuotaDisabled)
	}
	c := fs.cache
	qi := &fs.info[t]
	c.data.Lock()
	if upd.BlockGrace != nil {
		qi.file.BlockGrace = *upd.BlockGrace
	}
	if upd.InodeGrace != nil {
		qi.file.InodeGrace = *upd.InodeGrace
	}
	if upd.Flags != nil {
		qi.file.Flags = *upd.Flags
	}
	fs.markInfoDirtyLocked(t)
	c.data.Unlock()
	return nil
}

// FormatOf returns the format backing type t.
func (fs *Filesystem) FormatOf(t Type) (FormatID, bool) {
	if !fs.Enabled(t) {
		return 0, false
	}
	fs.cache.data.Lock()
	defer fs.cache.data.Unlock()
	return fs.info[t].formatID, true
}

// GetRecord returns the current state of record (t, id), loading it if
// necessary.
func (fs *Filesystem) GetRecord(ctx context.Context, t Type, id uint32) (Snapshot, error) {
	fs.onoff.Lock()
	defer fs.onoff.Unlock()
	d, err := fs.cache.get(ctx, fs, t, id)
	if err != nil {
		return Snapshot{}, err
	}
	defer fs.cache.put(ctx, d)
	return fs.cache.snapshot(d), nil
}

// Records lists the cached records of type t.
func (fs *Filesystem) Records(t Type) []Snapshot {
	return fs.cache.Records(fs, t)
}

// RecordUpdate selects the record fields SetRecord changes; nil fields are
// kept.
type RecordUpdate struct {
	CurSpace   *uint64
	BHardLimit *uint64
	BSoftLimit *uint64
	CurInodes  *uint64
	IHardLimit *uint64
	ISoftLimit *uint64
	BTime      *int64
	ITime      *int64
}

// SetRecord changes usage, limits or grace expiries of record (t, id).
// Changing limits or usage re-evaluates the grace timers: usage under the
// soft limit clears them, usage over it arms them unless an explicit expiry
// was supplied.
func (fs *Filesystem) SetRecord(ctx context.Context, t Type, id uint32, upd RecordUpdate) (Snapshot, error) {
	fs.onoff.Lock()
	defer fs.onoff.Unlock()
	c := fs.cache
	d, err := c.get(ctx, fs, t, id)
	if err != nil {
		return Snapshot{}, err
	}
	defer c.put(ctx, d)

	now := c.now()
	c.data.Lock()
	b := &d.dqb
	checkBlim, checkIlim := false, false
	if upd.CurSpace != nil {
		b.CurSpace = *upd.CurSpace
		checkBlim = true
	}
	if upd.BHardLimit != nil || upd.BSoftLimit != nil {
		if upd.BHardLimit != nil {
			b.BHardLimit = *upd.BHardLimit
		}
		if upd.BSoftLimit != nil {
			b.BSoftLimit = *upd.BSoftLimit
		}
		checkBlim = true
	}
	if upd.CurInodes != nil {
		b.CurInodes = *upd.CurInodes
		checkIlim = true
	}
	if upd.IHardLimit != nil || upd.ISoftLimit != nil {
		if upd.IHardLimit != nil {
			b.IHardLimit = *upd.IHardLimit
		}
		if upd.ISoftLimit != nil {
			b.ISoftLimit = *upd.ISoftLimit
		}
		checkIlim = true
	}
	if upd.BTime != nil {
		b.BTime = *upd.BTime
	}
	if upd.ITime != nil {
		b.ITime = *upd.ITime
	}

	blockGrace, inodeGrace := fs.graceFor(t)
	if checkBlim {
		if b.BSoftLimit == 0 || b.CurSpace < b.BSoftLimit {
			b.BTime = 0
			d.clearFlag(FlagBlocksWarned)
		} else if upd.BTime == nil {
			b.BTime = now + blockGrace
		}
	}
	if checkIlim {
		if b.ISoftLimit == 0 || b.CurInodes < b.ISoftLimit {
			b.ITime = 0
			d.clearFlag(FlagInodesWarned)
		} else if upd.ITime == nil {
			b.ITime = now + inodeGrace
		}
	}
	if b.HasLimits() {
		d.clearFlag(FlagFake)
	} else {
		d.setFlag(FlagFake)
	}
	c.data.Unlock()

	c.markDirty(d)
	klog.V(2).InfoS("Quota record updated", "key", d.key)
	return c.snapshot(d), nil
}
