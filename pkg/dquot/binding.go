package dquot

import (
	"context"
	"errors"

	"k8s.io/klog/v2"
)

// BindState tells why a binding slot holds what it holds.
type BindState int

const (
	// BindUnbound: quota is off for the type or the inode was never initialized.
	BindUnbound BindState = iota
	// BindBound: the slot references a loaded record and limits are enforced.
	BindBound
	// BindLoadFailed: the record could not be loaded, so the type is unenforced.
	BindLoadFailed
)

func (s BindState) String() string {
	switch s {
	case BindBound:
		return "bound"
	case BindLoadFailed:
		return "load-failed"
	}
	return "unbound"
}

// Binding is the per-inode array of record references. The owning
// filesystem's ptr lock guards every field.
type Binding struct {
	dquots   [MaxQuotas]*Dquot
	state    [MaxQuotas]BindState
	hasQuota bool
}

func (b *Binding) recompute() {
	b.hasQuota = false
	for _, d := range b.dquots {
		if d != nil {
			b.hasQuota = true
			return
		}
	}
}

// HasQuota reports whether any record is bound to the inode.
func (fs *Filesystem) HasQuota(ino Inode) bool {
	fs.ptr.RLock()
	defer fs.ptr.RUnlock()
	return ino.Quota().hasQuota
}

// BindingState returns the binding state of type t for the inode.
func (fs *Filesystem) BindingState(ino Inode, t Type) BindState {
	if !t.valid() {
		return BindUnbound
	}
	fs.ptr.RLock()
	defer fs.ptr.RUnlock()
	return ino.Quota().state[t]
}

// Bound returns a snapshot of the record of type t bound to the inode.
func (fs *Filesystem) Bound(ino Inode, t Type) (Snapshot, bool) {
	if !t.valid() {
		return Snapshot{}, false
	}
	fs.ptr.RLock()
	defer fs.ptr.RUnlock()
	d := ino.Quota().dquots[t]
	if d == nil {
		return Snapshot{}, false
	}
	return fs.cache.snapshot(d), true
}

// Initialize binds the records of type t (or AllTypes) to the inode. Records
// are resolved before the ptr lock is taken so no I/O happens under it.
// Load failures leave the type unenforced and are returned joined.
func (fs *Filesystem) Initialize(ctx context.Context, ino Inode, t Type) error {
	if ino.NoQuota() {
		return nil
	}
	if t != AllTypes && !t.valid() {
		return ErrInvalidType
	}
	b := ino.Quota()

	var want [MaxQuotas]bool
	fs.ptr.RLock()
	for cnt := range want {
		want[cnt] = (t == AllTypes || Type(cnt) == t) && b.dquots[cnt] == nil
	}
	fs.ptr.RUnlock()

	var got [MaxQuotas]*Dquot
	var failed [MaxQuotas]bool
	var errs []error
	for cnt := range want {
		if !want[cnt] {
			continue
		}
		typ := Type(cnt)
		d, err := fs.cache.get(ctx, fs, typ, ino.OwnerID(typ))
		if err != nil {
			if !errors.Is(err, ErrQuotaDisabled) {
				klog.ErrorS(err, "Quota record unavailable, type left unenforced", "fs", fs.name, "type", typ)
				failed[cnt] = true
				errs = append(errs, err)
			}
			continue
		}
		got[cnt] = d
	}

	var surplus []*Dquot
	fs.ptr.Lock()
	enabled := fs.enabledTypes()
	for cnt, d := range got {
		switch {
		case d == nil:
			if failed[cnt] && b.dquots[cnt] == nil && enabled[cnt] {
				b.state[cnt] = BindLoadFailed
			}
		case !enabled[cnt], b.dquots[cnt] != nil:
			// Quota went off while the record loaded, or another caller won.
			surplus = append(surplus, d)
		default:
			b.dquots[cnt] = d
			b.state[cnt] = BindBound
		}
	}
	b.recompute()
	fs.ptr.Unlock()

	for _, d := range surplus {
		fs.cache.put(ctx, d)
	}
	return errors.Join(errs...)
}

// Drop releases every record bound to the inode. It must run before the
// inode identity is reused.
func (fs *Filesystem) Drop(ctx context.Context, ino Inode) {
	b := ino.Quota()
	fs.ptr.Lock()
	dropped := b.dquots
	b.dquots = [MaxQuotas]*Dquot{}
	b.state = [MaxQuotas]BindState{}
	b.hasQuota = false
	fs.ptr.Unlock()

	for _, d := range dropped {
		fs.cache.put(ctx, d)
	}
}

// dropType detaches type t from every inode of the filesystem.
func (fs *Filesystem) dropType(ctx context.Context, t Type) {
	var tofree []*Dquot
	fs.ptr.Lock()
	fs.walkInodes(func(ino Inode) {
		b := ino.Quota()
		if d := b.dquots[t]; d != nil {
			tofree = append(tofree, d)
			b.dquots[t] = nil
		}
		b.state[t] = BindUnbound
		b.recompute()
	})
	fs.ptr.Unlock()

	for _, d := range tofree {
		fs.cache.put(ctx, d)
	}
	klog.V(4).InfoS("Dropped inode quota references", "fs", fs.name, "type", t, "count", len(tofree))
}

// grabBound takes a reference on every bound record. Called with ptr held.
func (fs *Filesystem) grabBound(b *Binding) []*Dquot {
	held := make([]*Dquot, MaxQuotas)
	for cnt, d := range b.dquots {
		if d != nil {
			fs.cache.grab(d)
			held[cnt] = d
		}
	}
	return held
}

// AllocSpace charges n bytes to every record bound to the inode, or to
// none of them.
func (fs *Filesystem) AllocSpace(ctx context.Context, ino Inode, n int64, prealloc bool) Result {
	if ino.NoQuota() {
		ino.AddBytes(n)
		return QuotaOK
	}
	c := fs.cache
	b := ino.Quota()
	now := c.now()
	var checks [MaxQuotas]check
	kinds := make([]WarningKind, MaxQuotas)
	res := QuotaOK

	fs.ptr.RLock()
	c.data.Lock()
	for cnt, d := range b.dquots {
		if d == nil {
			continue
		}
		checks[cnt] = c.checkSpace(ctx, d, n, prealloc, now)
		kinds[cnt] = checks[cnt].warn
		if checks[cnt].result == NoQuota {
			res = NoQuota
			break
		}
	}
	if res == QuotaOK {
		for cnt, d := range b.dquots {
			if d != nil {
				c.incrSpace(d, n, checks[cnt], now)
			}
		}
		ino.AddBytes(n)
	}
	c.data.Unlock()
	held := fs.grabBound(b)
	fs.ptr.RUnlock()

	c.markAndPut(ctx, held, kinds, res == QuotaOK)
	return res
}

// AllocInode charges n inodes to every record bound to the inode, or to
// none of them.
func (fs *Filesystem) AllocInode(ctx context.Context, ino Inode, n int64) Result {
	if ino.NoQuota() {
		return QuotaOK
	}
	c := fs.cache
	b := ino.Quota()
	now := c.now()
	var checks [MaxQuotas]check
	kinds := make([]WarningKind, MaxQuotas)
	res := QuotaOK

	fs.ptr.RLock()
	c.data.Lock()
	for cnt, d := range b.dquots {
		if d == nil {
			continue
		}
		checks[cnt] = c.checkInodes(ctx, d, n, now)
		kinds[cnt] = checks[cnt].warn
		if checks[cnt].result == NoQuota {
			res = NoQuota
			break
		}
	}
	if res == QuotaOK {
		for cnt, d := range b.dquots {
			if d != nil {
				c.incrInodes(d, n, checks[cnt], now)
			}
		}
	}
	c.data.Unlock()
	held := fs.grabBound(b)
	fs.ptr.RUnlock()

	c.markAndPut(ctx, held, kinds, res == QuotaOK)
	return res
}

// FreeSpace uncharges n bytes. It is never denied.
func (fs *Filesystem) FreeSpace(ctx context.Context, ino Inode, n int64) {
	if ino.NoQuota() {
		ino.SubBytes(n)
		return
	}
	c := fs.cache
	b := ino.Quota()

	fs.ptr.RLock()
	c.data.Lock()
	for _, d := range b.dquots {
		if d != nil {
			c.decrSpace(d, n)
		}
	}
	ino.SubBytes(n)
	c.data.Unlock()
	held := fs.grabBound(b)
	fs.ptr.RUnlock()

	c.markAndPut(ctx, held, nil, true)
}

// FreeInode uncharges n inodes. It is never denied.
func (fs *Filesystem) FreeInode(ctx context.Context, ino Inode, n int64) {
	if ino.NoQuota() {
		return
	}
	c := fs.cache
	b := ino.Quota()

	fs.ptr.RLock()
	c.data.Lock()
	for _, d := range b.dquots {
		if d != nil {
			c.decrInodes(d, n)
		}
	}
	c.data.Unlock()
	held := fs.grabBound(b)
	fs.ptr.RUnlock()

	c.markAndPut(ctx, held, nil, true)
}
