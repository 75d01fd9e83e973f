package dquot

import "context"

type overrideKey struct{}

// WithResourceOverride marks the caller as allowed to exceed hard limits
// and expired soft limits.
func WithResourceOverride(ctx context.Context) context.Context {
	return context.WithValue(ctx, overrideKey{}, true)
}

// CanOverrideLimits reports whether ctx carries the override privilege.
func CanOverrideLimits(ctx context.Context) bool {
	v, _ := ctx.Value(overrideKey{}).(bool)
	return v
}

// check is the decision for one record. arm asks the apply step to start
// the grace timer.
type check struct {
	result Result
	warn   WarningKind
	arm    bool
}

// ignoreLimits is called with the data lock held.
func (c *Cache) ignoreLimits(ctx context.Context, d *Dquot) bool {
	return CanOverrideLimits(ctx) && d.fs.info[d.key.Type].file.Flags&FlagRootSquash == 0
}

// checkInodes decides whether n more inodes fit into d. Called with the
// data lock held.
func (c *Cache) checkInodes(ctx context.Context, d *Dquot, n int64, now int64) check {
	if n <= 0 || d.testFlag(FlagFake) {
		return check{}
	}
	b := &d.dqb
	next := b.CurInodes + uint64(n)

	if b.IHardLimit != 0 && next > b.IHardLimit && !c.ignoreLimits(ctx, d) {
		return check{result: NoQuota, warn: InodeHardWarn}
	}
	if b.ISoftLimit != 0 && next > b.ISoftLimit && b.ITime != 0 && now >= b.ITime &&
		!c.ignoreLimits(ctx, d) {
		return check{result: NoQuota, warn: InodeSoftLongWarn}
	}
	if b.ISoftLimit != 0 && next > b.ISoftLimit && b.ITime == 0 {
		return check{warn: InodeSoftWarn, arm: true}
	}
	return check{}
}

// checkSpace decides whether n more bytes fit into d. Preallocation never
// goes past the soft limit and never warns. Called with the data lock held.
func (c *Cache) checkSpace(ctx context.Context, d *Dquot, n int64, prealloc bool, now int64) check {
	if n <= 0 || d.testFlag(FlagFake) {
		return check{}
	}
	b := &d.dqb
	next := b.CurSpace + uint64(n)

	if b.BHardLimit != 0 && next > b.BHardLimit && !c.ignoreLimits(ctx, d) {
		if prealloc {
			return check{result: NoQuota}
		}
		return check{result: NoQuota, warn: BlockHardWarn}
	}
	if b.BSoftLimit != 0 && next > b.BSoftLimit {
		if prealloc {
			return check{result: NoQuota}
		}
		if b.BTime != 0 && now >= b.BTime && !c.ignoreLimits(ctx, d) {
			return check{result: NoQuota, warn: BlockSoftLongWarn}
		}
		if b.BTime == 0 {
			return check{warn: BlockSoftWarn, arm: true}
		}
	}
	return check{}
}

// The helpers below mutate usage and are called with the data lock held.

func (c *Cache) incrInodes(d *Dquot, n int64, chk check, now int64) {
	d.dqb.CurInodes += uint64(n)
	if chk.arm {
		_, grace := d.fs.graceFor(d.key.Type)
		d.dqb.ITime = now + grace
	}
}

func (c *Cache) incrSpace(d *Dquot, n int64, chk check, now int64) {
	d.dqb.CurSpace += uint64(n)
	if chk.arm {
		grace, _ := d.fs.graceFor(d.key.Type)
		d.dqb.BTime = now + grace
	}
}

func (c *Cache) decrInodes(d *Dquot, n int64) {
	b := &d.dqb
	if b.CurInodes >= uint64(n) {
		b.CurInodes -= uint64(n)
	} else {
		b.CurInodes = 0
	}
	if b.CurInodes <= b.ISoftLimit {
		b.ITime = 0
	}
	d.clearFlag(FlagInodesWarned)
}

func (c *Cache) decrSpace(d *Dquot, n int64) {
	b := &d.dqb
	if b.CurSpace >= uint64(n) {
		b.CurSpace -= uint64(n)
	} else {
		b.CurSpace = 0
	}
	if b.CurSpace <= b.BSoftLimit {
		b.BTime = 0
	}
	d.clearFlag(FlagBlocksWarned)
}
