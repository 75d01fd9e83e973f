package dquot

import (
	"context"
	"errors"
)

// Transfer moves the inode's accounted usage (one inode plus its bytes)
// from its current records to the records of the new owners. Either every
// changing type moves or nothing changes. The caller updates the inode's
// owner ids after a QuotaOK result.
func (fs *Filesystem) Transfer(ctx context.Context, ino Inode, to Owners) (Result, error) {
	if ino.NoQuota() {
		return QuotaOK, nil
	}
	c := fs.cache

	var targets [MaxQuotas]*Dquot
	for cnt, id := range to {
		typ := Type(cnt)
		if id == nil || *id == ino.OwnerID(typ) {
			continue
		}
		d, err := c.get(ctx, fs, typ, *id)
		if err != nil {
			if errors.Is(err, ErrQuotaDisabled) {
				continue
			}
			for _, t := range targets {
				c.put(ctx, t)
			}
			return NoQuota, err
		}
		targets[cnt] = d
	}

	b := ino.Quota()
	now := c.now()
	var inodeChecks, spaceChecks [MaxQuotas]check
	kinds := make([]WarningKind, MaxQuotas)
	res := QuotaOK
	var from [MaxQuotas]*Dquot

	fs.ptr.Lock()
	// A type turned off after its target loaded is left alone.
	var stale []*Dquot
	enabled := fs.enabledTypes()
	for cnt, d := range targets {
		if d != nil && !enabled[cnt] {
			stale = append(stale, d)
			targets[cnt] = nil
		}
	}
	c.data.Lock()
	space := ino.Bytes()
	for cnt, d := range targets {
		if d == nil {
			continue
		}
		inodeChecks[cnt] = c.checkInodes(ctx, d, 1, now)
		kinds[cnt] = inodeChecks[cnt].warn
		if inodeChecks[cnt].result == NoQuota {
			res = NoQuota
			break
		}
		spaceChecks[cnt] = c.checkSpace(ctx, d, space, false, now)
		if spaceChecks[cnt].warn != NoWarning {
			kinds[cnt] = spaceChecks[cnt].warn
		}
		if spaceChecks[cnt].result == NoQuota {
			res = NoQuota
			break
		}
	}
	if res == QuotaOK {
		for cnt, d := range targets {
			if d == nil {
				continue
			}
			// An earlier load failure may have left no source record.
			if src := b.dquots[cnt]; src != nil {
				c.decrInodes(src, 1)
				c.decrSpace(src, space)
			}
			c.incrInodes(d, 1, inodeChecks[cnt], now)
			c.incrSpace(d, space, spaceChecks[cnt], now)
			from[cnt] = b.dquots[cnt]
			b.dquots[cnt] = d
			b.state[cnt] = BindBound
			// The inode now owns the target reference; keep one for dirtying.
			c.grab(d)
		}
		b.recompute()
	}
	c.data.Unlock()
	fs.ptr.Unlock()

	for _, d := range stale {
		c.put(ctx, d)
	}
	c.flushWarnings(ctx, targets[:], kinds)
	if res == NoQuota {
		for _, d := range targets {
			c.put(ctx, d)
		}
		return NoQuota, nil
	}
	touched := make([]*Dquot, 0, 2*MaxQuotas)
	for cnt := range targets {
		if targets[cnt] != nil {
			touched = append(touched, targets[cnt], from[cnt])
		}
	}
	c.markAndPut(ctx, touched, nil, true)
	return QuotaOK, nil
}
