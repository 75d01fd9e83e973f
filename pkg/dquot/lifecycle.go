package dquot

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/klog/v2"
)

func (fs *Filesystem) format(t Type) Format {
	fs.cache.data.Lock()
	defer fs.cache.data.Unlock()
	return fs.info[t].format
}

// diskQuota copies the record into the form a Format consumes.
func (fs *Filesystem) diskQuota(d *Dquot) *DiskQuota {
	fs.cache.data.Lock()
	defer fs.cache.data.Unlock()
	return &DiskQuota{Key: d.key, Block: d.dqb, Slot: d.slot}
}

func (fs *Filesystem) setSlot(d *Dquot, slot uint64) {
	fs.cache.data.Lock()
	d.slot = slot
	fs.cache.data.Unlock()
}

// acquire loads the record if needed and makes sure it owns an on-disk
// slot. Only one goroutine performs the I/O for an identity; the others
// wait on the record's io lock and find it active.
func (fs *Filesystem) acquire(ctx context.Context, d *Dquot) error {
	d.io.Lock()
	defer d.io.Unlock()

	f := fs.format(d.key.Type)
	if f == nil {
		return fmt.Errorf("%s: %w", d.key, ErrQuotaDisabled)
	}

	if !d.testFlag(FlagRead) {
		dq := &DiskQuota{Key: d.key}
		if err := f.ReadDquot(ctx, dq); err != nil {
			return fmt.Errorf("read quota record %s: %w", d.key, err)
		}
		fs.cache.stats.reads.Add(1)
		fs.cache.data.Lock()
		d.dqb = dq.Block
		d.slot = dq.Slot
		if d.dqb.HasLimits() {
			d.clearFlag(FlagFake)
		} else {
			d.setFlag(FlagFake)
		}
		fs.cache.data.Unlock()
		d.setFlag(FlagRead)
		klog.V(5).InfoS("Read quota record", "key", d.key, "slot", dq.Slot)
	}

	if !d.testFlag(FlagActive) {
		dq := fs.diskQuota(d)
		if dq.Slot == 0 {
			if err := f.CommitDquot(ctx, dq); err != nil {
				return fmt.Errorf("allocate quota record %s: %w", d.key, err)
			}
			fs.cache.stats.writes.Add(1)
			fs.setSlot(d, dq.Slot)
			if err := fs.writeInfo(ctx, d.key.Type); err != nil {
				return err
			}
		}
		d.setFlag(FlagActive)
	}
	return nil
}

// commit writes a dirty record back. A clean record is left alone.
func (fs *Filesystem) commit(ctx context.Context, d *Dquot) error {
	d.io.Lock()
	defer d.io.Unlock()

	c := fs.cache
	c.list.Lock()
	wasDirty := c.clearDirtyLocked(d)
	c.list.Unlock()
	if !wasDirty {
		return nil
	}

	var err error
	if d.testFlag(FlagActive) {
		if f := fs.format(d.key.Type); f != nil {
			dq := fs.diskQuota(d)
			if err = f.CommitDquot(ctx, dq); err == nil {
				c.stats.writes.Add(1)
				fs.setSlot(d, dq.Slot)
				klog.V(5).InfoS("Committed quota record", "key", d.key, "slot", dq.Slot)
			} else {
				err = fmt.Errorf("commit quota record %s: %w", d.key, err)
			}
		}
	}
	return errors.Join(err, fs.writeInfo(ctx, d.key.Type))
}

// release hands the on-disk slot back to the format when the last
// reference goes away. A reference that appeared before the io lock turns it
// into a no-op; one taken during ReleaseDquot keeps the record active, and
// a later commit allocates a new slot if the old one was given up.
func (fs *Filesystem) release(ctx context.Context, d *Dquot) error {
	d.io.Lock()
	defer d.io.Unlock()

	c := fs.cache
	c.list.Lock()
	refs := d.refs
	c.list.Unlock()
	if refs > 1 {
		return nil
	}

	var err error
	if f := fs.format(d.key.Type); f != nil {
		dq := fs.diskQuota(d)
		if err = f.ReleaseDquot(ctx, dq); err == nil {
			fs.setSlot(d, dq.Slot)
			klog.V(5).InfoS("Released quota record", "key", d.key, "slot", dq.Slot)
		} else {
			err = fmt.Errorf("release quota record %s: %w", d.key, err)
		}
		err = errors.Join(err, fs.writeInfo(ctx, d.key.Type))
	}
	c.list.Lock()
	if d.refs <= 1 {
		d.clearFlag(FlagActive)
	}
	c.list.Unlock()
	return err
}

// markDirty queues an active record for write-back.
func (c *Cache) markDirty(d *Dquot) {
	if !d.testFlag(FlagActive) {
		return
	}
	c.list.Lock()
	defer c.list.Unlock()
	if d.testAndSetFlag(FlagDirty) {
		return
	}
	d.fs.info[d.key.Type].dirty.Insert(d.handle)
}

func (c *Cache) clearDirtyLocked(d *Dquot) bool {
	if !d.testAndClearFlag(FlagDirty) {
		return false
	}
	d.fs.info[d.key.Type].dirty.Delete(d.handle)
	return true
}

// markAndPut dirties every record, flushes the pending warnings and drops
// the references the caller took for the purpose.
func (c *Cache) markAndPut(ctx context.Context, dquots []*Dquot, kinds []WarningKind, dirty bool) {
	if dirty {
		for _, d := range dquots {
			if d != nil {
				c.markDirty(d)
			}
		}
	}
	if kinds != nil {
		c.flushWarnings(ctx, dquots, kinds)
	}
	for _, d := range dquots {
		c.put(ctx, d)
	}
}
