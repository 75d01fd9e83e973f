package dquot

import (
	"context"
	"errors"
	"time"

	"k8s.io/klog/v2"
)

// Sync writes back every dirty record and info block of type t (or
// AllTypes).
func (fs *Filesystem) Sync(ctx context.Context, t Type) error {
	if t != AllTypes && !t.valid() {
		return ErrInvalidType
	}
	fs.onoff.Lock()
	defer fs.onoff.Unlock()
	return fs.syncLocked(ctx, t)
}

func (fs *Filesystem) syncLocked(ctx context.Context, t Type) error {
	c := fs.cache
	var errs []error
	for cnt := range fs.info {
		typ := Type(cnt)
		if t != AllTypes && typ != t {
			continue
		}
		// Records dirtied while the pass runs are left for the next one.
		c.list.Lock()
		qi := &fs.info[cnt]
		var pending []Handle
		if qi.enabled {
			pending = qi.dirty.UnsortedList()
		}
		c.list.Unlock()

		for _, h := range pending {
			c.list.Lock()
			d := c.lookupHandleLocked(h)
			if d == nil || d.fs != fs || d.key.Type != typ || !d.testFlag(FlagDirty) {
				c.list.Unlock()
				continue
			}
			// Dirty and inactive can only be a record whose activation failed.
			if !d.testFlag(FlagActive) {
				c.clearDirtyLocked(d)
				c.list.Unlock()
				continue
			}
			c.grabLocked(d)
			c.list.Unlock()

			if err := fs.commit(ctx, d); err != nil {
				errs = append(errs, err)
			}
			c.put(ctx, d)
		}
		if fs.Enabled(typ) {
			if err := fs.writeInfo(ctx, typ); err != nil {
				errs = append(errs, err)
			}
		}
	}
	c.stats.syncs.Add(1)
	return errors.Join(errs...)
}

// Syncer periodically writes back dirty records of every mounted
// filesystem.
type Syncer struct {
	cache    *Cache
	Interval time.Duration
}

// NewSyncer returns a Syncer over every filesystem mounted on c.
func NewSyncer(c *Cache, interval time.Duration) *Syncer {
	return &Syncer{cache: c, Interval: interval}
}

// SyncAll writes back every mounted filesystem once.
func (s *Syncer) SyncAll(ctx context.Context) error {
	var errs []error
	for _, fs := range s.cache.Filesystems() {
		if err := fs.Sync(ctx, AllTypes); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run syncs every Interval until ctx is done, then flushes once more.
func (s *Syncer) Run(ctx context.Context) {
	klog.InfoS("Starting quota sync loop", "interval", s.Interval)
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final write-back with a fresh context so a shutdown does not lose usage.
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := s.SyncAll(flushCtx); err != nil {
				klog.ErrorS(err, "Final quota sync failed")
			}
			cancel()
			klog.Info("Quota sync loop stopped")
			return
		case <-ticker.C:
			if err := s.SyncAll(ctx); err != nil {
				klog.Warningf("Quota sync failed: %v", err)
			} else {
				klog.V(5).Info("Quota sync done")
			}
		}
	}
}
