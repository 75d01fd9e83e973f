package dquot

import (
	"context"

	"k8s.io/klog/v2"
)

// WarningKind classifies a limit crossing.
type WarningKind int

const (
	NoWarning WarningKind = iota
	InodeHardWarn
	InodeSoftLongWarn
	InodeSoftWarn
	BlockHardWarn
	BlockSoftLongWarn
	BlockSoftWarn
)

func (w WarningKind) String() string {
	switch w {
	case InodeHardWarn:
		return "inode-hard"
	case InodeSoftLongWarn:
		return "inode-soft-long"
	case InodeSoftWarn:
		return "inode-soft"
	case BlockHardWarn:
		return "block-hard"
	case BlockSoftLongWarn:
		return "block-soft-long"
	case BlockSoftWarn:
		return "block-soft"
	}
	return "none"
}

// Message is the text shown to the owner of the record.
func (w WarningKind) Message() string {
	switch w {
	case InodeHardWarn:
		return "file limit reached"
	case InodeSoftLongWarn:
		return "file quota exceeded too long"
	case InodeSoftWarn:
		return "warning, file quota exceeded"
	case BlockHardWarn:
		return "write failed, block limit reached"
	case BlockSoftLongWarn:
		return "write failed, block quota exceeded too long"
	case BlockSoftWarn:
		return "warning, block quota exceeded"
	}
	return ""
}

// warnedFlag is the flag that suppresses repeated warnings of kind w; zero
// for kinds that are reported every time.
func (w WarningKind) warnedFlag() Flag {
	switch w {
	case BlockHardWarn, BlockSoftLongWarn:
		return FlagBlocksWarned
	case InodeHardWarn, InodeSoftLongWarn:
		return FlagInodesWarned
	}
	return 0
}

// Warning is delivered to the owner of the record that crossed a limit.
type Warning struct {
	Key  Key
	Kind WarningKind
}

// Warner delivers warnings. Delivery is best effort and must not block the
// accounting path for long.
type Warner interface {
	Warn(ctx context.Context, w Warning)
}

// WarnerFunc adapts a function to Warner.
type WarnerFunc func(ctx context.Context, w Warning)

func (f WarnerFunc) Warn(ctx context.Context, w Warning) { f(ctx, w) }

type klogWarner struct{}

func (klogWarner) Warn(_ context.Context, w Warning) {
	klog.InfoS("Quota warning", "fs", w.Key.FS, "type", w.Key.Type, "id", w.Key.ID,
		"kind", w.Kind, "message", w.Kind.Message())
}

// flushWarnings emits the pending warnings of an operation, once per
// crossing for hard and soft-long kinds.
func (c *Cache) flushWarnings(ctx context.Context, dquots []*Dquot, kinds []WarningKind) {
	for i, d := range dquots {
		if d == nil || kinds[i] == NoWarning {
			continue
		}
		if flag := kinds[i].warnedFlag(); flag != 0 && d.testAndSetFlag(flag) {
			continue
		}
		c.warner.Warn(ctx, Warning{Key: d.key, Kind: kinds[i]})
	}
}
