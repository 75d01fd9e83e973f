package dquot

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

// FormatID names a registered on-disk format.
type FormatID int

const (
	FormatBolt FormatID = 1
	FormatEtcd FormatID = 2
)

func (id FormatID) String() string {
	switch id {
	case FormatBolt:
		return "bolt"
	case FormatEtcd:
		return "etcd"
	}
	return fmt.Sprintf("format(%d)", int(id))
}

// ParseFormat accepts a format name or its numeric id.
func ParseFormat(s string) (FormatID, error) {
	switch s {
	case "bolt":
		return FormatBolt, nil
	case "etcd":
		return FormatEtcd, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%q: %w", s, ErrNoSuchFormat)
	}
	return FormatID(n), nil
}

// InfoFlag is the set of per-type quota file flags.
type InfoFlag uint32

const (
	// FlagRootSquash stops privileged callers from ignoring limits.
	FlagRootSquash InfoFlag = 1 << iota
)

// FileInfo is the per-type info block stored next to the records.
type FileInfo struct {
	BlockGrace time.Duration `json:"block_grace"`
	InodeGrace time.Duration `json:"inode_grace"`
	Flags      InfoFlag      `json:"flags"`
}

const (
	// DefaultBlockGrace and DefaultInodeGrace are used for fresh quota files.
	DefaultBlockGrace = 7 * 24 * time.Hour
	DefaultInodeGrace = 7 * 24 * time.Hour
)

// Format is the on-disk encoding of one quota file (one filesystem, one
// type). The engine never interprets the byte layout itself.
//
// CommitDquot must be safe to retry and allocates a slot when dq.Slot is 0.
// ReleaseDquot is called when the last reference goes away; it may free the
// slot of an empty record by setting dq.Slot to 0.
type Format interface {
	CheckQuotaFile(ctx context.Context) bool
	ReadFileInfo(ctx context.Context) (FileInfo, error)
	WriteFileInfo(ctx context.Context, info FileInfo) error
	ReadDquot(ctx context.Context, dq *DiskQuota) error
	CommitDquot(ctx context.Context, dq *DiskQuota) error
	ReleaseDquot(ctx context.Context, dq *DiskQuota) error
	Close() error
}

// FormatFactory opens a Format instance for a quota file.
type FormatFactory func(path string, t Type) (Format, error)

var (
	formatsMu sync.RWMutex
	formats   = map[FormatID]FormatFactory{}
)

// RegisterFormat makes a format available to On. Registering the same id
// twice panics.
func RegisterFormat(id FormatID, factory FormatFactory) {
	formatsMu.Lock()
	defer formatsMu.Unlock()
	if _, ok := formats[id]; ok {
		panic(fmt.Sprintf("dquot: format %d registered twice", id))
	}
	formats[id] = factory
}

// UnregisterFormat removes a format; filesystems already using it keep
// their open instance.
func UnregisterFormat(id FormatID) {
	formatsMu.Lock()
	defer formatsMu.Unlock()
	delete(formats, id)
}

func findFormat(id FormatID) (FormatFactory, error) {
	formatsMu.RLock()
	defer formatsMu.RUnlock()
	f, ok := formats[id]
	if !ok {
		return nil, fmt.Errorf("format %d: %w", id, ErrNoSuchFormat)
	}
	return f, nil
}

// Formats lists the registered format ids.
func Formats() []FormatID {
	formatsMu.RLock()
	defer formatsMu.RUnlock()
	ids := make([]FormatID, 0, len(formats))
	for id := range formats {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
