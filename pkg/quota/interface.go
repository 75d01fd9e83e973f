// Package quota reads quotas the host kernel already enforces so they can
// be imported into the engine or exported as metrics.
package quota

import (
	"fmt"
	"sort"
)

// Source selects which host quota table a report reads.
type Source string

const (
	SourceUser    Source = "user"
	SourceGroup   Source = "group"
	SourceProject Source = "project"
)

func ParseSource(s string) (Source, error) {
	switch Source(s) {
	case SourceUser, SourceGroup, SourceProject:
		return Source(s), nil
	}
	return "", fmt.Errorf("unknown quota source %q", s)
}

// Report type flags, as xfs_quota spells them.
const (
	Blocks = "b"
	Inodes = "i"
)

// QuotaReport is one row of a host quota report. Block rows are in bytes.
type QuotaReport struct {
	ID        uint32
	Used      uint64
	SoftLimit uint64
	Limit     uint64
}

type Reporter interface {
	FetchAllReports(mountPoint string, source Source, typeFlag string) (map[uint32]QuotaReport, error)
}

// HostQuota merges the block and inode rows of one id.
type HostQuota struct {
	ID         uint32
	UsedBytes  uint64
	BSoftLimit uint64
	BHardLimit uint64
	UsedInodes uint64
	ISoftLimit uint64
	IHardLimit uint64
}

// Collect runs the block and inode reports and merges them by id.
func Collect(r Reporter, mountPoint string, source Source) ([]HostQuota, error) {
	blocks, err := r.FetchAllReports(mountPoint, source, Blocks)
	if err != nil {
		return nil, err
	}
	inodes, err := r.FetchAllReports(mountPoint, source, Inodes)
	if err != nil {
		return nil, err
	}

	merged := make(map[uint32]*HostQuota, len(blocks))
	get := func(id uint32) *HostQuota {
		if q, ok := merged[id]; ok {
			return q
		}
		q := &HostQuota{ID: id}
		merged[id] = q
		return q
	}
	for id, b := range blocks {
		q := get(id)
		q.UsedBytes, q.BSoftLimit, q.BHardLimit = b.Used, b.SoftLimit, b.Limit
	}
	for id, i := range inodes {
		q := get(id)
		q.UsedInodes, q.ISoftLimit, q.IHardLimit = i.Used, i.SoftLimit, i.Limit
	}

	out := make([]HostQuota, 0, len(merged))
	for _, q := range merged {
		out = append(out, *q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
