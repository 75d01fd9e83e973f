// Package native reads host quotas straight from the kernel with quotactl,
// without shelling out.
package native

import (
	"fmt"

	terminus_quota "github.com/terminus-io/quota"

	"github.com/terminus-io/dquot/pkg/quota"
)

const maxID = uint32(999999999)

// The library counts space in 1KiB blocks.
const blockSize = 1024

var quotaTypes = map[quota.Source]terminus_quota.QuotaType{
	quota.SourceUser:    terminus_quota.UserQuota,
	quota.SourceProject: terminus_quota.ProjQuota,
}

type listFunc func(mountPoint string, qtype terminus_quota.QuotaType, maxID uint32) ([]quota.QuotaReport, []quota.QuotaReport, error)

// Reporter serves user and project quotas.
type Reporter struct {
	list listFunc
}

func NewReporter() *Reporter { return &Reporter{list: listQuotas} }

func listQuotas(mountPoint string, qtype terminus_quota.QuotaType, max uint32) ([]quota.QuotaReport, []quota.QuotaReport, error) {
	infos, err := terminus_quota.ListQuotas(mountPoint, qtype, max)
	if err != nil {
		return nil, nil, err
	}
	blocks := make([]quota.QuotaReport, 0, len(infos))
	inodes := make([]quota.QuotaReport, 0, len(infos))
	for _, r := range infos {
		blocks = append(blocks, quota.QuotaReport{
			ID:        r.ID,
			Used:      r.CurrentBlocks * blockSize,
			SoftLimit: r.BlockSoftLimit * blockSize,
			Limit:     r.BlockHardLimit * blockSize,
		})
		inodes = append(inodes, quota.QuotaReport{
			ID:        r.ID,
			Used:      r.CurrentInodes,
			SoftLimit: r.InodeSoftLimit,
			Limit:     r.InodeHardLimit,
		})
	}
	return blocks, inodes, nil
}

func (r *Reporter) FetchAllReports(mountPoint string, source quota.Source, typeFlag string) (map[uint32]quota.QuotaReport, error) {
	qtype, ok := quotaTypes[source]
	if !ok {
		return nil, fmt.Errorf("native reporter: unsupported source %q", source)
	}
	blocks, inodes, err := r.list(mountPoint, qtype, maxID)
	if err != nil {
		return nil, fmt.Errorf("list %s quotas on %s: %w", source, mountPoint, err)
	}
	rows := blocks
	switch typeFlag {
	case quota.Blocks:
	case quota.Inodes:
		rows = inodes
	default:
		return nil, fmt.Errorf("native reporter: unsupported report type %q", typeFlag)
	}
	out := make(map[uint32]quota.QuotaReport, len(rows))
	for _, row := range rows {
		out[row.ID] = row
	}
	return out, nil
}
