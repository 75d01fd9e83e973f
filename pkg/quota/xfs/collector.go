package xfs

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/terminus-io/dquot/pkg/quota"
)

var sourceFlags = map[quota.Source]string{
	quota.SourceUser:    "u",
	quota.SourceGroup:   "g",
	quota.SourceProject: "p",
}

func (e *CLI) FetchAllReports(mountPoint string, source quota.Source, typeFlag string) (map[uint32]quota.QuotaReport, error) {
	flag, ok := sourceFlags[source]
	if !ok {
		return nil, fmt.Errorf("xfs_quota: unsupported source %q", source)
	}
	if typeFlag != quota.Blocks && typeFlag != quota.Inodes {
		return nil, fmt.Errorf("xfs_quota: unsupported report type %q", typeFlag)
	}
	cmdStr := fmt.Sprintf("report -%s -n -N -%s", flag, typeFlag)
	out, err := e.run("xfs_quota", "-x", "-c", cmdStr, mountPoint)
	if err != nil {
		return nil, fmt.Errorf("xfs_quota report failed: %v, out: %s", err, string(out))
	}
	return ParseReport(out, typeFlag), nil
}

// ParseReport parses "xfs_quota report -n -N" output. Block reports are in
// 1KiB blocks and are converted to bytes.
func ParseReport(out []byte, typeFlag string) map[uint32]quota.QuotaReport {
	unit := uint64(1)
	if typeFlag == quota.Blocks {
		unit = 1024
	}

	reports := make(map[uint32]quota.QuotaReport)
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}

		idStr := strings.TrimPrefix(fields[0], "#")
		idUint, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			continue
		}

		// Columns: ID Used Soft Hard Warn/Grace. Older releases drop Soft.
		used, _ := strconv.ParseUint(fields[1], 10, 64)
		var soft, limit uint64
		if len(fields) >= 4 {
			soft, _ = strconv.ParseUint(fields[2], 10, 64)
			limit, _ = strconv.ParseUint(fields[3], 10, 64)
		} else {
			limit, _ = strconv.ParseUint(fields[2], 10, 64)
		}

		reports[uint32(idUint)] = quota.QuotaReport{
			ID:        uint32(idUint),
			Used:      used * unit,
			SoftLimit: soft * unit,
			Limit:     limit * unit,
		}
	}
	return reports
}
