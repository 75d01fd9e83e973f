package ext4

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/terminus-io/dquot/pkg/quota"
)

var sourceFlags = map[quota.Source]string{
	quota.SourceUser:    "-u",
	quota.SourceGroup:   "-g",
	quota.SourceProject: "-P",
}

func (e *CLI) FetchAllReports(mountPoint string, source quota.Source, typeFlag string) (map[uint32]quota.QuotaReport, error) {
	flag, ok := sourceFlags[source]
	if !ok {
		return nil, fmt.Errorf("repquota: unsupported source %q", source)
	}
	if typeFlag != quota.Blocks && typeFlag != quota.Inodes {
		return nil, fmt.Errorf("repquota: unsupported report type %q", typeFlag)
	}
	out, err := e.run("repquota", flag, "-n", mountPoint)
	if err != nil {
		return nil, fmt.Errorf("repquota failed: %v, out: %s", err, string(out))
	}
	return ParseReport(out, typeFlag), nil
}

// ParseReport parses "repquota -n" output. Each row carries both block and
// inode columns; a grace column only appears after a limit that is exceeded,
// which the two-character flag field announces with '+'.
func ParseReport(out []byte, typeFlag string) map[uint32]quota.QuotaReport {
	reports := make(map[uint32]quota.QuotaReport)
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 8 || !strings.HasPrefix(fields[0], "#") {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimPrefix(fields[0], "#"), 10, 32)
		if err != nil {
			continue
		}
		flags := fields[1]
		if len(flags) != 2 {
			continue
		}

		cols := fields[2:]
		block, rest, ok := limitColumns(cols, flags[0] == '+')
		if !ok {
			continue
		}
		inode, _, ok := limitColumns(rest, flags[1] == '+')
		if !ok {
			continue
		}

		r := quota.QuotaReport{ID: uint32(id)}
		if typeFlag == quota.Blocks {
			r.Used, r.SoftLimit, r.Limit = block[0]*1024, block[1]*1024, block[2]*1024
		} else {
			r.Used, r.SoftLimit, r.Limit = inode[0], inode[1], inode[2]
		}
		reports[r.ID] = r
	}
	return reports
}

// limitColumns reads used, soft and hard and skips the grace column when
// present.
func limitColumns(cols []string, hasGrace bool) ([3]uint64, []string, bool) {
	var v [3]uint64
	if len(cols) < 3 {
		return v, nil, false
	}
	for i := range v {
		n, err := strconv.ParseUint(cols[i], 10, 64)
		if err != nil {
			return v, nil, false
		}
		v[i] = n
	}
	rest := cols[3:]
	if hasGrace && len(rest) > 0 {
		rest = rest[1:]
	}
	return v, rest, true
}
