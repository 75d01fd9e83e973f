package native

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	terminus_quota "github.com/terminus-io/quota"

	"github.com/terminus-io/dquot/pkg/quota"
)

func TestFetchAllReports(t *testing.T) {
	r := &Reporter{list: func(mountPoint string, qtype terminus_quota.QuotaType, max uint32) ([]quota.QuotaReport, []quota.QuotaReport, error) {
		assert.Equal(t, "/data", mountPoint)
		assert.Equal(t, terminus_quota.ProjQuota, qtype)
		assert.Equal(t, maxID, max)
		return []quota.QuotaReport{{ID: 3, Used: 4096, Limit: 1 << 20}},
			[]quota.QuotaReport{{ID: 3, Used: 2}}, nil
	}}

	hq, err := quota.Collect(r, "/data", quota.SourceProject)
	require.NoError(t, err)
	assert.Equal(t, []quota.HostQuota{{ID: 3, UsedBytes: 4096, BHardLimit: 1 << 20, UsedInodes: 2}}, hq)

	_, err = r.FetchAllReports("/data", quota.SourceGroup, quota.Blocks)
	assert.Error(t, err)
}

func TestFetchAllReports_ListError(t *testing.T) {
	r := &Reporter{list: func(string, terminus_quota.QuotaType, uint32) ([]quota.QuotaReport, []quota.QuotaReport, error) {
		return nil, nil, errors.New("operation not permitted")
	}}
	_, err := r.FetchAllReports("/data", quota.SourceProject, quota.Inodes)
	assert.ErrorContains(t, err, "operation not permitted")
}
