package exporter

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminus-io/dquot/pkg/dquot"
	"github.com/terminus-io/dquot/pkg/quota"
	"github.com/terminus-io/dquot/pkg/quotafmt/boltfmt"
)

func u64(v uint64) *uint64 { return &v }

func newCache(t *testing.T) (*dquot.Cache, *dquot.Filesystem) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "quota.user")
	require.NoError(t, boltfmt.Init(path, dquot.UserQuota, dquot.FileInfo{
		BlockGrace: dquot.DefaultBlockGrace,
		InodeGrace: dquot.DefaultInodeGrace,
	}))
	cache := dquot.NewCache()
	fs, err := cache.Mount("data", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Unmount(context.Background(), "data") })
	require.NoError(t, fs.On(context.Background(), dquot.UserQuota, dquot.FormatBolt, path))
	return cache, fs
}

func TestCacheCollector(t *testing.T) {
	cache, fs := newCache(t)
	ctx := context.Background()
	_, err := fs.SetRecord(ctx, dquot.UserQuota, 1000, dquot.RecordUpdate{
		BHardLimit: u64(1 << 20),
		BSoftLimit: u64(1 << 19),
		CurSpace:   u64(600 << 10),
		IHardLimit: u64(10),
	})
	require.NoError(t, err)

	c := NewCacheCollector(cache)
	expected := `
# HELP dquot_limit_bytes Hard space limit of a quota record in bytes
# TYPE dquot_limit_bytes gauge
dquot_limit_bytes{fs="data",id="1000",type="user"} 1048576
# HELP dquot_used_bytes Space charged to a quota record in bytes
# TYPE dquot_used_bytes gauge
dquot_used_bytes{fs="data",id="1000",type="user"} 614400
# HELP dquot_inodes_limit Hard inode limit of a quota record
# TYPE dquot_inodes_limit gauge
dquot_inodes_limit{fs="data",id="1000",type="user"} 10
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"dquot_limit_bytes", "dquot_used_bytes", "dquot_inodes_limit"))

	// Space is over the soft limit, inodes are not.
	assert.Equal(t, 1, testutil.CollectAndCount(c, "dquot_grace_expiry_seconds"))
	assert.Equal(t, 1, testutil.CollectAndCount(c, "dquot_cache_lookups_total"))
	assert.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(`
# HELP dquot_cache_records Records currently allocated
# TYPE dquot_cache_records gauge
dquot_cache_records 1
`), "dquot_cache_records"))
}

func TestCacheCollector_SkipsDisabledTypes(t *testing.T) {
	cache, fs := newCache(t)
	ctx := context.Background()
	_, err := fs.SetRecord(ctx, dquot.UserQuota, 1, dquot.RecordUpdate{BHardLimit: u64(1)})
	require.NoError(t, err)
	require.NoError(t, fs.Off(ctx, dquot.UserQuota))

	assert.Equal(t, 0, testutil.CollectAndCount(NewCacheCollector(cache), "dquot_limit_bytes"))
}

type fakeReporter struct {
	reports map[string]map[uint32]quota.QuotaReport
	err     error
}

func (f fakeReporter) FetchAllReports(_ string, _ quota.Source, typeFlag string) (map[uint32]quota.QuotaReport, error) {
	return f.reports[typeFlag], f.err
}

func TestHostCollector(t *testing.T) {
	r := fakeReporter{reports: map[string]map[uint32]quota.QuotaReport{
		quota.Blocks: {7: {ID: 7, Used: 4096, Limit: 8192}},
		quota.Inodes: {7: {ID: 7, Used: 3, Limit: 9}},
	}}
	c := NewHostCollector(
		HostTarget{MountPoint: "/data", Source: quota.SourceProject, Reporter: r},
		HostTarget{MountPoint: "/data", Source: quota.SourceProject, Reporter: r},
	)
	expected := `
# HELP dquot_host_limit_bytes Storage hard limit in bytes per host quota id
# TYPE dquot_host_limit_bytes gauge
dquot_host_limit_bytes{id="7",mount_point="/data",source="project"} 8192
# HELP dquot_host_inodes_used Inode usage count per host quota id
# TYPE dquot_host_inodes_used gauge
dquot_host_inodes_used{id="7",mount_point="/data",source="project"} 3
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"dquot_host_limit_bytes", "dquot_host_inodes_used"))
	assert.Equal(t, 4, testutil.CollectAndCount(c))

	failing := NewHostCollector(
		HostTarget{MountPoint: "/srv", Source: quota.SourceUser, Reporter: fakeReporter{err: errors.New("no quota support")}},
		HostTarget{MountPoint: "/data", Source: quota.SourceProject, Reporter: r},
	)
	assert.Equal(t, 4, testutil.CollectAndCount(failing))
}

func TestNewRegistry(t *testing.T) {
	cache, _ := newCache(t)
	reg := NewRegistry(NewCacheCollector(cache), NewHostCollector())
	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
