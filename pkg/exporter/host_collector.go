package exporter

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"

	"github.com/terminus-io/dquot/pkg/quota"
)

var hostLabels = []string{"mount_point", "source", "id"}

var (
	descHostBytesUsed = prometheus.NewDesc(
		"dquot_host_used_bytes",
		"Storage usage in bytes per host quota id",
		hostLabels, nil,
	)
	descHostBytesLimit = prometheus.NewDesc(
		"dquot_host_limit_bytes",
		"Storage hard limit in bytes per host quota id",
		hostLabels, nil,
	)
	descHostInodesUsed = prometheus.NewDesc(
		"dquot_host_inodes_used",
		"Inode usage count per host quota id",
		hostLabels, nil,
	)
	descHostInodesLimit = prometheus.NewDesc(
		"dquot_host_inodes_limit",
		"Inode hard limit count per host quota id",
		hostLabels, nil,
	)
)

// HostTarget is one host quota table to export.
type HostTarget struct {
	MountPoint string
	Source     quota.Source
	Reporter   quota.Reporter
}

// HostCollector exports the quotas the host kernel enforces, read through
// xfs_quota, repquota or quotactl. Duplicate targets are collected once.
type HostCollector struct {
	targets []HostTarget
}

func NewHostCollector(targets ...HostTarget) *HostCollector {
	seen := map[[2]string]bool{}
	c := &HostCollector{}
	for _, t := range targets {
		k := [2]string{t.MountPoint, string(t.Source)}
		if seen[k] {
			continue
		}
		seen[k] = true
		c.targets = append(c.targets, t)
	}
	return c
}

func (c *HostCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descHostBytesUsed
	ch <- descHostBytesLimit
	ch <- descHostInodesUsed
	ch <- descHostInodesLimit
}

func (c *HostCollector) Collect(ch chan<- prometheus.Metric) {
	for _, t := range c.targets {
		quotas, err := quota.Collect(t.Reporter, t.MountPoint, t.Source)
		if err != nil {
			klog.ErrorS(err, "Failed to collect host quotas", "mountPoint", t.MountPoint, "source", t.Source)
			continue
		}
		src := string(t.Source)
		for _, q := range quotas {
			idStr := strconv.FormatUint(uint64(q.ID), 10)
			ch <- prometheus.MustNewConstMetric(descHostBytesUsed, prometheus.GaugeValue, float64(q.UsedBytes),
				t.MountPoint, src, idStr)
			ch <- prometheus.MustNewConstMetric(descHostBytesLimit, prometheus.GaugeValue, float64(q.BHardLimit),
				t.MountPoint, src, idStr)
			ch <- prometheus.MustNewConstMetric(descHostInodesUsed, prometheus.GaugeValue, float64(q.UsedInodes),
				t.MountPoint, src, idStr)
			ch <- prometheus.MustNewConstMetric(descHostInodesLimit, prometheus.GaugeValue, float64(q.IHardLimit),
				t.MountPoint, src, idStr)
		}
	}
}
