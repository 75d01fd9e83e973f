package exporter

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/terminus-io/dquot/pkg/dquot"
)

var recordLabels = []string{"fs", "type", "id"}

var (
	descBytesUsed = prometheus.NewDesc(
		"dquot_used_bytes",
		"Space charged to a quota record in bytes",
		recordLabels, nil,
	)
	descBytesLimit = prometheus.NewDesc(
		"dquot_limit_bytes",
		"Hard space limit of a quota record in bytes",
		recordLabels, nil,
	)
	descBytesSoftLimit = prometheus.NewDesc(
		"dquot_soft_limit_bytes",
		"Soft space limit of a quota record in bytes",
		recordLabels, nil,
	)
	descInodesUsed = prometheus.NewDesc(
		"dquot_inodes_used",
		"Inodes charged to a quota record",
		recordLabels, nil,
	)
	descInodesLimit = prometheus.NewDesc(
		"dquot_inodes_limit",
		"Hard inode limit of a quota record",
		recordLabels, nil,
	)
	descInodesSoftLimit = prometheus.NewDesc(
		"dquot_inodes_soft_limit",
		"Soft inode limit of a quota record",
		recordLabels, nil,
	)
	descGraceExpiry = prometheus.NewDesc(
		"dquot_grace_expiry_seconds",
		"Unix time at which a running soft limit grace period ends",
		append(recordLabels, "resource"), nil,
	)
	descRefs = prometheus.NewDesc(
		"dquot_record_references",
		"Live references held on a cached quota record",
		recordLabels, nil,
	)

	descLookups   = prometheus.NewDesc("dquot_cache_lookups_total", "Record lookups", nil, nil)
	descCacheHits = prometheus.NewDesc("dquot_cache_hits_total", "Record lookups served from the cache", nil, nil)
	descDrops     = prometheus.NewDesc("dquot_cache_drops_total", "Record references released", nil, nil)
	descReads     = prometheus.NewDesc("dquot_format_reads_total", "Records read through a quota format", nil, nil)
	descWrites    = prometheus.NewDesc("dquot_format_writes_total", "Records written through a quota format", nil, nil)
	descSyncs     = prometheus.NewDesc("dquot_syncs_total", "Completed quota sync passes", nil, nil)
	descAllocated = prometheus.NewDesc("dquot_cache_records", "Records currently allocated", nil, nil)
	descFree      = prometheus.NewDesc("dquot_cache_free_records", "Unreferenced records kept for reuse", nil, nil)
)

// CacheCollector exports the records of every enabled quota type and the
// cache counters.
type CacheCollector struct {
	cache *dquot.Cache
}

func NewCacheCollector(cache *dquot.Cache) *CacheCollector {
	return &CacheCollector{cache: cache}
}

func (c *CacheCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		descBytesUsed, descBytesLimit, descBytesSoftLimit,
		descInodesUsed, descInodesLimit, descInodesSoftLimit,
		descGraceExpiry, descRefs,
		descLookups, descCacheHits, descDrops, descReads, descWrites, descSyncs,
		descAllocated, descFree,
	} {
		ch <- d
	}
}

func (c *CacheCollector) Collect(ch chan<- prometheus.Metric) {
	for _, fs := range c.cache.Filesystems() {
		for t := dquot.Type(0); t < dquot.MaxQuotas; t++ {
			if _, ok := fs.FormatOf(t); !ok {
				continue
			}
			for _, s := range fs.Records(t) {
				collectRecord(ch, s)
			}
		}
	}

	st := c.cache.Stats()
	ch <- prometheus.MustNewConstMetric(descLookups, prometheus.CounterValue, float64(st.Lookups))
	ch <- prometheus.MustNewConstMetric(descCacheHits, prometheus.CounterValue, float64(st.CacheHits))
	ch <- prometheus.MustNewConstMetric(descDrops, prometheus.CounterValue, float64(st.Drops))
	ch <- prometheus.MustNewConstMetric(descReads, prometheus.CounterValue, float64(st.Reads))
	ch <- prometheus.MustNewConstMetric(descWrites, prometheus.CounterValue, float64(st.Writes))
	ch <- prometheus.MustNewConstMetric(descSyncs, prometheus.CounterValue, float64(st.Syncs))
	ch <- prometheus.MustNewConstMetric(descAllocated, prometheus.GaugeValue, float64(st.Allocated))
	ch <- prometheus.MustNewConstMetric(descFree, prometheus.GaugeValue, float64(st.Free))
}

func collectRecord(ch chan<- prometheus.Metric, s dquot.Snapshot) {
	labels := []string{s.Key.FS, s.Key.Type.String(), strconv.FormatUint(uint64(s.Key.ID), 10)}
	b := s.Block
	gauge := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v), labels...)
	}
	gauge(descBytesUsed, b.CurSpace)
	gauge(descBytesLimit, b.BHardLimit)
	gauge(descBytesSoftLimit, b.BSoftLimit)
	gauge(descInodesUsed, b.CurInodes)
	gauge(descInodesLimit, b.IHardLimit)
	gauge(descInodesSoftLimit, b.ISoftLimit)
	ch <- prometheus.MustNewConstMetric(descRefs, prometheus.GaugeValue, float64(s.Refs), labels...)

	// Expiries of zero mean no grace period is running.
	if b.BTime != 0 {
		ch <- prometheus.MustNewConstMetric(descGraceExpiry, prometheus.GaugeValue, float64(b.BTime),
			append(labels, "space")...)
	}
	if b.ITime != 0 {
		ch <- prometheus.MustNewConstMetric(descGraceExpiry, prometheus.GaugeValue, float64(b.ITime),
			append(labels, "inodes")...)
	}
}
