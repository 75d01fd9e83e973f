// Package reporter publishes node level quota totals as node annotations.
package reporter

import (
	"context"
	"time"

	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"

	"github.com/terminus-io/dquot/pkg/dquot"
	"github.com/terminus-io/dquot/pkg/utils"
)

type Reporter struct {
	cache    *dquot.Cache
	kClient  kubernetes.Interface
	nodeName string
	diskPath string
	Interval time.Duration

	diskUsage func(path string) (utils.DiskStatus, error)
}

func NewReporter(cache *dquot.Cache, kClient kubernetes.Interface, nodeName, diskPath string, interval time.Duration) *Reporter {
	return &Reporter{
		cache:     cache,
		kClient:   kClient,
		nodeName:  nodeName,
		diskPath:  diskPath,
		Interval:  interval,
		diskUsage: utils.GetDiskUsage,
	}
}

// Totals sums usage and limits over the cached records of one quota type.
type Totals struct {
	Records     int
	SpaceUsed   uint64
	SpaceLimit  uint64
	InodesUsed  uint64
	InodesLimit uint64
}

func (r *Reporter) totals() map[dquot.Type]Totals {
	out := map[dquot.Type]Totals{}
	for _, fs := range r.cache.Filesystems() {
		for t := dquot.Type(0); t < dquot.MaxQuotas; t++ {
			if _, ok := fs.FormatOf(t); !ok {
				continue
			}
			tot := out[t]
			for _, s := range fs.Records(t) {
				tot.Records++
				tot.SpaceUsed += s.Block.CurSpace
				tot.SpaceLimit += s.Block.BHardLimit
				tot.InodesUsed += s.Block.CurInodes
				tot.InodesLimit += s.Block.IHardLimit
			}
			out[t] = tot
		}
	}
	return out
}

func (r *Reporter) report(ctx context.Context) {
	disk, err := r.diskUsage(r.diskPath)
	if err != nil {
		klog.ErrorS(err, "Failed to get disk usage", "path", r.diskPath)
		return
	}
	if err := r.ReportToAnnotation(ctx, r.totals(), disk); err != nil {
		klog.ErrorS(err, "Failed to report node quota stats", "node", r.nodeName)
		return
	}
	klog.V(4).InfoS("Successfully reported node stats", "node", r.nodeName, "total", disk.Total)
}

func (r *Reporter) Run(ctx context.Context) {
	klog.InfoS("Starting reporter loop", "interval", r.Interval, "node", r.nodeName)
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	r.report(ctx)
	for {
		select {
		case <-ctx.Done():
			klog.Info("Reporter context cancelled, stopping loop")
			return
		case <-ticker.C:
			r.report(ctx)
		}
	}
}
