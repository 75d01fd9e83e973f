package quota

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"
	"k8s.io/utils/ptr"

	"github.com/terminus-io/dquot/pkg/dquot"
)

// Importer copies host quotas into an engine filesystem.
type Importer struct {
	Reporter   Reporter
	MountPoint string
	Source     Source
	// WithUsage also overwrites current usage, not only limits.
	WithUsage bool
}

// Import reads the host report and stores each id under type t. It returns
// how many records were written; the first failing id stops the run.
func (im *Importer) Import(ctx context.Context, fs *dquot.Filesystem, t dquot.Type) (int, error) {
	quotas, err := Collect(im.Reporter, im.MountPoint, im.Source)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, q := range quotas {
		if q.BSoftLimit == 0 && q.BHardLimit == 0 && q.ISoftLimit == 0 && q.IHardLimit == 0 && !im.WithUsage {
			continue
		}
		upd := dquot.RecordUpdate{
			BHardLimit: ptr.To(q.BHardLimit),
			BSoftLimit: ptr.To(q.BSoftLimit),
			IHardLimit: ptr.To(q.IHardLimit),
			ISoftLimit: ptr.To(q.ISoftLimit),
		}
		if im.WithUsage {
			upd.CurSpace = ptr.To(q.UsedBytes)
			upd.CurInodes = ptr.To(q.UsedInodes)
		}
		if _, err := fs.SetRecord(ctx, t, q.ID, upd); err != nil {
			return n, fmt.Errorf("import %s quota %d: %w", im.Source, q.ID, err)
		}
		n++
	}
	klog.InfoS("Imported host quotas", "mountPoint", im.MountPoint, "source", im.Source,
		"fs", fs.Name(), "type", t, "records", n)
	return n, nil
}
