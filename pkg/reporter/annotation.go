package reporter

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/klog/v2"

	"github.com/terminus-io/dquot/pkg/dquot"
	"github.com/terminus-io/dquot/pkg/utils"
)

const (
	annotationPrefix    = "dquot.terminus.io/"
	nodeStoragePhyTotal = annotationPrefix + "physical-total"
	nodeStoragePhyUsed  = annotationPrefix + "physical-used"
)

func bytesQuantity(v uint64) string {
	return resource.NewQuantity(int64(v), resource.BinarySI).String()
}

func annotations(totals map[dquot.Type]Totals, disk utils.DiskStatus) map[string]string {
	out := map[string]string{
		nodeStoragePhyTotal: bytesQuantity(disk.Total),
		nodeStoragePhyUsed:  bytesQuantity(disk.Used),
	}
	for t, tot := range totals {
		p := annotationPrefix + t.String() + "-"
		out[p+"records"] = strconv.Itoa(tot.Records)
		out[p+"space-used"] = bytesQuantity(tot.SpaceUsed)
		out[p+"space-limit"] = bytesQuantity(tot.SpaceLimit)
		out[p+"inodes-used"] = strconv.FormatUint(tot.InodesUsed, 10)
		out[p+"inodes-limit"] = strconv.FormatUint(tot.InodesLimit, 10)
	}
	return out
}

// ReportToAnnotation merge-patches the quota totals onto the node and
// advertises the physical capacity as an extended resource.
func (r *Reporter) ReportToAnnotation(ctx context.Context, totals map[dquot.Type]Totals, disk utils.DiskStatus) error {
	patchMap := map[string]interface{}{
		"metadata": map[string]interface{}{
			"annotations": annotations(totals, disk),
		},
	}
	patchData, err := json.Marshal(patchMap)
	if err != nil {
		return err
	}

	nodes := r.kClient.CoreV1().Nodes()
	if _, err := nodes.Patch(ctx, r.nodeName, types.MergePatchType, patchData, metav1.PatchOptions{}); err != nil {
		return fmt.Errorf("failed to patch node annotation: %w", err)
	}
	klog.V(4).InfoS("Updated node stats annotation", "node", r.nodeName)

	total := bytesQuantity(disk.Total)
	statusPatch := map[string]interface{}{
		"status": map[string]interface{}{
			"capacity":    map[string]string{nodeStoragePhyTotal: total},
			"allocatable": map[string]string{nodeStoragePhyTotal: total},
		},
	}
	statusJSON, err := json.Marshal(statusPatch)
	if err != nil {
		return err
	}
	if _, err := nodes.Patch(ctx, r.nodeName, types.MergePatchType, statusJSON, metav1.PatchOptions{}, "status"); err != nil {
		return fmt.Errorf("failed to patch node resource status: %w", err)
	}
	klog.V(4).InfoS("Updated node resource status", "node", r.nodeName)
	return nil
}
