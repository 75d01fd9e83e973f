package xfs

import (
	"os/exec"

	"k8s.io/klog/v2"
)

// CLI reads XFS quotas through the xfs_quota tool.
type CLI struct {
	run func(name string, args ...string) ([]byte, error)
}

func NewCLI() *CLI { return &CLI{run: combinedOutput} }

func combinedOutput(name string, args ...string) ([]byte, error) {
	klog.V(4).InfoS("Exec", "cmd", name, "args", args)
	return exec.Command(name, args...).CombinedOutput()
}
