// Package config loads the dquotd configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/klog/v2"
	"sigs.k8s.io/yaml"

	"github.com/terminus-io/dquot/pkg/dquot"
	"github.com/terminus-io/dquot/pkg/quota"
)

type Config struct {
	APIAddr     string `json:"apiAddr"`
	MetricsAddr string `json:"metricsAddr"`

	SyncInterval metav1.Duration `json:"syncInterval"`
	DrainTimeout metav1.Duration `json:"drainTimeout"`
	// MaxRecords bounds live cache records, e.g. "64k". Zero is unbounded.
	MaxRecords resource.Quantity `json:"maxRecords"`
	// WarningBuffer is the notifier queue length.
	WarningBuffer int `json:"warningBuffer"`

	Etcd        EtcdConfig         `json:"etcd"`
	Node        NodeConfig         `json:"node"`
	Filesystems []FilesystemConfig `json:"filesystems"`
}

type EtcdConfig struct {
	Endpoints []string        `json:"endpoints"`
	Timeout   metav1.Duration `json:"timeout"`
}

type NodeConfig struct {
	// Name is the node warnings and totals are reported on. Empty disables
	// the Kubernetes integration.
	Name           string          `json:"name"`
	Kubeconfig     string          `json:"kubeconfig"`
	ReportInterval metav1.Duration `json:"reportInterval"`
	DiskPath       string          `json:"diskPath"`
}

type FilesystemConfig struct {
	Name string `json:"name"`
	// MountPoint is where host quotas for this filesystem are read from.
	MountPoint string `json:"mountPoint"`
	// HostQuota selects the host reporter: xfs, ext4 or native.
	HostQuota string        `json:"hostQuota"`
	Quotas    []QuotaConfig `json:"quotas"`
}

type QuotaConfig struct {
	Type   string `json:"type"`
	Format string `json:"format"`
	// Path is a bolt file or an etcd key prefix.
	Path string `json:"path"`
	// Create initialises the backing store when it does not exist yet.
	Create     bool             `json:"create"`
	BlockGrace *metav1.Duration `json:"blockGrace,omitempty"`
	InodeGrace *metav1.Duration `json:"inodeGrace,omitempty"`
	// HostSource names the host quota table imported into this type.
	HostSource string `json:"hostSource,omitempty"`
}

func (c *Config) SetDefaults() {
	if c.APIAddr == "" {
		c.APIAddr = ":9300"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9201"
	}
	if c.SyncInterval.Duration <= 0 {
		c.SyncInterval.Duration = 30 * time.Second
	}
	if c.DrainTimeout.Duration <= 0 {
		c.DrainTimeout.Duration = 5 * time.Second
	}
	if c.WarningBuffer <= 0 {
		c.WarningBuffer = 1000
	}
	if c.Etcd.Timeout.Duration <= 0 {
		c.Etcd.Timeout.Duration = 5 * time.Second
	}
	if c.Node.ReportInterval.Duration <= 0 {
		c.Node.ReportInterval.Duration = 30 * time.Second
	}
	if c.Node.DiskPath == "" {
		c.Node.DiskPath = "/"
	}
	for i := range c.Filesystems {
		fs := &c.Filesystems[i]
		if fs.HostQuota == "" {
			fs.HostQuota = "xfs"
		}
		for j := range fs.Quotas {
			q := &fs.Quotas[j]
			// Canonical names let type aliases double as host sources.
			if t, err := dquot.ParseType(q.Type); err == nil {
				q.Type = t.String()
			}
			if q.Format == "" {
				q.Format = dquot.FormatBolt.String()
			}
			if q.BlockGrace == nil {
				q.BlockGrace = &metav1.Duration{Duration: dquot.DefaultBlockGrace}
			}
			if q.InodeGrace == nil {
				q.InodeGrace = &metav1.Duration{Duration: dquot.DefaultInodeGrace}
			}
			if q.HostSource == "" {
				q.HostSource = q.Type
			}
		}
	}
}

// Validate reports every problem in the configuration.
func (c *Config) Validate() error {
	var errs []error
	if c.MaxRecords.Sign() < 0 {
		errs = append(errs, fmt.Errorf("maxRecords must not be negative"))
	}
	names := map[string]bool{}
	for _, fs := range c.Filesystems {
		if fs.Name == "" {
			errs = append(errs, errors.New("filesystem without a name"))
			continue
		}
		if names[fs.Name] {
			errs = append(errs, fmt.Errorf("filesystem %s: defined twice", fs.Name))
		}
		names[fs.Name] = true
		switch fs.HostQuota {
		case "xfs", "ext4", "native":
		default:
			errs = append(errs, fmt.Errorf("filesystem %s: unknown hostQuota %q", fs.Name, fs.HostQuota))
		}
		seen := map[dquot.Type]bool{}
		for _, q := range fs.Quotas {
			t, err := dquot.ParseType(q.Type)
			if err != nil {
				errs = append(errs, fmt.Errorf("filesystem %s: %w", fs.Name, err))
				continue
			}
			if seen[t] {
				errs = append(errs, fmt.Errorf("filesystem %s: %s quota defined twice", fs.Name, t))
			}
			seen[t] = true
			format, err := dquot.ParseFormat(q.Format)
			if err != nil {
				errs = append(errs, fmt.Errorf("filesystem %s %s: %w", fs.Name, t, err))
			} else if format == dquot.FormatEtcd && len(c.Etcd.Endpoints) == 0 {
				errs = append(errs, fmt.Errorf("filesystem %s %s: etcd format without etcd endpoints", fs.Name, t))
			}
			if q.Path == "" {
				errs = append(errs, fmt.Errorf("filesystem %s %s: path is required", fs.Name, t))
			}
			if _, err := quota.ParseSource(q.HostSource); q.HostSource != "" && err != nil {
				errs = append(errs, fmt.Errorf("filesystem %s %s: %w", fs.Name, t, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Load reads a YAML file, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	klog.V(2).InfoS("Loaded configuration", "filesystems", len(cfg.Filesystems), "etcd", len(cfg.Etcd.Endpoints) > 0)
	return cfg, nil
}

// QuotaFileInfo is the initial file info for a freshly created store.
func (q QuotaConfig) QuotaFileInfo() dquot.FileInfo {
	return dquot.FileInfo{BlockGrace: q.BlockGrace.Duration, InodeGrace: q.InodeGrace.Duration}
}
