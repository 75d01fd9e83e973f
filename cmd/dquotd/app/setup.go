package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.etcd.io/etcd/client/v2"
	"k8s.io/klog/v2"

	"github.com/terminus-io/dquot/pkg/config"
	"github.com/terminus-io/dquot/pkg/dquot"
	"github.com/terminus-io/dquot/pkg/quota"
	"github.com/terminus-io/dquot/pkg/quota/ext4"
	"github.com/terminus-io/dquot/pkg/quota/native"
	"github.com/terminus-io/dquot/pkg/quota/xfs"
	"github.com/terminus-io/dquot/pkg/quotafmt/boltfmt"
	"github.com/terminus-io/dquot/pkg/quotafmt/etcdfmt"
)

// env is the loaded configuration plus the clients built from it.
type env struct {
	cfg  *config.Config
	etcd client.KeysAPI
}

func loadEnv(path string) (*env, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg}
	if err := e.registerEtcd(); err != nil {
		return nil, err
	}
	return e, nil
}

func cacheOptions(cfg *config.Config) []dquot.Option {
	return []dquot.Option{
		dquot.WithMaxRecords(int(cfg.MaxRecords.Value())),
		dquot.WithDrainTimeout(cfg.DrainTimeout.Duration),
	}
}

// registerEtcd wires the etcd format when endpoints are configured.
func (e *env) registerEtcd() error {
	if len(e.cfg.Etcd.Endpoints) == 0 {
		return nil
	}
	kapi, err := etcdfmt.NewKeysAPI(e.cfg.Etcd.Endpoints, e.cfg.Etcd.Timeout.Duration)
	if err != nil {
		return err
	}
	etcdfmt.Register(kapi)
	e.etcd = kapi
	return nil
}

// ensureStore creates the backing store of q when asked to and it is
// missing.
func (e *env) ensureStore(ctx context.Context, q config.QuotaConfig, t dquot.Type, format dquot.FormatID) error {
	if !q.Create {
		return nil
	}
	switch format {
	case dquot.FormatBolt:
		if _, err := os.Stat(q.Path); err == nil {
			return nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		klog.InfoS("Creating quota file", "path", q.Path, "type", t)
		return boltfmt.Init(q.Path, t, q.QuotaFileInfo())
	case dquot.FormatEtcd:
		if etcdfmt.New(e.etcd, q.Path, t).CheckQuotaFile(ctx) {
			return nil
		}
		klog.InfoS("Creating etcd quota store", "prefix", q.Path, "type", t)
		return etcdfmt.Init(ctx, e.etcd, q.Path, t, q.QuotaFileInfo())
	}
	return nil
}

// mountAll mounts every configured filesystem and turns its quotas on.
// Failures of individual types are collected so the rest still come up.
func (e *env) mountAll(ctx context.Context, cache *dquot.Cache) error {
	var errs []error
	for _, fsCfg := range e.cfg.Filesystems {
		fs, err := cache.Mount(fsCfg.Name, nil)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, q := range fsCfg.Quotas {
			if err := e.quotaOn(ctx, fs, q); err != nil {
				errs = append(errs, fmt.Errorf("%s %s: %w", fsCfg.Name, q.Type, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (e *env) quotaOn(ctx context.Context, fs *dquot.Filesystem, q config.QuotaConfig) error {
	t, err := dquot.ParseType(q.Type)
	if err != nil {
		return err
	}
	format, err := dquot.ParseFormat(q.Format)
	if err != nil {
		return err
	}
	if err := e.ensureStore(ctx, q, t, format); err != nil {
		return err
	}
	return fs.On(ctx, t, format, q.Path)
}

func unmountAll(ctx context.Context, cache *dquot.Cache) {
	for _, fs := range cache.Filesystems() {
		if err := cache.Unmount(ctx, fs.Name()); err != nil {
			klog.ErrorS(err, "Failed to unmount quota filesystem", "fs", fs.Name())
		}
	}
}

// newHostReporter is swapped in tests.
var newHostReporter = hostReporter

func hostReporter(kind string) (quota.Reporter, error) {
	switch kind {
	case "xfs":
		return xfs.NewCLI(), nil
	case "ext4":
		return ext4.NewCLI(), nil
	case "native":
		return native.NewReporter(), nil
	}
	return nil, fmt.Errorf("unknown host quota reporter %q", kind)
}

func findFilesystem(cfg *config.Config, name string) (config.FilesystemConfig, error) {
	for _, fs := range cfg.Filesystems {
		if fs.Name == name {
			return fs, nil
		}
	}
	return config.FilesystemConfig{}, fmt.Errorf("filesystem %q is not configured", name)
}

func findQuota(fsCfg config.FilesystemConfig, t dquot.Type) (config.QuotaConfig, error) {
	for _, q := range fsCfg.Quotas {
		if qt, err := dquot.ParseType(q.Type); err == nil && qt == t {
			return q, nil
		}
	}
	return config.QuotaConfig{}, fmt.Errorf("filesystem %s has no %s quota configured", fsCfg.Name, t)
}
