package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"

	"github.com/terminus-io/dquot/pkg/api"
	"github.com/terminus-io/dquot/pkg/dquot"
	"github.com/terminus-io/dquot/pkg/exporter"
	"github.com/terminus-io/dquot/pkg/k8s"
	"github.com/terminus-io/dquot/pkg/notify"
	"github.com/terminus-io/dquot/pkg/quota"
	"github.com/terminus-io/dquot/pkg/reporter"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the quota daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), root.configPath)
		},
	}
}

func serve(parent context.Context, configPath string) error {
	e, err := loadEnv(configPath)
	if err != nil {
		return err
	}
	cfg := e.cfg

	var kClient kubernetes.Interface
	if cfg.Node.Name != "" {
		cs, err := k8s.NewClient(cfg.Node.Kubeconfig)
		if err != nil {
			return err
		}
		kClient = cs
	}

	notifier := notify.NewAsyncNotifier(cfg.WarningBuffer, kClient, cfg.Node.Name)
	cache := dquot.NewCache(append(cacheOptions(cfg), dquot.WithWarner(notifier))...)

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := e.mountAll(ctx, cache); err != nil {
		// Types that did come up keep serving.
		klog.ErrorS(err, "Some quotas could not be enabled")
	}
	defer func() {
		unmountAll(context.Background(), cache)
		klog.Info("dquotd stopped gracefully")
	}()

	var targets []exporter.HostTarget
	for _, fsCfg := range cfg.Filesystems {
		if fsCfg.MountPoint == "" {
			continue
		}
		r, err := newHostReporter(fsCfg.HostQuota)
		if err != nil {
			return err
		}
		for _, q := range fsCfg.Quotas {
			src, err := quota.ParseSource(q.HostSource)
			if err != nil {
				return err
			}
			targets = append(targets, exporter.HostTarget{MountPoint: fsCfg.MountPoint, Source: src, Reporter: r})
		}
	}
	collectors := []prometheus.Collector{exporter.NewCacheCollector(cache), exporter.NewHostCollector(targets...)}

	syncer := dquot.NewSyncer(cache, cfg.SyncInterval.Duration)
	server := api.NewServer(cache, notifier)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		klog.Info("Starting warning notifier...")
		notifier.Run(ctx)
		return nil
	})

	g.Go(func() error {
		syncer.Run(ctx)
		return nil
	})

	g.Go(func() error {
		return server.Run(ctx, cfg.APIAddr)
	})

	g.Go(func() error {
		return exporter.StartMetricsServer(ctx, cfg.MetricsAddr, collectors...)
	})

	if kClient != nil {
		rpt := reporter.NewReporter(cache, kClient, cfg.Node.Name, cfg.Node.DiskPath, cfg.Node.ReportInterval.Duration)
		g.Go(func() error {
			rpt.Run(ctx)
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		klog.ErrorS(err, "dquotd exited with error")
		return err
	}
	return nil
}
