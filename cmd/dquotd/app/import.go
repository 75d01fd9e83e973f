package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/terminus-io/dquot/pkg/dquot"
	"github.com/terminus-io/dquot/pkg/quota"
)

type importOptions struct {
	fs        string
	quotaType string
	withUsage bool
}

func newImportCommand(root *rootOptions) *cobra.Command {
	opts := &importOptions{}
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Seed quota records from the quotas the host already enforces",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(root.configPath)
			if err != nil {
				return err
			}
			n, err := runImport(cmd.Context(), e, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d %s quotas into %s\n", n, opts.quotaType, opts.fs)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.fs, "fs", "", "configured filesystem to import into")
	cmd.Flags().StringVar(&opts.quotaType, "type", "user", "quota type to import (user or group)")
	cmd.Flags().BoolVar(&opts.withUsage, "with-usage", false, "also copy current usage")
	_ = cmd.MarkFlagRequired("fs")
	return cmd
}

func runImport(ctx context.Context, e *env, opts *importOptions) (int, error) {
	fsCfg, err := findFilesystem(e.cfg, opts.fs)
	if err != nil {
		return 0, err
	}
	if fsCfg.MountPoint == "" {
		return 0, fmt.Errorf("filesystem %s has no mountPoint to read host quotas from", fsCfg.Name)
	}
	t, err := dquot.ParseType(opts.quotaType)
	if err != nil {
		return 0, err
	}
	q, err := findQuota(fsCfg, t)
	if err != nil {
		return 0, err
	}
	src, err := quota.ParseSource(q.HostSource)
	if err != nil {
		return 0, err
	}
	r, err := newHostReporter(fsCfg.HostQuota)
	if err != nil {
		return 0, err
	}

	cache := dquot.NewCache(cacheOptions(e.cfg)...)
	fs, err := cache.Mount(fsCfg.Name, nil)
	if err != nil {
		return 0, err
	}
	// Unmount writes back everything the import touched.
	defer unmountAll(context.Background(), cache)
	if err := e.quotaOn(ctx, fs, q); err != nil {
		return 0, err
	}

	im := &quota.Importer{Reporter: r, MountPoint: fsCfg.MountPoint, Source: src, WithUsage: opts.withUsage}
	return im.Import(ctx, fs, t)
}
