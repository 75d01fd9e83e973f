package app

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/terminus-io/dquot/pkg/dquot"
	"github.com/terminus-io/dquot/pkg/quotafmt/boltfmt"
	"github.com/terminus-io/dquot/pkg/quotafmt/etcdfmt"
)

type reportOptions struct {
	fs        string
	quotaType string
}

// reportFile is what report prints for one quota file.
type reportFile struct {
	FS      string        `json:"fs"`
	Type    dquot.Type    `json:"type"`
	Format  string        `json:"format"`
	Path    string        `json:"path"`
	Info    reportInfo    `json:"info"`
	Records []reportEntry `json:"records"`
}

type reportInfo struct {
	BlockGrace string `json:"blockGrace"`
	InodeGrace string `json:"inodeGrace"`
	RootSquash bool   `json:"rootSquash"`
}

type reportEntry struct {
	ID uint32 `json:"id"`
	dquot.Block
	Slot uint64 `json:"slot"`
}

func newReportCommand(root *rootOptions) *cobra.Command {
	opts := &reportOptions{}
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print the records stored in a quota file",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(root.configPath)
			if err != nil {
				return err
			}
			return runReport(cmd.Context(), e, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.fs, "fs", "", "configured filesystem")
	cmd.Flags().StringVar(&opts.quotaType, "type", "user", "quota type (user or group)")
	_ = cmd.MarkFlagRequired("fs")
	return cmd
}

// listingFormat is a format that can enumerate its records.
type listingFormat interface {
	dquot.Format
	List(ctx context.Context) ([]dquot.DiskQuota, error)
}

func (e *env) openFormat(format dquot.FormatID, path string, t dquot.Type) (listingFormat, error) {
	switch format {
	case dquot.FormatBolt:
		f, err := boltfmt.Open(path, t)
		if err != nil {
			return nil, err
		}
		return f.(*boltfmt.Format), nil
	case dquot.FormatEtcd:
		if e.etcd == nil {
			return nil, fmt.Errorf("etcd format without etcd endpoints")
		}
		return etcdfmt.New(e.etcd, path, t), nil
	}
	return nil, fmt.Errorf("%s: %w", format, dquot.ErrNoSuchFormat)
}

// runReport reads the backing store directly, without going through the
// cache, so it can inspect files a running daemon does not serve.
func runReport(ctx context.Context, e *env, opts *reportOptions, out io.Writer) error {
	fsCfg, err := findFilesystem(e.cfg, opts.fs)
	if err != nil {
		return err
	}
	t, err := dquot.ParseType(opts.quotaType)
	if err != nil {
		return err
	}
	q, err := findQuota(fsCfg, t)
	if err != nil {
		return err
	}
	format, err := dquot.ParseFormat(q.Format)
	if err != nil {
		return err
	}

	f, err := e.openFormat(format, q.Path, t)
	if err != nil {
		return err
	}
	defer f.Close()
	if !f.CheckQuotaFile(ctx) {
		return fmt.Errorf("%s: %w", q.Path, dquot.ErrInvalidQuotaFile)
	}
	info, err := f.ReadFileInfo(ctx)
	if err != nil {
		return err
	}
	records, err := f.List(ctx)
	if err != nil {
		return err
	}

	rep := reportFile{
		FS:     fsCfg.Name,
		Type:   t,
		Format: format.String(),
		Path:   q.Path,
		Info: reportInfo{
			BlockGrace: info.BlockGrace.String(),
			InodeGrace: info.InodeGrace.String(),
			RootSquash: info.Flags&dquot.FlagRootSquash != 0,
		},
		Records: make([]reportEntry, 0, len(records)),
	}
	for _, r := range records {
		rep.Records = append(rep.Records, reportEntry{ID: r.Key.ID, Block: r.Block, Slot: r.Slot})
	}
	data, err := yaml.Marshal(rep)
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}
