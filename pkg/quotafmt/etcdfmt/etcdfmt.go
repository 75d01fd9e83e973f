// Package etcdfmt keeps quota files in an etcd v2 key space so several
// nodes can share limits.
//
// A quota file is a key prefix. The info block lives at
// <prefix>/<type>/info and each record at <prefix>/<type>/dquots/<id>, both
// as JSON. The etcd CreatedIndex of a record key is its slot.
package etcdfmt

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strconv"
	"time"

	client "go.etcd.io/etcd/client/v2"
	"k8s.io/klog/v2"

	"github.com/terminus-io/dquot/pkg/dquot"
)

// NewKeysAPI connects to the given etcd endpoints.
func NewKeysAPI(endpoints []string, timeout time.Duration) (client.KeysAPI, error) {
	c, err := client.New(client.Config{
		Endpoints:               endpoints,
		Transport:               client.DefaultTransport,
		HeaderTimeoutPerRequest: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create etcd client: %w", err)
	}
	return client.NewKeysAPI(c), nil
}

// Register makes the etcd format available under dquot.FormatEtcd. The
// path handed to On is the key prefix.
func Register(kapi client.KeysAPI) {
	dquot.RegisterFormat(dquot.FormatEtcd, func(prefix string, t dquot.Type) (dquot.Format, error) {
		return New(kapi, prefix, t), nil
	})
}

// Format is one quota file in etcd.
type Format struct {
	kapi   client.KeysAPI
	prefix string
	t      dquot.Type
}

var _ dquot.Format = &Format{}

func New(kapi client.KeysAPI, prefix string, t dquot.Type) *Format {
	return &Format{kapi: kapi, prefix: prefix, t: t}
}

func (f *Format) infoKey() string { return path.Join(f.prefix, f.t.String(), "info") }
func (f *Format) dquotsDir() string {
	return path.Join(f.prefix, f.t.String(), "dquots")
}
func (f *Format) dquotKey(id uint32) string {
	return path.Join(f.dquotsDir(), strconv.FormatUint(uint64(id), 10))
}

type fileInfo struct {
	BlockGrace int64          `json:"block_grace"`
	InodeGrace int64          `json:"inode_grace"`
	Flags      dquot.InfoFlag `json:"flags"`
}

func toFileInfo(info dquot.FileInfo) fileInfo {
	return fileInfo{
		BlockGrace: int64(info.BlockGrace / time.Second),
		InodeGrace: int64(info.InodeGrace / time.Second),
		Flags:      info.Flags,
	}
}

// Init creates the info block of a new quota file. It fails if the file
// already exists.
func Init(ctx context.Context, kapi client.KeysAPI, prefix string, t dquot.Type, info dquot.FileInfo) error {
	f := New(kapi, prefix, t)
	raw, err := json.Marshal(toFileInfo(info))
	if err != nil {
		return err
	}
	_, err = kapi.Set(ctx, f.infoKey(), string(raw), &client.SetOptions{PrevExist: client.PrevNoExist})
	if err != nil {
		return fmt.Errorf("init %s: %w", f.infoKey(), err)
	}
	return nil
}

func (f *Format) CheckQuotaFile(ctx context.Context) bool {
	_, err := f.ReadFileInfo(ctx)
	if err != nil {
		klog.V(2).InfoS("Not an etcd quota file", "prefix", f.prefix, "type", f.t, "err", err)
		return false
	}
	return true
}

func (f *Format) ReadFileInfo(ctx context.Context) (dquot.FileInfo, error) {
	resp, err := f.kapi.Get(ctx, f.infoKey(), nil)
	if err != nil {
		if client.IsKeyNotFound(err) {
			return dquot.FileInfo{}, dquot.ErrInvalidQuotaFile
		}
		return dquot.FileInfo{}, err
	}
	var fi fileInfo
	if err := json.Unmarshal([]byte(resp.Node.Value), &fi); err != nil {
		return dquot.FileInfo{}, fmt.Errorf("decode %s: %w", f.infoKey(), err)
	}
	return dquot.FileInfo{
		BlockGrace: time.Duration(fi.BlockGrace) * time.Second,
		InodeGrace: time.Duration(fi.InodeGrace) * time.Second,
		Flags:      fi.Flags,
	}, nil
}

func (f *Format) WriteFileInfo(ctx context.Context, info dquot.FileInfo) error {
	raw, err := json.Marshal(toFileInfo(info))
	if err != nil {
		return err
	}
	_, err = f.kapi.Set(ctx, f.infoKey(), string(raw), &client.SetOptions{PrevExist: client.PrevExist})
	return err
}

// ReadDquot fills dq from etcd. A missing key reads as an empty record
// without a slot.
func (f *Format) ReadDquot(ctx context.Context, dq *dquot.DiskQuota) error {
	resp, err := f.kapi.Get(ctx, f.dquotKey(dq.Key.ID), nil)
	if err != nil {
		if client.IsKeyNotFound(err) {
			dq.Block = dquot.Block{}
			dq.Slot = 0
			return nil
		}
		return err
	}
	return decodeNode(resp.Node, dq)
}

func decodeNode(node *client.Node, dq *dquot.DiskQuota) error {
	var b dquot.Block
	if err := json.Unmarshal([]byte(node.Value), &b); err != nil {
		return fmt.Errorf("decode %s: %w", node.Key, err)
	}
	dq.Block = b
	dq.Slot = node.CreatedIndex
	return nil
}

func (f *Format) CommitDquot(ctx context.Context, dq *dquot.DiskQuota) error {
	raw, err := json.Marshal(dq.Block)
	if err != nil {
		return err
	}
	resp, err := f.kapi.Set(ctx, f.dquotKey(dq.Key.ID), string(raw), nil)
	if err != nil {
		return err
	}
	dq.Slot = resp.Node.CreatedIndex
	return nil
}

// ReleaseDquot deletes a record carrying neither limits nor usage.
func (f *Format) ReleaseDquot(ctx context.Context, dq *dquot.DiskQuota) error {
	if !dq.Block.Empty() {
		return nil
	}
	_, err := f.kapi.Delete(ctx, f.dquotKey(dq.Key.ID), nil)
	if err != nil && !client.IsKeyNotFound(err) {
		return err
	}
	dq.Slot = 0
	return nil
}

// List returns every record of the file ordered by id.
func (f *Format) List(ctx context.Context) ([]dquot.DiskQuota, error) {
	resp, err := f.kapi.Get(ctx, f.dquotsDir(), &client.GetOptions{Recursive: true, Sort: true})
	if err != nil {
		if client.IsKeyNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]dquot.DiskQuota, 0, len(resp.Node.Nodes))
	for _, node := range resp.Node.Nodes {
		id, err := strconv.ParseUint(path.Base(node.Key), 10, 32)
		if err != nil {
			klog.V(2).InfoS("Skipping foreign key in quota file", "key", node.Key)
			continue
		}
		dq := dquot.DiskQuota{Key: dquot.Key{Type: f.t, ID: uint32(id)}}
		if err := decodeNode(node, &dq); err != nil {
			return nil, err
		}
		out = append(out, dq)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.ID < out[j].Key.ID })
	return out, nil
}

func (f *Format) Close() error { return nil }
