// Package boltfmt stores quota records in a bolt database, one file per
// filesystem and quota type.
//
// The file has three buckets. "header" holds the magic and version that
// identify the file and its quota type. "info" holds the grace periods and
// flags. "dquots" maps a big-endian id to the fixed-size encoded record.
package boltfmt

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
	"k8s.io/klog/v2"

	"github.com/terminus-io/dquot/pkg/dquot"
)

const version uint32 = 1

var magics = [dquot.MaxQuotas]uint32{0xd9c01f11, 0xd9c01927}

var (
	headerBucket = []byte("header")
	infoBucket   = []byte("info")
	dquotsBucket = []byte("dquots")

	magicKey   = []byte("magic")
	versionKey = []byte("version")
	infoKey    = []byte("info")
)

var errCorrupt = errors.New("corrupt quota record")

func init() {
	dquot.RegisterFormat(dquot.FormatBolt, Open)
}

// Format is an open bolt quota file.
type Format struct {
	db   *bolt.DB
	path string
	t    dquot.Type
}

var _ dquot.Format = &Format{}

func openDB(path string) (*bolt.DB, error) {
	return bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
}

// Open opens an existing quota file. It does not create buckets; a file
// that was never initialized fails CheckQuotaFile.
func Open(path string, t dquot.Type) (dquot.Format, error) {
	if t < 0 || t >= dquot.MaxQuotas {
		return nil, dquot.ErrInvalidType
	}
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	return &Format{db: db, path: path, t: t}, nil
}

// Init creates a fresh quota file of type t at path with the given info.
// An existing file is rejected.
func Init(path string, t dquot.Type, info dquot.FileInfo) error {
	if t < 0 || t >= dquot.MaxQuotas {
		return dquot.ErrInvalidType
	}
	db, err := openDB(path)
	if err != nil {
		return err
	}
	defer db.Close()

	return db.Update(func(tx *bolt.Tx) error {
		header, err := tx.CreateBucket(headerBucket)
		if err != nil {
			return fmt.Errorf("init %s: %w", path, err)
		}
		if err := header.Put(magicKey, u32(magics[t])); err != nil {
			return err
		}
		if err := header.Put(versionKey, u32(version)); err != nil {
			return err
		}
		infoB, err := tx.CreateBucket(infoBucket)
		if err != nil {
			return err
		}
		if err := infoB.Put(infoKey, encodeInfo(info)); err != nil {
			return err
		}
		_, err = tx.CreateBucket(dquotsBucket)
		return err
	})
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func idKey(id uint32) []byte { return u32(id) }

func (f *Format) CheckQuotaFile(_ context.Context) bool {
	ok := false
	_ = f.db.View(func(tx *bolt.Tx) error {
		header := tx.Bucket(headerBucket)
		if header == nil || tx.Bucket(infoBucket) == nil || tx.Bucket(dquotsBucket) == nil {
			return nil
		}
		magic, ver := header.Get(magicKey), header.Get(versionKey)
		if len(magic) != 4 || len(ver) != 4 {
			return nil
		}
		ok = binary.BigEndian.Uint32(magic) == magics[f.t] && binary.BigEndian.Uint32(ver) == version
		return nil
	})
	if !ok {
		klog.V(2).InfoS("Not a bolt quota file", "path", f.path, "type", f.t)
	}
	return ok
}

// diskInfo is the on-disk layout of the info block; graces are seconds.
type diskInfo struct {
	BlockGrace uint64
	InodeGrace uint64
	Flags      uint32
}

func encodeInfo(info dquot.FileInfo) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, diskInfo{
		BlockGrace: uint64(info.BlockGrace / time.Second),
		InodeGrace: uint64(info.InodeGrace / time.Second),
		Flags:      uint32(info.Flags),
	})
	return buf.Bytes()
}

func (f *Format) ReadFileInfo(_ context.Context) (dquot.FileInfo, error) {
	var di diskInfo
	err := f.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(infoBucket)
		if b == nil {
			return dquot.ErrInvalidQuotaFile
		}
		raw := b.Get(infoKey)
		if raw == nil {
			return dquot.ErrInvalidQuotaFile
		}
		return binary.Read(bytes.NewReader(raw), binary.BigEndian, &di)
	})
	if err != nil {
		return dquot.FileInfo{}, err
	}
	return dquot.FileInfo{
		BlockGrace: time.Duration(di.BlockGrace) * time.Second,
		InodeGrace: time.Duration(di.InodeGrace) * time.Second,
		Flags:      dquot.InfoFlag(di.Flags),
	}, nil
}

func (f *Format) WriteFileInfo(_ context.Context, info dquot.FileInfo) error {
	return f.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(infoBucket)
		if b == nil {
			return dquot.ErrInvalidQuotaFile
		}
		return b.Put(infoKey, encodeInfo(info))
	})
}

// diskBlock is the on-disk layout of one record.
type diskBlock struct {
	Slot       uint64
	BHardLimit uint64
	BSoftLimit uint64
	CurSpace   uint64
	IHardLimit uint64
	ISoftLimit uint64
	CurInodes  uint64
	BTime      int64
	ITime      int64
}

func encodeBlock(dq *dquot.DiskQuota) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, diskBlock{
		Slot:       dq.Slot,
		BHardLimit: dq.Block.BHardLimit,
		BSoftLimit: dq.Block.BSoftLimit,
		CurSpace:   dq.Block.CurSpace,
		IHardLimit: dq.Block.IHardLimit,
		ISoftLimit: dq.Block.ISoftLimit,
		CurInodes:  dq.Block.CurInodes,
		BTime:      dq.Block.BTime,
		ITime:      dq.Block.ITime,
	})
	return buf.Bytes()
}

func decodeBlock(raw []byte, dq *dquot.DiskQuota) error {
	if len(raw) != binary.Size(diskBlock{}) {
		return fmt.Errorf("%s: %w", dq.Key, errCorrupt)
	}
	var db diskBlock
	if err := binary.Read(bytes.NewReader(raw), binary.BigEndian, &db); err != nil {
		return err
	}
	dq.Slot = db.Slot
	dq.Block = dquot.Block{
		BHardLimit: db.BHardLimit,
		BSoftLimit: db.BSoftLimit,
		CurSpace:   db.CurSpace,
		IHardLimit: db.IHardLimit,
		ISoftLimit: db.ISoftLimit,
		CurInodes:  db.CurInodes,
		BTime:      db.BTime,
		ITime:      db.ITime,
	}
	return nil
}

// ReadDquot fills dq from the file. A missing record reads as empty with
// no slot.
func (f *Format) ReadDquot(_ context.Context, dq *dquot.DiskQuota) error {
	return f.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(dquotsBucket)
		if b == nil {
			return dquot.ErrInvalidQuotaFile
		}
		raw := b.Get(idKey(dq.Key.ID))
		if raw == nil {
			dq.Block = dquot.Block{}
			dq.Slot = 0
			return nil
		}
		return decodeBlock(raw, dq)
	})
}

// CommitDquot writes dq, taking a slot from the bucket sequence the first
// time.
func (f *Format) CommitDquot(_ context.Context, dq *dquot.DiskQuota) error {
	return f.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(dquotsBucket)
		if b == nil {
			return dquot.ErrInvalidQuotaFile
		}
		if dq.Slot == 0 {
			slot, err := b.NextSequence()
			if err != nil {
				return err
			}
			dq.Slot = slot
		}
		return b.Put(idKey(dq.Key.ID), encodeBlock(dq))
	})
}

// ReleaseDquot frees the slot of a record that carries neither limits nor
// usage.
func (f *Format) ReleaseDquot(_ context.Context, dq *dquot.DiskQuota) error {
	if !dq.Block.Empty() {
		return nil
	}
	err := f.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(dquotsBucket)
		if b == nil {
			return dquot.ErrInvalidQuotaFile
		}
		return b.Delete(idKey(dq.Key.ID))
	})
	if err == nil {
		dq.Slot = 0
	}
	return err
}

// List returns every record in the file ordered by id.
func (f *Format) List(_ context.Context) ([]dquot.DiskQuota, error) {
	var out []dquot.DiskQuota
	err := f.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(dquotsBucket)
		if b == nil {
			return dquot.ErrInvalidQuotaFile
		}
		return b.ForEach(func(k, v []byte) error {
			if len(k) != 4 {
				return errCorrupt
			}
			dq := dquot.DiskQuota{Key: dquot.Key{Type: f.t, ID: binary.BigEndian.Uint32(k)}}
			if err := decodeBlock(v, &dq); err != nil {
				return err
			}
			out = append(out, dq)
			return nil
		})
	})
	return out, err
}

func (f *Format) Close() error {
	return f.db.Close()
}
