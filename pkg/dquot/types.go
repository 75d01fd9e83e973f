package dquot

import (
	"fmt"
	"strconv"
	"strings"
)

// Type is an independent accounting dimension of an inode.
type Type int

const (
	UserQuota Type = iota
	GroupQuota

	// MaxQuotas is the number of quota types an inode can be bound to.
	MaxQuotas = 2
)

// AllTypes selects every quota type in Initialize, Off and Sync.
const AllTypes Type = -1

func (t Type) String() string {
	switch t {
	case UserQuota:
		return "user"
	case GroupQuota:
		return "group"
	case AllTypes:
		return "all"
	}
	return "type(" + strconv.Itoa(int(t)) + ")"
}

func (t Type) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Type) UnmarshalText(b []byte) error {
	v, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

func (t Type) valid() bool { return t >= 0 && t < MaxQuotas }

// ParseType accepts "user", "usr", "u", "group", "grp", "g" or the numeric type.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "user", "usr", "u", "0":
		return UserQuota, nil
	case "group", "grp", "g", "1":
		return GroupQuota, nil
	}
	return 0, fmt.Errorf("unknown quota type %q: %w", s, ErrInvalidType)
}

// Key identifies one cached record.
type Key struct {
	FS   string `json:"fs"`
	Type Type   `json:"type"`
	ID   uint32 `json:"id"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%d", k.FS, k.Type, k.ID)
}

// Handle is the stable arena index of a cached record.
type Handle uint32

// Block is the in-memory copy of one on-disk quota block. Space is in bytes,
// grace expiries are unix seconds with 0 meaning "not armed".
type Block struct {
	BHardLimit uint64 `json:"bhardlimit"`
	BSoftLimit uint64 `json:"bsoftlimit"`
	CurSpace   uint64 `json:"curspace"`
	IHardLimit uint64 `json:"ihardlimit"`
	ISoftLimit uint64 `json:"isoftlimit"`
	CurInodes  uint64 `json:"curinodes"`
	BTime      int64  `json:"btime"`
	ITime      int64  `json:"itime"`
}

// HasLimits reports whether any limit is configured.
func (b *Block) HasLimits() bool {
	return b.BHardLimit != 0 || b.BSoftLimit != 0 || b.IHardLimit != 0 || b.ISoftLimit != 0
}

// Empty reports whether the block carries neither limits nor usage.
func (b *Block) Empty() bool {
	return !b.HasLimits() && b.CurSpace == 0 && b.CurInodes == 0
}

// DiskQuota is what a Format reads and writes. Slot is zero while the
// record has no on-disk location.
type DiskQuota struct {
	Key   Key
	Block Block
	Slot  uint64
}

// Flag is the per-record state bit set.
type Flag uint32

const (
	FlagActive Flag = 1 << iota
	FlagRead
	FlagDirty
	FlagFake
	FlagInodesWarned
	FlagBlocksWarned
)

func (f Flag) String() string {
	names := []struct {
		f    Flag
		name string
	}{
		{FlagActive, "active"},
		{FlagRead, "read"},
		{FlagDirty, "dirty"},
		{FlagFake, "fake"},
		{FlagInodesWarned, "inodes-warned"},
		{FlagBlocksWarned, "blocks-warned"},
	}
	var parts []string
	for _, n := range names {
		if f&n.f != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Snapshot is a consistent copy of a record taken under the data lock.
type Snapshot struct {
	Key    Key
	Handle Handle
	Block  Block
	Flags  Flag
	Refs   int
	Slot   uint64
}

// Owners carries the new owner ids of a Transfer; nil entries are unchanged.
type Owners [MaxQuotas]*uint32

// NewOwners builds Owners for a uid and gid change.
func NewOwners(uid, gid uint32) Owners {
	return Owners{&uid, &gid}
}

// Result is the outcome of a limit check.
type Result int

const (
	QuotaOK Result = iota
	NoQuota
)

func (r Result) String() string {
	if r == NoQuota {
		return "no-quota"
	}
	return "ok"
}

// Err translates the result into the error a filesystem operation returns.
func (r Result) Err() error {
	if r == NoQuota {
		return ErrQuotaExceeded
	}
	return nil
}
