package utils

import (
	"golang.org/x/sys/unix"
)

// DiskStatus holds filesystem capacity in bytes.
type DiskStatus struct {
	Total     uint64
	Used      uint64
	Free      uint64
	Avail     uint64 // available to unprivileged users
	BlockSize uint64
	Files     uint64
	FilesFree uint64
}

// GetDiskUsage reports capacity of the filesystem holding path.
func GetDiskUsage(path string) (DiskStatus, error) {
	fs := unix.Statfs_t{}
	if err := unix.Statfs(path, &fs); err != nil {
		return DiskStatus{}, err
	}

	blockSize := uint64(fs.Bsize)
	ds := DiskStatus{
		Total:     fs.Blocks * blockSize,
		Free:      fs.Bfree * blockSize,
		Avail:     fs.Bavail * blockSize,
		BlockSize: blockSize,
		Files:     fs.Files,
		FilesFree: fs.Ffree,
	}
	ds.Used = ds.Total - ds.Free
	return ds, nil
}
