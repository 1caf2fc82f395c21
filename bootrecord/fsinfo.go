package bootrecord

import (
	"encoding/binary"

	"github.com/dargueta/fatfs"
	"github.com/dargueta/fatfs/buffercache"
)

// FS-Info sector signatures, per the FAT32 specification.
const (
	fsInfoLeadSignature   = 0x41615252
	fsInfoStructSignature = 0x61417272
	fsInfoTrailSignature  = 0xAA550000
)

// FSInfo is the mutable free-space summary a FAT32 volume stores next to its
// boot sector. Both fields may be 0xFFFFFFFF, meaning "unknown".
type FSInfo struct {
	FreeCount uint32
	NextFree  uint32
}

// ReadFSInfo reads and validates the FS-Info sector at lba. The boolean is
// false when the sector doesn't carry the FS-Info signatures; that's not an
// error, the volume simply has no usable summary.
func ReadFSInfo(pool *buffercache.Pool, lba fatfs.LBA) (FSInfo, bool, error) {
	buf, err := pool.Acquire(lba, buffercache.ModeRead)
	if err != nil {
		return FSInfo{}, false, err
	}
	defer pool.Release(buf)

	data := buf.Data
	if len(data) < 512 {
		return FSInfo{}, false, nil
	}
	if binary.LittleEndian.Uint32(data[0:4]) != fsInfoLeadSignature ||
		binary.LittleEndian.Uint32(data[484:488]) != fsInfoStructSignature ||
		binary.LittleEndian.Uint32(data[508:512]) != fsInfoTrailSignature {
		return FSInfo{}, false, nil
	}

	info := FSInfo{
		FreeCount: binary.LittleEndian.Uint32(data[488:492]),
		NextFree:  binary.LittleEndian.Uint32(data[492:496]),
	}
	return info, true, nil
}

// WriteFSInfo rewrites the free-space summary in the FS-Info sector at lba,
// regenerating the signatures. The write is cached; it reaches the device on
// the next flush.
func WriteFSInfo(pool *buffercache.Pool, lba fatfs.LBA, info FSInfo) error {
	buf, err := pool.Acquire(lba, buffercache.ModeWrite)
	if err != nil {
		return err
	}
	defer pool.Release(buf)

	data := buf.Data
	binary.LittleEndian.PutUint32(data[0:4], fsInfoLeadSignature)
	binary.LittleEndian.PutUint32(data[484:488], fsInfoStructSignature)
	binary.LittleEndian.PutUint32(data[488:492], info.FreeCount)
	binary.LittleEndian.PutUint32(data[492:496], info.NextFree)
	binary.LittleEndian.PutUint32(data[508:512], fsInfoTrailSignature)
	return nil
}
