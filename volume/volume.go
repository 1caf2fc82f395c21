// Package volume ties the engine together: it mounts a partition, owns the
// buffer pool, the FAT, the open-file registry, and the named locks, and
// exposes the file and directory operations.
//
// Lock ordering is fixed: the directory lock may be held while taking the FAT
// lock, never the reverse. The registry lock is a leaf: it is held only for
// list manipulation and never across device I/O.
package volume

import (
	"fmt"
	"sync"

	"github.com/dargueta/fatfs"
	"github.com/dargueta/fatfs/bootrecord"
	"github.com/dargueta/fatfs/buffercache"
	"github.com/dargueta/fatfs/direntry"
	"github.com/dargueta/fatfs/fat"
	"github.com/hashicorp/go-multierror"
)

// OpenMode is the access mode of one open file handle.
type OpenMode int

const (
	// ModeRead opens an existing file for reading.
	ModeRead OpenMode = iota
	// ModeWrite opens a file for reading and writing, creating it if absent.
	ModeWrite
	// ModeDir opens a directory. Only directory-level operations use this.
	ModeDir
)

// Volume is one mounted FAT partition.
type Volume struct {
	device fatfs.BlockDevice
	pool   *buffercache.Pool
	geo    *bootrecord.Geometry
	table  *fat.Table
	cfg    fatfs.Config

	// dirMutex serialises directory-region mutation: creating and deleting
	// entries and rewriting their fields.
	dirMutex sync.Mutex

	// regMutex guards openFiles. Leaf lock.
	regMutex  sync.Mutex
	openFiles []*File
}

// Mount reads the partition table and BPB of the given primary partition and
// returns a ready volume. An unpartitioned image mounts as partition 0.
func Mount(device fatfs.BlockDevice, partition int, cfg fatfs.Config) (*Volume, error) {
	if device == nil {
		return nil, fatfs.ErrNullArgument.WithMessage("device is nil")
	}

	pool := buffercache.NewPool(device, cfg.CacheSize, cfg.DriverBusySleep)

	start, err := bootrecord.ReadPartitionStart(pool, partition)
	if err != nil {
		return nil, err
	}

	geo, err := bootrecord.ReadGeometry(pool, start)
	if err != nil {
		return nil, err
	}

	table := fat.New(pool, geo, cfg.FirstFATOnly)

	volume := &Volume{
		device: device,
		pool:   pool,
		geo:    geo,
		table:  table,
		cfg:    cfg,
	}

	err = volume.seedFreeCount()
	if err != nil {
		return nil, err
	}
	return volume, nil
}

// seedFreeCount establishes the free-cluster count: from the FS-Info summary
// when one exists and is plausible, otherwise by scanning the FAT once.
func (volume *Volume) seedFreeCount() error {
	if volume.geo.Type == bootrecord.FAT32 && volume.geo.FSInfoSector != 0 {
		info, ok, err := bootrecord.ReadFSInfo(volume.pool, volume.geo.FSInfoSector)
		if err != nil {
			return err
		}
		if ok && info.FreeCount != 0xFFFFFFFF && info.FreeCount <= volume.geo.TotalClusters {
			volume.table.SetFreeCount(info.FreeCount)
			if info.NextFree != 0xFFFFFFFF {
				volume.table.SetAllocationHint(fatfs.Cluster(info.NextFree))
			}
			return nil
		}
	}

	_, err := volume.table.CountFreeClusters()
	return err
}

// Unmount flushes every dirty buffer and releases the volume. It fails with
// ErrUnmountFailed while any file is open.
func (volume *Volume) Unmount() error {
	volume.regMutex.Lock()
	numOpen := len(volume.openFiles)
	volume.regMutex.Unlock()

	if numOpen != 0 {
		return fatfs.ErrUnmountFailed.WithMessage(
			fmt.Sprintf("%d files are still open", numOpen),
		)
	}

	var result *multierror.Error

	if volume.geo.Type == bootrecord.FAT32 && volume.geo.FSInfoSector != 0 {
		err := bootrecord.WriteFSInfo(volume.pool, volume.geo.FSInfoSector, bootrecord.FSInfo{
			FreeCount: volume.table.FreeClusters(),
			NextFree:  uint32(volume.table.AllocationHint()),
		})
		if err != nil {
			result = multierror.Append(result, err)
		}
	}

	err := volume.pool.FlushAll()
	if err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Geometry returns the volume's immutable shape.
func (volume *Volume) Geometry() *bootrecord.Geometry {
	return volume.geo
}

// FreeSpace returns the number of unallocated bytes on the volume.
func (volume *Volume) FreeSpace() uint64 {
	return uint64(volume.table.FreeClusters()) * uint64(volume.geo.BytesPerCluster)
}

// FreeClusters returns the number of unallocated clusters on the volume.
func (volume *Volume) FreeClusters() uint32 {
	return volume.table.FreeClusters()
}

// Flush writes every dirty cached sector to the device.
func (volume *Volume) Flush() error {
	return volume.pool.FlushAll()
}

// rootDirCluster returns the handle value for the root directory: its chain
// head on FAT32, or 0 for the fixed root region of FAT12/16.
func (volume *Volume) rootDirCluster() fatfs.Cluster {
	if volume.geo.Type == bootrecord.FAT32 {
		return volume.geo.RootCluster
	}
	return 0
}

// registerFile admits a handle into the open-file registry. Admission is
// refused while any other handle points at the same first cluster; that is
// what makes one writer per file an invariant instead of a convention.
func (volume *Volume) registerFile(file *File, path string) error {
	volume.regMutex.Lock()
	defer volume.regMutex.Unlock()

	for _, other := range volume.openFiles {
		if other.firstCluster == file.firstCluster {
			return fatfs.ErrAlreadyOpen.WithMessage(path)
		}
	}
	volume.openFiles = append(volume.openFiles, file)
	return nil
}

// unregisterFile removes a handle from the registry.
func (volume *Volume) unregisterFile(file *File) {
	volume.regMutex.Lock()
	defer volume.regMutex.Unlock()

	for i, other := range volume.openFiles {
		if other == file {
			volume.openFiles = append(volume.openFiles[:i], volume.openFiles[i+1:]...)
			return
		}
	}
}

// Stat returns the directory record for a path. The root directory gets a
// synthetic record, since it has none of its own.
func (volume *Volume) Stat(path string) (direntry.Dirent, error) {
	dirPath, base, err := splitPath(path)
	if err != nil {
		return direntry.Dirent{}, err
	}

	if base == "" {
		return direntry.Dirent{
			Name:         "/",
			Attr:         direntry.AttrDirectory,
			FirstCluster: volume.rootDirCluster(),
		}, nil
	}

	dirCluster, err := volume.resolveDir(dirPath)
	if err != nil {
		return direntry.Dirent{}, err
	}

	slot, err := volume.searchDir(dirCluster, base)
	if err != nil {
		return direntry.Dirent{}, err
	}
	return slot.ent, nil
}
