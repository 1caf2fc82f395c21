package volume

import (
	"errors"
	"fmt"
	posixpath "path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dargueta/fatfs"
	"github.com/dargueta/fatfs/bootrecord"
	"github.com/dargueta/fatfs/buffercache"
	"github.com/dargueta/fatfs/direntry"
)

// errDirEnd is the internal signal that entry iteration ran off the end of a
// directory: past the fixed root region, or past the directory's last cluster.
var errDirEnd = errors.New("end of directory")

// dirSlot is a directory record plus where it lives: the directory's handle
// cluster (0 for the FAT12/16 fixed root) and the record's index within it.
type dirSlot struct {
	ent        direntry.Dirent
	dirCluster fatfs.Cluster
	index      uint32
}

// splitPath normalises a path and splits off its final component. The root
// path yields an empty base. Paths are slash-separated and treated as
// absolute; FAT has no per-handle working directory.
func splitPath(path string) (dir string, base string, err error) {
	if path == "" {
		return "", "", fatfs.ErrInvalidPath.WithMessage("empty path")
	}

	cleaned := posixpath.Clean("/" + filepath.ToSlash(path))
	if cleaned == "/" {
		return "/", "", nil
	}

	dir, base = posixpath.Split(cleaned)
	return dir, base, nil
}

// resolveDir walks a directory path from the root and returns the handle
// cluster of the named directory. Missing components fail with
// ErrInvalidPath; a component that exists but isn't a directory fails with
// ErrNotADirectory.
func (volume *Volume) resolveDir(path string) (fatfs.Cluster, error) {
	current := volume.rootDirCluster()

	cleaned := strings.Trim(posixpath.Clean("/"+filepath.ToSlash(path)), "/")
	if cleaned == "" {
		return current, nil
	}

	for _, component := range strings.Split(cleaned, "/") {
		slot, err := volume.searchDir(current, component)
		if err != nil {
			if errors.Is(err, fatfs.ErrNotFound) {
				return 0, fatfs.ErrInvalidPath.WithMessage(
					fmt.Sprintf("%q does not exist", component),
				)
			}
			return 0, err
		}
		if !slot.ent.IsDir() {
			return 0, fatfs.ErrNotADirectory.WithMessage(component)
		}
		current = slot.ent.FirstCluster
	}
	return current, nil
}

// dirEntryLocation maps (directory, record index) to the absolute sector
// holding the record and the record's byte offset within it. Returns
// errDirEnd past the end of the directory.
func (volume *Volume) dirEntryLocation(
	dirCluster fatfs.Cluster,
	index uint32,
) (fatfs.LBA, uint32, error) {
	byteOffset := index * direntry.EntrySize
	sectorSize := volume.geo.BytesPerSector

	if dirCluster == 0 {
		// Fixed root directory region (FAT12/16).
		if index >= volume.geo.RootDirEntries {
			return 0, 0, errDirEnd
		}
		lba := volume.geo.RootDirStart + fatfs.LBA(byteOffset/sectorSize)
		return lba, byteOffset % sectorSize, nil
	}

	clusterIndex := byteOffset / volume.geo.BytesPerCluster
	cluster, err := volume.table.Traverse(dirCluster, clusterIndex)
	if err != nil {
		return 0, 0, err
	}
	if volume.geo.IsEOC(cluster) {
		return 0, 0, errDirEnd
	}

	relOffset := byteOffset % volume.geo.BytesPerCluster
	lba := volume.geo.ClusterToLBA(cluster) + fatfs.LBA(relOffset/sectorSize)
	return lba, relOffset % sectorSize, nil
}

// fetchEntry reads the raw record at (dirCluster, index) through the cache.
func (volume *Volume) fetchEntry(dirCluster fatfs.Cluster, index uint32) ([direntry.EntrySize]byte, error) {
	var raw [direntry.EntrySize]byte

	lba, offset, err := volume.dirEntryLocation(dirCluster, index)
	if err != nil {
		return raw, err
	}

	buf, err := volume.pool.Acquire(lba, buffercache.ModeRead)
	if err != nil {
		return raw, err
	}
	copy(raw[:], buf.Data[offset:offset+direntry.EntrySize])
	volume.pool.Release(buf)
	return raw, nil
}

// pushEntry writes the raw record at (dirCluster, index) through the cache.
// Callers hold dirMutex.
func (volume *Volume) pushEntry(dirCluster fatfs.Cluster, index uint32, raw []byte) error {
	lba, offset, err := volume.dirEntryLocation(dirCluster, index)
	if err != nil {
		return err
	}

	buf, err := volume.pool.Acquire(lba, buffercache.ModeWrite)
	if err != nil {
		return err
	}
	copy(buf.Data[offset:offset+direntry.EntrySize], raw[:direntry.EntrySize])
	volume.pool.Release(buf)
	return nil
}

// searchDir finds the live record with the given 8.3 name, case-insensitively.
func (volume *Volume) searchDir(dirCluster fatfs.Cluster, name string) (dirSlot, error) {
	target, err := direntry.FormatShortName(name)
	if err != nil {
		return dirSlot{}, err
	}

	for index := uint32(0); ; index++ {
		raw, err := volume.fetchEntry(dirCluster, index)
		if err == errDirEnd {
			return dirSlot{}, fatfs.ErrNotFound.WithMessage(name)
		}
		if err != nil {
			return dirSlot{}, err
		}

		switch raw[0] {
		case direntry.EndOfDirectory:
			return dirSlot{}, fatfs.ErrNotFound.WithMessage(name)
		case direntry.DeletedMarker:
			continue
		}

		ent := direntry.Decode(raw[:])
		if ent.IsLongName() || ent.IsVolumeLabel() {
			continue
		}

		if rawName(raw[:]) == target {
			return dirSlot{ent: ent, dirCluster: dirCluster, index: index}, nil
		}
	}
}

// rawName returns the 11 on-disk name bytes of a record.
func rawName(raw []byte) [11]byte {
	var name [11]byte
	copy(name[:], raw[0:11])
	return name
}

// listDir returns every live record of a directory, dot entries included.
func (volume *Volume) listDir(dirCluster fatfs.Cluster) ([]direntry.Dirent, error) {
	var entries []direntry.Dirent

	for index := uint32(0); ; index++ {
		raw, err := volume.fetchEntry(dirCluster, index)
		if err == errDirEnd {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}

		switch raw[0] {
		case direntry.EndOfDirectory:
			return entries, nil
		case direntry.DeletedMarker:
			continue
		}

		ent := direntry.Decode(raw[:])
		if ent.IsLongName() || ent.IsVolumeLabel() {
			continue
		}
		entries = append(entries, ent)
	}
}

// isDirEmpty reports whether a directory contains nothing but its dot
// entries. Callers hold dirMutex.
func (volume *Volume) isDirEmpty(dirCluster fatfs.Cluster) (bool, error) {
	entries, err := volume.listDir(dirCluster)
	if err != nil {
		return false, err
	}
	for _, ent := range entries {
		if ent.Name != "." && ent.Name != ".." {
			return false, nil
		}
	}
	return true, nil
}

// ReadDir lists the live entries of the directory at path, excluding the dot
// pseudo-entries.
func (volume *Volume) ReadDir(path string) ([]direntry.Dirent, error) {
	dirCluster, err := volume.resolveDir(path)
	if err != nil {
		return nil, err
	}

	all, err := volume.listDir(dirCluster)
	if err != nil {
		return nil, err
	}

	entries := make([]direntry.Dirent, 0, len(all))
	for _, ent := range all {
		if ent.Name == "." || ent.Name == ".." {
			continue
		}
		entries = append(entries, ent)
	}
	return entries, nil
}

// findFreeSlot locates the first reusable record index in a directory,
// growing the directory by one zeroed cluster when it is full. Chainless
// fixed root directories cannot grow. Callers hold dirMutex.
func (volume *Volume) findFreeSlot(dirCluster fatfs.Cluster) (uint32, error) {
	for index := uint32(0); ; index++ {
		raw, err := volume.fetchEntry(dirCluster, index)
		if err == errDirEnd {
			if dirCluster == 0 {
				return 0, fatfs.ErrNoFreeSpace.WithMessage("root directory is full")
			}
			_, err = volume.table.ExtendChain(dirCluster, 1)
			if err != nil {
				return 0, err
			}
			tail, err := volume.table.FindEndOfChain(dirCluster)
			if err != nil {
				return 0, err
			}
			err = volume.zeroCluster(tail)
			if err != nil {
				return 0, err
			}
			return index, nil
		}
		if err != nil {
			return 0, err
		}
		if raw[0] == direntry.EndOfDirectory || raw[0] == direntry.DeletedMarker {
			return index, nil
		}
	}
}

// createEntry inserts a fresh record into a directory and returns its slot.
// Callers hold dirMutex.
func (volume *Volume) createEntry(
	dirCluster fatfs.Cluster,
	name string,
	attr byte,
	firstCluster fatfs.Cluster,
	size uint32,
) (dirSlot, error) {
	index, err := volume.findFreeSlot(dirCluster)
	if err != nil {
		return dirSlot{}, err
	}

	ent := direntry.Dirent{
		Name:         strings.ToUpper(name),
		Attr:         attr,
		FirstCluster: firstCluster,
		Size:         size,
		WriteTime:    time.Now(),
	}

	var raw [direntry.EntrySize]byte
	err = ent.Encode(raw[:])
	if err != nil {
		return dirSlot{}, err
	}

	err = volume.pushEntry(dirCluster, index, raw[:])
	if err != nil {
		return dirSlot{}, err
	}
	return dirSlot{ent: ent, dirCluster: dirCluster, index: index}, nil
}

// updateEntry rewrites the first-cluster and size fields of an existing
// record and refreshes its write stamp. Callers hold dirMutex.
func (volume *Volume) updateEntry(
	dirCluster fatfs.Cluster,
	index uint32,
	firstCluster fatfs.Cluster,
	size uint32,
) error {
	raw, err := volume.fetchEntry(dirCluster, index)
	if err != nil {
		return err
	}

	ent := direntry.Decode(raw[:])
	ent.FirstCluster = firstCluster
	ent.Size = size
	ent.WriteTime = time.Now()

	// Re-encode only the mutable fields; the name bytes are kept verbatim so
	// an escaped leading byte survives.
	var updated [direntry.EntrySize]byte
	copy(updated[:], raw[:])
	putEntryFields(updated[:], ent)

	return volume.pushEntry(dirCluster, index, updated[:])
}

// putEntryFields overwrites the cluster, size, and write-stamp fields of a
// raw record in place.
func putEntryFields(raw []byte, ent direntry.Dirent) {
	date, tod := direntry.EncodeTimestamp(ent.WriteTime)
	raw[20] = byte(uint32(ent.FirstCluster) >> 16)
	raw[21] = byte(uint32(ent.FirstCluster) >> 24)
	raw[22] = byte(tod)
	raw[23] = byte(tod >> 8)
	raw[24] = byte(date)
	raw[25] = byte(date >> 8)
	raw[26] = byte(uint32(ent.FirstCluster))
	raw[27] = byte(uint32(ent.FirstCluster) >> 8)
	raw[28] = byte(ent.Size)
	raw[29] = byte(ent.Size >> 8)
	raw[30] = byte(ent.Size >> 16)
	raw[31] = byte(ent.Size >> 24)
}

// markEntryDeleted stamps the deletion marker into a record's first byte.
// Callers hold dirMutex.
func (volume *Volume) markEntryDeleted(dirCluster fatfs.Cluster, index uint32) error {
	raw, err := volume.fetchEntry(dirCluster, index)
	if err != nil {
		return err
	}
	raw[0] = direntry.DeletedMarker
	return volume.pushEntry(dirCluster, index, raw[:])
}

// zeroCluster clears every sector of a cluster through the cache, so later
// cached reads observe the zeroes.
func (volume *Volume) zeroCluster(cluster fatfs.Cluster) error {
	lba := volume.geo.ClusterToLBA(cluster)
	for i := uint32(0); i < volume.geo.SectorsPerCluster; i++ {
		buf, err := volume.pool.Acquire(lba+fatfs.LBA(i), buffercache.ModeWrite)
		if err != nil {
			return err
		}
		for j := range buf.Data {
			buf.Data[j] = 0
		}
		volume.pool.Release(buf)
	}
	return nil
}

// Mkdir creates an empty directory at path: one zeroed cluster holding the
// "." and ".." records, plus a record in the parent.
func (volume *Volume) Mkdir(path string) error {
	dirPath, base, err := splitPath(path)
	if err != nil {
		return err
	}
	if base == "" {
		return fatfs.ErrExists.WithMessage("/")
	}

	parent, err := volume.resolveDir(dirPath)
	if err != nil {
		return err
	}

	_, err = volume.searchDir(parent, base)
	if err == nil {
		return fatfs.ErrExists.WithMessage(path)
	}
	if !errors.Is(err, fatfs.ErrNotFound) {
		return err
	}

	cluster, err := volume.table.CreateChain()
	if err != nil {
		return err
	}

	err = volume.writeDotEntries(cluster, parent)
	if err == nil {
		volume.dirMutex.Lock()
		_, err = volume.createEntry(parent, base, direntry.AttrDirectory, cluster, 0)
		volume.dirMutex.Unlock()
	}

	if err != nil {
		// Roll the cluster back so a failed mkdir doesn't leak space.
		volume.table.UnlinkChain(cluster, 0)
		return err
	}
	return nil
}

// writeDotEntries zeroes a fresh directory cluster and writes its "." and
// ".." records. A parent that is the root directory is stored as cluster 0,
// as the on-disk format requires.
func (volume *Volume) writeDotEntries(cluster, parent fatfs.Cluster) error {
	err := volume.zeroCluster(cluster)
	if err != nil {
		return err
	}

	parentField := parent
	if volume.geo.Type == bootrecord.FAT32 && parent == volume.geo.RootCluster {
		parentField = 0
	}

	buf, err := volume.pool.Acquire(volume.geo.ClusterToLBA(cluster), buffercache.ModeWrite)
	if err != nil {
		return err
	}
	now := time.Now()
	direntry.EncodeDot(buf.Data[0:direntry.EntrySize], false, cluster, now)
	direntry.EncodeDot(buf.Data[direntry.EntrySize:2*direntry.EntrySize], true, parentField, now)
	volume.pool.Release(buf)
	return nil
}
