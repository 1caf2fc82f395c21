package volume

import (
	"github.com/dargueta/fatfs"
)

// Remove deletes the file at path: its cluster chain is freed, its directory
// record is stamped deleted, and the cache is flushed so the deletion is
// durable. A file that is open elsewhere cannot be removed; the open itself
// fails with ErrAlreadyOpen.
func (volume *Volume) Remove(path string) error {
	file, err := volume.OpenFile(path, ModeRead)
	if err != nil {
		return err
	}
	file.deleted = true

	if file.firstCluster != 0 {
		_, err = volume.table.UnlinkChain(file.firstCluster, 0)
		if err != nil {
			file.Close()
			return err
		}
	}

	volume.dirMutex.Lock()
	err = volume.markEntryDeleted(file.dirCluster, file.dirIndex)
	volume.dirMutex.Unlock()
	if err != nil {
		file.Close()
		return err
	}

	err = volume.pool.FlushAll()
	if err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// RemoveDirectory deletes the empty directory at path. A directory still
// holding anything besides its dot entries fails with ErrNotEmpty. The whole
// check-and-delete runs under the directory lock so no entry can slip in
// between the emptiness check and the deletion.
func (volume *Volume) RemoveDirectory(path string) error {
	file, err := volume.OpenFile(path, ModeDir)
	if err != nil {
		return err
	}
	file.deleted = true

	volume.dirMutex.Lock()

	empty, err := volume.isDirEmpty(file.firstCluster)
	if err == nil && !empty {
		err = fatfs.ErrNotEmpty.WithMessage(path)
	}
	if err == nil && file.firstCluster != 0 {
		// FAT lock nests inside the directory lock, never the other way.
		_, err = volume.table.UnlinkChain(file.firstCluster, 0)
	}
	if err == nil {
		err = volume.markEntryDeleted(file.dirCluster, file.dirIndex)
	}

	volume.dirMutex.Unlock()

	if err != nil {
		file.Close()
		return err
	}

	err = volume.pool.FlushAll()
	if err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
