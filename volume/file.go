package volume

import (
	"errors"
	"fmt"
	"io"

	"github.com/dargueta/fatfs"
	"github.com/dargueta/fatfs/buffercache"
	"github.com/dargueta/fatfs/direntry"
)

// File is an open handle on one file or directory. A File may be used from
// one goroutine at a time; the registry already guarantees a file is never
// open through two handles at once.
type File struct {
	vol  *Volume
	mode OpenMode

	firstCluster fatfs.Cluster
	size         uint32
	pos          uint32

	// The cursor memoises one chain traversal: curAddr is the cluster at
	// curIndex links from firstCluster. Reads and writes only ever advance
	// it; Seek is the one operation that rebuilds it from the chain head.
	curIndex uint32
	curAddr  fatfs.Cluster

	chainLength uint32
	endOfChain  fatfs.Cluster

	// Where the file's directory record lives, for the size refresh on close.
	dirCluster fatfs.Cluster
	dirIndex   uint32

	deleted bool
	closed  bool
}

// OpenFile opens the file at path. ModeWrite creates the file if it doesn't
// exist and immediately backs it with one cluster. Opening fails with
// ErrAlreadyOpen while any other handle is open on the same file.
func (volume *Volume) OpenFile(path string, mode OpenMode) (*File, error) {
	dirPath, base, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	if base == "" {
		return nil, fatfs.ErrInvalidPath.WithMessage("cannot open the root directory")
	}

	dirCluster, err := volume.resolveDir(dirPath)
	if err != nil {
		return nil, err
	}

	slot, err := volume.searchDir(dirCluster, base)
	if err != nil {
		if !errors.Is(err, fatfs.ErrNotFound) || mode != ModeWrite {
			return nil, err
		}
		volume.dirMutex.Lock()
		slot, err = volume.createEntry(dirCluster, base, direntry.AttrArchive, 0, 0)
		volume.dirMutex.Unlock()
		if err != nil {
			return nil, err
		}
	}

	ent := slot.ent
	if ent.IsDir() && mode != ModeDir {
		return nil, fatfs.ErrIsADirectory.WithMessage(path)
	}
	if !ent.IsDir() && mode == ModeDir {
		return nil, fatfs.ErrNotADirectory.WithMessage(path)
	}
	if ent.IsReadOnly() && mode == ModeWrite {
		return nil, fatfs.ErrReadOnly.WithMessage(path)
	}

	file := &File{
		vol:          volume,
		mode:         mode,
		firstCluster: ent.FirstCluster,
		size:         ent.Size,
		curAddr:      ent.FirstCluster,
		dirCluster:   slot.dirCluster,
		dirIndex:     slot.index,
	}

	if file.firstCluster != 0 {
		file.chainLength, err = volume.table.ChainLength(file.firstCluster)
		if err != nil {
			return nil, err
		}
		file.endOfChain, err = volume.table.FindEndOfChain(file.firstCluster)
		if err != nil {
			return nil, err
		}
	}

	err = volume.registerFile(file, path)
	if err != nil {
		return nil, err
	}

	// A writable file must have at least one cluster; the on-disk record of a
	// fresh file stores 0 until now.
	if mode == ModeWrite && file.firstCluster == 0 {
		cluster, err := volume.table.CreateChain()
		if err == nil {
			volume.dirMutex.Lock()
			err = volume.updateEntry(file.dirCluster, file.dirIndex, cluster, file.size)
			volume.dirMutex.Unlock()
		}
		if err != nil {
			volume.unregisterFile(file)
			return nil, err
		}
		file.firstCluster = cluster
		file.curAddr = cluster
		file.curIndex = 0
		file.chainLength = 1
		file.endOfChain = cluster
	}

	return file, nil
}

// Close detaches the handle: the directory record's size field is refreshed
// if it went stale, and a writing handle flushes the whole cache so the data
// is durable.
func (file *File) Close() error {
	if file.closed {
		return nil
	}
	volume := file.vol

	var result error
	if !file.deleted {
		raw, err := volume.fetchEntry(file.dirCluster, file.dirIndex)
		if err != nil {
			result = err
		} else {
			ent := direntry.Decode(raw[:])
			if ent.Size != file.size || ent.FirstCluster != file.firstCluster {
				volume.dirMutex.Lock()
				err = volume.updateEntry(
					file.dirCluster, file.dirIndex, file.firstCluster, file.size,
				)
				volume.dirMutex.Unlock()
				if err != nil {
					result = err
				}
			}
		}
	}

	if file.mode == ModeWrite {
		err := volume.pool.FlushAll()
		if err != nil && result == nil {
			result = err
		}
	}

	volume.unregisterFile(file)
	file.closed = true
	return result
}

// Size returns the current file size in bytes.
func (file *File) Size() uint32 {
	return file.size
}

// Tell returns the file pointer.
func (file *File) Tell() uint32 {
	return file.pos
}

// IsEOF reports whether the file pointer is at or past end of file.
func (file *File) IsEOF() bool {
	return file.pos >= file.size
}

func (file *File) checkOpen() error {
	if file == nil {
		return fatfs.ErrNullArgument.WithMessage("nil file handle")
	}
	if file.closed {
		return fatfs.ErrInvalidArgument.WithMessage("file is closed")
	}
	return nil
}

// syncCursor advances the memoised cursor to the cluster containing the file
// pointer. The cursor never moves backwards here; Seek rebuilds it instead.
func (file *File) syncCursor() error {
	target := file.pos / file.vol.geo.BytesPerCluster
	if file.curIndex >= target {
		return nil
	}

	addr, err := file.vol.table.Traverse(file.curAddr, target-file.curIndex)
	if err != nil {
		return err
	}
	if file.vol.geo.IsEOC(addr) {
		return fatfs.ErrCorrupted.WithMessage(fmt.Sprintf(
			"chain of cluster %d is shorter than the file", file.firstCluster,
		))
	}
	file.curAddr = addr
	file.curIndex = target
	return nil
}

// currentLBA returns the sector holding the file pointer. The cursor must be
// in sync.
func (file *File) currentLBA() fatfs.LBA {
	geo := file.vol.geo
	relCluster := file.pos % geo.BytesPerCluster
	return geo.ClusterToLBA(file.curAddr) + fatfs.LBA(relCluster/geo.BytesPerSector)
}

// Read reads up to len(p) bytes at the file pointer, advancing it. Reads are
// clipped at end of file; a read starting there returns io.EOF.
//
// The transfer is staged to minimise device commands: leading and trailing
// partial sectors go through the buffer cache, whole sectors up to the next
// cluster boundary transfer directly, and whole clusters transfer in runs
// coalesced across physically contiguous chain links.
func (file *File) Read(p []byte) (int, error) {
	if err := file.checkOpen(); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	if file.pos >= file.size {
		return 0, io.EOF
	}

	geo := file.vol.geo
	pool := file.vol.pool
	sectorSize := geo.BytesPerSector
	clusterSize := geo.BytesPerCluster

	n := file.size - file.pos
	if uint64(len(p)) < uint64(n) {
		n = uint32(len(p))
	}
	buf := p[:n]
	total := uint32(0)

	if err := file.syncCursor(); err != nil {
		return 0, err
	}

	// Whole transfer inside one sector: a single cached copy.
	relPos := file.pos % sectorSize
	if uint64(relPos)+uint64(n) < uint64(sectorSize) {
		sector, err := pool.Acquire(file.currentLBA(), buffercache.ModeRead)
		if err != nil {
			return 0, err
		}
		copy(buf, sector.Data[relPos:relPos+n])
		pool.Release(sector)
		file.pos += n
		return int(n), nil
	}

	// Copy up to the next sector boundary.
	if relPos != 0 {
		count := sectorSize - relPos
		sector, err := pool.Acquire(file.currentLBA(), buffercache.ModeRead)
		if err != nil {
			return int(total), err
		}
		copy(buf[:count], sector.Data[relPos:])
		pool.Release(sector)
		file.pos += count
		total += count
	}

	// Transfer the rest of the current cluster directly, if at least one full
	// cluster still follows.
	relCluster := file.pos % clusterSize
	if relCluster != 0 && n-total >= clusterSize {
		if err := file.syncCursor(); err != nil {
			return int(total), err
		}
		sectors := geo.SectorsPerCluster - relCluster/sectorSize
		count := sectors * sectorSize
		err := pool.ReadDirect(buf[total:total+count], file.currentLBA(), sectors)
		if err != nil {
			return int(total), err
		}
		file.pos += count
		total += count
	}

	// Bulk clusters, coalescing sequential runs into single transfers.
	clusters := (n - total) / clusterSize
	for clusters > 0 {
		if err := file.syncCursor(); err != nil {
			return int(total), err
		}
		run := uint32(1)
		if clusters > 1 {
			seq, err := file.vol.table.SequentialClusters(file.curAddr, clusters-1)
			if err != nil {
				return int(total), err
			}
			run += seq
		}
		sectors := run * geo.SectorsPerCluster
		count := sectors * sectorSize
		err := pool.ReadDirect(buf[total:total+count], geo.ClusterToLBA(file.curAddr), sectors)
		if err != nil {
			return int(total), err
		}
		file.pos += count
		total += count
		clusters -= run
	}

	// Remaining whole sectors, never crossing a cluster boundary in one
	// transfer.
	for n-total >= sectorSize {
		if err := file.syncCursor(); err != nil {
			return int(total), err
		}
		sectors := (n - total) / sectorSize
		clusterSectors := geo.SectorsPerCluster - (file.pos%clusterSize)/sectorSize
		if sectors > clusterSectors {
			sectors = clusterSectors
		}
		count := sectors * sectorSize
		err := pool.ReadDirect(buf[total:total+count], file.currentLBA(), sectors)
		if err != nil {
			return int(total), err
		}
		file.pos += count
		total += count
	}

	// Final partial sector.
	if n-total > 0 {
		if err := file.syncCursor(); err != nil {
			return int(total), err
		}
		count := n - total
		sector, err := pool.Acquire(file.currentLBA(), buffercache.ModeRead)
		if err != nil {
			return int(total), err
		}
		copy(buf[total:], sector.Data[:count])
		pool.Release(sector)
		file.pos += count
		total += count
	}

	return int(total), nil
}

// extend grows the cluster chain until it covers newSize bytes. The chain
// never shrinks here.
func (file *File) extend(newSize uint32) error {
	clusterSize := file.vol.geo.BytesPerCluster
	needed := (newSize + clusterSize - 1) / clusterSize
	if needed <= file.chainLength {
		return nil
	}

	tail, err := file.vol.table.ExtendChain(file.endOfChain, needed-file.chainLength)
	if err != nil {
		return err
	}
	file.endOfChain = tail
	file.chainLength = needed
	return nil
}

// Write writes len(p) bytes at the file pointer, allocating clusters first so
// a failed allocation leaves the file untouched. The size field grows when
// the pointer passes it; the on-disk record learns about it on Close.
func (file *File) Write(p []byte) (int, error) {
	if err := file.checkOpen(); err != nil {
		return 0, err
	}
	if file.mode != ModeWrite {
		return 0, fatfs.ErrReadOnly.WithMessage("file not opened for writing")
	}
	if len(p) == 0 {
		return 0, nil
	}
	if uint64(file.pos)+uint64(len(p)) > 0xFFFFFFFF {
		return 0, fatfs.ErrFileTooLarge.WithMessage(
			"FAT files cannot exceed 4 GiB",
		)
	}

	geo := file.vol.geo
	pool := file.vol.pool
	sectorSize := geo.BytesPerSector
	clusterSize := geo.BytesPerCluster

	n := uint32(len(p))
	total := uint32(0)

	if err := file.extend(file.pos + n); err != nil {
		return 0, err
	}
	if err := file.syncCursor(); err != nil {
		return 0, err
	}

	defer func() {
		if file.pos > file.size {
			file.size = file.pos
		}
	}()

	// Whole transfer inside one sector.
	relPos := file.pos % sectorSize
	if uint64(relPos)+uint64(n) < uint64(sectorSize) {
		sector, err := pool.Acquire(file.currentLBA(), buffercache.ModeWrite)
		if err != nil {
			return 0, err
		}
		copy(sector.Data[relPos:relPos+n], p)
		pool.Release(sector)
		file.pos += n
		return int(n), nil
	}

	// Copy up to the next sector boundary.
	if relPos != 0 {
		count := sectorSize - relPos
		sector, err := pool.Acquire(file.currentLBA(), buffercache.ModeWrite)
		if err != nil {
			return int(total), err
		}
		copy(sector.Data[relPos:], p[:count])
		pool.Release(sector)
		file.pos += count
		total += count
	}

	// Fill out the current cluster directly.
	relCluster := file.pos % clusterSize
	if relCluster != 0 && n-total >= clusterSize {
		if err := file.syncCursor(); err != nil {
			return int(total), err
		}
		sectors := geo.SectorsPerCluster - relCluster/sectorSize
		count := sectors * sectorSize
		err := pool.WriteDirect(p[total:total+count], file.currentLBA(), sectors)
		if err != nil {
			return int(total), err
		}
		file.pos += count
		total += count
	}

	// Bulk clusters in sequential runs.
	clusters := (n - total) / clusterSize
	for clusters > 0 {
		if err := file.syncCursor(); err != nil {
			return int(total), err
		}
		run := uint32(1)
		if clusters > 1 {
			seq, err := file.vol.table.SequentialClusters(file.curAddr, clusters-1)
			if err != nil {
				return int(total), err
			}
			run += seq
		}
		sectors := run * geo.SectorsPerCluster
		count := sectors * sectorSize
		err := pool.WriteDirect(p[total:total+count], geo.ClusterToLBA(file.curAddr), sectors)
		if err != nil {
			return int(total), err
		}
		file.pos += count
		total += count
		clusters -= run
	}

	// Remaining whole sectors within the final cluster.
	for n-total >= sectorSize {
		if err := file.syncCursor(); err != nil {
			return int(total), err
		}
		sectors := (n - total) / sectorSize
		clusterSectors := geo.SectorsPerCluster - (file.pos%clusterSize)/sectorSize
		if sectors > clusterSectors {
			sectors = clusterSectors
		}
		count := sectors * sectorSize
		err := pool.WriteDirect(p[total:total+count], file.currentLBA(), sectors)
		if err != nil {
			return int(total), err
		}
		file.pos += count
		total += count
	}

	// Final partial sector.
	if n-total > 0 {
		if err := file.syncCursor(); err != nil {
			return int(total), err
		}
		count := n - total
		sector, err := pool.Acquire(file.currentLBA(), buffercache.ModeWrite)
		if err != nil {
			return int(total), err
		}
		copy(sector.Data[:count], p[total:])
		pool.Release(sector)
		file.pos += count
		total += count
	}

	return int(total), nil
}

// Seek moves the file pointer. The new position must land inside [0, size]:
// seeking past end of file is invalid on FAT, since the bytes in between
// would have no clusters. Origin io.SeekEnd therefore only accepts
// non-positive offsets.
//
// A seek is the one operation that rebuilds the cursor from the chain head,
// because it is the only one that can move backwards.
func (file *File) Seek(offset int64, whence int) (int64, error) {
	if err := file.checkOpen(); err != nil {
		return 0, err
	}

	var absolute int64
	switch whence {
	case io.SeekStart:
		absolute = offset
	case io.SeekCurrent:
		absolute = int64(file.pos) + offset
	case io.SeekEnd:
		if offset > 0 {
			return int64(file.pos), fatfs.ErrInvalidPosition.WithMessage(
				"cannot seek past end of file",
			)
		}
		absolute = int64(file.size) + offset
	default:
		return int64(file.pos), fatfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("invalid seek origin %d", whence),
		)
	}

	if absolute < 0 || absolute > int64(file.size) {
		return int64(file.pos), fatfs.ErrInvalidPosition.WithMessage(fmt.Sprintf(
			"position %d not in [0, %d]", absolute, file.size,
		))
	}

	file.pos = uint32(absolute)

	index := file.pos / file.vol.geo.BytesPerCluster
	// A position exactly at the end of the last cluster parks the cursor on
	// that cluster; the next write extends the chain and moves on from there.
	if file.chainLength > 0 && index >= file.chainLength {
		index = file.chainLength - 1
	}

	if file.firstCluster == 0 {
		file.curAddr = 0
		file.curIndex = 0
		return absolute, nil
	}

	addr, err := file.vol.table.Traverse(file.firstCluster, index)
	if err != nil {
		return absolute, err
	}
	file.curAddr = addr
	file.curIndex = index
	return absolute, nil
}

// ReadByte reads the byte at the file pointer through the cache.
func (file *File) ReadByte() (byte, error) {
	if err := file.checkOpen(); err != nil {
		return 0, err
	}
	if file.pos >= file.size {
		return 0, io.EOF
	}
	if err := file.syncCursor(); err != nil {
		return 0, err
	}

	sector, err := file.vol.pool.Acquire(file.currentLBA(), buffercache.ModeRead)
	if err != nil {
		return 0, err
	}
	value := sector.Data[file.pos%file.vol.geo.BytesPerSector]
	file.vol.pool.Release(sector)

	file.pos++
	return value, nil
}

// WriteByte writes one byte at the file pointer through the cache, extending
// the file if the pointer is at end of file.
func (file *File) WriteByte(value byte) error {
	if err := file.checkOpen(); err != nil {
		return err
	}
	if file.mode != ModeWrite {
		return fatfs.ErrReadOnly.WithMessage("file not opened for writing")
	}
	if file.pos == 0xFFFFFFFF {
		return fatfs.ErrFileTooLarge.WithMessage("FAT files cannot exceed 4 GiB")
	}

	if err := file.extend(file.pos + 1); err != nil {
		return err
	}
	if err := file.syncCursor(); err != nil {
		return err
	}

	sector, err := file.vol.pool.Acquire(file.currentLBA(), buffercache.ModeWrite)
	if err != nil {
		return err
	}
	sector.Data[file.pos%file.vol.geo.BytesPerSector] = value
	file.vol.pool.Release(sector)

	file.pos++
	if file.pos > file.size {
		file.size = file.pos
	}
	return nil
}
