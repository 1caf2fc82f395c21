// Package fat implements the File Allocation Table: an on-disk array mapping
// each cluster to the next cluster of its chain, to 0 (free), or to an
// end-of-chain marker. The Table reads and writes entries through the buffer
// cache, walks and edits chains, and keeps the volume's free-cluster count.
//
// Reads never take the table lock; full-sector atomicity in the buffer cache
// is enough for a torn-free view. Every mutation serialises on the internal
// lock, which doubles as the volume's fat_lock.
package fat

import (
	"fmt"
	"sync"

	"github.com/dargueta/fatfs"
	"github.com/dargueta/fatfs/bootrecord"
	"github.com/dargueta/fatfs/buffercache"
)

// Table is the FAT of one mounted volume.
type Table struct {
	pool *buffercache.Pool
	geo  *bootrecord.Geometry

	// firstFATOnly suppresses mirroring of entry writes to the other FAT
	// copies.
	firstFATOnly bool

	mutex sync.Mutex
	// freeClusters is maintained transactionally with entry writes: a 0->N
	// transition decrements it, an N->0 transition increments it.
	freeClusters uint32
	// lastAllocated is the scan hint for FindFreeCluster.
	lastAllocated fatfs.Cluster
}

// New creates a Table over the FAT region described by geo. The free-cluster
// count starts at zero; the mounter seeds it with CountFreeClusters or a
// trusted FS-Info value before handing the table out.
func New(pool *buffercache.Pool, geo *bootrecord.Geometry, firstFATOnly bool) *Table {
	return &Table{
		pool:          pool,
		geo:           geo,
		firstFATOnly:  firstFATOnly,
		lastAllocated: 2,
	}
}

// Geometry returns the volume geometry the table computes against.
func (table *Table) Geometry() *bootrecord.Geometry {
	return table.geo
}

// Pool returns the buffer pool the table reads and writes through.
func (table *Table) Pool() *buffercache.Pool {
	return table.pool
}

// FreeClusters returns the current free-cluster count.
func (table *Table) FreeClusters() uint32 {
	table.mutex.Lock()
	defer table.mutex.Unlock()
	return table.freeClusters
}

// SetFreeCount seeds the free-cluster count, e.g. from a valid FS-Info sector.
func (table *Table) SetFreeCount(count uint32) {
	table.mutex.Lock()
	table.freeClusters = count
	table.mutex.Unlock()
}

// SetAllocationHint seeds the free-cluster scan position.
func (table *Table) SetAllocationHint(cluster fatfs.Cluster) {
	if !table.geo.IsValidCluster(cluster) {
		return
	}
	table.mutex.Lock()
	table.lastAllocated = cluster
	table.mutex.Unlock()
}

// AllocationHint returns the current free-cluster scan position.
func (table *Table) AllocationHint() fatfs.Cluster {
	table.mutex.Lock()
	defer table.mutex.Unlock()
	return table.lastAllocated
}

// entryByteOffset returns the byte offset of a cluster's entry from the start
// of one FAT copy.
func (table *Table) entryByteOffset(cluster fatfs.Cluster) uint32 {
	switch table.geo.Type {
	case bootrecord.FAT12:
		return uint32(cluster) + uint32(cluster)/2
	case bootrecord.FAT16:
		return uint32(cluster) * 2
	default:
		return uint32(cluster) * 4
	}
}

// entryWidth returns the number of bytes an entry occupies on disk. FAT12
// entries take two bytes because each straddles a byte shared with its
// neighbour.
func (table *Table) entryWidth() uint32 {
	switch table.geo.Type {
	case bootrecord.FAT12:
		return 2
	case bootrecord.FAT16:
		return 2
	default:
		return 4
	}
}

// readEntryBytes fetches the raw bytes of an entry from the first FAT copy.
// A FAT12 entry whose two bytes land in different sectors holds both sector
// buffers at once, so the read observes a single consistent entry.
func (table *Table) readEntryBytes(cluster fatfs.Cluster, raw []byte) error {
	sectorSize := table.geo.BytesPerSector
	offset := table.entryByteOffset(cluster)
	width := table.entryWidth()

	firstLBA := table.geo.FATBegin + fatfs.LBA(offset/sectorSize)
	relOffset := offset % sectorSize

	buf, err := table.pool.Acquire(firstLBA, buffercache.ModeRead)
	if err != nil {
		return err
	}
	defer table.pool.Release(buf)

	if relOffset+width <= sectorSize {
		copy(raw, buf.Data[relOffset:relOffset+width])
		return nil
	}

	// The entry straddles a sector boundary (FAT12 only).
	split := sectorSize - relOffset
	next, err := table.pool.Acquire(firstLBA+1, buffercache.ModeRead)
	if err != nil {
		return err
	}
	defer table.pool.Release(next)

	copy(raw[:split], buf.Data[relOffset:])
	copy(raw[split:width], next.Data)
	return nil
}

// writeEntryBytes stores the raw bytes of an entry into every FAT copy (or
// only the first, under the FirstFATOnly policy). modify is handed the
// current bytes and edits them in place, so FAT12 writes preserve the nibble
// belonging to the neighbouring entry.
func (table *Table) writeEntryBytes(cluster fatfs.Cluster, modify func(raw []byte)) error {
	sectorSize := table.geo.BytesPerSector
	offset := table.entryByteOffset(cluster)
	width := table.entryWidth()

	copies := table.geo.NumFATs
	if table.firstFATOnly {
		copies = 1
	}

	raw := make([]byte, width)
	for i := uint32(0); i < copies; i++ {
		copyOffset := offset
		firstLBA := table.geo.FATBegin +
			fatfs.LBA(i*table.geo.SectorsPerFAT) +
			fatfs.LBA(copyOffset/sectorSize)
		relOffset := copyOffset % sectorSize

		buf, err := table.pool.Acquire(firstLBA, buffercache.ModeWrite)
		if err != nil {
			return err
		}

		if relOffset+width <= sectorSize {
			copy(raw, buf.Data[relOffset:relOffset+width])
			modify(raw)
			copy(buf.Data[relOffset:relOffset+width], raw)
			table.pool.Release(buf)
			continue
		}

		// Cross-sector FAT12 entry: both sectors are held for the duration of
		// the edit.
		split := sectorSize - relOffset
		next, err := table.pool.Acquire(firstLBA+1, buffercache.ModeWrite)
		if err != nil {
			table.pool.Release(buf)
			return err
		}

		copy(raw[:split], buf.Data[relOffset:])
		copy(raw[split:width], next.Data)
		modify(raw)
		copy(buf.Data[relOffset:], raw[:split])
		copy(next.Data[:width-split], raw[split:width])

		table.pool.Release(next)
		table.pool.Release(buf)
	}
	return nil
}

// decodeEntry extracts the entry value for cluster from its raw bytes.
func (table *Table) decodeEntry(cluster fatfs.Cluster, raw []byte) fatfs.Cluster {
	switch table.geo.Type {
	case bootrecord.FAT12:
		packed := uint16(raw[0]) | uint16(raw[1])<<8
		if cluster&1 != 0 {
			return fatfs.Cluster(packed >> 4)
		}
		return fatfs.Cluster(packed & 0x0FFF)
	case bootrecord.FAT16:
		return fatfs.Cluster(uint16(raw[0]) | uint16(raw[1])<<8)
	default:
		packed := uint32(raw[0]) | uint32(raw[1])<<8 | uint32(raw[2])<<16 | uint32(raw[3])<<24
		return fatfs.Cluster(packed & 0x0FFFFFFF)
	}
}

// encodeEntry folds a new value for cluster into its raw bytes, preserving
// the bits that belong to someone else: the neighbouring FAT12 entry's
// nibble, or the reserved high nibble of a FAT32 entry.
func (table *Table) encodeEntry(cluster fatfs.Cluster, raw []byte, value fatfs.Cluster) {
	switch table.geo.Type {
	case bootrecord.FAT12:
		packed := uint16(raw[0]) | uint16(raw[1])<<8
		if cluster&1 != 0 {
			packed = (packed & 0x000F) | uint16(value)<<4
		} else {
			packed = (packed & 0xF000) | (uint16(value) & 0x0FFF)
		}
		raw[0] = byte(packed)
		raw[1] = byte(packed >> 8)
	case bootrecord.FAT16:
		raw[0] = byte(value)
		raw[1] = byte(uint16(value) >> 8)
	default:
		packed := uint32(raw[0]) | uint32(raw[1])<<8 | uint32(raw[2])<<16 | uint32(raw[3])<<24
		packed = (packed & 0xF0000000) | (uint32(value) & 0x0FFFFFFF)
		raw[0] = byte(packed)
		raw[1] = byte(packed >> 8)
		raw[2] = byte(packed >> 16)
		raw[3] = byte(packed >> 24)
	}
}

// Entry returns the FAT entry for a cluster: the next cluster in its chain,
// 0 if free, or an end-of-chain marker.
func (table *Table) Entry(cluster fatfs.Cluster) (fatfs.Cluster, error) {
	if !table.geo.IsValidCluster(cluster) {
		return 0, fatfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("cluster %d is not a data cluster", cluster),
		)
	}

	raw := make([]byte, table.entryWidth())
	err := table.readEntryBytes(cluster, raw)
	if err != nil {
		return 0, err
	}
	return table.decodeEntry(cluster, raw), nil
}

// setEntryLocked writes a FAT entry and maintains the free-cluster count.
// The caller holds table.mutex.
func (table *Table) setEntryLocked(cluster, value fatfs.Cluster) error {
	if !table.geo.IsValidCluster(cluster) {
		return fatfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("cluster %d is not a data cluster", cluster),
		)
	}

	old, err := table.Entry(cluster)
	if err != nil {
		return err
	}

	err = table.writeEntryBytes(cluster, func(raw []byte) {
		table.encodeEntry(cluster, raw, value)
	})
	if err != nil {
		return err
	}

	if old == 0 && value != 0 {
		table.freeClusters--
	} else if old != 0 && value == 0 {
		table.freeClusters++
	}
	return nil
}

// SetEntry writes a FAT entry under the table lock, updating every FAT copy
// and the free-cluster count.
func (table *Table) SetEntry(cluster, value fatfs.Cluster) error {
	table.mutex.Lock()
	defer table.mutex.Unlock()
	return table.setEntryLocked(cluster, value)
}

// Traverse follows steps links from start and returns the cluster reached.
// Zero steps returns start. If the chain ends first, the end-of-chain marker
// is returned.
func (table *Table) Traverse(start fatfs.Cluster, steps uint32) (fatfs.Cluster, error) {
	current := start
	for i := uint32(0); i < steps; i++ {
		if table.geo.IsEOC(current) {
			return table.geo.EOCValue(), nil
		}
		next, err := table.Entry(current)
		if err != nil {
			return 0, err
		}
		if table.geo.IsEOC(next) {
			return table.geo.EOCValue(), nil
		}
		if !table.geo.IsValidCluster(next) {
			return 0, fatfs.ErrCorrupted.WithMessage(fmt.Sprintf(
				"cluster %d is followed by invalid cluster %#x at step %d of chain from %d",
				current, uint32(next), i, start,
			))
		}
		current = next
	}
	return current, nil
}

// ChainLength counts the clusters in the chain starting at start. A start of
// 0 (an empty file) has length 0.
func (table *Table) ChainLength(start fatfs.Cluster) (uint32, error) {
	if start == 0 {
		return 0, nil
	}

	count := uint32(0)
	current := start
	for {
		count++
		next, err := table.Entry(current)
		if err != nil {
			return 0, err
		}
		if table.geo.IsEOC(next) {
			return count, nil
		}
		if !table.geo.IsValidCluster(next) {
			return 0, fatfs.ErrCorrupted.WithMessage(fmt.Sprintf(
				"chain from %d runs into invalid cluster %#x after %d clusters",
				start, uint32(next), count,
			))
		}
		if count > table.geo.TotalClusters {
			return 0, fatfs.ErrCorrupted.WithMessage(fmt.Sprintf(
				"chain from %d is longer than the volume; cycle suspected", start,
			))
		}
		current = next
	}
}

// FindEndOfChain walks from any cluster of a chain to its last cluster.
func (table *Table) FindEndOfChain(cluster fatfs.Cluster) (fatfs.Cluster, error) {
	current := cluster
	for steps := uint32(0); ; steps++ {
		next, err := table.Entry(current)
		if err != nil {
			return 0, err
		}
		if table.geo.IsEOC(next) {
			return current, nil
		}
		if !table.geo.IsValidCluster(next) {
			return 0, fatfs.ErrCorrupted.WithMessage(fmt.Sprintf(
				"chain through %d runs into invalid cluster %#x", cluster, uint32(next),
			))
		}
		if steps > table.geo.TotalClusters {
			return 0, fatfs.ErrCorrupted.WithMessage(fmt.Sprintf(
				"chain through %d never terminates; cycle suspected", cluster,
			))
		}
		current = next
	}
}

// SequentialClusters counts how many links from start are physically
// contiguous, i.e. each next cluster is current+1. The walk stops at limit
// links (0 means unlimited) or the first non-contiguous link. The return
// value is the number of extra clusters that can be covered by one device
// transfer starting at start.
func (table *Table) SequentialClusters(start fatfs.Cluster, limit uint32) (uint32, error) {
	count := uint32(0)
	current := start
	for {
		next, err := table.Entry(current)
		if err != nil {
			return 0, err
		}
		if next != current+1 {
			return count, nil
		}
		count++
		if limit != 0 && count == limit {
			return count, nil
		}
		current = next
	}
}

// findFreeClusterLocked scans for a free cluster starting at the allocation
// hint and wrapping around. The caller holds table.mutex.
func (table *Table) findFreeClusterLocked() (fatfs.Cluster, error) {
	total := table.geo.TotalClusters
	start := uint32(table.lastAllocated)

	for i := uint32(0); i < total; i++ {
		// Data clusters occupy [2, total+2); step through them starting at
		// the hint.
		cluster := fatfs.Cluster((start-2+i)%total + 2)
		value, err := table.Entry(cluster)
		if err != nil {
			return 0, err
		}
		if value == 0 {
			table.lastAllocated = cluster
			return cluster, nil
		}
	}
	return 0, fatfs.ErrNoFreeSpace.WithMessage("no free clusters")
}

// FindFreeCluster returns the first free cluster at or after the allocation
// hint, updating the hint. It does not allocate.
func (table *Table) FindFreeCluster() (fatfs.Cluster, error) {
	table.mutex.Lock()
	defer table.mutex.Unlock()
	return table.findFreeClusterLocked()
}

// CreateChain allocates one free cluster, marks it end-of-chain, and returns
// it: the head of a new one-cluster chain.
func (table *Table) CreateChain() (fatfs.Cluster, error) {
	table.mutex.Lock()
	defer table.mutex.Unlock()

	cluster, err := table.findFreeClusterLocked()
	if err != nil {
		return 0, err
	}
	err = table.setEntryLocked(cluster, table.geo.EOCValue())
	if err != nil {
		return 0, err
	}
	return cluster, nil
}

// ExtendChain grows the chain containing cluster by count clusters and
// returns the new end of chain.
func (table *Table) ExtendChain(cluster fatfs.Cluster, count uint32) (fatfs.Cluster, error) {
	table.mutex.Lock()
	defer table.mutex.Unlock()

	tail, err := table.FindEndOfChain(cluster)
	if err != nil {
		return 0, err
	}

	for i := uint32(0); i < count; i++ {
		next, err := table.findFreeClusterLocked()
		if err != nil {
			return 0, err
		}
		// Mark the new cluster allocated before linking it so the free count
		// moves exactly once per allocation.
		err = table.setEntryLocked(next, table.geo.EOCValue())
		if err != nil {
			return 0, err
		}
		err = table.setEntryLocked(tail, next)
		if err != nil {
			return 0, err
		}
		tail = next
	}
	return tail, nil
}

// UnlinkChain frees clusters of the chain starting at first, writing 0 into
// each entry, and returns the number freed. A stopBefore of 0 frees the whole
// chain. Otherwise clusters from stopBefore to the end are freed and the
// cluster preceding it becomes the new end of chain.
func (table *Table) UnlinkChain(first, stopBefore fatfs.Cluster) (uint32, error) {
	table.mutex.Lock()
	defer table.mutex.Unlock()

	current := first
	if stopBefore != 0 {
		previous := fatfs.Cluster(0)
		for current != stopBefore {
			next, err := table.Entry(current)
			if err != nil {
				return 0, err
			}
			if table.geo.IsEOC(next) {
				return 0, fatfs.ErrInvalidArgument.WithMessage(fmt.Sprintf(
					"cluster %d is not on the chain from %d", stopBefore, first,
				))
			}
			previous = current
			current = next
		}
		if previous == 0 {
			return 0, fatfs.ErrInvalidArgument.WithMessage(
				"cannot truncate a chain at its first cluster; unlink it entirely instead",
			)
		}
		err := table.setEntryLocked(previous, table.geo.EOCValue())
		if err != nil {
			return 0, err
		}
	}

	freed := uint32(0)
	for {
		next, err := table.Entry(current)
		if err != nil {
			return freed, err
		}
		err = table.setEntryLocked(current, 0)
		if err != nil {
			return freed, err
		}
		freed++
		if table.geo.IsEOC(next) {
			return freed, nil
		}
		if !table.geo.IsValidCluster(next) {
			return freed, fatfs.ErrCorrupted.WithMessage(fmt.Sprintf(
				"chain from %d runs into invalid cluster %#x while unlinking",
				first, uint32(next),
			))
		}
		current = next
	}
}

// CountFreeClusters scans the whole FAT, stores the result as the live
// free-cluster count, and returns it. Mounting uses this when no trustworthy
// FS-Info summary exists.
func (table *Table) CountFreeClusters() (uint32, error) {
	table.mutex.Lock()
	defer table.mutex.Unlock()

	count := uint32(0)
	for c := uint32(2); c < table.geo.TotalClusters+2; c++ {
		value, err := table.Entry(fatfs.Cluster(c))
		if err != nil {
			return 0, err
		}
		if value == 0 {
			count++
		}
	}
	table.freeClusters = count
	return count, nil
}
