package volume

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/dargueta/fatfs"
	"github.com/dargueta/fatfs/bootrecord"
	"github.com/dargueta/fatfs/buffercache"
	"github.com/dargueta/fatfs/disks"
	"github.com/noxer/bytewriter"
)

// FormatOptions selects what Format writes. Layout supplies the geometry;
// Label and VolumeID are cosmetic and optional.
type FormatOptions struct {
	Layout   disks.Layout
	Label    string
	VolumeID uint32
}

// Format writes a fresh, empty FAT file system onto a device, unpartitioned
// (the BPB sits in sector 0). The boot sector, the FAT copies, and the root
// directory are overwritten, as are the FS-Info sector and the backup boot
// sector on FAT32; the rest of the data region is left as it was.
func Format(device fatfs.BlockDevice, opts FormatOptions) error {
	if device == nil {
		return fatfs.ErrNullArgument.WithMessage("device is nil")
	}

	layout := opts.Layout
	sectorSize := device.BlockSize()

	if device.TotalBlocks() < layout.TotalSectors {
		return fatfs.ErrInvalidArgument.WithMessage(fmt.Sprintf(
			"device has %d sectors but layout %q needs %d",
			device.TotalBlocks(), layout.Slug, layout.TotalSectors,
		))
	}
	if layout.FATType == 32 && layout.RootEntries != 0 {
		return fatfs.ErrInvalidArgument.WithMessage(
			"FAT32 layouts must not reserve fixed root directory entries",
		)
	}

	rootDirSectors := (layout.RootEntries*32 + sectorSize - 1) / sectorSize
	sectorsPerFAT, clusters := fatRegionSize(layout, sectorSize, rootDirSectors)
	if clusters < 1 {
		return fatfs.ErrInvalidArgument.WithMessage(fmt.Sprintf(
			"layout %q leaves no data clusters", layout.Slug,
		))
	}

	pool := buffercache.NewPool(device, 0, 0)

	fatBegin := fatfs.LBA(layout.ReservedSectors)
	rootDirStart := fatBegin + fatfs.LBA(layout.NumFATs*sectorsPerFAT)
	clusterBegin := rootDirStart + fatfs.LBA(rootDirSectors)

	// Clear the FAT copies and the root directory region.
	clearEnd := clusterBegin
	if layout.FATType == 32 {
		// The root directory lives in cluster 2; clear that too.
		clearEnd += fatfs.LBA(layout.SectorsPerCluster)
	}
	err := zeroSectors(pool, fatBegin, uint32(clearEnd-fatBegin), sectorSize)
	if err != nil {
		return err
	}

	bootSector, err := buildBootSector(layout, sectorSize, sectorsPerFAT, opts)
	if err != nil {
		return err
	}
	err = pool.WriteDirect(bootSector, 0, 1)
	if err != nil {
		return err
	}
	if layout.FATType == 32 {
		// Backup boot sector, conventionally at sector 6.
		err = pool.WriteDirect(bootSector, 6, 1)
		if err != nil {
			return err
		}
	}

	err = writeInitialFAT(pool, layout, fatBegin, sectorsPerFAT, sectorSize)
	if err != nil {
		return err
	}

	if layout.FATType == 32 {
		err = bootrecord.WriteFSInfo(pool, 1, bootrecord.FSInfo{
			FreeCount: clusters - 1, // cluster 2 holds the root directory
			NextFree:  3,
		})
		if err != nil {
			return err
		}
	}

	return pool.FlushAll()
}

// fatRegionSize solves for the FAT size in sectors. The cluster count depends
// on the FAT size and vice versa, so iterate until the pair is stable; it
// converges in a couple of rounds.
func fatRegionSize(layout disks.Layout, sectorSize, rootDirSectors uint32) (uint32, uint32) {
	sectorsPerFAT := uint32(1)
	clusters := uint32(0)

	for i := 0; i < 8; i++ {
		metaSectors := layout.ReservedSectors + layout.NumFATs*sectorsPerFAT + rootDirSectors
		if layout.TotalSectors <= metaSectors {
			return sectorsPerFAT, 0
		}
		clusters = (layout.TotalSectors - metaSectors) / layout.SectorsPerCluster

		var entryBytes uint32
		switch layout.FATType {
		case 12:
			entryBytes = ((clusters + 2)*3 + 1) / 2
		case 16:
			entryBytes = (clusters + 2) * 2
		default:
			entryBytes = (clusters + 2) * 4
		}

		next := (entryBytes + sectorSize - 1) / sectorSize
		if next == sectorsPerFAT {
			break
		}
		sectorsPerFAT = next
	}
	return sectorsPerFAT, clusters
}

// buildBootSector serialises the BPB for the layout into one sector.
func buildBootSector(
	layout disks.Layout,
	sectorSize uint32,
	sectorsPerFAT uint32,
	opts FormatOptions,
) ([]byte, error) {
	sector := make([]byte, sectorSize)

	raw := bootrecord.RawBootSector{
		OEMName:           [8]byte{'F', 'A', 'T', 'F', 'S', '1', '.', '0'},
		BytesPerSector:    uint16(sectorSize),
		SectorsPerCluster: uint8(layout.SectorsPerCluster),
		ReservedSectors:   uint16(layout.ReservedSectors),
		NumFATs:           uint8(layout.NumFATs),
		RootEntryCount:    uint16(layout.RootEntries),
		Media:             0xF8,
		SectorsPerTrack:   63,
		NumHeads:          255,
	}

	if layout.FATType == 32 {
		raw.JmpBoot = [3]byte{0xEB, 0x58, 0x90}
		raw.TotalSectors32 = layout.TotalSectors
	} else {
		raw.JmpBoot = [3]byte{0xEB, 0x3C, 0x90}
		raw.SectorsPerFAT16 = uint16(sectorsPerFAT)
		if layout.TotalSectors < 0x10000 {
			raw.TotalSectors16 = uint16(layout.TotalSectors)
		} else {
			raw.TotalSectors32 = layout.TotalSectors
		}
	}

	writer := bytewriter.New(sector)
	err := binary.Write(writer, binary.LittleEndian, &raw)
	if err != nil {
		return nil, fatfs.ErrOutOfMemory.WrapError(err)
	}

	if layout.FATType == 32 {
		raw32 := bootrecord.RawBootSector32{
			SectorsPerFAT32:  sectorsPerFAT,
			RootCluster:      2,
			FSInfoSector:     1,
			BackupBootSector: 6,
		}
		err = binary.Write(writer, binary.LittleEndian, &raw32)
		if err != nil {
			return nil, fatfs.ErrOutOfMemory.WrapError(err)
		}
	}

	// Extended boot signature block: drive number, reserved byte, signature
	// 0x29, volume ID, label, and file-system type string.
	label := [11]byte{' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}
	copy(label[:], opts.Label)

	volumeID := opts.VolumeID
	if volumeID == 0 {
		volumeID = uint32(time.Now().Unix())
	}

	writer.Write([]byte{0x80, 0x00, 0x29})
	binary.Write(writer, binary.LittleEndian, volumeID)
	writer.Write(label[:])
	fsType := fmt.Sprintf("FAT%-5d", layout.FATType)
	writer.Write([]byte(fsType)[:8])

	sector[510] = 0x55
	sector[511] = 0xAA
	return sector, nil
}

// writeInitialFAT stamps the reserved entries at the head of every FAT copy:
// the media descriptor in entry 0, end-of-chain in entry 1, and on FAT32 an
// end-of-chain for the root directory's cluster.
func writeInitialFAT(
	pool *buffercache.Pool,
	layout disks.Layout,
	fatBegin fatfs.LBA,
	sectorsPerFAT uint32,
	sectorSize uint32,
) error {
	head := make([]byte, sectorSize)

	switch layout.FATType {
	case 12:
		copy(head, []byte{0xF8, 0xFF, 0xFF})
	case 16:
		copy(head, []byte{0xF8, 0xFF, 0xFF, 0xFF})
	default:
		copy(head, []byte{
			0xF8, 0xFF, 0xFF, 0x0F, // entry 0: media + reserved bits
			0xFF, 0xFF, 0xFF, 0x0F, // entry 1: end of chain
			0xFF, 0xFF, 0xFF, 0x0F, // entry 2: root directory, one cluster
		})
	}

	for i := uint32(0); i < layout.NumFATs; i++ {
		lba := fatBegin + fatfs.LBA(i*sectorsPerFAT)
		err := pool.WriteDirect(head, lba, 1)
		if err != nil {
			return err
		}
	}
	return nil
}

// zeroSectors clears a sector range in bounded chunks.
func zeroSectors(pool *buffercache.Pool, start fatfs.LBA, count, sectorSize uint32) error {
	const chunkSectors = 64

	zeroes := make([]byte, chunkSectors*sectorSize)
	for count > 0 {
		n := uint32(chunkSectors)
		if n > count {
			n = count
		}
		err := pool.WriteDirect(zeroes[:n*sectorSize], start, n)
		if err != nil {
			return err
		}
		start += fatfs.LBA(n)
		count -= n
	}
	return nil
}
