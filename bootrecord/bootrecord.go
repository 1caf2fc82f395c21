// Package bootrecord decodes the on-disk structures that locate a FAT volume:
// the MBR partition table, the BIOS Parameter Block, and (on FAT32) the
// FS-Info sector. It produces a Geometry, the immutable shape of a mounted
// volume that the rest of the engine computes against.
package bootrecord

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/dargueta/fatfs"
	"github.com/dargueta/fatfs/buffercache"
)

// FATType identifies the entry width of the File Allocation Table.
type FATType int

const (
	FAT12 FATType = 12
	FAT16 FATType = 16
	FAT32 FATType = 32
)

func (t FATType) String() string {
	return fmt.Sprintf("FAT%d", int(t))
}

// RawBootSector is the on-disk layout of the first 36 bytes of a FAT boot
// sector: the fields common to all FAT versions.
type RawBootSector struct {
	JmpBoot           [3]byte
	OEMName           [8]byte
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	RootEntryCount    uint16
	TotalSectors16    uint16
	Media             uint8
	SectorsPerFAT16   uint16
	SectorsPerTrack   uint16
	NumHeads          uint16
	HiddenSectors     uint32
	TotalSectors32    uint32
}

// RawBootSector32 is the FAT32 extension that follows RawBootSector on disk.
type RawBootSector32 struct {
	SectorsPerFAT32 uint32
	ExtFlags        uint16
	FSVersion       uint16
	RootCluster     uint32
	FSInfoSector    uint16
	BackupBootSector uint16
	Reserved        [12]byte
}

// Geometry is the decoded shape of one FAT volume. All LBAs are absolute.
type Geometry struct {
	Type FATType

	PartitionStart    fatfs.LBA
	BytesPerSector    uint32
	SectorsPerCluster uint32
	BytesPerCluster   uint32
	ReservedSectors   uint32
	NumFATs           uint32
	SectorsPerFAT     uint32
	TotalSectors      uint32

	// FATBegin is the LBA of the first sector of the first FAT copy.
	FATBegin fatfs.LBA

	// RootDirStart, RootDirEntries, and RootDirSectors describe the fixed
	// root directory region of FAT12/16 volumes. All three are zero on FAT32.
	RootDirStart   fatfs.LBA
	RootDirEntries uint32
	RootDirSectors uint32

	// RootCluster is the head of the FAT32 root directory chain; zero on
	// FAT12/16.
	RootCluster fatfs.Cluster

	// ClusterBegin is the LBA of cluster 2, the first data cluster.
	ClusterBegin fatfs.LBA

	// TotalClusters is the number of data clusters. Valid cluster numbers are
	// [2, TotalClusters+1].
	TotalClusters uint32

	// FSInfoSector is the absolute LBA of the FAT32 FS-Info sector, or 0 if
	// the volume doesn't carry one.
	FSInfoSector fatfs.LBA
}

// ClusterToLBA returns the LBA of the first sector of a cluster. The cluster
// must be valid; see IsValidCluster.
func (geo *Geometry) ClusterToLBA(cluster fatfs.Cluster) fatfs.LBA {
	return geo.ClusterBegin + fatfs.LBA((uint32(cluster)-2)*geo.SectorsPerCluster)
}

// IsValidCluster reports whether a cluster number addresses a data cluster.
func (geo *Geometry) IsValidCluster(cluster fatfs.Cluster) bool {
	return uint32(cluster) >= 2 && uint32(cluster) < geo.TotalClusters+2
}

// IsEOC reports whether a FAT entry value terminates a chain.
func (geo *Geometry) IsEOC(value fatfs.Cluster) bool {
	switch geo.Type {
	case FAT12:
		return uint32(value) >= 0x0FF8
	case FAT16:
		return uint32(value) >= 0xFFF8
	default:
		return uint32(value)&0x0FFFFFFF >= 0x0FFFFFF8
	}
}

// EOCValue returns the canonical end-of-chain marker written by this module.
func (geo *Geometry) EOCValue() fatfs.Cluster {
	switch geo.Type {
	case FAT12:
		return 0x0FFF
	case FAT16:
		return 0xFFFF
	default:
		return 0x0FFFFFFF
	}
}

// ReadPartitionStart locates the requested primary partition and returns its
// first LBA. Index 0 on an unpartitioned ("superfloppy") image, where sector
// zero is itself a BPB, returns 0.
func ReadPartitionStart(pool *buffercache.Pool, index int) (fatfs.LBA, error) {
	if index < 0 || index > 3 {
		return 0, fatfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("partition index %d not in [0, 3]", index),
		)
	}

	buf, err := pool.Acquire(0, buffercache.ModeRead)
	if err != nil {
		return 0, err
	}
	defer pool.Release(buf)

	sector := buf.Data
	if len(sector) < 512 || sector[510] != 0x55 || sector[511] != 0xAA {
		return 0, fatfs.ErrCorrupted.WithMessage("sector 0 has no boot signature")
	}

	// A jump opcode at offset 0 means sector 0 is a BPB, not an MBR.
	if sector[0] == 0xEB || sector[0] == 0xE9 {
		if index != 0 {
			return 0, fatfs.ErrNotFound.WithMessage(
				fmt.Sprintf("image is unpartitioned; partition %d does not exist", index),
			)
		}
		return 0, nil
	}

	entry := sector[446+16*index : 446+16*index+16]
	partType := entry[4]
	startLBA := binary.LittleEndian.Uint32(entry[8:12])
	if partType == 0 || startLBA == 0 {
		return 0, fatfs.ErrNotFound.WithMessage(
			fmt.Sprintf("partition %d is empty", index),
		)
	}
	return fatfs.LBA(startLBA), nil
}

// ReadGeometry decodes the BPB at partitionStart and derives the volume
// geometry. It performs the same sanity checks a formatter must satisfy and
// fails with ErrCorrupted when the header is implausible.
func ReadGeometry(pool *buffercache.Pool, partitionStart fatfs.LBA) (*Geometry, error) {
	buf, err := pool.Acquire(partitionStart, buffercache.ModeRead)
	if err != nil {
		return nil, err
	}

	raw := RawBootSector{}
	raw32 := RawBootSector32{}
	reader := bytes.NewReader(buf.Data)
	err = binary.Read(reader, binary.LittleEndian, &raw)
	if err == nil {
		err = binary.Read(reader, binary.LittleEndian, &raw32)
	}
	pool.Release(buf)
	if err != nil {
		return nil, fatfs.ErrCorrupted.WrapError(err)
	}

	// BytesPerSector must be 512, 1024, 2048, or 4096.
	switch raw.BytesPerSector {
	case 512, 1024, 2048, 4096:
	default:
		return nil, fatfs.ErrCorrupted.WithMessage(fmt.Sprintf(
			"BytesPerSector must be 512, 1024, 2048, or 4096, got %d",
			raw.BytesPerSector,
		))
	}

	// SectorsPerCluster must be a power of two in [1, 128].
	switch raw.SectorsPerCluster {
	case 1, 2, 4, 8, 16, 32, 64, 128:
	default:
		return nil, fatfs.ErrCorrupted.WithMessage(fmt.Sprintf(
			"SectorsPerCluster must be a power of 2 in 1-128, got %d",
			raw.SectorsPerCluster,
		))
	}

	if raw.NumFATs == 0 {
		return nil, fatfs.ErrCorrupted.WithMessage("volume has no FAT copies")
	}

	bytesPerSector := uint32(raw.BytesPerSector)

	var sectorsPerFAT uint32
	if raw.SectorsPerFAT16 != 0 {
		sectorsPerFAT = uint32(raw.SectorsPerFAT16)
	} else {
		sectorsPerFAT = raw32.SectorsPerFAT32
	}
	if sectorsPerFAT == 0 {
		return nil, fatfs.ErrCorrupted.WithMessage("FAT size is zero")
	}

	var totalSectors uint32
	if raw.TotalSectors16 != 0 {
		totalSectors = uint32(raw.TotalSectors16)
	} else {
		totalSectors = raw.TotalSectors32
	}

	rootDirSectors := (uint32(raw.RootEntryCount)*32 + bytesPerSector - 1) / bytesPerSector

	metaSectors := uint32(raw.ReservedSectors) +
		uint32(raw.NumFATs)*sectorsPerFAT +
		rootDirSectors
	if totalSectors <= metaSectors {
		return nil, fatfs.ErrCorrupted.WithMessage(fmt.Sprintf(
			"volume of %d sectors is smaller than its own metadata (%d sectors)",
			totalSectors, metaSectors,
		))
	}
	totalClusters := (totalSectors - metaSectors) / uint32(raw.SectorsPerCluster)

	// FAT32 is identified structurally: no fixed root directory and no 16-bit
	// FAT size. FAT12 vs FAT16 is decided by cluster count, the only correct
	// discriminator for the small types.
	var fatType FATType
	if raw.RootEntryCount == 0 && raw.SectorsPerFAT16 == 0 {
		fatType = FAT32
	} else if totalClusters < 4085 {
		fatType = FAT12
	} else if totalClusters < 65525 {
		fatType = FAT16
	} else {
		return nil, fatfs.ErrCorrupted.WithMessage(fmt.Sprintf(
			"%d clusters is out of range for a volume with a fixed root directory",
			totalClusters,
		))
	}

	bytesPerCluster := bytesPerSector * uint32(raw.SectorsPerCluster)
	if bytesPerCluster > 32768 {
		return nil, fatfs.ErrCorrupted.WithMessage(fmt.Sprintf(
			"BytesPerCluster cannot exceed 32,768 but got %d", bytesPerCluster,
		))
	}

	fatBegin := partitionStart + fatfs.LBA(raw.ReservedSectors)
	rootDirStart := fatBegin + fatfs.LBA(uint32(raw.NumFATs)*sectorsPerFAT)
	clusterBegin := rootDirStart + fatfs.LBA(rootDirSectors)

	geo := &Geometry{
		Type:              fatType,
		PartitionStart:    partitionStart,
		BytesPerSector:    bytesPerSector,
		SectorsPerCluster: uint32(raw.SectorsPerCluster),
		BytesPerCluster:   bytesPerCluster,
		ReservedSectors:   uint32(raw.ReservedSectors),
		NumFATs:           uint32(raw.NumFATs),
		SectorsPerFAT:     sectorsPerFAT,
		TotalSectors:      totalSectors,
		FATBegin:          fatBegin,
		ClusterBegin:      clusterBegin,
		TotalClusters:     totalClusters,
	}

	if fatType == FAT32 {
		geo.RootCluster = fatfs.Cluster(raw32.RootCluster)
		if !geo.IsValidCluster(geo.RootCluster) {
			return nil, fatfs.ErrCorrupted.WithMessage(fmt.Sprintf(
				"FAT32 root cluster %d is not a valid cluster", raw32.RootCluster,
			))
		}
		if raw32.FSInfoSector != 0 && raw32.FSInfoSector != 0xFFFF {
			geo.FSInfoSector = partitionStart + fatfs.LBA(raw32.FSInfoSector)
		}
	} else {
		geo.RootDirStart = rootDirStart
		geo.RootDirEntries = uint32(raw.RootEntryCount)
		geo.RootDirSectors = rootDirSectors
	}

	return geo, nil
}
