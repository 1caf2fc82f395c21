// Package testutil holds the fixtures the engine's tests share: in-memory
// block devices, formatted scratch volumes, and fault-injecting device
// wrappers for exercising the retry and error paths.
package testutil

import (
	"sync"
	"testing"

	"github.com/dargueta/fatfs"
	"github.com/dargueta/fatfs/block"
	"github.com/dargueta/fatfs/disks"
	"github.com/dargueta/fatfs/volume"
	"github.com/stretchr/testify/require"
)

// NewRAMDevice creates an in-memory block device of the given geometry,
// zero-filled, and returns it along with its backing storage.
func NewRAMDevice(t *testing.T, sectorSize, totalSectors uint32) (*block.StreamDevice, []byte) {
	t.Helper()
	storage := make([]byte, sectorSize*totalSectors)
	return block.NewRAMDevice(storage, sectorSize), storage
}

// FormatDevice creates an in-memory device and formats it with the named
// layout from the disks package.
func FormatDevice(t *testing.T, slug string) fatfs.BlockDevice {
	t.Helper()

	layout, err := disks.Get(slug)
	require.NoErrorf(t, err, "unknown layout %q", slug)

	device, _ := NewRAMDevice(t, 512, layout.TotalSectors)
	err = volume.Format(device, volume.FormatOptions{Layout: layout})
	require.NoErrorf(t, err, "formatting %q image", slug)
	return device
}

// MountScratchVolume formats an in-memory image with the named layout and
// mounts it. The volume is unmounted when the test finishes.
func MountScratchVolume(t *testing.T, slug string) *volume.Volume {
	t.Helper()

	device := FormatDevice(t, slug)
	vol, err := volume.Mount(device, 0, fatfs.Config{})
	require.NoError(t, err, "mounting scratch volume")

	t.Cleanup(func() {
		err := vol.Unmount()
		require.NoError(t, err, "unmounting scratch volume")
	})
	return vol
}

// CountingDevice wraps a device and tallies the transfers that pass through
// it, so tests can assert on exactly how many device commands an operation
// issued.
type CountingDevice struct {
	Inner fatfs.BlockDevice

	mutex        sync.Mutex
	reads        int
	writes       int
	sectorsRead  int
	sectorsWrote int
}

func NewCountingDevice(inner fatfs.BlockDevice) *CountingDevice {
	return &CountingDevice{Inner: inner}
}

func (device *CountingDevice) ReadBlocks(buffer []byte, lba fatfs.LBA, count uint32) fatfs.Status {
	device.mutex.Lock()
	device.reads++
	device.sectorsRead += int(count)
	device.mutex.Unlock()
	return device.Inner.ReadBlocks(buffer, lba, count)
}

func (device *CountingDevice) WriteBlocks(buffer []byte, lba fatfs.LBA, count uint32) fatfs.Status {
	device.mutex.Lock()
	device.writes++
	device.sectorsWrote += int(count)
	device.mutex.Unlock()
	return device.Inner.WriteBlocks(buffer, lba, count)
}

func (device *CountingDevice) BlockSize() uint32 {
	return device.Inner.BlockSize()
}

func (device *CountingDevice) TotalBlocks() uint32 {
	return device.Inner.TotalBlocks()
}

// Reads returns the number of read commands issued so far.
func (device *CountingDevice) Reads() int {
	device.mutex.Lock()
	defer device.mutex.Unlock()
	return device.reads
}

// Writes returns the number of write commands issued so far.
func (device *CountingDevice) Writes() int {
	device.mutex.Lock()
	defer device.mutex.Unlock()
	return device.writes
}

// SectorsRead returns the total sectors transferred by read commands.
func (device *CountingDevice) SectorsRead() int {
	device.mutex.Lock()
	defer device.mutex.Unlock()
	return device.sectorsRead
}

// Reset clears all counters.
func (device *CountingDevice) Reset() {
	device.mutex.Lock()
	device.reads = 0
	device.writes = 0
	device.sectorsRead = 0
	device.sectorsWrote = 0
	device.mutex.Unlock()
}

// BusyDevice wraps a device and reports StatusBusy for the first BusyCount
// attempts of every transfer, then lets it through. It exercises the engine's
// yield-and-retry loop.
type BusyDevice struct {
	Inner     fatfs.BlockDevice
	BusyCount int

	mutex     sync.Mutex
	remaining int
	// Busies tallies how many transfers were refused.
	Busies int
}

func NewBusyDevice(inner fatfs.BlockDevice, busyCount int) *BusyDevice {
	return &BusyDevice{Inner: inner, BusyCount: busyCount, remaining: busyCount}
}

func (device *BusyDevice) busy() bool {
	device.mutex.Lock()
	defer device.mutex.Unlock()
	if device.remaining > 0 {
		device.remaining--
		device.Busies++
		return true
	}
	device.remaining = device.BusyCount
	return false
}

func (device *BusyDevice) ReadBlocks(buffer []byte, lba fatfs.LBA, count uint32) fatfs.Status {
	if device.busy() {
		return fatfs.StatusBusy
	}
	return device.Inner.ReadBlocks(buffer, lba, count)
}

func (device *BusyDevice) WriteBlocks(buffer []byte, lba fatfs.LBA, count uint32) fatfs.Status {
	if device.busy() {
		return fatfs.StatusBusy
	}
	return device.Inner.WriteBlocks(buffer, lba, count)
}

func (device *BusyDevice) BlockSize() uint32 {
	return device.Inner.BlockSize()
}

func (device *BusyDevice) TotalBlocks() uint32 {
	return device.Inner.TotalBlocks()
}

// FailingDevice wraps a device and fails every transfer once armed.
type FailingDevice struct {
	Inner fatfs.BlockDevice

	mutex sync.Mutex
	fail  bool
}

func NewFailingDevice(inner fatfs.BlockDevice) *FailingDevice {
	return &FailingDevice{Inner: inner}
}

// SetFailing arms or disarms the failure mode.
func (device *FailingDevice) SetFailing(fail bool) {
	device.mutex.Lock()
	device.fail = fail
	device.mutex.Unlock()
}

func (device *FailingDevice) failing() bool {
	device.mutex.Lock()
	defer device.mutex.Unlock()
	return device.fail
}

func (device *FailingDevice) ReadBlocks(buffer []byte, lba fatfs.LBA, count uint32) fatfs.Status {
	if device.failing() {
		return fatfs.StatusFailed
	}
	return device.Inner.ReadBlocks(buffer, lba, count)
}

func (device *FailingDevice) WriteBlocks(buffer []byte, lba fatfs.LBA, count uint32) fatfs.Status {
	if device.failing() {
		return fatfs.StatusFailed
	}
	return device.Inner.WriteBlocks(buffer, lba, count)
}

func (device *FailingDevice) BlockSize() uint32 {
	return device.Inner.BlockSize()
}

func (device *FailingDevice) TotalBlocks() uint32 {
	return device.Inner.TotalBlocks()
}
