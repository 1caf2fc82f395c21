// Package block provides BlockDevice implementations backed by ordinary
// streams: disk-image files, or in-memory byte slices for tests and tooling.
package block

import (
	"io"
	"sync"

	"github.com/dargueta/fatfs"
	"github.com/xaionaro-go/bytesextra"
)

// StreamDevice adapts an io.ReadWriteSeeker to the fatfs.BlockDevice
// interface. The seek pointer is owned by the device, so a stream must not be
// shared with other users while the device is in service.
type StreamDevice struct {
	mutex       sync.Mutex
	stream      io.ReadWriteSeeker
	blockSize   uint32
	totalBlocks uint32
}

// NewStreamDevice wraps a stream as a block device with the given geometry.
func NewStreamDevice(
	stream io.ReadWriteSeeker,
	blockSize uint32,
	totalBlocks uint32,
) *StreamDevice {
	return &StreamDevice{
		stream:      stream,
		blockSize:   blockSize,
		totalBlocks: totalBlocks,
	}
}

// NewRAMDevice wraps a byte slice as a block device. Trailing bytes that don't
// fill a whole block are ignored. The slice is the backing storage; writes to
// the device are visible in it.
func NewRAMDevice(storage []byte, blockSize uint32) *StreamDevice {
	stream := bytesextra.NewReadWriteSeeker(storage)
	return NewStreamDevice(stream, blockSize, uint32(len(storage))/blockSize)
}

// BlockSize returns the sector size in bytes.
func (device *StreamDevice) BlockSize() uint32 {
	return device.blockSize
}

// TotalBlocks returns the number of addressable sectors.
func (device *StreamDevice) TotalBlocks() uint32 {
	return device.totalBlocks
}

func (device *StreamDevice) checkBounds(buffer []byte, lba fatfs.LBA, count uint32) bool {
	if uint64(lba)+uint64(count) > uint64(device.totalBlocks) {
		return false
	}
	return uint64(len(buffer)) >= uint64(count)*uint64(device.blockSize)
}

// ReadBlocks implements fatfs.BlockDevice.
func (device *StreamDevice) ReadBlocks(buffer []byte, lba fatfs.LBA, count uint32) fatfs.Status {
	if !device.checkBounds(buffer, lba, count) {
		return fatfs.StatusFailed
	}

	device.mutex.Lock()
	defer device.mutex.Unlock()

	_, err := device.stream.Seek(int64(lba)*int64(device.blockSize), io.SeekStart)
	if err != nil {
		return fatfs.StatusFailed
	}

	_, err = io.ReadFull(device.stream, buffer[:count*device.blockSize])
	if err != nil {
		return fatfs.StatusFailed
	}
	return fatfs.StatusOK
}

// WriteBlocks implements fatfs.BlockDevice.
func (device *StreamDevice) WriteBlocks(buffer []byte, lba fatfs.LBA, count uint32) fatfs.Status {
	if !device.checkBounds(buffer, lba, count) {
		return fatfs.StatusFailed
	}

	device.mutex.Lock()
	defer device.mutex.Unlock()

	_, err := device.stream.Seek(int64(lba)*int64(device.blockSize), io.SeekStart)
	if err != nil {
		return fatfs.StatusFailed
	}

	_, err = device.stream.Write(buffer[:count*device.blockSize])
	if err != nil {
		return fatfs.StatusFailed
	}
	return fatfs.StatusOK
}
