// Package buffercache implements a bounded, reference-counted, write-back
// cache of disk sectors. Every cached read and every deferred write in the
// engine goes through a Pool; direct multi-sector transfers also route through
// it so that the busy-retry policy and cache coherence live in one place.
//
// Callers must pair every Acquire with exactly one Release. A buffer's bytes
// are valid to read, and to mutate if acquired for writing, only between the
// two calls.
package buffercache

import (
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/dargueta/fatfs"
	"github.com/hashicorp/go-multierror"
)

// Mode tells Acquire what the caller intends to do with the buffer.
type Mode int

const (
	// ModeRead acquires the buffer for reading only.
	ModeRead Mode = iota
	// ModeWrite acquires the buffer for modification. The buffer is marked
	// dirty when released and written back before eviction or on FlushAll.
	ModeWrite
)

// Buffer is one cached sector. LBA and Data are fixed for the duration of an
// acquisition; everything else belongs to the pool.
type Buffer struct {
	LBA  fatfs.LBA
	Data []byte

	refCount     uint32
	dirty        bool
	mode         Mode
	valid        bool
	lastReleased uint64
}

// Pool is a fixed-capacity pool of sector buffers fronting one block device.
// At most one buffer is resident per LBA. Eviction picks the least recently
// released unreferenced buffer; a dirty victim is written back first.
type Pool struct {
	mutex    sync.Mutex
	released *sync.Cond
	device   fatfs.BlockDevice
	buffers  []*Buffer
	// clock orders releases for victim selection. It only ever advances under
	// the pool mutex.
	clock      uint64
	busySleep  time.Duration
	sectorSize uint32
}

// NewPool creates a pool of cacheSize bytes, rounded down to whole sectors
// with a floor of fatfs.MinCacheSectors. A cacheSize of 0 selects the default
// size.
func NewPool(device fatfs.BlockDevice, cacheSize uint32, busySleep time.Duration) *Pool {
	sectorSize := device.BlockSize()

	numBuffers := cacheSize / sectorSize
	if cacheSize == 0 {
		numBuffers = fatfs.DefaultCacheSectors
	}
	if numBuffers < fatfs.MinCacheSectors {
		numBuffers = fatfs.MinCacheSectors
	}

	if busySleep <= 0 {
		busySleep = fatfs.DefaultDriverBusySleep
	}

	pool := &Pool{
		device:     device,
		busySleep:  busySleep,
		sectorSize: sectorSize,
		buffers:    make([]*Buffer, numBuffers),
	}
	pool.released = sync.NewCond(&pool.mutex)

	for i := range pool.buffers {
		pool.buffers[i] = &Buffer{Data: make([]byte, sectorSize)}
	}
	return pool
}

// SectorSize returns the size of one buffer, in bytes.
func (pool *Pool) SectorSize() uint32 {
	return pool.sectorSize
}

// NumBuffers returns the pool capacity, in sectors.
func (pool *Pool) NumBuffers() int {
	return len(pool.buffers)
}

// Device returns the block device the pool fronts.
func (pool *Pool) Device() fatfs.BlockDevice {
	return pool.device
}

// lookup finds the resident buffer for an LBA. A buffer that is mid-fill
// (claimed but not yet valid) counts as resident so a second acquirer waits
// for it instead of claiming a duplicate.
func (pool *Pool) lookup(lba fatfs.LBA) *Buffer {
	for _, buf := range pool.buffers {
		if buf.LBA == lba && (buf.valid || buf.refCount > 0) {
			return buf
		}
	}
	return nil
}

// victim picks an evictable buffer, preferring ones that hold nothing over
// ones that must be displaced, then the least recently released. Returns nil
// if every buffer is referenced.
func (pool *Pool) victim() *Buffer {
	var best *Buffer
	for _, buf := range pool.buffers {
		if buf.refCount > 0 {
			continue
		}
		if !buf.valid {
			return buf
		}
		if best == nil || buf.lastReleased < best.lastReleased {
			best = buf
		}
	}
	return best
}

// Acquire returns a buffer whose contents equal sector lba, reading it from
// the device on a miss. If every buffer is referenced, Acquire blocks until
// one is released. Concurrent acquires of the same LBA share one buffer.
func (pool *Pool) Acquire(lba fatfs.LBA, mode Mode) (*Buffer, error) {
	pool.mutex.Lock()

	for {
		if buf := pool.lookup(lba); buf != nil {
			if !buf.valid {
				// Another goroutine is filling this sector right now.
				pool.released.Wait()
				continue
			}
			buf.refCount++
			if mode == ModeWrite {
				buf.mode = ModeWrite
			}
			pool.mutex.Unlock()
			return buf, nil
		}

		buf := pool.victim()
		if buf == nil {
			pool.released.Wait()
			continue
		}

		// Claim the victim before dropping the lock: relabel it to the target
		// LBA so nobody else claims the same sector, and snapshot its old
		// contents if they still need writing back.
		var writeback []byte
		oldLBA := buf.LBA
		if buf.valid && buf.dirty {
			writeback = append([]byte(nil), buf.Data...)
		}
		buf.LBA = lba
		buf.valid = false
		buf.dirty = false
		buf.mode = mode
		buf.refCount = 1
		pool.mutex.Unlock()

		if writeback != nil {
			if err := pool.writeDevice(writeback, oldLBA, 1); err != nil {
				pool.abandon(buf)
				return nil, err
			}
		}

		if err := pool.readDevice(buf.Data, lba, 1); err != nil {
			pool.abandon(buf)
			return nil, err
		}

		pool.mutex.Lock()
		buf.valid = true
		pool.released.Broadcast()
		pool.mutex.Unlock()
		return buf, nil
	}
}

// abandon returns a claimed-but-unfilled buffer to the free set after a device
// failure.
func (pool *Pool) abandon(buf *Buffer) {
	pool.mutex.Lock()
	buf.refCount = 0
	buf.valid = false
	buf.dirty = false
	pool.released.Broadcast()
	pool.mutex.Unlock()
}

// Release drops one reference. Releasing a buffer that was acquired for
// writing marks it dirty; the data reaches the device on eviction or FlushAll.
func (pool *Pool) Release(buf *Buffer) {
	if buf == nil {
		return
	}

	pool.mutex.Lock()
	if buf.mode == ModeWrite {
		buf.dirty = true
	}
	if buf.refCount > 0 {
		buf.refCount--
	}
	if buf.refCount == 0 {
		pool.clock++
		buf.lastReleased = pool.clock
		buf.mode = ModeRead
	}
	pool.released.Broadcast()
	pool.mutex.Unlock()
}

// FlushAll writes every dirty buffer back to the device in ascending LBA
// order and clears the dirty flags. Buffers stay resident. A second call with
// no intervening writes issues no device transfers.
func (pool *Pool) FlushAll() error {
	type flushItem struct {
		buf  *Buffer
		lba  fatfs.LBA
		data []byte
	}

	pool.mutex.Lock()
	var pending []flushItem
	for _, buf := range pool.buffers {
		if buf.valid && buf.dirty {
			pending = append(pending, flushItem{
				buf:  buf,
				lba:  buf.LBA,
				data: append([]byte(nil), buf.Data...),
			})
		}
	}
	pool.mutex.Unlock()

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].lba < pending[j].lba
	})

	var result *multierror.Error
	for _, item := range pending {
		err := pool.writeDevice(item.data, item.lba, 1)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		pool.mutex.Lock()
		if item.buf.valid && item.buf.LBA == item.lba {
			item.buf.dirty = false
		}
		pool.mutex.Unlock()
	}
	return result.ErrorOrNil()
}

// SyncRange reconciles the cache with a sector range that is about to be
// transferred directly: overlapping dirty buffers are written back, then every
// overlapping buffer is invalidated so later cached reads refetch. Referenced
// buffers in the range are left alone; the engine never holds a buffer across
// a direct transfer of the same sectors.
func (pool *Pool) SyncRange(lba fatfs.LBA, count uint32) error {
	end := uint64(lba) + uint64(count)

	pool.mutex.Lock()
	var result *multierror.Error
	for _, buf := range pool.buffers {
		if !buf.valid || buf.refCount > 0 {
			continue
		}
		if uint64(buf.LBA) < uint64(lba) || uint64(buf.LBA) >= end {
			continue
		}
		if buf.dirty {
			data := append([]byte(nil), buf.Data...)
			target := buf.LBA
			pool.mutex.Unlock()
			if err := pool.writeDevice(data, target, 1); err != nil {
				result = multierror.Append(result, err)
			}
			pool.mutex.Lock()
			// The buffer may have been re-acquired or relabelled while the
			// lock was dropped; it is no longer ours to invalidate.
			if buf.refCount > 0 || !buf.valid || buf.LBA != target {
				continue
			}
		}
		buf.valid = false
		buf.dirty = false
	}
	pool.mutex.Unlock()
	return result.ErrorOrNil()
}

// ReadDirect transfers sectors straight from the device into the caller's
// buffer, bypassing residency but not coherence: overlapping cached sectors
// are flushed first.
func (pool *Pool) ReadDirect(buffer []byte, lba fatfs.LBA, count uint32) error {
	if err := pool.SyncRange(lba, count); err != nil {
		return err
	}
	return pool.readDevice(buffer, lba, count)
}

// WriteDirect transfers sectors straight from the caller's buffer to the
// device. Overlapping cached sectors are invalidated so they can't serve
// stale data later.
func (pool *Pool) WriteDirect(buffer []byte, lba fatfs.LBA, count uint32) error {
	if err := pool.SyncRange(lba, count); err != nil {
		return err
	}
	return pool.writeDevice(buffer, lba, count)
}

// readDevice retries busy transfers forever, yielding between attempts.
func (pool *Pool) readDevice(buffer []byte, lba fatfs.LBA, count uint32) error {
	for {
		switch pool.device.ReadBlocks(buffer, lba, count) {
		case fatfs.StatusOK:
			return nil
		case fatfs.StatusBusy:
			runtime.Gosched()
			time.Sleep(pool.busySleep)
		default:
			return fatfs.ErrDeviceFailed.WithMessage(
				fmt.Sprintf("reading %d sectors at LBA %d", count, lba),
			)
		}
	}
}

func (pool *Pool) writeDevice(buffer []byte, lba fatfs.LBA, count uint32) error {
	for {
		switch pool.device.WriteBlocks(buffer, lba, count) {
		case fatfs.StatusOK:
			return nil
		case fatfs.StatusBusy:
			runtime.Gosched()
			time.Sleep(pool.busySleep)
		default:
			return fatfs.ErrDeviceFailed.WithMessage(
				fmt.Sprintf("writing %d sectors at LBA %d", count, lba),
			)
		}
	}
}
