package buffercache_test

import (
	"sync"
	"testing"

	"github.com/dargueta/fatfs"
	"github.com/dargueta/fatfs/block"
	"github.com/dargueta/fatfs/buffercache"
	"github.com/dargueta/fatfs/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fillImage gives every sector a recognisable pattern: each byte of sector N
// is N (mod 256).
func fillImage(storage []byte, sectorSize int) {
	for i := range storage {
		storage[i] = byte(i / sectorSize)
	}
}

// orderDevice records the LBA of every write that reaches it.
type orderDevice struct {
	fatfs.BlockDevice
	writeOrder []fatfs.LBA
}

func (device *orderDevice) WriteBlocks(buffer []byte, lba fatfs.LBA, count uint32) fatfs.Status {
	device.writeOrder = append(device.writeOrder, lba)
	return device.BlockDevice.WriteBlocks(buffer, lba, count)
}

func TestPool_AcquireReadsSector(t *testing.T) {
	storage := make([]byte, 512*16)
	fillImage(storage, 512)
	device := block.NewRAMDevice(storage, 512)

	pool := buffercache.NewPool(device, 4*512, 0)

	buf, err := pool.Acquire(7, buffercache.ModeRead)
	require.NoError(t, err)
	assert.EqualValues(t, 7, buf.LBA)
	for _, b := range buf.Data {
		require.EqualValues(t, 7, b, "buffer contents don't match sector 7")
	}
	pool.Release(buf)
}

func TestPool_SameLBASharesBuffer(t *testing.T) {
	device, _ := testutil.NewRAMDevice(t, 512, 16)
	pool := buffercache.NewPool(device, 4*512, 0)

	first, err := pool.Acquire(3, buffercache.ModeRead)
	require.NoError(t, err)
	second, err := pool.Acquire(3, buffercache.ModeRead)
	require.NoError(t, err)

	assert.Same(t, first, second, "concurrent acquires of one LBA must share a buffer")
	pool.Release(second)
	pool.Release(first)
}

func TestPool_MinimumTwoBuffers(t *testing.T) {
	device, _ := testutil.NewRAMDevice(t, 512, 16)
	pool := buffercache.NewPool(device, 1, 0)
	assert.Equal(t, 2, pool.NumBuffers())
}

func TestPool_DirtyWriteBackOnEviction(t *testing.T) {
	device, storage := testutil.NewRAMDevice(t, 512, 16)
	pool := buffercache.NewPool(device, 2*512, 0)

	buf, err := pool.Acquire(0, buffercache.ModeWrite)
	require.NoError(t, err)
	for i := range buf.Data {
		buf.Data[i] = 0x5A
	}
	pool.Release(buf)

	// The pool only has two buffers; touching two more sectors must evict the
	// dirty one and write it back first.
	for lba := fatfs.LBA(1); lba <= 2; lba++ {
		other, err := pool.Acquire(lba, buffercache.ModeRead)
		require.NoError(t, err)
		pool.Release(other)
	}

	for i := 0; i < 512; i++ {
		require.EqualValues(t, 0x5A, storage[i], "evicted dirty sector was not written back")
	}
}

func TestPool_ReferencedBufferIsNotEvicted(t *testing.T) {
	device, _ := testutil.NewRAMDevice(t, 512, 16)
	counting := testutil.NewCountingDevice(device)
	pool := buffercache.NewPool(counting, 2*512, 0)

	held, err := pool.Acquire(0, buffercache.ModeRead)
	require.NoError(t, err)

	// Churn the other buffer with two different sectors.
	for lba := fatfs.LBA(1); lba <= 2; lba++ {
		buf, err := pool.Acquire(lba, buffercache.ModeRead)
		require.NoError(t, err)
		pool.Release(buf)
	}

	pool.Release(held)

	// Sector 0 must still be resident: re-acquiring it costs no device read.
	readsBefore := counting.Reads()
	again, err := pool.Acquire(0, buffercache.ModeRead)
	require.NoError(t, err)
	pool.Release(again)
	assert.Equal(t, readsBefore, counting.Reads(), "referenced buffer was evicted")
}

func TestPool_FlushAllAscendingAndIdempotent(t *testing.T) {
	device, _ := testutil.NewRAMDevice(t, 512, 32)
	ordered := &orderDevice{BlockDevice: device}
	pool := buffercache.NewPool(ordered, 8*512, 0)

	for _, lba := range []fatfs.LBA{9, 3, 17} {
		buf, err := pool.Acquire(lba, buffercache.ModeWrite)
		require.NoError(t, err)
		buf.Data[0] = byte(lba)
		pool.Release(buf)
	}

	require.NoError(t, pool.FlushAll())
	assert.Equal(t, []fatfs.LBA{3, 9, 17}, ordered.writeOrder, "flush order must be ascending LBA")

	// Nothing is dirty anymore, so a second flush issues zero writes.
	require.NoError(t, pool.FlushAll())
	assert.Len(t, ordered.writeOrder, 3, "second flush must not write anything")
}

func TestPool_BusyDeviceIsRetried(t *testing.T) {
	device, _ := testutil.NewRAMDevice(t, 512, 16)
	busy := testutil.NewBusyDevice(device, 2)
	pool := buffercache.NewPool(busy, 4*512, 1)

	buf, err := pool.Acquire(5, buffercache.ModeRead)
	require.NoError(t, err, "busy responses must be retried, not surfaced")
	pool.Release(buf)
	assert.Greater(t, busy.Busies, 0, "device never reported busy; test is vacuous")
}

func TestPool_DeviceFailureSurfaces(t *testing.T) {
	device, _ := testutil.NewRAMDevice(t, 512, 16)
	failing := testutil.NewFailingDevice(device)
	failing.SetFailing(true)
	pool := buffercache.NewPool(failing, 4*512, 0)

	_, err := pool.Acquire(5, buffercache.ModeRead)
	require.Error(t, err)
	assert.ErrorIs(t, err, fatfs.ErrDeviceFailed)
}

func TestPool_WriteDirectInvalidatesOverlap(t *testing.T) {
	device, _ := testutil.NewRAMDevice(t, 512, 16)
	pool := buffercache.NewPool(device, 4*512, 0)

	// Cache sector 4 with its original contents (zeroes).
	buf, err := pool.Acquire(4, buffercache.ModeRead)
	require.NoError(t, err)
	pool.Release(buf)

	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = 0xEE
	}
	require.NoError(t, pool.WriteDirect(payload, 4, 1))

	// The cached copy must not serve the stale zeroes.
	buf, err = pool.Acquire(4, buffercache.ModeRead)
	require.NoError(t, err)
	assert.EqualValues(t, 0xEE, buf.Data[0])
	pool.Release(buf)
}

func TestPool_ReadDirectFlushesDirtyOverlap(t *testing.T) {
	device, _ := testutil.NewRAMDevice(t, 512, 16)
	pool := buffercache.NewPool(device, 4*512, 0)

	buf, err := pool.Acquire(6, buffercache.ModeWrite)
	require.NoError(t, err)
	buf.Data[0] = 0x77
	pool.Release(buf)

	out := make([]byte, 512)
	require.NoError(t, pool.ReadDirect(out, 6, 1))
	assert.EqualValues(t, 0x77, out[0], "direct read missed a dirty cached sector")
}

func TestPool_ConcurrentAcquires(t *testing.T) {
	storage := make([]byte, 512*64)
	fillImage(storage, 512)
	device := block.NewRAMDevice(storage, 512)
	pool := buffercache.NewPool(device, 4*512, 0)

	var group sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		group.Add(1)
		go func(worker int) {
			defer group.Done()
			for i := 0; i < 200; i++ {
				lba := fatfs.LBA((worker*7 + i) % 64)
				buf, err := pool.Acquire(lba, buffercache.ModeRead)
				if err != nil {
					t.Error(err)
					return
				}
				if buf.Data[0] != byte(lba) {
					t.Errorf("sector %d served wrong contents %#x", lba, buf.Data[0])
				}
				pool.Release(buf)
			}
		}(worker)
	}
	group.Wait()
}
