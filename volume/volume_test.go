package volume_test

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/dargueta/fatfs"
	"github.com/dargueta/fatfs/block"
	"github.com/dargueta/fatfs/disks"
	"github.com/dargueta/fatfs/testutil"
	"github.com/dargueta/fatfs/volume"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The end-to-end scenarios run on the geometry the engine was designed
// around: FAT32, 512-byte sectors, 8 sectors per cluster, 16 MiB.
const scratchLayout = "fat32-16m"

func writeFile(t *testing.T, vol *volume.Volume, path string, data []byte) {
	t.Helper()
	file, err := vol.OpenFile(path, volume.ModeWrite)
	require.NoError(t, err, "opening %s for write", path)
	n, err := file.Write(data)
	require.NoError(t, err, "writing %s", path)
	require.Equal(t, len(data), n)
	require.NoError(t, file.Close(), "closing %s", path)
}

func readFile(t *testing.T, vol *volume.Volume, path string) []byte {
	t.Helper()
	file, err := vol.OpenFile(path, volume.ModeRead)
	require.NoError(t, err, "opening %s for read", path)
	defer file.Close()

	data := make([]byte, file.Size())
	if len(data) == 0 {
		return data
	}
	n, err := file.Read(data)
	require.NoError(t, err, "reading %s", path)
	require.Equal(t, len(data), n)
	return data
}

func pattern(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i%251) ^ byte(i>>8)
	}
	return data
}

// Scenario: create a file, write it, and read it back through a fresh handle.
func TestCreateAndRead(t *testing.T) {
	vol := testutil.MountScratchVolume(t, scratchLayout)

	writeFile(t, vol, "/a.txt", []byte("hello"))

	file, err := vol.OpenFile("/a.txt", volume.ModeRead)
	require.NoError(t, err)
	defer file.Close()

	buffer := make([]byte, 5)
	n, err := file.Read(buffer)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(buffer))

	// The next read is at end of file.
	n, err = file.Read(buffer[:1])
	assert.Equal(t, 0, n)
	assert.Equal(t, io.EOF, err)
	assert.True(t, file.IsEOF())
}

// Scenario: a 10000-byte write spans three 4096-byte clusters and costs
// exactly three clusters of free space.
func TestMultiClusterExtension(t *testing.T) {
	vol := testutil.MountScratchVolume(t, scratchLayout)
	freeBefore := vol.FreeClusters()

	data := bytes.Repeat([]byte{0xAB}, 10000)
	writeFile(t, vol, "/b.bin", data)

	stat, err := vol.Stat("/b.bin")
	require.NoError(t, err)
	assert.EqualValues(t, 10000, stat.Size)
	assert.Equal(t, freeBefore-3, vol.FreeClusters())

	assert.Equal(t, data, readFile(t, vol, "/b.bin"))

	// The chain must be exactly three clusters, the FAT must balance, and
	// nothing may be lost or cross-linked.
	report, err := vol.Check()
	require.NoError(t, err)
	assert.EqualValues(t, 1, report.Files)
	assert.EqualValues(t, 4, report.UsedClusters, "root dir + three data clusters")
	assert.EqualValues(t, 0, report.LostClusters)
}

// Scenario: reading a physically contiguous 3-cluster file with a cold data
// cache issues a single 24-sector device read.
func TestSequentialRunCoalescing(t *testing.T) {
	layout, err := disks.Get(scratchLayout)
	require.NoError(t, err)

	device, _ := testutil.NewRAMDevice(t, 512, layout.TotalSectors)
	require.NoError(t, volume.Format(device, volume.FormatOptions{Layout: layout}))

	counting := testutil.NewCountingDevice(device)
	vol, err := volume.Mount(counting, 0, fatfs.Config{})
	require.NoError(t, err)
	defer func() { require.NoError(t, vol.Unmount()) }()

	data := pattern(12288)
	writeFile(t, vol, "/c.bin", data)

	file, err := vol.OpenFile("/c.bin", volume.ModeRead)
	require.NoError(t, err)
	defer file.Close()

	// Open has already walked the FAT, so the chain's FAT sector is cached
	// and the data sectors are not.
	counting.Reset()

	buffer := make([]byte, 12288)
	n, err := file.Read(buffer)
	require.NoError(t, err)
	require.Equal(t, 12288, n)
	assert.Equal(t, data, buffer)

	assert.Equal(t, 1, counting.Reads(), "expected one coalesced device read")
	assert.Equal(t, 24, counting.SectorsRead())
}

// Scenario: a file can only be open through one handle at a time.
func TestConcurrentOpenRefused(t *testing.T) {
	vol := testutil.MountScratchVolume(t, scratchLayout)
	writeFile(t, vol, "/c.txt", []byte("shared"))

	reader, err := vol.OpenFile("/c.txt", volume.ModeRead)
	require.NoError(t, err)

	_, err = vol.OpenFile("/c.txt", volume.ModeWrite)
	require.Error(t, err)
	assert.ErrorIs(t, err, fatfs.ErrAlreadyOpen)

	_, err = vol.OpenFile("/c.txt", volume.ModeRead)
	assert.ErrorIs(t, err, fatfs.ErrAlreadyOpen)

	require.NoError(t, reader.Close())

	// Closing releases the claim.
	writer, err := vol.OpenFile("/c.txt", volume.ModeWrite)
	require.NoError(t, err)
	require.NoError(t, writer.Close())
}

// Scenario: empty directories delete; non-empty ones refuse.
func TestRemoveDirectory(t *testing.T) {
	vol := testutil.MountScratchVolume(t, scratchLayout)

	require.NoError(t, vol.Mkdir("/d"))
	require.NoError(t, vol.RemoveDirectory("/d"))

	err := vol.RemoveDirectory("/d")
	require.Error(t, err)
	assert.ErrorIs(t, err, fatfs.ErrNotFound)

	require.NoError(t, vol.Mkdir("/e"))
	writeFile(t, vol, "/e/f", []byte("occupant"))

	err = vol.RemoveDirectory("/e")
	require.Error(t, err)
	assert.ErrorIs(t, err, fatfs.ErrNotEmpty)

	// Emptying the directory clears the refusal.
	require.NoError(t, vol.Remove("/e/f"))
	require.NoError(t, vol.RemoveDirectory("/e"))
}

// Scenario: seeks are bounded by the file size; a sparse seek is invalid.
func TestSeekBoundsAndOverwrite(t *testing.T) {
	vol := testutil.MountScratchVolume(t, scratchLayout)

	file, err := vol.OpenFile("/s.bin", volume.ModeWrite)
	require.NoError(t, err)

	// The file is empty, so there is nowhere to seek to.
	_, err = file.Seek(5000, io.SeekStart)
	require.Error(t, err)
	assert.ErrorIs(t, err, fatfs.ErrInvalidPosition)

	data := pattern(5000)
	_, err = file.Write(data)
	require.NoError(t, err)

	pos, err := file.Seek(2500, io.SeekStart)
	require.NoError(t, err)
	assert.EqualValues(t, 2500, pos)
	assert.EqualValues(t, 2500, file.Tell())

	_, err = file.Write([]byte{'X'})
	require.NoError(t, err)
	require.NoError(t, file.Close())

	contents := readFile(t, vol, "/s.bin")
	require.Len(t, contents, 5000)
	assert.Equal(t, data[2499], contents[2499], "byte before the overwrite is untouched")
	assert.EqualValues(t, 'X', contents[2500])
	assert.Equal(t, data[2501], contents[2501], "byte after the overwrite is untouched")
}

func TestSeekLaws(t *testing.T) {
	vol := testutil.MountScratchVolume(t, scratchLayout)
	writeFile(t, vol, "/laws.bin", pattern(9000))

	file, err := vol.OpenFile("/laws.bin", volume.ModeRead)
	require.NoError(t, err)
	defer file.Close()

	pos, err := file.Seek(0, io.SeekEnd)
	require.NoError(t, err)
	assert.EqualValues(t, 9000, pos, "seek(0, end) lands on the file size")

	_, err = file.Seek(1, io.SeekEnd)
	assert.ErrorIs(t, err, fatfs.ErrInvalidPosition, "positive end offsets are invalid")

	_, err = file.Seek(-1, io.SeekStart)
	assert.ErrorIs(t, err, fatfs.ErrInvalidPosition)

	for _, target := range []int64{0, 1, 4095, 4096, 4097, 8999, 9000} {
		pos, err = file.Seek(target, io.SeekStart)
		require.NoError(t, err)
		assert.Equal(t, target, pos)
		assert.EqualValues(t, target, file.Tell())
	}

	// Seeking backwards works: the cursor restarts from the chain head.
	_, err = file.Seek(8000, io.SeekStart)
	require.NoError(t, err)
	one := make([]byte, 1)
	_, err = file.Read(one)
	require.NoError(t, err)
	assert.Equal(t, pattern(9000)[8000], one[0])

	_, err = file.Seek(100, io.SeekStart)
	require.NoError(t, err)
	_, err = file.Read(one)
	require.NoError(t, err)
	assert.Equal(t, pattern(9000)[100], one[0])
}

func TestRemoveFileRestoresFreeSpace(t *testing.T) {
	vol := testutil.MountScratchVolume(t, scratchLayout)
	freeBefore := vol.FreeClusters()

	writeFile(t, vol, "/victim.bin", pattern(20000))
	assert.Less(t, vol.FreeClusters(), freeBefore)

	require.NoError(t, vol.Remove("/victim.bin"))
	assert.Equal(t, freeBefore, vol.FreeClusters(), "deleting must return every cluster")

	_, err := vol.OpenFile("/victim.bin", volume.ModeRead)
	require.Error(t, err)
	assert.ErrorIs(t, err, fatfs.ErrNotFound)

	report, err := vol.Check()
	require.NoError(t, err)
	assert.EqualValues(t, 0, report.Files)
	assert.EqualValues(t, 0, report.LostClusters)
}

func TestClusterBoundaryWrites(t *testing.T) {
	vol := testutil.MountScratchVolume(t, scratchLayout)

	// Exactly one cluster.
	writeFile(t, vol, "/exact.bin", pattern(4096))
	report, err := vol.Check()
	require.NoError(t, err)
	assert.EqualValues(t, 2, report.UsedClusters, "root + one data cluster")

	// One more byte allocates the second cluster.
	file, err := vol.OpenFile("/exact.bin", volume.ModeWrite)
	require.NoError(t, err)
	_, err = file.Seek(0, io.SeekEnd)
	require.NoError(t, err)
	require.NoError(t, file.WriteByte(0x42))
	require.NoError(t, file.Close())

	stat, err := vol.Stat("/exact.bin")
	require.NoError(t, err)
	assert.EqualValues(t, 4097, stat.Size)

	report, err = vol.Check()
	require.NoError(t, err)
	assert.EqualValues(t, 3, report.UsedClusters)

	contents := readFile(t, vol, "/exact.bin")
	assert.Equal(t, pattern(4096), contents[:4096])
	assert.EqualValues(t, 0x42, contents[4096])
}

func TestZeroCountReadAndZeroSizeFile(t *testing.T) {
	vol := testutil.MountScratchVolume(t, scratchLayout)

	// Creating a file and writing nothing leaves a zero-size file.
	file, err := vol.OpenFile("/empty.txt", volume.ModeWrite)
	require.NoError(t, err)
	require.NoError(t, file.Close())

	file, err = vol.OpenFile("/empty.txt", volume.ModeRead)
	require.NoError(t, err)
	defer file.Close()

	assert.EqualValues(t, 0, file.Size())

	n, err := file.Read(nil)
	assert.Equal(t, 0, n)
	assert.NoError(t, err, "a zero-count read is a no-op, not an EOF")

	n, err = file.Read(make([]byte, 4))
	assert.Equal(t, 0, n)
	assert.Equal(t, io.EOF, err)
}

func TestUnalignedReadsAndWrites(t *testing.T) {
	vol := testutil.MountScratchVolume(t, scratchLayout)
	data := pattern(33000)
	writeFile(t, vol, "/odd.bin", data)

	file, err := vol.OpenFile("/odd.bin", volume.ModeRead)
	require.NoError(t, err)
	defer file.Close()

	// Hit every phase of the read path: sub-sector, sector, cluster
	// prologue, bulk, epilogue.
	for _, window := range []struct{ offset, length int }{
		{0, 10},        // sub-sector fast path
		{500, 24},      // crosses one sector boundary
		{100, 9000},    // prologue + bulk + epilogue
		{4096, 4096},   // exactly one aligned cluster
		{4000, 13000},  // misaligned bulk
		{32900, 100},   // tail of the file
		{511, 1},       // last byte of a sector
		{28000, 5000},  // runs exactly to EOF
	} {
		_, err = file.Seek(int64(window.offset), io.SeekStart)
		require.NoError(t, err)
		buffer := make([]byte, window.length)
		n, err := file.Read(buffer)
		require.NoErrorf(t, err, "read at %d len %d", window.offset, window.length)
		require.Equal(t, window.length, n)
		assert.Equalf(
			t, data[window.offset:window.offset+window.length], buffer,
			"read at %d len %d returned wrong bytes", window.offset, window.length,
		)
	}
}

func TestOverwriteMiddleOfLargeFile(t *testing.T) {
	vol := testutil.MountScratchVolume(t, scratchLayout)
	data := pattern(20000)
	writeFile(t, vol, "/large.bin", data)

	file, err := vol.OpenFile("/large.bin", volume.ModeWrite)
	require.NoError(t, err)

	splice := bytes.Repeat([]byte{0xFE}, 6000)
	_, err = file.Seek(7000, io.SeekStart)
	require.NoError(t, err)
	_, err = file.Write(splice)
	require.NoError(t, err)
	require.NoError(t, file.Close())

	expected := append([]byte{}, data...)
	copy(expected[7000:], splice)

	assert.Equal(t, expected, readFile(t, vol, "/large.bin"))

	stat, err := vol.Stat("/large.bin")
	require.NoError(t, err)
	assert.EqualValues(t, 20000, stat.Size, "overwriting inside the file must not grow it")
}

func TestReadByteWriteByte(t *testing.T) {
	vol := testutil.MountScratchVolume(t, scratchLayout)

	file, err := vol.OpenFile("/bytes.bin", volume.ModeWrite)
	require.NoError(t, err)
	for i := 0; i < 700; i++ {
		require.NoError(t, file.WriteByte(byte(i)))
	}
	require.NoError(t, file.Close())

	file, err = vol.OpenFile("/bytes.bin", volume.ModeRead)
	require.NoError(t, err)
	defer file.Close()

	for i := 0; i < 700; i++ {
		value, err := file.ReadByte()
		require.NoError(t, err)
		require.Equal(t, byte(i), value)
	}
	_, err = file.ReadByte()
	assert.Equal(t, io.EOF, err)
}

func TestReadDirAndStat(t *testing.T) {
	vol := testutil.MountScratchVolume(t, scratchLayout)

	require.NoError(t, vol.Mkdir("/docs"))
	writeFile(t, vol, "/docs/readme.txt", []byte("read me"))
	writeFile(t, vol, "/hello.txt", []byte("hi"))

	entries, err := vol.ReadDir("/")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	names := []string{entries[0].Name, entries[1].Name}
	assert.Contains(t, names, "DOCS")
	assert.Contains(t, names, "HELLO.TXT")

	entries, err = vol.ReadDir("/docs")
	require.NoError(t, err)
	require.Len(t, entries, 1, "dot entries are filtered out")
	assert.Equal(t, "README.TXT", entries[0].Name)
	assert.EqualValues(t, 7, entries[0].Size)

	stat, err := vol.Stat("/docs")
	require.NoError(t, err)
	assert.True(t, stat.IsDir())

	stat, err = vol.Stat("/")
	require.NoError(t, err)
	assert.True(t, stat.IsDir())

	// Name matching is case-insensitive.
	stat, err = vol.Stat("/DOCS/Readme.Txt")
	require.NoError(t, err)
	assert.EqualValues(t, 7, stat.Size)
}

func TestOpenErrors(t *testing.T) {
	vol := testutil.MountScratchVolume(t, scratchLayout)
	require.NoError(t, vol.Mkdir("/dir"))
	writeFile(t, vol, "/plain.txt", []byte("x"))

	_, err := vol.OpenFile("/missing.txt", volume.ModeRead)
	assert.ErrorIs(t, err, fatfs.ErrNotFound)

	_, err = vol.OpenFile("/nosuch/file.txt", volume.ModeWrite)
	assert.ErrorIs(t, err, fatfs.ErrInvalidPath)

	_, err = vol.OpenFile("/dir", volume.ModeRead)
	assert.ErrorIs(t, err, fatfs.ErrIsADirectory)

	_, err = vol.OpenFile("/plain.txt", volume.ModeDir)
	assert.ErrorIs(t, err, fatfs.ErrNotADirectory)

	_, err = vol.OpenFile("/", volume.ModeRead)
	assert.ErrorIs(t, err, fatfs.ErrInvalidPath)
}

func TestDirectoryGrowth(t *testing.T) {
	vol := testutil.MountScratchVolume(t, scratchLayout)
	require.NoError(t, vol.Mkdir("/many"))

	// A 4096-byte cluster holds 128 records; the dots take two. Overshoot so
	// the directory must extend its chain.
	for i := 0; i < 150; i++ {
		writeFile(t, vol, fmt.Sprintf("/many/F%03d.DAT", i), []byte{byte(i)})
	}

	entries, err := vol.ReadDir("/many")
	require.NoError(t, err)
	assert.Len(t, entries, 150)

	report, err := vol.Check()
	require.NoError(t, err)
	assert.EqualValues(t, 150, report.Files)
	assert.EqualValues(t, 0, report.LostClusters)
}

func TestConcurrentDisjointFiles(t *testing.T) {
	vol := testutil.MountScratchVolume(t, scratchLayout)

	var group sync.WaitGroup
	errs := make([]error, 8)
	for worker := 0; worker < 8; worker++ {
		group.Add(1)
		go func(worker int) {
			defer group.Done()
			path := fmt.Sprintf("/w%d.bin", worker)
			data := bytes.Repeat([]byte{byte(worker + 1)}, 9000)

			file, err := vol.OpenFile(path, volume.ModeWrite)
			if err != nil {
				errs[worker] = err
				return
			}
			if _, err = file.Write(data); err != nil {
				errs[worker] = err
				file.Close()
				return
			}
			errs[worker] = file.Close()
		}(worker)
	}
	group.Wait()

	for worker, err := range errs {
		require.NoErrorf(t, err, "worker %d failed", worker)
	}

	for worker := 0; worker < 8; worker++ {
		path := fmt.Sprintf("/w%d.bin", worker)
		assert.Equal(
			t, bytes.Repeat([]byte{byte(worker + 1)}, 9000), readFile(t, vol, path),
			"contents of %s", path,
		)
	}

	report, err := vol.Check()
	require.NoError(t, err)
	assert.EqualValues(t, 8, report.Files)
	assert.EqualValues(t, 0, report.LostClusters)
}

func TestUnmountRefusedWhileOpen(t *testing.T) {
	device := testutil.FormatDevice(t, scratchLayout)
	vol, err := volume.Mount(device, 0, fatfs.Config{})
	require.NoError(t, err)

	file, err := vol.OpenFile("/held.txt", volume.ModeWrite)
	require.NoError(t, err)

	err = vol.Unmount()
	require.Error(t, err)
	assert.ErrorIs(t, err, fatfs.ErrUnmountFailed)

	require.NoError(t, file.Close())
	require.NoError(t, vol.Unmount())
}

func TestPersistenceAcrossRemount(t *testing.T) {
	layout, err := disks.Get(scratchLayout)
	require.NoError(t, err)

	storage := make([]byte, layout.TotalSizeBytes())
	device := block.NewRAMDevice(storage, 512)
	require.NoError(t, volume.Format(device, volume.FormatOptions{Layout: layout}))

	vol, err := volume.Mount(device, 0, fatfs.Config{})
	require.NoError(t, err)

	data := pattern(10000)
	writeFile(t, vol, "/persist.bin", data)
	require.NoError(t, vol.Mkdir("/keep"))
	writeFile(t, vol, "/keep/note.txt", []byte("still here"))
	freeAtUnmount := vol.FreeClusters()
	require.NoError(t, vol.Unmount())

	// Remount from the same backing storage through a fresh device.
	vol, err = volume.Mount(block.NewRAMDevice(storage, 512), 0, fatfs.Config{})
	require.NoError(t, err)
	defer func() { require.NoError(t, vol.Unmount()) }()

	assert.Equal(
		t, freeAtUnmount, vol.FreeClusters(),
		"the FS-Info summary must survive the round trip",
	)
	assert.Equal(t, data, readFile(t, vol, "/persist.bin"))
	assert.Equal(t, []byte("still here"), readFile(t, vol, "/keep/note.txt"))

	report, err := vol.Check()
	require.NoError(t, err)
	assert.EqualValues(t, 2, report.Files)
	assert.EqualValues(t, 1, report.Directories)
}

func TestCheckCleanVolume(t *testing.T) {
	vol := testutil.MountScratchVolume(t, scratchLayout)

	report, err := vol.Check()
	require.NoError(t, err)
	assert.EqualValues(t, 1, report.UsedClusters, "only the root directory is allocated")
	assert.EqualValues(t, 0, report.Files)
	assert.EqualValues(t, 0, report.LostClusters)
	assert.Equal(
		t, report.TotalClusters, report.UsedClusters+report.FreeClusters,
		"allocated plus free must cover the volume",
	)
}

// The FAT16 shape exercises the fixed root directory region, which FAT32
// never touches.
func TestFAT16FixedRootDirectory(t *testing.T) {
	vol := testutil.MountScratchVolume(t, "fat16-16m")

	data := pattern(15000)
	writeFile(t, vol, "/root.bin", data)
	assert.Equal(t, data, readFile(t, vol, "/root.bin"))

	require.NoError(t, vol.Mkdir("/sub"))
	writeFile(t, vol, "/sub/leaf.bin", pattern(5000))
	assert.Equal(t, pattern(5000), readFile(t, vol, "/sub/leaf.bin"))

	require.NoError(t, vol.Remove("/root.bin"))
	_, err := vol.OpenFile("/root.bin", volume.ModeRead)
	assert.ErrorIs(t, err, fatfs.ErrNotFound)

	report, err := vol.Check()
	require.NoError(t, err)
	assert.EqualValues(t, 1, report.Files)
	assert.EqualValues(t, 1, report.Directories)
	assert.EqualValues(t, 0, report.LostClusters)
}

func TestMkdirErrors(t *testing.T) {
	vol := testutil.MountScratchVolume(t, scratchLayout)

	require.NoError(t, vol.Mkdir("/once"))
	err := vol.Mkdir("/once")
	assert.ErrorIs(t, err, fatfs.ErrExists)

	err = vol.Mkdir("/missing/child")
	assert.ErrorIs(t, err, fatfs.ErrInvalidPath)

	err = vol.Mkdir("/")
	assert.ErrorIs(t, err, fatfs.ErrExists)
}

func TestWriteToReadHandleFails(t *testing.T) {
	vol := testutil.MountScratchVolume(t, scratchLayout)
	writeFile(t, vol, "/ro.txt", []byte("data"))

	file, err := vol.OpenFile("/ro.txt", volume.ModeRead)
	require.NoError(t, err)
	defer file.Close()

	_, err = file.Write([]byte("nope"))
	require.Error(t, err)
	assert.ErrorIs(t, err, fatfs.ErrReadOnly)
	assert.ErrorIs(t, file.WriteByte('x'), fatfs.ErrReadOnly)
}

func TestBusyDeviceEndToEnd(t *testing.T) {
	device := testutil.FormatDevice(t, scratchLayout)
	busy := testutil.NewBusyDevice(device, 1)

	vol, err := volume.Mount(busy, 0, fatfs.Config{DriverBusySleep: 1})
	require.NoError(t, err)
	defer func() { require.NoError(t, vol.Unmount()) }()

	data := pattern(9000)
	writeFile(t, vol, "/busy.bin", data)
	assert.Equal(t, data, readFile(t, vol, "/busy.bin"))
	assert.Greater(t, busy.Busies, 0)
}
