package fatfs

import "time"

// DefaultCacheSectors is the buffer-pool size used when Config.CacheSize is
// zero, expressed in sectors.
const DefaultCacheSectors = 32

// MinCacheSectors is the smallest usable buffer pool. One buffer for the FAT
// sector and one for the data sector of the same operation.
const MinCacheSectors = 2

// DefaultDriverBusySleep is the pause between retries when the device reports
// StatusBusy and Config.DriverBusySleep is zero.
const DefaultDriverBusySleep = 10 * time.Millisecond

// Config carries the tunables for a mount. The zero value is usable.
type Config struct {
	// CacheSize is the buffer-pool size in bytes. It is rounded down to a
	// whole number of sectors, with a floor of MinCacheSectors.
	CacheSize uint32

	// DriverBusySleep is how long to sleep between retries while the device
	// reports busy.
	DriverBusySleep time.Duration

	// FirstFATOnly suppresses FAT mirroring: entry writes touch only the
	// first FAT copy. The default is to update every copy.
	FirstFATOnly bool
}
