// Package direntry encodes and decodes the raw 32-byte directory records of
// FAT volumes: 8.3 names, attribute flags, first-cluster and size fields, and
// the packed DOS timestamps. Long-filename records are recognised only well
// enough to skip them.
package direntry

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/dargueta/fatfs"
	"github.com/noxer/bytewriter"
)

// EntrySize is the size of one directory record, in bytes.
const EntrySize = 32

// Attribute flags, bit-per-flag in byte 11 of the record.
const (
	AttrReadOnly  = 0x01
	AttrHidden    = 0x02
	AttrSystem    = 0x04
	AttrVolumeID  = 0x08
	AttrDirectory = 0x10
	AttrArchive   = 0x20

	// AttrLongName marks a VFAT long-filename record.
	AttrLongName = AttrReadOnly | AttrHidden | AttrSystem | AttrVolumeID
)

// Markers stored in byte 0 of a record.
const (
	// DeletedMarker means the record's file was deleted and the slot can be
	// reused.
	DeletedMarker byte = 0xE5
	// EndOfDirectory means no record at or after this slot is in use.
	EndOfDirectory byte = 0x00
)

// Dirent is a decoded directory record.
type Dirent struct {
	// Name is the 8.3 name in display form, e.g. "KERNEL.SYS".
	Name         string
	Attr         byte
	FirstCluster fatfs.Cluster
	Size         uint32
	WriteTime    time.Time
}

func (d *Dirent) IsDir() bool {
	return d.Attr&AttrDirectory != 0
}

func (d *Dirent) IsReadOnly() bool {
	return d.Attr&AttrReadOnly != 0
}

func (d *Dirent) IsVolumeLabel() bool {
	return d.Attr&AttrVolumeID != 0 && d.Attr&AttrLongName != AttrLongName
}

func (d *Dirent) IsLongName() bool {
	return d.Attr&AttrLongName == AttrLongName
}

// Decode parses one 32-byte record. The caller has already dealt with the
// deleted and end-of-directory markers.
func Decode(raw []byte) Dirent {
	first := uint32(binary.LittleEndian.Uint16(raw[20:22]))<<16 |
		uint32(binary.LittleEndian.Uint16(raw[26:28]))

	return Dirent{
		Name:         ParseShortName(raw[0:11]),
		Attr:         raw[11],
		FirstCluster: fatfs.Cluster(first),
		Size:         binary.LittleEndian.Uint32(raw[28:32]),
		WriteTime: DecodeTimestamp(
			binary.LittleEndian.Uint16(raw[24:26]),
			binary.LittleEndian.Uint16(raw[22:24]),
		),
	}
}

// Encode serialises the record into raw, which must be EntrySize bytes.
func (d *Dirent) Encode(raw []byte) error {
	shortName, err := FormatShortName(d.Name)
	if err != nil {
		return err
	}

	date, tod := EncodeTimestamp(d.WriteTime)

	writer := bytewriter.New(raw)
	writer.Write(shortName[:])
	writer.Write([]byte{d.Attr, 0, 0})
	// Creation and access stamps mirror the write stamp; this module doesn't
	// track them separately.
	binary.Write(writer, binary.LittleEndian, tod)
	binary.Write(writer, binary.LittleEndian, date)
	binary.Write(writer, binary.LittleEndian, date)
	binary.Write(writer, binary.LittleEndian, uint16(uint32(d.FirstCluster)>>16))
	binary.Write(writer, binary.LittleEndian, tod)
	binary.Write(writer, binary.LittleEndian, date)
	binary.Write(writer, binary.LittleEndian, uint16(uint32(d.FirstCluster)&0xFFFF))
	binary.Write(writer, binary.LittleEndian, d.Size)
	return nil
}

// EncodeDot writes a "." or ".." pseudo-record into raw. A cluster of 0 is
// what FAT stores for a ".." that points at the root directory.
func EncodeDot(raw []byte, dotdot bool, cluster fatfs.Cluster, stamp time.Time) {
	for i := 0; i < 11; i++ {
		raw[i] = ' '
	}
	raw[0] = '.'
	if dotdot {
		raw[1] = '.'
	}

	date, tod := EncodeTimestamp(stamp)
	raw[11] = AttrDirectory
	raw[12] = 0
	raw[13] = 0
	binary.LittleEndian.PutUint16(raw[14:16], tod)
	binary.LittleEndian.PutUint16(raw[16:18], date)
	binary.LittleEndian.PutUint16(raw[18:20], date)
	binary.LittleEndian.PutUint16(raw[20:22], uint16(uint32(cluster)>>16))
	binary.LittleEndian.PutUint16(raw[22:24], tod)
	binary.LittleEndian.PutUint16(raw[24:26], date)
	binary.LittleEndian.PutUint16(raw[26:28], uint16(uint32(cluster)&0xFFFF))
	binary.LittleEndian.PutUint32(raw[28:32], 0)
}

// invalidShortNameChars are the bytes the FAT specification forbids in 8.3
// names, beyond the implicit ban on anything below 0x20.
const invalidShortNameChars = `".*+,/:;<=>?[\]|`

// FormatShortName converts a display name like "foo.txt" into the padded
// 11-byte on-disk form "FOO     TXT". Names are uppercased; FAT is
// case-insensitive and this module stores canonical case.
func FormatShortName(name string) ([11]byte, error) {
	var out [11]byte
	for i := range out {
		out[i] = ' '
	}

	if name == "" {
		return out, fatfs.ErrInvalidPath.WithMessage("empty file name")
	}
	if name == "." || name == ".." {
		return out, fatfs.ErrInvalidPath.WithMessage(
			fmt.Sprintf("%q is not a usable file name", name),
		)
	}

	name = strings.ToUpper(name)

	base := name
	ext := ""
	if dot := strings.LastIndexByte(name, '.'); dot >= 0 {
		base = name[:dot]
		ext = name[dot+1:]
	}

	for _, part := range []string{base, ext} {
		for i := 0; i < len(part); i++ {
			ch := part[i]
			if ch < 0x20 || strings.IndexByte(invalidShortNameChars, ch) >= 0 {
				return out, fatfs.ErrInvalidPath.WithMessage(fmt.Sprintf(
					"%q contains invalid character %q", name, ch,
				))
			}
		}
	}

	if len(base) == 0 || len(base) > 8 || len(ext) > 3 {
		return out, fatfs.ErrNameTooLong.WithMessage(fmt.Sprintf(
			"%q does not fit the 8.3 form", name,
		))
	}

	copy(out[0:8], base)
	copy(out[8:11], ext)
	return out, nil
}

// ParseShortName converts the padded 11-byte on-disk form back into display
// form. The 0x05 escape for a leading 0xE5 byte is honoured.
func ParseShortName(raw []byte) string {
	base := strings.TrimRight(string(raw[0:8]), " ")
	ext := strings.TrimRight(string(raw[8:11]), " ")

	if len(base) > 0 && base[0] == 0x05 {
		base = string([]byte{DeletedMarker}) + base[1:]
	}

	if ext == "" {
		return base
	}
	return base + "." + ext
}

// EncodeTimestamp packs a time into the DOS date and time-of-day words.
// Times before the FAT epoch (1980) collapse to the epoch.
func EncodeTimestamp(t time.Time) (date uint16, tod uint16) {
	if t.IsZero() || t.Year() < 1980 {
		return 0x21, 0 // 1980-01-01 00:00:00
	}

	year := t.Year() - 1980
	if year > 127 {
		year = 127
	}
	date = uint16(year)<<9 | uint16(t.Month())<<5 | uint16(t.Day())
	tod = uint16(t.Hour())<<11 | uint16(t.Minute())<<5 | uint16(t.Second()/2)
	return date, tod
}

// DecodeTimestamp unpacks the DOS date and time-of-day words.
func DecodeTimestamp(date uint16, tod uint16) time.Time {
	if date == 0 {
		return time.Time{}
	}
	return time.Date(
		1980+int(date>>9),
		time.Month((date>>5)&0x0F),
		int(date&0x1F),
		int(tod>>11),
		int((tod>>5)&0x3F),
		int(tod&0x1F)*2,
		0,
		time.UTC,
	)
}
