package imaging

import (
	"bytes"
	"encoding/binary"
	"time"
)

// Minimal TIFF/EXIF tag walker covering the three tags the store cares
// about: orientation, GPS position and original capture time. Anything
// malformed simply stops the walk; the caller keeps whatever was read.

const (
	tagOrientation      = 0x0112
	tagExifIFDPointer   = 0x8769
	tagGPSIFDPointer    = 0x8825
	tagDateTimeOriginal = 0x9003
	tagGPSLatitudeRef   = 0x0001
	tagGPSLatitude      = 0x0002
	tagGPSLongitudeRef  = 0x0003
	tagGPSLongitude     = 0x0004
)

func readExif(data []byte, info *Info) {
	tiff := findExifSegment(data)
	if tiff == nil {
		return
	}
	if len(tiff) < 8 {
		return
	}
	var order binary.ByteOrder
	switch {
	case tiff[0] == 'I' && tiff[1] == 'I':
		order = binary.LittleEndian
	case tiff[0] == 'M' && tiff[1] == 'M':
		order = binary.BigEndian
	default:
		return
	}
	if order.Uint16(tiff[2:4]) != 42 {
		return
	}
	ifd0 := order.Uint32(tiff[4:8])

	var exifOff, gpsOff uint32
	walkIFD(tiff, order, ifd0, func(tag uint16, typ uint16, count uint32, value []byte) {
		switch tag {
		case tagOrientation:
			if v, ok := readShort(order, typ, value); ok {
				info.Orientation = int(v)
			}
		case tagExifIFDPointer:
			if v, ok := readLong(order, typ, value); ok {
				exifOff = v
			}
		case tagGPSIFDPointer:
			if v, ok := readLong(order, typ, value); ok {
				gpsOff = v
			}
		}
	})

	if exifOff != 0 {
		walkIFD(tiff, order, exifOff, func(tag uint16, typ uint16, count uint32, value []byte) {
			if tag == tagDateTimeOriginal && typ == 2 {
				s := string(bytes.TrimRight(value, "\x00"))
				if t, err := time.Parse("2006:01:02 15:04:05", s); err == nil {
					info.CapturedAt = &t
				}
			}
		})
	}

	if gpsOff != 0 {
		var latRef, lonRef string
		var lat, lon float64
		var haveLat, haveLon bool
		walkIFD(tiff, order, gpsOff, func(tag uint16, typ uint16, count uint32, value []byte) {
			switch tag {
			case tagGPSLatitudeRef:
				latRef = string(bytes.TrimRight(value, "\x00"))
			case tagGPSLongitudeRef:
				lonRef = string(bytes.TrimRight(value, "\x00"))
			case tagGPSLatitude:
				if v, ok := readDegrees(order, typ, count, value); ok {
					lat, haveLat = v, true
				}
			case tagGPSLongitude:
				if v, ok := readDegrees(order, typ, count, value); ok {
					lon, haveLon = v, true
				}
			}
		})
		if haveLat && haveLon {
			if latRef == "S" {
				lat = -lat
			}
			if lonRef == "W" {
				lon = -lon
			}
			info.Latitude = lat
			info.Longitude = lon
		}
	}
}

// findExifSegment locates the APP1 Exif payload of a JPEG stream and
// returns the TIFF block, or nil.
func findExifSegment(data []byte) []byte {
	if len(data) < 4 || data[0] != 0xff || data[1] != 0xd8 {
		return nil
	}
	off := 2
	for off+4 <= len(data) {
		if data[off] != 0xff {
			return nil
		}
		marker := data[off+1]
		if marker == 0xda { // start of scan, no metadata past here
			return nil
		}
		size := int(binary.BigEndian.Uint16(data[off+2 : off+4]))
		if size < 2 || off+2+size > len(data) {
			return nil
		}
		seg := data[off+4 : off+2+size]
		if marker == 0xe1 && len(seg) > 6 && bytes.Equal(seg[:6], []byte("Exif\x00\x00")) {
			return seg[6:]
		}
		off += 2 + size
	}
	return nil
}

// walkIFD visits every entry of the IFD at off, handing each handler the
// raw 4-byte value field or the pointed-to data when it does not fit.
func walkIFD(tiff []byte, order binary.ByteOrder, off uint32, fn func(tag, typ uint16, count uint32, value []byte)) {
	if int(off)+2 > len(tiff) {
		return
	}
	n := int(order.Uint16(tiff[off : off+2]))
	base := int(off) + 2
	for i := 0; i < n; i++ {
		entry := base + i*12
		if entry+12 > len(tiff) {
			return
		}
		tag := order.Uint16(tiff[entry : entry+2])
		typ := order.Uint16(tiff[entry+2 : entry+4])
		count := order.Uint32(tiff[entry+4 : entry+8])
		size := typeSize(typ) * int(count)
		var value []byte
		if size <= 4 {
			value = tiff[entry+8 : entry+12]
		} else {
			ptr := int(order.Uint32(tiff[entry+8 : entry+12]))
			if ptr+size > len(tiff) {
				continue
			}
			value = tiff[ptr : ptr+size]
		}
		fn(tag, typ, count, value)
	}
}

func typeSize(typ uint16) int {
	switch typ {
	case 1, 2, 6, 7: // byte, ascii, sbyte, undefined
		return 1
	case 3, 8: // short
		return 2
	case 4, 9, 11: // long, slong, float
		return 4
	case 5, 10, 12: // rational, srational, double
		return 8
	}
	return 1
}

func readShort(order binary.ByteOrder, typ uint16, value []byte) (uint16, bool) {
	if typ != 3 || len(value) < 2 {
		return 0, false
	}
	return order.Uint16(value[:2]), true
}

func readLong(order binary.ByteOrder, typ uint16, value []byte) (uint32, bool) {
	if typ != 4 || len(value) < 4 {
		return 0, false
	}
	return order.Uint32(value[:4]), true
}

// readDegrees converts the GPS degrees/minutes/seconds rational triplet.
func readDegrees(order binary.ByteOrder, typ uint16, count uint32, value []byte) (float64, bool) {
	if typ != 5 || count < 3 || len(value) < 24 {
		return 0, false
	}
	parts := make([]float64, 3)
	for i := 0; i < 3; i++ {
		num := order.Uint32(value[i*8 : i*8+4])
		den := order.Uint32(value[i*8+4 : i*8+8])
		if den == 0 {
			return 0, false
		}
		parts[i] = float64(num) / float64(den)
	}
	return parts[0] + parts[1]/60 + parts[2]/3600, true
}
