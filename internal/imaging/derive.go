// Package imaging derives metadata from image payloads at construction
// time: pixel dimensions, a content hash, and for JPEG the orientation,
// geolocation and capture time embedded in the metadata tags. Every
// extraction step degrades to "not available" instead of failing the
// surrounding operation.
package imaging

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"image"
	"time"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

// Info is the derived metadata of an image payload. Zero fields mean the
// corresponding value was not available.
type Info struct {
	Width       int
	Height      int
	Hash        string
	Orientation int
	Latitude    float64
	Longitude   float64
	CapturedAt  *time.Time
}

// Derive computes Info for data. It never returns an error: undecodable
// payloads still get a content hash, dimensionless otherwise.
func Derive(data []byte) Info {
	sum := sha256.Sum256(data)
	info := Info{Hash: hex.EncodeToString(sum[:])}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return info
	}
	info.Width = cfg.Width
	info.Height = cfg.Height

	if format == "jpeg" {
		readExif(data, &info)
	}
	return info
}
