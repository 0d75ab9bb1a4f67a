package imaging

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"image"
	"image/jpeg"
	"image/png"
	"testing"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestDerivePNG(t *testing.T) {
	data := encodePNG(t, 640, 480)
	info := Derive(data)

	if info.Width != 640 || info.Height != 480 {
		t.Fatalf("dimensions = %dx%d", info.Width, info.Height)
	}
	sum := sha256.Sum256(data)
	if info.Hash != hex.EncodeToString(sum[:]) {
		t.Fatalf("hash = %s", info.Hash)
	}
	if info.Orientation != 0 || info.CapturedAt != nil {
		t.Fatalf("metadata derived from a tagless png")
	}
}

func TestDeriveJPEG(t *testing.T) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 12, 8)), nil); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	info := Derive(buf.Bytes())

	if info.Width != 12 || info.Height != 8 {
		t.Fatalf("dimensions = %dx%d", info.Width, info.Height)
	}
	// Stdlib-encoded jpegs carry no metadata tags.
	if info.Orientation != 0 || info.Latitude != 0 || info.Longitude != 0 {
		t.Fatalf("metadata derived from a tagless jpeg")
	}
}

func TestDeriveUndecodable(t *testing.T) {
	data := []byte("not an image")
	info := Derive(data)

	if info.Width != 0 || info.Height != 0 {
		t.Fatalf("dimensions = %dx%d", info.Width, info.Height)
	}
	sum := sha256.Sum256(data)
	if info.Hash != hex.EncodeToString(sum[:]) {
		t.Fatalf("hash = %s", info.Hash)
	}
}
