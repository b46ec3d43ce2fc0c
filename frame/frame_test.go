package frame

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	p := NewPixelBuffer(8, 6)
	for i := range p.Pix {
		p.Pix[i] = byte(i * 7)
	}
	// Force opaque alpha so PNG round-trips the exact samples.
	for i := 3; i < len(p.Pix); i += 4 {
		p.Pix[i] = 0xff
	}

	encoded, err := EncodePNG(p)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if got.Width != 8 || got.Height != 6 {
		t.Fatalf("dimensions = %dx%d, want 8x6", got.Width, got.Height)
	}
	if !bytes.Equal(got.Pix, p.Pix) {
		t.Error("pixels changed across PNG round trip")
	}
}

func TestDecodeJPEG(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for i := range src.Pix {
		src.Pix[i] = 0x80
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, nil); err != nil {
		t.Fatal(err)
	}

	p, err := Decode(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if p.Width != 4 || p.Height != 4 || p.Format != FormatRGBA {
		t.Errorf("got %dx%d %s", p.Width, p.Height, p.Format)
	}
}

func TestDecodeGarbage(t *testing.T) {
	if _, err := Decode([]byte("not an image")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestFromImageNonZeroOrigin(t *testing.T) {
	src := image.NewRGBA(image.Rect(10, 20, 14, 23))
	src.SetRGBA(10, 20, color.RGBA{R: 0xff, A: 0xff})

	p := FromImage(src)
	if p.Width != 4 || p.Height != 3 {
		t.Fatalf("dimensions = %dx%d, want 4x3", p.Width, p.Height)
	}
	if p.Pix[0] != 0xff {
		t.Error("origin pixel not translated to (0,0)")
	}
}

func TestRGBAAliasesPix(t *testing.T) {
	p := NewPixelBuffer(2, 2)
	view := p.RGBA()
	if &view.Pix[0] != &p.Pix[0] {
		t.Error("RGBA() copied instead of aliasing")
	}
	if view.Stride != 8 {
		t.Errorf("stride = %d, want 8", view.Stride)
	}
}
