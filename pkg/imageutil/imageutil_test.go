package imageutil

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestDecodeInterleavedLayout(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	src.SetNRGBA(0, 0, color.NRGBA{R: 255, A: 255})
	src.SetNRGBA(1, 0, color.NRGBA{G: 255, A: 255})
	src.SetNRGBA(0, 1, color.NRGBA{B: 255, A: 255})
	src.SetNRGBA(1, 1, color.NRGBA{R: 10, G: 20, B: 30, A: 128})

	f, err := Decode(encodePNG(t, src), 0)
	require.NoError(t, err)
	assert.Equal(t, "png", f.Format)
	assert.Equal(t, 2, f.Width)
	assert.Equal(t, 2, f.Height)
	assert.Equal(t, []byte{
		255, 0, 0, 255, 0, 255, 0, 255,
		0, 0, 255, 255, 10, 20, 30, 128,
	}, f.Pix)
}

func TestDecodeNonZeroOrigin(t *testing.T) {
	src := image.NewNRGBA(image.Rect(5, 5, 8, 7))
	for y := 5; y < 7; y++ {
		for x := 5; x < 8; x++ {
			src.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), A: 255})
		}
	}
	f, err := Decode(encodePNG(t, src), 0)
	require.NoError(t, err)
	assert.Equal(t, 3, f.Width)
	assert.Equal(t, 2, f.Height)
	assert.Len(t, f.Pix, 4*3*2)
}

func TestDecodeDownscale(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 400, 100))
	for i := 0; i < len(src.Pix); i += 4 {
		copy(src.Pix[i:i+4], []byte{200, 200, 200, 255})
	}

	f, err := Decode(encodePNG(t, src), 100)
	require.NoError(t, err)
	assert.Equal(t, 100, f.Width)
	assert.Equal(t, 25, f.Height)
	assert.Len(t, f.Pix, 4*100*25)
	assert.InDelta(t, 200, int(f.Pix[4*(12*100+50)]), 1)

	f, err = Decode(encodePNG(t, src), 1000)
	require.NoError(t, err)
	assert.Equal(t, 400, f.Width)
}

func TestDecodeGarbage(t *testing.T) {
	_, err := Decode([]byte("not an image"), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, image.ErrFormat)
}

func TestEncodeRoundTrip(t *testing.T) {
	f := &Frame{
		Pix:    []byte{1, 2, 3, 255, 250, 128, 0, 255},
		Width:  2,
		Height: 1,
	}
	for _, format := range []string{"png", "bmp", "tiff"} {
		t.Run(format, func(t *testing.T) {
			data, err := Encode(f, format)
			require.NoError(t, err)

			back, err := Decode(data, 0)
			require.NoError(t, err)
			assert.Equal(t, OutputFormat(format), back.Format)
			assert.Equal(t, f.Pix, back.Pix)
		})
	}
}

func TestEncodeJPEG(t *testing.T) {
	f := &Frame{Pix: bytes.Repeat([]byte{90, 90, 90, 255}, 64), Width: 8, Height: 8}
	data, err := Encode(f, "JPG")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8}, data[:2])
}

func TestEncodeWrongLength(t *testing.T) {
	_, err := Encode(&Frame{Pix: make([]byte, 5), Width: 1, Height: 1}, "png")
	require.Error(t, err)
}

func TestFormatHelpers(t *testing.T) {
	assert.Equal(t, "jpeg", FormatFromExt(".JPG"))
	assert.Equal(t, "tiff", FormatFromExt("tif"))
	assert.Equal(t, "webp", FormatFromExt(".webp"))
	assert.Equal(t, "png", FormatFromExt(""))

	assert.Equal(t, "png", OutputFormat("webp"))
	assert.Equal(t, "png", OutputFormat("gif"))
	assert.Equal(t, "jpeg", OutputFormat("jpg"))

	assert.Equal(t, ".png", ExtFor("webp"))
	assert.Equal(t, ".jpg", ExtFor("jpeg"))
	assert.Equal(t, "image/png", ContentType("webp"))
	assert.Equal(t, "image/jpeg", ContentType("jpeg"))

	assert.True(t, IsImageExt(".WebP"))
	assert.False(t, IsImageExt(".txt"))
}

func TestFitWithin(t *testing.T) {
	tests := []struct {
		w, h, max    int
		wantW, wantH int
	}{
		{640, 480, 0, 640, 480},
		{640, 480, 512, 512, 384},
		{480, 640, 512, 384, 512},
		{512, 512, 512, 512, 512},
		{5000, 1, 100, 100, 1},
	}
	for _, tt := range tests {
		w, h := fitWithin(tt.w, tt.h, tt.max)
		assert.Equal(t, tt.wantW, w, "%dx%d max %d", tt.w, tt.h, tt.max)
		assert.Equal(t, tt.wantH, h, "%dx%d max %d", tt.w, tt.h, tt.max)
	}
}
