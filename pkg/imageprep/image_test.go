package imageprep

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/color/palette"
	"image/gif"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"personabot/pkg/persona"
)

func solid(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	return img
}

func encodeJPEG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestCompress_DownscalesLargeImage(t *testing.T) {
	p := NewProcessor(Options{MaxDimension: 100})

	out, info, err := p.Compress(encodeJPEG(t, solid(400, 200)))
	require.NoError(t, err)
	assert.True(t, info.Resized)
	assert.Equal(t, 100, info.Width)
	assert.Equal(t, 50, info.Height)

	decoded, format, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 100, decoded.Bounds().Dx())
}

func TestCompress_SmallImageUntouched(t *testing.T) {
	p := NewProcessor(Options{MaxDimension: 100, Threshold: 1 << 20})
	in := encodeJPEG(t, solid(20, 20))

	out, info, err := p.Compress(in)
	require.NoError(t, err)
	assert.False(t, info.Resized)
	assert.Equal(t, in, out)
}

func TestCompress_PNGStaysPNG(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, solid(300, 300)))

	p := NewProcessor(Options{MaxDimension: 64})
	out, info, err := p.Compress(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "png", info.Format)

	_, format, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
}

func TestNormalize(t *testing.T) {
	p := NewProcessor(Options{MaxDimension: 50})
	in := persona.InlineImage{
		MimeType: "image/webp",
		Data:     base64.StdEncoding.EncodeToString(encodeJPEG(t, solid(200, 100))),
	}

	out, info, err := p.Normalize(in)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", out.MimeType)
	assert.Equal(t, 50, info.Width)
	assert.NotEqual(t, in.Data, out.Data)
}

func TestNormalize_GarbageReturnsOriginal(t *testing.T) {
	p := NewProcessor(Options{})
	in := persona.InlineImage{MimeType: "image/jpeg", Data: base64.StdEncoding.EncodeToString([]byte("not an image"))}

	out, _, err := p.Normalize(in)
	assert.Error(t, err)
	assert.Equal(t, in, out)

	bad := persona.InlineImage{MimeType: "image/jpeg", Data: "%%%"}
	out, _, err = p.Normalize(bad)
	assert.Error(t, err)
	assert.Equal(t, bad, out)
}

func TestNormalize_SmallGIFKeepsGIFType(t *testing.T) {
	var buf bytes.Buffer
	src := image.NewPaletted(image.Rect(0, 0, 8, 8), palette.Plan9)
	require.NoError(t, gif.Encode(&buf, src, nil))

	p := NewProcessor(Options{MaxDimension: 100, Threshold: 1 << 20})
	in := persona.InlineImage{MimeType: persona.DefaultImageMIME, Data: base64.StdEncoding.EncodeToString(buf.Bytes())}

	out, info, err := p.Normalize(in)
	require.NoError(t, err)
	assert.Equal(t, "gif", info.Format)
	assert.Equal(t, "image/gif", out.MimeType)
	assert.Equal(t, in.Data, out.Data)
}
