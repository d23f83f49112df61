// Package imageprep shrinks attached images before they are uploaded.
package imageprep

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"

	"github.com/disintegration/imaging"

	"personabot/pkg/persona"
)

// Options controls when and how images are re-encoded.
type Options struct {
	// MaxDimension bounds the longer side in pixels.
	MaxDimension int

	// Quality is the JPEG quality, 1-100.
	Quality int

	// Threshold skips re-encoding for payloads smaller than this many bytes
	// whose dimensions are already in bounds.
	Threshold int64
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{MaxDimension: 1024, Quality: 85, Threshold: 256 * 1024}
}

// Info describes the processed image.
type Info struct {
	Width     int
	Height    int
	Format    string
	SizeBytes int64
	Resized   bool
}

type Processor struct {
	opts Options
}

func NewProcessor(opts Options) *Processor {
	def := DefaultOptions()
	if opts.MaxDimension <= 0 {
		opts.MaxDimension = def.MaxDimension
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = def.Quality
	}
	return &Processor{opts: opts}
}

// Normalize decodes img, scales it down to fit MaxDimension and re-encodes
// it. On error the caller should send the original.
func (p *Processor) Normalize(img persona.InlineImage) (persona.InlineImage, Info, error) {
	data, err := base64.StdEncoding.DecodeString(img.Data)
	if err != nil {
		return img, Info{}, fmt.Errorf("decode base64: %w", err)
	}

	out, info, err := p.Compress(data)
	if err != nil {
		return img, Info{}, err
	}

	return persona.InlineImage{
		MimeType: "image/" + info.Format,
		Data:     base64.StdEncoding.EncodeToString(out),
	}, info, nil
}

// Compress scales raw image bytes down when needed. Formats other than PNG
// come back as JPEG.
func (p *Processor) Compress(data []byte) ([]byte, Info, error) {
	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, Info{}, fmt.Errorf("decode image: %w", err)
	}

	bounds := src.Bounds()
	info := Info{
		Width:     bounds.Dx(),
		Height:    bounds.Dy(),
		Format:    format,
		SizeBytes: int64(len(data)),
	}

	oversized := info.Width > p.opts.MaxDimension || info.Height > p.opts.MaxDimension
	if !oversized && int64(len(data)) < p.opts.Threshold {
		return data, info, nil
	}

	if oversized {
		src = imaging.Fit(src, p.opts.MaxDimension, p.opts.MaxDimension, imaging.Lanczos)
		info.Width = src.Bounds().Dx()
		info.Height = src.Bounds().Dy()
		info.Resized = true
	}

	var buf bytes.Buffer
	if format == "png" {
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		err = enc.Encode(&buf, src)
	} else {
		err = jpeg.Encode(&buf, src, &jpeg.Options{Quality: p.opts.Quality})
		info.Format = "jpeg"
	}
	if err != nil {
		return nil, Info{}, fmt.Errorf("encode image: %w", err)
	}

	info.SizeBytes = int64(buf.Len())
	return buf.Bytes(), info, nil
}
