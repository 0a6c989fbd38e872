// Package imagegen provides a stand-in image model that produces a
// deterministic picture for a prompt. It exercises the full dispatch
// pipeline without the real network.
package imagegen

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"

	"github.com/disintegration/imaging"

	"github.com/seantiz/sandbox/internal/model"
	"github.com/seantiz/sandbox/internal/worker"
)

// DefaultSize is the edge length of one rendered image in pixels.
const DefaultSize = 256

// Placeholder renders a gradient seeded by the prompt, refining it once per
// iteration.
type Placeholder struct {
	Size int
}

var _ worker.Model = (*Placeholder)(nil)

// Run renders params.NumberOfImages images side by side and returns them as
// one PNG.
func (p *Placeholder) Run(ctx context.Context, params model.Params, sink worker.ProgressSink) ([]byte, error) {
	ig := params.WithDefaults().ImageGeneration
	if ig == nil {
		return nil, fmt.Errorf("unsupported task params")
	}
	size := p.Size
	if size <= 0 {
		size = DefaultSize
	}

	images := make([]*image.NRGBA, ig.NumberOfImages)
	for i := range images {
		images[i] = gradient(size, seed(ig.Prompt, i))
	}

	for step := uint32(1); step <= ig.Iterations; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for i, img := range images {
			images[i] = imaging.Sharpen(imaging.Blur(img, 1.5), 0.5)
		}
		sink.Step(step, ig.Iterations)
	}

	sheet := imaging.New(size*len(images), size, color.Black)
	for i, img := range images {
		sheet = imaging.Paste(sheet, img, image.Pt(i*size, 0))
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, sheet, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func seed(prompt string, index int) uint32 {
	h := fnv.New32a()
	fmt.Fprintf(h, "%d:%s", index, prompt)
	return h.Sum32()
}

// gradient draws a diagonal blend between two colors derived from s.
func gradient(size int, s uint32) *image.NRGBA {
	from := color.NRGBA{R: uint8(s), G: uint8(s >> 8), B: uint8(s >> 16), A: 255}
	to := color.NRGBA{R: 255 - from.R, G: 255 - from.G, B: 255 - from.B, A: 255}

	img := imaging.New(size, size, from)
	span := 2 * (size - 1)
	if span == 0 {
		span = 1
	}
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			t := (x + y) * 255 / span
			img.SetNRGBA(x, y, color.NRGBA{
				R: mix(from.R, to.R, t),
				G: mix(from.G, to.G, t),
				B: mix(from.B, to.B, t),
				A: 255,
			})
		}
	}
	return img
}

func mix(a, b uint8, t int) uint8 {
	return uint8((int(a)*(255-t) + int(b)*t) / 255)
}
