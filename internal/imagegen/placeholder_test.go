package imagegen

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"testing"

	"github.com/seantiz/sandbox/internal/model"
)

type stepRecorder struct {
	steps []uint32
	total uint32
}

func (r *stepRecorder) Step(current, total uint32) {
	r.steps = append(r.steps, current)
	r.total = total
}

func TestPlaceholderRun(t *testing.T) {
	params := model.PromptParams("sunset over mountains")
	params.ImageGeneration.Iterations = 3
	params.ImageGeneration.NumberOfImages = 2

	var rec stepRecorder
	p := &Placeholder{Size: 16}
	out, err := p.Run(context.Background(), params, &rec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(rec.steps) != 3 || rec.total != 3 {
		t.Errorf("steps = %v of %d, want 1..3 of 3", rec.steps, rec.total)
	}
	for i, s := range rec.steps {
		if s != uint32(i+1) {
			t.Errorf("step %d = %d", i, s)
		}
	}

	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 32 || b.Dy() != 16 {
		t.Errorf("bounds = %v, want 32x16", b)
	}
}

func TestPlaceholderDeterministic(t *testing.T) {
	p := &Placeholder{Size: 8}
	params := model.PromptParams("a cat")
	params.ImageGeneration.Iterations = 1

	a, err := p.Run(context.Background(), params, &stepRecorder{})
	if err != nil {
		t.Fatal(err)
	}
	b, err := p.Run(context.Background(), params, &stepRecorder{})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Error("same prompt produced different images")
	}

	other, err := p.Run(context.Background(), model.PromptParams("a dog"), &stepRecorder{})
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a, other) {
		t.Error("different prompts produced identical images")
	}
}

func TestPlaceholderCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := (&Placeholder{Size: 8}).Run(ctx, model.PromptParams("a cat"), &stepRecorder{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
}

func TestPlaceholderRejectsEmptyParams(t *testing.T) {
	if _, err := (&Placeholder{}).Run(context.Background(), model.Params{}, &stepRecorder{}); err == nil {
		t.Error("Run with empty params succeeded")
	}
}
