package model

import (
	"regexp"
	"testing"
)

// crockfordBase32 matches valid ULID strings (26 chars, Crockford Base32 alphabet).
var crockfordBase32 = regexp.MustCompile(`^[0123456789ABCDEFGHJKMNPQRSTVWXYZ]{26}$`)

func TestNewIDFormat(t *testing.T) {
	id := NewID()
	if !crockfordBase32.MatchString(id) {
		t.Errorf("NewID() = %q, does not match Crockford Base32 ULID format", id)
	}
}

func TestNewIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("NewID() produced duplicate: %s", id)
		}
		seen[id] = true
	}
}

func TestNewIDSortsByCreation(t *testing.T) {
	prev := NewID()
	for i := 0; i < 100; i++ {
		next := NewID()
		if next <= prev {
			t.Fatalf("NewID() = %q, not after previous %q", next, prev)
		}
		prev = next
	}
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{StateNew, StateInProgress, true},
		{StateNew, StateFinished, false},
		{StateNew, StateFailed, false},
		{StateInProgress, StateInProgress, true},
		{StateInProgress, StateFinished, true},
		{StateInProgress, StateFailed, true},
		{StateInProgress, StateNew, true},
		{StateFinished, StateInProgress, false},
		{StateFinished, StateFinished, false},
		{StateFailed, StateNew, false},
		{"bogus", StateNew, false},
	}
	for _, tt := range tests {
		if got := ValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	for state, want := range map[string]bool{
		StateNew:        false,
		StateInProgress: false,
		StateFinished:   true,
		StateFailed:     true,
	} {
		if got := IsTerminal(state); got != want {
			t.Errorf("IsTerminal(%q) = %v, want %v", state, got, want)
		}
	}
}

func TestNewTaskDefaults(t *testing.T) {
	task := NewTask("", PromptParams("a cat"))

	if task.Status.State != StateNew {
		t.Errorf("State = %q, want %q", task.Status.State, StateNew)
	}
	if task.Prompt != "a cat" {
		t.Errorf("Prompt = %q, want %q", task.Prompt, "a cat")
	}
	if task.Owner != "" {
		t.Errorf("Owner = %q, want empty", task.Owner)
	}
	ig := task.Params.ImageGeneration
	if ig == nil {
		t.Fatal("ImageGeneration params are nil")
	}
	if ig.Iterations != DefaultIterations {
		t.Errorf("Iterations = %d, want %d", ig.Iterations, DefaultIterations)
	}
	if ig.NumberOfImages != DefaultNumberOfImages {
		t.Errorf("NumberOfImages = %d, want %d", ig.NumberOfImages, DefaultNumberOfImages)
	}
	if task.Params.TotalSteps() != DefaultIterations {
		t.Errorf("TotalSteps = %d, want %d", task.Params.TotalSteps(), DefaultIterations)
	}
}

func TestWithDefaultsDoesNotMutate(t *testing.T) {
	p := PromptParams("x")
	_ = p.WithDefaults()
	if p.ImageGeneration.Iterations != 0 {
		t.Errorf("original Iterations = %d, want 0", p.ImageGeneration.Iterations)
	}
}

func TestStatusEqual(t *testing.T) {
	if !Finished([]byte("abc")).Equal(Finished([]byte("abc"))) {
		t.Error("identical finished statuses are not equal")
	}
	if Finished([]byte("abc")).Equal(Finished([]byte("abd"))) {
		t.Error("finished statuses with different results are equal")
	}
	if InProgress(1, 20).Equal(InProgress(2, 20)) {
		t.Error("progress statuses with different steps are equal")
	}
}
