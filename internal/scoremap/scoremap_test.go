package scoremap

import (
	"os"
	"path/filepath"
	"testing"
)

func TestScoreCommutative(t *testing.T) {
	o := New()
	o.UpdateScore(1, 2, 0.7)

	if got := o.Score(1, 2); got != 0.7 {
		t.Fatalf("Score(1,2) = %f, want 0.7", got)
	}
	if got := o.Score(2, 1); got != 0.7 {
		t.Fatalf("Score(2,1) = %f, want 0.7", got)
	}
	if o.Score(1, 2) != o.Score(2, 1) {
		t.Fatalf("score map not commutative")
	}
}

func TestSelfPair(t *testing.T) {
	o := New()
	o.UpdateScore(7, 7, 0.9)
	if got := o.Score(7, 7); got != 0.9 {
		t.Fatalf("Score(7,7) = %f, want 0.9", got)
	}
}

func TestUnknownScoreIsZero(t *testing.T) {
	o := New()
	if got := o.Score(1, 99); got != 0 {
		t.Fatalf("unknown score = %f, want 0", got)
	}
}

func TestNegativeJobids(t *testing.T) {
	o := New()
	o.UpdateScore(-1, 5, 0.3)
	if got := o.Score(5, -1); got != 0.3 {
		t.Fatalf("Score(5,-1) = %f, want 0.3", got)
	}
	// The sentinel key must not collide with real pairs.
	if got := o.Score(5, 5); got != 0 {
		t.Fatalf("Score(5,5) = %f, want 0", got)
	}
}

func TestBaseline(t *testing.T) {
	o := New()

	if _, ok := o.BaselineIPC(7); ok {
		t.Fatalf("unknown baseline reported as known")
	}

	o.UpdateBaseline(7, 0.5)
	ipc, ok := o.BaselineIPC(7)
	if !ok || ipc != 0.5 {
		t.Fatalf("BaselineIPC = (%f, %t), want (0.5, true)", ipc, ok)
	}

	// A zero baseline cannot normalize anything.
	o.UpdateBaseline(8, 0)
	if _, ok := o.BaselineIPC(8); ok {
		t.Fatalf("zero baseline reported as usable")
	}
}

func TestLoadModel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.yaml")
	content := `
pairs:
  - jobs: [1, 2]
    score: 1.0
  - jobs: [7, 7]
    score: 0.9
baselines:
  1: 0.5
  7: 0.45
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}

	o := New()
	if err := o.LoadModel(path); err != nil {
		t.Fatalf("LoadModel: %v", err)
	}

	if got := o.Score(2, 1); got != 1.0 {
		t.Fatalf("Score(2,1) = %f, want 1.0", got)
	}
	if got := o.Score(7, 7); got != 0.9 {
		t.Fatalf("Score(7,7) = %f, want 0.9", got)
	}
	if ipc, ok := o.BaselineIPC(7); !ok || ipc != 0.45 {
		t.Fatalf("BaselineIPC(7) = (%f, %t)", ipc, ok)
	}
	if got := o.Len(); got != 2 {
		t.Fatalf("Len = %d, want 2", got)
	}
}

func TestLoadModelMissingFile(t *testing.T) {
	o := New()
	if err := o.LoadModel("/nonexistent/model.yaml"); err == nil {
		t.Fatalf("expected error for missing model file")
	}
}
