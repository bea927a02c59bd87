package knowledge

import (
	"context"
	"math"
	"testing"
)

func TestHashEmbedderDimensions(t *testing.T) {
	for _, dim := range []int{32, 384, 1536} {
		e := NewHashEmbedder(dim)
		vecs, err := e.Embed(context.Background(), []string{"a", "b", "c"})
		if err != nil {
			t.Fatalf("embed: %v", err)
		}
		if len(vecs) != 3 {
			t.Fatalf("rows = %d", len(vecs))
		}
		for _, v := range vecs {
			if len(v) != dim {
				t.Errorf("dim %d: row has %d components", dim, len(v))
			}
		}
	}
}

func TestHashEmbedderUnitNorm(t *testing.T) {
	e := NewHashEmbedder(384)
	vecs, _ := e.Embed(context.Background(), []string{"robotics club", "", "PID control"})
	for i, v := range vecs {
		var sum float64
		for _, f := range v {
			sum += float64(f) * float64(f)
		}
		norm := math.Sqrt(sum)
		if math.Abs(norm-1) > 1e-3 {
			t.Errorf("row %d norm = %v", i, norm)
		}
	}
}

func TestHashEmbedderDeterministic(t *testing.T) {
	e := NewHashEmbedder(384)
	a, _ := e.Embed(context.Background(), []string{"same text"})
	b, _ := e.Embed(context.Background(), []string{"same text"})
	for i := range a[0] {
		if a[0][i] != b[0][i] {
			t.Fatal("embedding not deterministic")
		}
	}

	c, _ := e.Embed(context.Background(), []string{"different text"})
	same := true
	for i := range a[0] {
		if a[0][i] != c[0][i] {
			same = false
			break
		}
	}
	if same {
		t.Error("distinct texts produced identical embeddings")
	}
}

func TestHashEmbedderDefaultDimension(t *testing.T) {
	if got := NewHashEmbedder(0).Dimensions(); got != DefaultDimensions {
		t.Errorf("default dim = %d", got)
	}
}
