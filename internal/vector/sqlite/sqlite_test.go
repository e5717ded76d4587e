package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/efebarandurmaz/imagesearch/internal/vector"
)

const testDims = 8

func unit(axis int) []float32 {
	v := make([]float32, testDims)
	v[axis] = 1
	return v
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "images.db"), Dimensions: testDims})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestStore_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Add(ctx, vector.Document{Name: "a.jpg", Caption: "a dog", Vector: unit(0)}); err != nil {
		t.Fatal(err)
	}

	hits, err := s.Search(ctx, unit(2), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(hits))
	}
	if hits[0].Name != "a.jpg" || hits[0].Caption != "a dog" {
		t.Errorf("unexpected hit: %+v", hits[0])
	}
}

func TestStore_DogCatScenario(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.Add(ctx, vector.Document{Name: "a.jpg", Caption: "a dog", Vector: unit(0)})
	_ = s.Add(ctx, vector.Document{Name: "b.jpg", Caption: "a cat", Vector: unit(1)})

	hits, err := s.Search(ctx, unit(0), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(hits))
	}
	want := vector.Hit{Name: "a.jpg", Caption: "a dog", Score: 2.0}
	if hits[0] != want {
		t.Errorf("expected %+v, got %+v", want, hits[0])
	}

	hits, _ = s.Search(ctx, unit(0), 5)
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[1].Name != "b.jpg" || hits[1].Score != 1.0 {
		t.Errorf("expected orthogonal b.jpg at 1.0, got %+v", hits[1])
	}
}

func TestStore_SearchOrderingAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docs := []vector.Document{
		{Name: "1.jpg", Caption: "one", Vector: []float32{1, 1, 0, 0, 0, 0, 0, 0}},
		{Name: "2.jpg", Caption: "two", Vector: unit(0)},
		{Name: "3.jpg", Caption: "three", Vector: []float32{-1, 0, 0, 0, 0, 0, 0, 0}},
		{Name: "4.jpg", Caption: "four", Vector: unit(3)},
		{Name: "5.jpg", Caption: "five", Vector: unit(4)},
	}
	for _, d := range docs {
		if err := s.Add(ctx, d); err != nil {
			t.Fatal(err)
		}
	}

	hits, err := s.Search(ctx, unit(0), 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 3 {
		t.Fatalf("expected 3 hits, got %d", len(hits))
	}
	for i := 1; i < len(hits); i++ {
		if hits[i-1].Score < hits[i].Score {
			t.Errorf("hits not sorted descending at %d: %v < %v", i, hits[i-1].Score, hits[i].Score)
		}
	}
	want := []string{"2.jpg", "1.jpg", "4.jpg"}
	for i, name := range want {
		if hits[i].Name != name {
			t.Errorf("position %d: expected %s, got %s", i, name, hits[i].Name)
		}
	}

	if hits, _ := s.Search(ctx, unit(0), 0); len(hits) != 0 {
		t.Errorf("expected no hits for size 0, got %d", len(hits))
	}
}

func TestStore_AddRejectsInvalid(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		doc  vector.Document
		kind vector.Kind
	}{
		{"wrong length", vector.Document{Name: "x.jpg", Caption: "x", Vector: []float32{1, 0}}, vector.KindSchemaMismatch},
		{"missing caption", vector.Document{Name: "x.jpg", Vector: unit(0)}, vector.KindInvalidDocument},
		{"missing name", vector.Document{Caption: "x", Vector: unit(0)}, vector.KindInvalidDocument},
		{"missing vector", vector.Document{Name: "x.jpg", Caption: "x"}, vector.KindInvalidDocument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Add(ctx, tt.doc)
			if kind, ok := vector.KindOf(err); !ok || kind != tt.kind {
				t.Errorf("expected %v, got %v", tt.kind, err)
			}
		})
	}

	hits, err := s.Search(ctx, unit(0), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 0 {
		t.Errorf("rejected writes must not be retrievable, got %d hits", len(hits))
	}
}

func TestStore_SearchWrongQueryLength(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Search(context.Background(), []float32{1, 0, 0}, 5)
	if !errors.Is(err, vector.ErrSchemaMismatch) {
		t.Errorf("expected schema mismatch, got %v", err)
	}
}

func TestStore_EnsureSchemaIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_ = s.Add(ctx, vector.Document{Name: "a.jpg", Caption: "a dog", Vector: unit(0)})

	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("second EnsureSchema failed: %v", err)
	}
	hits, _ := s.Search(ctx, unit(0), 10)
	if len(hits) != 1 {
		t.Errorf("EnsureSchema must not drop data, got %d hits", len(hits))
	}
}

func TestStore_EnsureSchemaDimensionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "images.db")
	ctx := context.Background()

	first, err := Open(Config{Path: path, Dimensions: testDims})
	if err != nil {
		t.Fatal(err)
	}
	if err := first.EnsureSchema(ctx); err != nil {
		t.Fatal(err)
	}
	first.Close()

	second, err := Open(Config{Path: path, Dimensions: 768})
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()

	err = second.EnsureSchema(ctx)
	if kind, _ := vector.KindOf(err); kind != vector.KindSchemaMismatch {
		t.Errorf("expected schema mismatch, got %v", err)
	}
}

func TestStore_Unavailable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_ = s.Add(ctx, vector.Document{Name: "a.jpg", Caption: "a dog", Vector: unit(0)})
	s.Close()

	err := s.Add(ctx, vector.Document{Name: "b.jpg", Caption: "a cat", Vector: unit(1)})
	if !errors.Is(err, vector.ErrConnectionUnavailable) {
		t.Errorf("expected connection unavailable on add, got %v", err)
	}

	hits, err := s.Search(ctx, unit(0), 5)
	if !errors.Is(err, vector.ErrConnectionUnavailable) {
		t.Errorf("expected connection unavailable on search, got %v", err)
	}
	if hits == nil || len(hits) != 0 {
		t.Errorf("expected empty non-nil hits, got %v", hits)
	}

	if err := s.Ping(ctx); !errors.Is(err, vector.ErrConnectionUnavailable) {
		t.Errorf("expected ping to fail, got %v", err)
	}
}

func TestStore_CannotOpenFile(t *testing.T) {
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "missing", "images.db"), Dimensions: 3})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()

	if err := s.EnsureSchema(ctx); !errors.Is(err, vector.ErrConnectionUnavailable) {
		t.Errorf("expected connection unavailable on schema, got %v", err)
	}
	err = s.Add(ctx, vector.Document{Name: "a.jpg", Caption: "a dog", Vector: []float32{1, 0, 0}})
	if !errors.Is(err, vector.ErrConnectionUnavailable) {
		t.Errorf("expected connection unavailable on add, got %v", err)
	}
	hits, err := s.Search(ctx, []float32{1, 0, 0}, 5)
	if !errors.Is(err, vector.ErrConnectionUnavailable) {
		t.Errorf("expected connection unavailable on search, got %v", err)
	}
	if hits == nil || len(hits) != 0 {
		t.Errorf("expected empty non-nil hits, got %v", hits)
	}
}

func TestOpen_InvalidTable(t *testing.T) {
	_, err := Open(Config{Path: ":memory:", Table: "images; DROP TABLE x"})
	if err == nil {
		t.Fatal("expected error for invalid table name")
	}
}

func TestEncodeDecode(t *testing.T) {
	in := []float32{0, 1.5, -2.25, 3e-7}
	out, err := decode(encode(in))
	if err != nil {
		t.Fatal(err)
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("index %d: expected %v, got %v", i, in[i], out[i])
		}
	}
	if _, err := decode([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated blob")
	}
}
