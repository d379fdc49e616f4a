package capability

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestMissingPreservesOrder(t *testing.T) {
	r := NewRegistry(NewStaticSource(map[string][]string{
		"B": {"search"},
	}))

	missing, err := r.Missing(context.Background(), "B", []string{"write", "search", "admin", "write"})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(missing, []string{"write", "admin"}) {
		t.Fatalf("expected [write admin], got %v", missing)
	}
}

func TestMissingExact(t *testing.T) {
	r := NewRegistry(NewStaticSource(map[string][]string{"B": {"search"}}))

	missing, _ := r.Missing(context.Background(), "B", []string{"search", "write"})
	if !reflect.DeepEqual(missing, []string{"write"}) {
		t.Fatalf("expected [write], got %v", missing)
	}

	missing, _ = r.Missing(context.Background(), "B", []string{"search"})
	if len(missing) != 0 {
		t.Fatalf("expected nothing missing, got %v", missing)
	}
}

func TestUnknownAgentHoldsNothing(t *testing.T) {
	r := NewRegistry(NewStaticSource(nil))

	set, err := r.CapabilitiesOf(context.Background(), "ghost")
	if err != nil {
		t.Fatal(err)
	}
	if len(set) != 0 {
		t.Fatalf("expected empty set, got %v", set.Sorted())
	}
}

type failingSource struct{}

func (failingSource) Capabilities(context.Context, string) ([]string, error) {
	return nil, errors.New("db down")
}

func TestSourceErrorPropagates(t *testing.T) {
	r := NewRegistry(failingSource{})
	if _, err := r.Missing(context.Background(), "B", []string{"x"}); err == nil {
		t.Fatal("expected source error")
	}
}

func TestStaticSourceSetReplaces(t *testing.T) {
	src := NewStaticSource(map[string][]string{"A": {"read"}})
	src.Set("A", "write", "read")

	set, _ := NewRegistry(src).CapabilitiesOf(context.Background(), "A")
	if !reflect.DeepEqual(set.Sorted(), []string{"read", "write"}) {
		t.Fatalf("unexpected set %v", set.Sorted())
	}
}
