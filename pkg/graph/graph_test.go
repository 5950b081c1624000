package graph

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestBuild_Empty(t *testing.T) {
	g, err := Build(nil)
	if err != nil {
		t.Fatalf("Expected no error for empty nodes, got: %v", err)
	}
	if g.Depth() != 0 {
		t.Errorf("Expected depth 0, got %d", g.Depth())
	}
	if len(g.Order()) != 0 {
		t.Errorf("Expected empty order, got %v", g.Order())
	}
}

func TestBuild_LinearDependencies(t *testing.T) {
	g, err := Build([]Node{
		{ID: "compile"},
		{ID: "test", Dependencies: []string{"compile"}},
		{ID: "jar", Dependencies: []string{"test"}},
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if g.Depth() != 3 {
		t.Fatalf("Expected depth 3, got %d", g.Depth())
	}
	want := []string{"compile", "test", "jar"}
	if got := g.Order(); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected order %v, got %v", want, got)
	}
}

func TestBuild_DiamondLevels(t *testing.T) {
	g, err := Build([]Node{
		{ID: "d", Dependencies: []string{"b", "c"}},
		{ID: "c", Dependencies: []string{"a"}},
		{ID: "b", Dependencies: []string{"a"}},
		{ID: "a"},
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	wantLevels := [][]string{{"a"}, {"b", "c"}, {"d"}}
	if !reflect.DeepEqual(g.Levels, wantLevels) {
		t.Errorf("Expected levels %v, got %v", wantLevels, g.Levels)
	}
	if g.Level["d"] != 2 {
		t.Errorf("Expected d at level 2, got %d", g.Level["d"])
	}
	if len(g.Dependents["a"]) != 2 {
		t.Errorf("Expected a to have 2 dependents, got %v", g.Dependents["a"])
	}
}

func TestBuild_DuplicateDependencyIgnored(t *testing.T) {
	g, err := Build([]Node{
		{ID: "a"},
		{ID: "b", Dependencies: []string{"a", "a"}},
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(g.Dependencies["b"]) != 1 {
		t.Errorf("Expected a single dependency edge, got %v", g.Dependencies["b"])
	}
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name  string
		nodes []Node
		want  error
	}{
		{
			name:  "duplicate id",
			nodes: []Node{{ID: "a"}, {ID: "a"}},
			want:  ErrDuplicateNode,
		},
		{
			name:  "unknown dependency",
			nodes: []Node{{ID: "a", Dependencies: []string{"missing"}}},
			want:  ErrUnknownNode,
		},
		{
			name: "cycle",
			nodes: []Node{
				{ID: "a", Dependencies: []string{"c"}},
				{ID: "b", Dependencies: []string{"a"}},
				{ID: "c", Dependencies: []string{"b"}},
			},
			want: ErrCycle,
		},
		{
			name:  "self cycle",
			nodes: []Node{{ID: "a", Dependencies: []string{"a"}}},
			want:  ErrCycle,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.nodes)
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestGraph_ToDOT(t *testing.T) {
	g, err := Build([]Node{
		{ID: "compile"},
		{ID: "test", Dependencies: []string{"compile"}},
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	dot := g.ToDOT("tasks")
	if !strings.Contains(dot, `"compile" -> "test"`) {
		t.Errorf("Expected edge in DOT output, got:\n%s", dot)
	}
	if !strings.Contains(dot, "cluster_level_1") {
		t.Errorf("Expected level cluster in DOT output, got:\n%s", dot)
	}
}
