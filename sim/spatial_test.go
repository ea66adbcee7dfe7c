package sim

import (
	"sort"
	"testing"
)

func contains(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func TestSpatialIndexCellSize(t *testing.T) {
	g := NewSpatialIndex(300, 300, 8)
	if g.CellSize() != 16 {
		t.Errorf("expected cell size 16, got %v", g.CellSize())
	}
}

func TestSpatialIndexSameAndAdjacentCells(t *testing.T) {
	g := NewSpatialIndex(300, 300, 8)
	agents := []Agent{
		{X: 20, Y: 20},   // cell (1,1)
		{X: 25, Y: 30},   // same cell
		{X: 40, Y: 40},   // cell (2,2), diagonal neighbour
		{X: 5, Y: 20},    // cell (0,1)
		{X: 60, Y: 20},   // cell (3,1), two cells away
		{X: 200, Y: 200}, // far away
	}
	g.Build(agents)

	got := g.NeighborsOf(0)
	sort.Ints(got)
	want := []int{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("expected neighbours %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected neighbours %v, got %v", want, got)
		}
	}
	if contains(got, 0) {
		t.Error("agent must not be its own neighbour")
	}
}

func TestSpatialIndexNoNeighbors(t *testing.T) {
	g := NewSpatialIndex(300, 300, 8)
	g.Build([]Agent{{X: 10, Y: 10}, {X: 290, Y: 290}})

	if n := g.NeighborsOf(0); len(n) != 0 {
		t.Errorf("expected no neighbours, got %v", n)
	}
	if n := g.NeighborsOf(5); len(n) != 0 {
		t.Errorf("expected no neighbours for unknown index, got %v", n)
	}
}

func TestSpatialIndexIdenticalPositionsSymmetric(t *testing.T) {
	g := NewSpatialIndex(300, 300, 8)
	g.Build([]Agent{{X: 150, Y: 150}, {X: 150, Y: 150}})

	a := g.NeighborsOf(0)
	b := g.NeighborsOf(1)
	if len(a) != 1 || a[0] != 1 {
		t.Errorf("agent 0: expected [1], got %v", a)
	}
	if len(b) != 1 || b[0] != 0 {
		t.Errorf("agent 1: expected [0], got %v", b)
	}
}

func TestSpatialIndexOutOfBoundsClamp(t *testing.T) {
	g := NewSpatialIndex(300, 300, 8)
	// Agents may sit just outside the world for one tick.
	g.Build([]Agent{{X: -1, Y: -1}, {X: 3, Y: 3}, {X: 301, Y: 301}, {X: 297, Y: 298}})

	if !contains(g.NeighborsOf(0), 1) {
		t.Error("expected agent below zero to be bucketed with the edge cell")
	}
	if !contains(g.NeighborsOf(2), 3) {
		t.Error("expected agent past the far edge to be bucketed with the edge cell")
	}
}

func TestSpatialIndexRebuild(t *testing.T) {
	g := NewSpatialIndex(300, 300, 8)
	agents := []Agent{{X: 10, Y: 10}, {X: 12, Y: 12}}
	g.Build(agents)
	if !contains(g.NeighborsOf(0), 1) {
		t.Fatal("expected neighbours before move")
	}

	agents[1].X, agents[1].Y = 250, 250
	g.Build(agents)
	if contains(g.NeighborsOf(0), 1) {
		t.Error("stale neighbour after rebuild")
	}
}

func TestSpatialIndexNeighborsBufAppends(t *testing.T) {
	g := NewSpatialIndex(300, 300, 8)
	g.Build([]Agent{{X: 10, Y: 10}, {X: 11, Y: 11}})

	buf := []int{42}
	buf = g.NeighborsBuf(0, buf)
	if len(buf) != 2 || buf[0] != 42 || buf[1] != 1 {
		t.Errorf("expected [42 1], got %v", buf)
	}
}
