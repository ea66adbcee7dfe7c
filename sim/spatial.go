package sim

// SpatialIndex is a uniform grid over the world used for broad-phase
// neighbour queries. Cells are square with side 2 × infection radius, so
// every agent within the radius of another lies in the same or an adjacent
// cell.
type SpatialIndex struct {
	cellSize float64
	cols     int
	rows     int
	cells    [][]int // agent indices per cell
	agentIdx []int   // cell index per agent, filled by Build
}

// NewSpatialIndex creates a grid covering width × height for the given
// infection radius.
func NewSpatialIndex(width, height, radius float64) *SpatialIndex {
	cellSize := 2 * radius
	if cellSize <= 0 {
		cellSize = 1
	}
	cols := int(width/cellSize) + 1
	rows := int(height/cellSize) + 1
	if cols < 1 {
		cols = 1
	}
	if rows < 1 {
		rows = 1
	}
	return &SpatialIndex{
		cellSize: cellSize,
		cols:     cols,
		rows:     rows,
		cells:    make([][]int, cols*rows),
	}
}

// CellSize returns the side of one grid cell.
func (g *SpatialIndex) CellSize() float64 {
	return g.cellSize
}

// Clear resets all cells (keeps allocated capacity)
func (g *SpatialIndex) Clear() {
	for i := range g.cells {
		g.cells[i] = g.cells[i][:0]
	}
	g.agentIdx = g.agentIdx[:0]
}

// cellCoords maps a position to its (clamped) column and row.
func (g *SpatialIndex) cellCoords(x, y float64) (int, int) {
	cx := int(x / g.cellSize)
	cy := int(y / g.cellSize)
	if x < 0 {
		cx = 0
	} else if cx >= g.cols {
		cx = g.cols - 1
	}
	if y < 0 {
		cy = 0
	} else if cy >= g.rows {
		cy = g.rows - 1
	}
	return cx, cy
}

// Build buckets every agent by its current position. Must be called again
// whenever positions change.
func (g *SpatialIndex) Build(agents []Agent) {
	g.Clear()
	for i := range agents {
		cx, cy := g.cellCoords(agents[i].X, agents[i].Y)
		idx := cy*g.cols + cx
		g.cells[idx] = append(g.cells[idx], i)
		g.agentIdx = append(g.agentIdx, idx)
	}
}

// NeighborsOf returns the indices of all other agents in the same cell as
// agent i or in any of the 8 surrounding cells.
func (g *SpatialIndex) NeighborsOf(i int) []int {
	return g.NeighborsBuf(i, nil)
}

// NeighborsBuf appends the neighbours of agent i to buf and returns the
// extended slice, avoiding per-call allocation.
func (g *SpatialIndex) NeighborsBuf(i int, buf []int) []int {
	if i < 0 || i >= len(g.agentIdx) {
		return buf
	}
	home := g.agentIdx[i]
	cx, cy := home%g.cols, home/g.cols
	for dy := -1; dy <= 1; dy++ {
		row := cy + dy
		if row < 0 || row >= g.rows {
			continue
		}
		for dx := -1; dx <= 1; dx++ {
			col := cx + dx
			if col < 0 || col >= g.cols {
				continue
			}
			for _, j := range g.cells[row*g.cols+col] {
				if j != i {
					buf = append(buf, j)
				}
			}
		}
	}
	return buf
}
