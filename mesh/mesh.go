// Package mesh holds one rank's share of a distributed triangular mesh and the
// code that gets it there: the contiguous split, the text source format, the
// coordinator-driven ingestion, and the per-rank writer.
package mesh

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/notargets/meshdist/fault"
)

const (
	// VertexDim is the number of coordinates stored per vertex.
	VertexDim = 2
	// ElementVerts is the number of vertex references per element.
	ElementVerts = 3
)

// CSR is the slice of the element adjacency graph held by one rank: row i
// describes global element RowStart+i, and its neighbors are
// Neighbors[RowOffsets[i]:RowOffsets[i+1]], given as global element ids.
type CSR struct {
	RowStart   int
	RowOffsets []int
	Neighbors  []int
}

// NumRows returns the number of local rows.
func (g *CSR) NumRows() int {
	if len(g.RowOffsets) == 0 {
		return 0
	}
	return len(g.RowOffsets) - 1
}

// Row returns the neighbors of local row i.
func (g *CSR) Row(i int) []int {
	return g.Neighbors[g.RowOffsets[i]:g.RowOffsets[i+1]]
}

// Validate checks the offsets are monotone and cover Neighbors exactly, and
// that every neighbor is a valid element id below nGlobal.
func (g *CSR) Validate(nGlobal int) error {
	if len(g.RowOffsets) == 0 {
		if len(g.Neighbors) != 0 {
			return fault.Errorf(fault.KindPlanMismatch, "csr", "%d neighbors without rows", len(g.Neighbors))
		}
		return nil
	}
	if g.RowOffsets[0] != 0 {
		return fault.Errorf(fault.KindPlanMismatch, "csr", "first row offset is %d", g.RowOffsets[0])
	}
	for i := 1; i < len(g.RowOffsets); i++ {
		if g.RowOffsets[i] < g.RowOffsets[i-1] {
			return fault.Errorf(fault.KindPlanMismatch, "csr", "row offsets decrease at row %d", i-1)
		}
	}
	if last := g.RowOffsets[len(g.RowOffsets)-1]; last != len(g.Neighbors) {
		return fault.Errorf(fault.KindPlanMismatch, "csr", "offsets end at %d, have %d neighbors", last, len(g.Neighbors))
	}
	for _, n := range g.Neighbors {
		if n < 0 || n >= nGlobal {
			return fault.Errorf(fault.KindPlanMismatch, "csr", "neighbor %d outside [0,%d)", n, nGlobal)
		}
	}
	return nil
}

// LocalMesh is the portion of the mesh one rank holds. Local vertex i has
// global id VertexStart+i and local element j has global id ElementStart+j;
// both ranges are contiguous in whatever numbering epoch the mesh is in.
type LocalMesh struct {
	Rank int
	Size int

	NumVertices int // global
	NumElements int // global

	Vertices []float64 // VertexDim per local vertex
	Elements []int     // ElementVerts global vertex ids per local element
	Graph    *CSR      // nil once consumed by the partitioner

	VertexStart  int
	ElementStart int
}

// LocalVertices returns the number of vertices held here.
func (m *LocalMesh) LocalVertices() int { return len(m.Vertices) / VertexDim }

// LocalElements returns the number of elements held here.
func (m *LocalMesh) LocalElements() int { return len(m.Elements) / ElementVerts }

// Element returns the vertex references of local element j.
func (m *LocalMesh) Element(j int) []int {
	return m.Elements[ElementVerts*j : ElementVerts*(j+1)]
}

// Vertex returns the coordinates of local vertex i.
func (m *LocalMesh) Vertex(i int) []float64 {
	return m.Vertices[VertexDim*i : VertexDim*(i+1)]
}

// OwnsVertex reports whether global vertex id is held here.
func (m *LocalMesh) OwnsVertex(id int) bool {
	return id >= m.VertexStart && id < m.VertexStart+m.LocalVertices()
}

// Coordinates returns the local vertices as an n x 2 matrix sharing storage
// with Vertices, or nil when this rank holds no vertices.
func (m *LocalMesh) Coordinates() *mat.Dense {
	n := m.LocalVertices()
	if n == 0 {
		return nil
	}
	return mat.NewDense(n, VertexDim, m.Vertices[:n*VertexDim])
}

// ReleaseGraph drops the adjacency graph.
func (m *LocalMesh) ReleaseGraph() { m.Graph = nil }

// Destroy releases every buffer. Calling it more than once is harmless.
func (m *LocalMesh) Destroy() {
	m.Vertices = nil
	m.Elements = nil
	m.Graph = nil
}

// CheckElementRefs verifies every element reference is a vertex id below
// NumVertices.
func (m *LocalMesh) CheckElementRefs() error {
	for j, v := range m.Elements {
		if v < 0 || v >= m.NumVertices {
			return fault.Errorf(fault.KindPlanMismatch, "element refs",
				"element %d references vertex %d outside [0,%d)", m.ElementStart+j/ElementVerts, v, m.NumVertices)
		}
	}
	return nil
}

func (m *LocalMesh) String() string {
	return fmt.Sprintf("rank %d/%d: vertices [%d,%d) of %d, elements [%d,%d) of %d",
		m.Rank, m.Size,
		m.VertexStart, m.VertexStart+m.LocalVertices(), m.NumVertices,
		m.ElementStart, m.ElementStart+m.LocalElements(), m.NumElements)
}
