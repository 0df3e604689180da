package mesh

import (
	"bufio"
	"fmt"
	"io"
	"strconv"

	"github.com/notargets/meshdist/fault"
)

// Global is a whole mesh held in one place, as written to a source file.
// Neighbors holds ElementVerts entries per element: the element across edge
// (v0,v1), (v1,v2) and (v2,v0), or -1 on the boundary.
type Global struct {
	Title     string
	Vertices  []float64
	Elements  []int
	Neighbors []int
}

// NumVertices returns the number of vertices.
func (g *Global) NumVertices() int { return len(g.Vertices) / VertexDim }

// NumElements returns the number of elements.
func (g *Global) NumElements() int { return len(g.Elements) / ElementVerts }

// NewGlobal builds a mesh from coordinates and triangles and derives the
// element adjacency from shared edges.
func NewGlobal(title string, vertices []float64, elements []int) (*Global, error) {
	g := &Global{Title: title, Vertices: vertices, Elements: elements}
	if len(vertices)%VertexDim != 0 || len(elements)%ElementVerts != 0 {
		return nil, fault.Errorf(fault.KindConfig, "new mesh", "ragged vertex or element array")
	}
	for _, v := range elements {
		if v < 0 || v >= g.NumVertices() {
			return nil, fault.Errorf(fault.KindConfig, "new mesh", "vertex id %d outside [0,%d)", v, g.NumVertices())
		}
	}
	nb, err := edgeNeighbors(elements)
	if err != nil {
		return nil, err
	}
	g.Neighbors = nb
	return g, nil
}

type edge [2]int

func makeEdge(a, b int) edge {
	if a > b {
		a, b = b, a
	}
	return edge{a, b}
}

func edgeNeighbors(elements []int) ([]int, error) {
	n := len(elements) / ElementVerts
	owners := make(map[edge][]int, 2*n)
	for e := 0; e < n; e++ {
		t := elements[ElementVerts*e : ElementVerts*(e+1)]
		for k := 0; k < ElementVerts; k++ {
			key := makeEdge(t[k], t[(k+1)%ElementVerts])
			owners[key] = append(owners[key], e)
			if len(owners[key]) > 2 {
				return nil, fault.Errorf(fault.KindConfig, "mesh adjacency", "edge %v shared by more than two elements", key)
			}
		}
	}
	nb := make([]int, len(elements))
	for e := 0; e < n; e++ {
		t := elements[ElementVerts*e : ElementVerts*(e+1)]
		for k := 0; k < ElementVerts; k++ {
			nb[ElementVerts*e+k] = -1
			for _, o := range owners[makeEdge(t[k], t[(k+1)%ElementVerts])] {
				if o != e {
					nb[ElementVerts*e+k] = o
				}
			}
		}
	}
	return nb, nil
}

// Grid triangulates the unit square with nx x ny cells, two triangles per
// cell, numbered row by row.
func Grid(nx, ny int) (*Global, error) {
	if nx < 1 || ny < 1 {
		return nil, fault.Errorf(fault.KindConfig, "grid", "need at least one cell, got %dx%d", nx, ny)
	}
	id := func(i, j int) int { return j*(nx+1) + i }
	vertices := make([]float64, 0, VertexDim*(nx+1)*(ny+1))
	for j := 0; j <= ny; j++ {
		for i := 0; i <= nx; i++ {
			vertices = append(vertices, float64(i)/float64(nx), float64(j)/float64(ny))
		}
	}
	elements := make([]int, 0, 2*ElementVerts*nx*ny)
	for j := 0; j < ny; j++ {
		for i := 0; i < nx; i++ {
			a, b, c, d := id(i, j), id(i+1, j), id(i+1, j+1), id(i, j+1)
			elements = append(elements, a, b, c, a, c, d)
		}
	}
	return NewGlobal(fmt.Sprintf("structured grid %dx%d", nx, ny), vertices, elements)
}

// WriteTo writes the mesh in the source text format.
func (g *Global) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	bw := bufio.NewWriter(cw)
	var line []byte
	fmt.Fprintf(bw, "%s\n", g.Title)
	fmt.Fprintf(bw, "Number Vertices = %d\n", g.NumVertices())
	for i := 0; i < g.NumVertices(); i++ {
		line = strconv.AppendInt(line[:0], int64(i+1), 10)
		for _, x := range g.Vertices[VertexDim*i : VertexDim*(i+1)] {
			line = append(line, ' ')
			line = strconv.AppendFloat(line, x, 'g', -1, 64)
		}
		bw.Write(append(line, '\n'))
	}
	fmt.Fprintf(bw, "Number Elements = %d\n", g.NumElements())
	writeTriples(bw, g.Elements, line)
	fmt.Fprintf(bw, "Element neighbors\n")
	writeTriples(bw, g.Neighbors, line)
	err := bw.Flush()
	return cw.n, err
}

func writeTriples(bw *bufio.Writer, v []int, line []byte) {
	for e := 0; e < len(v)/ElementVerts; e++ {
		line = strconv.AppendInt(line[:0], int64(e), 10)
		for _, x := range v[ElementVerts*e : ElementVerts*(e+1)] {
			line = append(line, ' ')
			line = strconv.AppendInt(line, int64(x), 10)
		}
		bw.Write(append(line, '\n'))
	}
}

// WriteGrid writes Grid(nx, ny) to w.
func WriteGrid(w io.Writer, nx, ny int) error {
	g, err := Grid(nx, ny)
	if err != nil {
		return err
	}
	_, err = g.WriteTo(w)
	return err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
