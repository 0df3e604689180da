package mesh

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
)

// WriteLocal dumps the vertices and elements this rank owns, under their
// current global ids.
func WriteLocal(w io.Writer, m *LocalMesh) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "rank %d of %d\n", m.Rank, m.Size)
	fmt.Fprintf(bw, "Number Vertices = %d of %d\n", m.LocalVertices(), m.NumVertices)
	var line []byte
	for i := 0; i < m.LocalVertices(); i++ {
		line = strconv.AppendInt(line[:0], int64(m.VertexStart+i), 10)
		for _, x := range m.Vertex(i) {
			line = append(line, ' ')
			line = strconv.AppendFloat(line, x, 'g', -1, 64)
		}
		bw.Write(append(line, '\n'))
	}
	fmt.Fprintf(bw, "Number Elements = %d of %d\n", m.LocalElements(), m.NumElements)
	for j := 0; j < m.LocalElements(); j++ {
		line = strconv.AppendInt(line[:0], int64(m.ElementStart+j), 10)
		for _, v := range m.Element(j) {
			line = append(line, ' ')
			line = strconv.AppendInt(line, int64(v), 10)
		}
		bw.Write(append(line, '\n'))
	}
	return bw.Flush()
}
