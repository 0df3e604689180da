package mesh

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/notargets/meshdist/fault"
)

// Reader parses the mesh source text format:
//
//	<title line>
//	Number Vertices = <n>
//	<id> <x> <y>              n lines
//	Number Elements = <m>
//	<id> <v0> <v1> <v2>       m lines, 0-based vertex ids
//	<neighbor title line>
//	<id> <e0> <e1> <e2>       m lines, negative means no neighbor
//
// The leading id column of every record is informational and ignored. Blank
// lines are skipped. The sections must be consumed in order.
type Reader struct {
	sc   *bufio.Scanner
	name string
	line int
}

const maxLineBytes = 1 << 20

// NewReader wraps r; name is used in error messages.
func NewReader(r io.Reader, name string) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &Reader{sc: sc, name: name}
}

func (r *Reader) errorf(format string, args ...any) error {
	return fault.Errorf(fault.KindIO, r.name+":"+strconv.Itoa(r.line), format, args...)
}

func (r *Reader) next() (string, error) {
	for r.sc.Scan() {
		r.line++
		if s := strings.TrimSpace(r.sc.Text()); s != "" {
			return s, nil
		}
	}
	if err := r.sc.Err(); err != nil {
		return "", fault.Wrap(fault.KindIO, r.name, err)
	}
	return "", r.errorf("unexpected end of file")
}

// Title consumes a free-form title line and returns it.
func (r *Reader) Title() (string, error) {
	return r.next()
}

// Count consumes a "Number <label> = <n>" line and returns n.
func (r *Reader) Count(label string) (int, error) {
	s, err := r.next()
	if err != nil {
		return 0, err
	}
	f := strings.Fields(s)
	if len(f) != 4 || f[0] != "Number" || f[1] != label || f[2] != "=" {
		return 0, r.errorf("want %q, got %q", "Number "+label+" = <n>", s)
	}
	n, err := strconv.Atoi(f[3])
	if err != nil || n < 0 {
		return 0, r.errorf("bad %s count %q", strings.ToLower(label), f[3])
	}
	return n, nil
}

func (r *Reader) record(want int) ([]string, error) {
	s, err := r.next()
	if err != nil {
		return nil, err
	}
	f := strings.Fields(s)
	if len(f) != want {
		return nil, r.errorf("want %d fields, got %d in %q", want, len(f), s)
	}
	return f[1:], nil
}

// ReadVertices fills dst with len(dst)/VertexDim coordinate records.
func (r *Reader) ReadVertices(dst []float64) error {
	for i := 0; i < len(dst); i += VertexDim {
		f, err := r.record(1 + VertexDim)
		if err != nil {
			return err
		}
		for k, s := range f {
			x, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return r.errorf("bad coordinate %q", s)
			}
			dst[i+k] = x
		}
	}
	return nil
}

// ReadElements fills dst with len(dst)/ElementVerts element records, checking
// every vertex id against nVert.
func (r *Reader) ReadElements(dst []int, nVert int) error {
	for i := 0; i < len(dst); i += ElementVerts {
		f, err := r.record(1 + ElementVerts)
		if err != nil {
			return err
		}
		for k, s := range f {
			v, err := strconv.Atoi(s)
			if err != nil {
				return r.errorf("bad vertex id %q", s)
			}
			if v < 0 || v >= nVert {
				return r.errorf("vertex id %d outside [0,%d)", v, nVert)
			}
			dst[i+k] = v
		}
	}
	return nil
}

// SkipLine consumes one line, the neighbor section title.
func (r *Reader) SkipLine() error {
	_, err := r.next()
	return err
}

// ReadNeighbors appends rows neighbor records to g, dropping negative
// entries and checking the rest against nEle.
func (r *Reader) ReadNeighbors(g *CSR, rows, nEle int) error {
	if len(g.RowOffsets) == 0 {
		g.RowOffsets = append(g.RowOffsets, len(g.Neighbors))
	}
	for i := 0; i < rows; i++ {
		f, err := r.record(1 + ElementVerts)
		if err != nil {
			return err
		}
		for _, s := range f {
			e, err := strconv.Atoi(s)
			if err != nil {
				return r.errorf("bad neighbor id %q", s)
			}
			if e < 0 {
				continue
			}
			if e >= nEle {
				return r.errorf("neighbor id %d outside [0,%d)", e, nEle)
			}
			g.Neighbors = append(g.Neighbors, e)
		}
		g.RowOffsets = append(g.RowOffsets, len(g.Neighbors))
	}
	return nil
}
