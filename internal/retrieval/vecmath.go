package retrieval

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"strings"
)

// PackVector lays v out as little-endian float32s. kb_vectors.embedding and
// the embedding cache both store vectors this way.
func PackVector(v []float32) []byte {
	b := make([]byte, 0, 4*len(v))
	for _, f := range v {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(f))
	}
	return b
}

// UnpackVector decodes b into dst, growing it only when needed, so a scan can
// reuse a single buffer. A nil dst always yields a fresh slice.
func UnpackVector(dst []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("embedding blob of %d bytes is not whole float32s", len(b))
	}
	dst = slices.Grow(dst[:0], len(b)/4)[:len(b)/4]
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return dst, nil
}

func magnitude(v []float32) float64 {
	var sq float64
	for _, f := range v {
		sq += float64(f) * float64(f)
	}
	return math.Sqrt(sq)
}

// similarity is the cosine of q and v, with qMag the precomputed magnitude of
// q. Mismatched dimensions and zero vectors score 0.
func similarity(q, v []float32, qMag float64) float32 {
	if len(q) != len(v) || qMag == 0 {
		return 0
	}
	var dot, vSq float64
	for i, x := range q {
		y := float64(v[i])
		dot += float64(x) * y
		vSq += y * y
	}
	if vSq == 0 {
		return 0
	}
	return float32(dot / (qMag * math.Sqrt(vSq)))
}

// compareMatches orders by score descending, then ID ascending.
func compareMatches(a, b Match) int {
	if c := cmp.Compare(b.Score, a.Score); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

func sortMatches(ms []Match) {
	slices.SortFunc(ms, compareMatches)
}

// ranking keeps the best k matches offered to it, in order. best grows with
// the matches actually offered, never with k.
type ranking struct {
	k    int
	best []Match
}

func newRanking(k int) *ranking {
	return &ranking{k: k}
}

func (r *ranking) offer(m Match) {
	if len(r.best) == r.k && compareMatches(m, r.best[r.k-1]) >= 0 {
		return
	}
	i, _ := slices.BinarySearchFunc(r.best, m, compareMatches)
	r.best = slices.Insert(r.best, i, m)
	if len(r.best) > r.k {
		r.best = r.best[:r.k]
	}
}
