package model

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// Vector is a fixed-dimension embedding. Stored-criterion and document
// embeddings must share the same dimensionality for distance computation.
type Vector []float32

// CosineDistance returns 1 - cosine_similarity(v, other), in [0, 2].
// Returns an error on dimension mismatch or a zero-magnitude operand.
func (v Vector) CosineDistance(other Vector) (float64, error) {
	if len(v) != len(other) {
		return 0, eris.Errorf("vector: dimension mismatch %d vs %d", len(v), len(other))
	}
	var dot, na, nb float64
	for i := range v {
		a := float64(v[i])
		b := float64(other[i])
		dot += a * b
		na += a * a
		nb += b * b
	}
	if na == 0 || nb == 0 {
		return 0, eris.New("vector: zero magnitude")
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb)), nil
}

// PgString renders the vector in pgvector input format: [0.1,0.2,...].
func (v Vector) PgString() string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// ParsePgVector parses pgvector text output ([0.1,0.2,...]) into a Vector.
func ParsePgVector(s string) (Vector, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, eris.Errorf("vector: malformed literal %q", s)
	}
	inner := s[1 : len(s)-1]
	if inner == "" {
		return Vector{}, nil
	}
	parts := strings.Split(inner, ",")
	out := make(Vector, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, eris.Wrap(err, fmt.Sprintf("vector: parse component %q", p))
		}
		out = append(out, float32(f))
	}
	return out, nil
}
