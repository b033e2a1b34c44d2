// Package recognition turns face embeddings into identity labels.
// It holds the k-nearest-neighbour classifier built over the enrolled gallery
// and the distance threshold that separates staff from strangers.
package recognition

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrDimensionMismatch is returned when a probe does not match the gallery dimension.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// ErrEmptyGallery is returned when a classifier is fit without any vectors.
var ErrEmptyGallery = errors.New("gallery has no vectors")

// LabelEncoder maps identity names to dense integer codes. Codes follow the
// sorted order of names, so the same gallery always encodes the same way.
type LabelEncoder struct {
	names []string
	codes map[string]int
}

// NewLabelEncoder builds an encoder over the distinct names given.
func NewLabelEncoder(names []string) *LabelEncoder {
	seen := make(map[string]bool, len(names))
	distinct := make([]string, 0, len(names))
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			distinct = append(distinct, n)
		}
	}
	sort.Strings(distinct)

	codes := make(map[string]int, len(distinct))
	for i, n := range distinct {
		codes[n] = i
	}
	return &LabelEncoder{names: distinct, codes: codes}
}

// Encode returns the code of name.
func (e *LabelEncoder) Encode(name string) (int, bool) {
	c, ok := e.codes[name]
	return c, ok
}

// Decode returns the name of code.
func (e *LabelEncoder) Decode(code int) (string, bool) {
	if code < 0 || code >= len(e.names) {
		return "", false
	}
	return e.names[code], true
}

// Len returns the number of distinct labels.
func (e *LabelEncoder) Len() int { return len(e.names) }

// Classifier is an immutable Euclidean k-NN index. It is never modified after
// Fit; gallery changes produce a new Classifier.
type Classifier struct {
	vectors [][]float32
	labels  []int
	encoder *LabelEncoder
	k       int
	dim     int
}

// Fit builds a classifier from a name -> vectors mapping. The effective k is
// min(k, number of distinct identities). An empty mapping returns ErrEmptyGallery.
func Fit(gallery map[string][][]float32, k int) (*Classifier, error) {
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}

	names := make([]string, 0, len(gallery))
	for name, vecs := range gallery {
		if len(vecs) > 0 {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil, ErrEmptyGallery
	}
	encoder := NewLabelEncoder(names)

	c := &Classifier{encoder: encoder, k: min(k, encoder.Len()), dim: -1}
	// Iterate in code order so vector order, and with it tie-breaking, is stable.
	for code := 0; code < encoder.Len(); code++ {
		name, _ := encoder.Decode(code)
		for _, v := range gallery[name] {
			if c.dim == -1 {
				c.dim = len(v)
			}
			if len(v) != c.dim {
				return nil, fmt.Errorf("%w: %s has a %d-d vector, expected %d", ErrDimensionMismatch, name, len(v), c.dim)
			}
			vec := make([]float32, len(v))
			copy(vec, v)
			c.vectors = append(c.vectors, vec)
			c.labels = append(c.labels, code)
		}
	}
	return c, nil
}

// K returns the effective neighbour count.
func (c *Classifier) K() int { return c.k }

// Dimension returns the vector length the classifier was fit on.
func (c *Classifier) Dimension() int { return c.dim }

// Identities returns the number of distinct labels.
func (c *Classifier) Identities() int { return c.encoder.Len() }

// Size returns the number of reference vectors.
func (c *Classifier) Size() int { return len(c.vectors) }

type neighbour struct {
	index    int
	distance float64
}

// Classify returns the majority label among the k nearest reference vectors
// and the mean distance to those k neighbours. Ties in the vote go to the
// lowest label code; ties in distance go to the earlier reference vector.
func (c *Classifier) Classify(probe []float32) (string, float64, error) {
	if len(probe) != c.dim {
		return "", 0, fmt.Errorf("%w: got %d, expected %d", ErrDimensionMismatch, len(probe), c.dim)
	}

	ns := make([]neighbour, len(c.vectors))
	for i, v := range c.vectors {
		ns[i] = neighbour{index: i, distance: EuclideanDistance(probe, v)}
	}
	sort.SliceStable(ns, func(i, j int) bool { return ns[i].distance < ns[j].distance })

	votes := make([]int, c.encoder.Len())
	var sum float64
	for _, n := range ns[:c.k] {
		votes[c.labels[n.index]]++
		sum += n.distance
	}

	best := 0
	for code, v := range votes {
		if v > votes[best] {
			best = code
		}
	}
	name, _ := c.encoder.Decode(best)
	return name, sum / float64(c.k), nil
}

// EuclideanDistance calculates the Euclidean distance between two vectors.
func EuclideanDistance(a, b []float32) float64 {
	if len(a) != len(b) {
		return math.MaxFloat64
	}

	var sum float64
	for i := range a {
		diff := float64(a[i] - b[i])
		sum += diff * diff
	}
	return math.Sqrt(sum)
}
