package recognition

import "github.com/MrCodeEU/faceguard/pkg/logging"

// Kind is the outcome class of classifying one face.
type Kind int

const (
	// Stranger is any face not matched to an enrolled identity.
	Stranger Kind = iota
	// Known is a face matched below the recognition threshold.
	Known
	// Processing marks a face whose embedding or classification failed this frame.
	Processing
)

func (k Kind) String() string {
	switch k {
	case Known:
		return "known"
	case Processing:
		return "processing"
	default:
		return "stranger"
	}
}

// Result is the classification of one detected face.
type Result struct {
	Kind     Kind
	Name     string
	Distance float64
}

// Label is the display text for the result.
func (r Result) Label() string {
	switch r.Kind {
	case Known:
		return r.Name
	case Processing:
		return "Processing..."
	default:
		return "Stranger"
	}
}

// Policy applies the recognition threshold to classifier output.
type Policy struct {
	// Threshold is the mean neighbour distance below which a match is accepted.
	Threshold float64
}

// Identify classifies probe against a classifier snapshot. A nil snapshot
// means no one is enrolled, so every face is a stranger. Classifier errors
// yield Processing.
func (p Policy) Identify(snapshot *Classifier, probe []float32) Result {
	if snapshot == nil {
		return Result{Kind: Stranger}
	}

	name, dist, err := snapshot.Classify(probe)
	if err != nil {
		logging.Component("recognition").WithError(err).Debugf("classification failed")
		return Result{Kind: Processing}
	}
	if dist < p.Threshold {
		return Result{Kind: Known, Name: name, Distance: dist}
	}
	return Result{Kind: Stranger, Distance: dist}
}
