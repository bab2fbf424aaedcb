package stt

// Event is one recognition event emitted by a [Stream].
type Event struct {
	// Partial is true for interim hypotheses that may still be revised.
	Partial bool

	// Alternatives holds the candidate transcripts for this unit, best first.
	// It may be empty.
	Alternatives []Alternative
}

// Alternative is one candidate transcript of a recognition unit.
type Alternative struct {
	Text string

	// Confidence is in [0, 1]; zero if the provider did not report one.
	Confidence float64
}

// IsFinal reports whether ev is a finalized result.
func (ev Event) IsFinal() bool { return !ev.Partial }
