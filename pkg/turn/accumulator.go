package turn

// Accumulator holds the undispatched suffix of the latest fragment and the
// cumulative text already submitted. It is not safe for concurrent use; the
// controller serializes access.
type Accumulator struct {
	pending   string
	submitted string
}

// Update replaces the pending turn with the part of incoming not yet submitted.
func (a *Accumulator) Update(incoming string) string {
	a.pending = Diff(a.submitted, incoming)
	return a.pending
}

func (a *Accumulator) Pending() string   { return a.pending }
func (a *Accumulator) Submitted() string { return a.submitted }

// Commit clears the pending turn and folds it into the submitted marker.
func (a *Accumulator) Commit() string {
	text := a.pending
	a.submitted += text
	a.pending = ""
	return text
}

func (a *Accumulator) Reset() {
	a.pending = ""
	a.submitted = ""
}
