package turn

// Diff returns the part of incoming that follows its common prefix with
// submitted. incoming is expected to be submitted plus new trailing text;
// an edit inside the already submitted text yields everything after the
// first differing byte.
func Diff(submitted, incoming string) string {
	i := 0
	for i < len(submitted) && i < len(incoming) && submitted[i] == incoming[i] {
		i++
	}
	return incoming[i:]
}
