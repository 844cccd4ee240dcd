package types

// Event is the flat wire form of a committed event: a type plus string
// attributes, as logged by adjudicatord and counted in metrics.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
