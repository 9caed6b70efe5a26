package types

// Event represents a typed event emitted by the reward engines. Events are
// an audit feed only; no engine decision reads them back.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
