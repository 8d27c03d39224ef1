package graph

// NodeKind classifies a projection node.
type NodeKind string

const (
	NodeKindStart NodeKind = "start"
	NodeKindStep  NodeKind = "step"
	NodeKindEnd   NodeKind = "end"
)

// Virtual node identities. Step nodes are keyed by their stable step
// identity; these two never collide with uuid tokens.
const (
	StartNodeID = "__start__"
	EndNodeID   = "__end__"
)

// Projection is the derived graph view of a step sequence: start, one node
// per step, end. Regenerated whenever the sequence changes; never mutated
// in place.
type Projection struct {
	SequenceID string `json:"sequence_id"`
	Revision   int64  `json:"revision"`
	Nodes      []Node `json:"nodes"`
	Edges      []Edge `json:"edges"`
}

// Node is a single projection node.
type Node struct {
	ID       string         `json:"id"`
	Label    string         `json:"label"`
	Kind     NodeKind       `json:"kind"`
	Position int            `json:"position,omitempty"` // display index, step nodes only
	Status   *StatusOverlay `json:"status,omitempty"`
}

// StatusOverlay carries runtime state for a step node.
type StatusOverlay struct {
	Status string `json:"status"`
	Busy   string `json:"busy,omitempty"`
	Output string `json:"output,omitempty"`
}

// Edge connects two projection nodes. CanInsert marks the insert-a-step
// affordance: true on every edge except the one terminating at end, where
// appending is a distinct explicit action. InsertAfterID names the source
// step identity for the insertion, empty on the edge leaving start (insert
// at head).
type Edge struct {
	From          string `json:"from"`
	To            string `json:"to"`
	CanInsert     bool   `json:"can_insert"`
	InsertAfterID string `json:"insert_after_id,omitempty"`
}
