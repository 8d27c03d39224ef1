package graph

import (
	"fmt"

	"github.com/kastel/remedia/pkg/schema"
)

// Build constructs a Projection from a snapshot of sequence steps.
// A sequence of N steps maps to N+2 nodes and N+1 edges.
func Build(sequenceID string, rev int64, steps []schema.Step) *Projection {
	nodes := make([]Node, 0, len(steps)+2)
	edges := make([]Edge, 0, len(steps)+1)

	nodes = append(nodes, Node{ID: StartNodeID, Label: "Start", Kind: NodeKindStart})
	for i, st := range steps {
		nodes = append(nodes, Node{
			ID:       st.ID,
			Label:    stepLabel(st, i),
			Kind:     NodeKindStep,
			Position: i,
			Status:   overlay(st),
		})
	}
	nodes = append(nodes, Node{ID: EndNodeID, Label: "End", Kind: NodeKindEnd})

	prev := StartNodeID
	prevStepID := ""
	for _, st := range steps {
		edges = append(edges, Edge{
			From:          prev,
			To:            st.ID,
			CanInsert:     true,
			InsertAfterID: prevStepID,
		})
		prev = st.ID
		prevStepID = st.ID
	}
	// The edge into end carries no insert affordance: appending at the
	// tail is the explicit add-step action, not an edge insertion.
	edges = append(edges, Edge{From: prev, To: EndNodeID})

	return &Projection{
		SequenceID: sequenceID,
		Revision:   rev,
		Nodes:      nodes,
		Edges:      edges,
	}
}

func stepLabel(st schema.Step, idx int) string {
	if st.Description != "" {
		return st.Description
	}
	return fmt.Sprintf("Step %d", idx+1)
}

func overlay(st schema.Step) *StatusOverlay {
	o := &StatusOverlay{Status: string(st.Status)}
	if st.Busy != schema.BusyNone {
		o.Busy = string(st.Busy)
	}
	if st.Output != "" {
		o.Output = st.Output
	}
	return o
}
