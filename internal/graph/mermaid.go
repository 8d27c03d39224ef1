package graph

import (
	"fmt"
	"strings"

	"github.com/kastel/remedia/pkg/schema"
)

// RenderMermaid renders a Projection as a Mermaid flowchart string.
func RenderMermaid(p *Projection) string {
	var b strings.Builder

	b.WriteString("graph TD\n")

	for _, node := range p.Nodes {
		b.WriteString(fmt.Sprintf("    %s\n", mermaidNodeDef(node)))
	}

	for _, edge := range p.Edges {
		label := ""
		if edge.CanInsert {
			label = "|+|"
		}
		b.WriteString(fmt.Sprintf("    %s -->%s %s\n",
			mermaidSafeID(edge.From), label, mermaidSafeID(edge.To)))
	}

	b.WriteString("\n")
	b.WriteString("    classDef success fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef error fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef busy fill:#b7791a,stroke:#8a5c14,color:#fff\n")

	for _, node := range p.Nodes {
		if node.Status == nil {
			continue
		}
		cls := mermaidStatusClass(node.Status)
		if cls != "" {
			b.WriteString(fmt.Sprintf("    class %s %s\n", mermaidSafeID(node.ID), cls))
		}
	}

	return b.String()
}

func mermaidNodeDef(node Node) string {
	id := mermaidSafeID(node.ID)
	label := mermaidEscape(node.Label)
	switch node.Kind {
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((%s))", id, label)
	default:
		return fmt.Sprintf("%s[\"%s\"]", id, label)
	}
}

func mermaidStatusClass(s *StatusOverlay) string {
	if s.Busy != "" {
		return "busy"
	}
	switch schema.ExecStatus(s.Status) {
	case schema.ExecStatusSuccess:
		return "success"
	case schema.ExecStatusError:
		return "error"
	case schema.ExecStatusRunning:
		return "running"
	default:
		return ""
	}
}

// mermaidSafeID strips characters Mermaid treats as syntax from node IDs.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer("-", "_", " ", "_", ".", "_")
	return r.Replace(id)
}

func mermaidEscape(s string) string {
	return strings.ReplaceAll(s, `"`, "#quot;")
}
