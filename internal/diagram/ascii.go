package diagram

import (
	"fmt"
	"strings"
)

// RenderASCII renders the model as a plain text tree, one stage per
// block. Useful for terminals and MCP clients that cannot draw Mermaid.
func RenderASCII(m *Model) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n", truncateLabel(m.Query, 80))
	fmt.Fprintf(&b, "Strategy: %s\n", m.Strategy)

	for si, stage := range m.Stages {
		fmt.Fprintf(&b, "\nStage %d [%s]\n", si+1, stage.Mode)
		for ni, node := range stage.Nodes {
			connector := "├─"
			if ni == len(stage.Nodes)-1 {
				connector = "└─"
			}
			fmt.Fprintf(&b, "  %s %s (%s) [%s]\n",
				connector, node.label(), node.Capability, node.Status)
		}
	}

	if m.Synthesizer != "" {
		fmt.Fprintf(&b, "\nSynthesize: %s\n", m.Synthesizer)
	}
	return b.String()
}
