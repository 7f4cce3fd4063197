package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/ensemble/pkg/schema"
)

// RenderMermaid renders the model as a Mermaid flowchart. Stages become
// subgraphs; sequential stages chain their nodes, parallel stages fan
// out from the previous layer.
func RenderMermaid(m *Model) string {
	var b strings.Builder
	b.WriteString("flowchart TD\n")
	fmt.Fprintf(&b, "    query[\"%s\"]\n", escapeMermaid(truncateLabel(m.Query, 60)))

	for si, stage := range m.Stages {
		fmt.Fprintf(&b, "    subgraph stage%d[\"Stage %d (%s)\"]\n", si, si+1, stage.Mode)
		if stage.Mode == schema.StageSequential {
			for ni, node := range stage.Nodes {
				writeMermaidNode(&b, si, ni, node)
				if ni > 0 {
					fmt.Fprintf(&b, "        n%d_%d --> n%d_%d\n", si, ni-1, si, ni)
				}
			}
		} else {
			for ni, node := range stage.Nodes {
				writeMermaidNode(&b, si, ni, node)
			}
		}
		b.WriteString("    end\n")
	}

	// Connect query to the first stage and each stage to the next.
	if len(m.Stages) > 0 {
		for ni := range entryNodes(m.Stages[0]) {
			fmt.Fprintf(&b, "    query --> n0_%d\n", ni)
		}
		for si := 1; si < len(m.Stages); si++ {
			for _, from := range exitNodes(m.Stages[si-1]) {
				for ni := range entryNodes(m.Stages[si]) {
					fmt.Fprintf(&b, "    n%d_%d --> n%d_%d\n", si-1, from, si, ni)
				}
			}
		}
	}

	if m.Synthesizer != "" {
		fmt.Fprintf(&b, "    synth[\"synthesize (%s)\"]\n", escapeMermaid(m.Synthesizer))
		if len(m.Stages) > 0 {
			last := len(m.Stages) - 1
			for _, from := range exitNodes(m.Stages[last]) {
				fmt.Fprintf(&b, "    n%d_%d --> synth\n", last, from)
			}
		}
	}

	b.WriteString("    classDef completed fill:#c8e6c9,stroke:#2e7d32\n")
	b.WriteString("    classDef failed fill:#ffcdd2,stroke:#c62828\n")
	b.WriteString("    classDef running fill:#fff9c4,stroke:#f9a825\n")
	return b.String()
}

func writeMermaidNode(b *strings.Builder, si, ni int, node NodeView) {
	fmt.Fprintf(b, "        n%d_%d[\"%s<br/>%s\"]", si, ni,
		escapeMermaid(node.label()), escapeMermaid(node.Capability))
	switch node.Status {
	case schema.NodeStatusCompleted, schema.NodeStatusFailed, schema.NodeStatusRunning:
		fmt.Fprintf(b, ":::%s", node.Status)
	}
	b.WriteString("\n")
}

// entryNodes returns the indexes that receive the stage's input: all of
// them for parallel stages, only the first for sequential ones.
func entryNodes(stage StageView) []int {
	if stage.Mode == schema.StageSequential && len(stage.Nodes) > 0 {
		return []int{0}
	}
	idx := make([]int, len(stage.Nodes))
	for i := range stage.Nodes {
		idx[i] = i
	}
	return idx
}

// exitNodes returns the indexes whose output leaves the stage.
func exitNodes(stage StageView) []int {
	if stage.Mode == schema.StageSequential && len(stage.Nodes) > 0 {
		return []int{len(stage.Nodes) - 1}
	}
	idx := make([]int, len(stage.Nodes))
	for i := range stage.Nodes {
		idx[i] = i
	}
	return idx
}

func escapeMermaid(s string) string {
	s = strings.ReplaceAll(s, `"`, "#quot;")
	s = strings.ReplaceAll(s, "\n", " ")
	return s
}

func truncateLabel(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
