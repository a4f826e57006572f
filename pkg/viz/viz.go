// Package viz renders a flow's node graph to SVG for the debug endpoint:
// every node becomes a labelled box, parent links become edges.
package viz

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/flowsync/pkg/document"
)

// RenderFlowSVG writes an SVG drawing of the node graph to out. Parent links
// that point at missing nodes are skipped rather than failing the render.
func RenderFlowSVG(nodes map[string]document.FlowNode, out io.Writer) error {
	g := graphviz.New()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}

	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	nodeMap := make(map[string]*cgraph.Node, len(nodes))
	for _, id := range ids {
		fn := nodes[id]
		n, err := graph.CreateNode(id)
		if err != nil {
			return fmt.Errorf("failed to create node %q: %w", id, err)
		}
		n.SetShape(cgraph.BoxShape)
		n.SetLabel(fmt.Sprintf("%s\n%s (%.0f,%.0f)", fn.Title, id, fn.Position.X, fn.Position.Y))
		nodeMap[id] = n
	}

	edgeCounter := 0
	for _, id := range ids {
		fn := nodes[id]
		if fn.ParentID == "" {
			continue
		}
		parent, ok := nodeMap[fn.ParentID]
		if !ok {
			continue
		}
		edgeCounter++
		if _, err := graph.CreateEdge(strconv.Itoa(edgeCounter), parent, nodeMap[id]); err != nil {
			return fmt.Errorf("failed to create edge %s -> %s: %w", fn.ParentID, id, err)
		}
	}

	if err := g.Render(graph, graphviz.SVG, out); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	return nil
}
