// Package viz draws the change history of a document as a graph: one node per change, one edge per dependency.
package viz

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/automerge-sessions/pkg/replica"
)

// RenderDocToSvg writes an SVG of the change graph of doc to out. Each node is labelled with the change hash prefix,
// actor@seq and the length of the text as of that change.
func RenderDocToSvg(doc *replica.Document, out io.Writer) error {
	snapshot, err := doc.Fork()
	if err != nil {
		return fmt.Errorf("failed to fork: %w", err)
	}

	g := graphviz.New()
	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer func() {
		_ = graph.Close()
		_ = g.Close()
	}()

	changes, err := snapshot.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}

	nodeMap := make(map[string]*cgraph.Node)
	edgeCounter := 0
	for _, change := range changes {
		docAt, err := snapshot.Fork(change.Hash())
		if err != nil {
			return fmt.Errorf("failed to checkout %s: %w", change.Hash(), err)
		}
		length := docAt.Path(replica.ContentKey).Text().Len()

		n, err := graph.CreateNode(change.Hash().String())
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(fmt.Sprintf("%s %.8s@%d len=%d", change.Hash().String()[:8], change.ActorID(), change.ActorSeq(), length))
		nodeMap[n.Name()] = n

		for _, hash := range change.Dependencies() {
			dep, ok := nodeMap[hash.String()]
			if !ok {
				continue
			}
			edgeCounter++
			if _, err := graph.CreateEdge(strconv.Itoa(edgeCounter), dep, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	var buff bytes.Buffer
	if err := g.Render(graph, graphviz.SVG, &buff); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	if _, err := out.Write(buff.Bytes()); err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	return nil
}

func RenderToFile(doc *replica.Document, outputPath string) error {
	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", outputPath, err)
	}
	if err := RenderDocToSvg(doc, f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func RenderToTemp(doc *replica.Document) (string, error) {
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("%d%d.svg", time.Now().UnixNano(), rand.Int()))
	if err := RenderToFile(doc, tf); err != nil {
		return "", err
	}
	return tf, nil
}
