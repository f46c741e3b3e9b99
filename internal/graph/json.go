package graph

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/fentz26/ninjateam/internal/models"
)

// LoadJSON reads a JSON graph file. Comments and trailing commas are
// tolerated.
func LoadJSON(path string) (*Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open graph: %w", err)
	}
	defer f.Close()
	return ParseJSON(f)
}

// ParseJSON decodes a graph of the form {"units": [...]}.
func ParseJSON(r io.Reader) (*Graph, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read graph: %w", err)
	}
	var spec models.GraphSpec
	if err := json.Unmarshal(jsonc.ToJSON(data), &spec); err != nil {
		return nil, fmt.Errorf("decode graph: %w", err)
	}
	for i := range spec.Units {
		if spec.Units[i].Subgraph != nil {
			if _, err := FromSpec(spec.Units[i].Subgraph); err != nil {
				return nil, fmt.Errorf("subgraph of %s: %w", spec.Units[i].ID, err)
			}
		}
	}
	return FromSpec(&spec)
}

// Load picks the loader by file name: .json files are JSON graphs,
// anything else is a ninja manifest.
func Load(path string, targets []string) (*Graph, error) {
	if strings.HasSuffix(strings.ToLower(path), ".json") {
		g, err := LoadJSON(path)
		if err != nil {
			return nil, err
		}
		return g.Subset(targets)
	}
	return LoadNinja(path, targets)
}
