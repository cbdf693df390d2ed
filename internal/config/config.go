// Package config loads and rewrites the fleet and node configuration files
// and assembles the per-invocation RunContext.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/eniac111/ctxtagent/internal/types"
)

// ErrNodeNotFound is returned when a node id is not part of the fleet.
var ErrNodeNotFound = errors.New("node not found in fleet config")

func decode(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, v); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(data), v); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}

// LoadFleet reads the shared fleet configuration.
func LoadFleet(path string) (*types.FleetConfig, error) {
	var fleet types.FleetConfig
	if err := decode(path, &fleet); err != nil {
		return nil, err
	}
	if err := fleet.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &fleet, nil
}

// LoadNode reads the private task plan of one node.
func LoadNode(path string) (*types.NodeTaskConfig, error) {
	var node types.NodeTaskConfig
	if err := decode(path, &node); err != nil {
		return nil, err
	}
	if node.ID == "" {
		return nil, fmt.Errorf("%s: missing node id", path)
	}
	return &node, nil
}

func encode(path string, v any) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Marshal(v)
	default:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	}
}

// Write encodes v (YAML for .yaml/.yml paths, indented JSON otherwise) and
// replaces path atomically so peers never observe a half written file.
func Write(path string, v any, perm os.FileMode) error {
	data, err := encode(path, v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return writeAtomic(path, data, perm)
}

func writeAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Keys of the fleet document the store patches in place.
const (
	nodesKey     = "vms"
	idKey        = "id"
	reachableKey = "ctxt_ip"
)

// FleetStore rewrites the persisted fleet configuration. Each update is a
// whole-file read, modify and write; callers serialize writers.
type FleetStore struct {
	Path string
}

// SetReachableIP records the reachable address of node id. Only the
// node's ctxt_ip key changes: keys the agent does not model are written
// back as read, and so are YAML comments.
func (s FleetStore) SetReachableIP(id, ip string) error {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", s.Path, err)
	}
	var out []byte
	switch strings.ToLower(filepath.Ext(s.Path)) {
	case ".yaml", ".yml":
		out, err = patchYAML(data, id, ip)
	default:
		out, err = patchJSON(data, id, ip)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", s.Path, err)
	}
	if out == nil {
		return nil
	}
	return writeAtomic(s.Path, out, 0o644)
}

// patchJSON returns the document with the address set, or nil when it
// already holds it.
func patchJSON(data []byte, id, ip string) ([]byte, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(jsonc.ToJSON(data), &doc); err != nil {
		return nil, err
	}
	var nodes []map[string]json.RawMessage
	if raw, ok := doc[nodesKey]; ok {
		if err := json.Unmarshal(raw, &nodes); err != nil {
			return nil, err
		}
	}
	value, err := json.Marshal(ip)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		var nodeID string
		if err := json.Unmarshal(n[idKey], &nodeID); err != nil || nodeID != id {
			continue
		}
		if bytes.Equal(n[reachableKey], value) {
			return nil, nil
		}
		n[reachableKey] = value
		if doc[nodesKey], err = json.Marshal(nodes); err != nil {
			return nil, err
		}
		out, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(out, '\n'), nil
	}
	return nil, fmt.Errorf("%s: %w", id, ErrNodeNotFound)
}

// patchYAML edits the node tree so comments and key order survive.
func patchYAML(data []byte, id, ip string) ([]byte, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	var nodes *yaml.Node
	if doc.Kind == yaml.DocumentNode && len(doc.Content) > 0 {
		nodes = mappingValue(doc.Content[0], nodesKey)
	}
	if nodes != nil && nodes.Kind == yaml.SequenceNode {
		for _, n := range nodes.Content {
			if v := mappingValue(n, idKey); v == nil || v.Value != id {
				continue
			}
			v := mappingValue(n, reachableKey)
			switch {
			case v == nil:
				n.Content = append(n.Content,
					&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: reachableKey},
					&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: ip})
			case v.Value == ip:
				return nil, nil
			default:
				*v = yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: ip, LineComment: v.LineComment}
			}
			return yaml.Marshal(&doc)
		}
	}
	return nil, fmt.Errorf("%s: %w", id, ErrNodeNotFound)
}

func mappingValue(m *yaml.Node, key string) *yaml.Node {
	if m.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}
