// Package workflow models the node graph a backend executes and
// implements the Workflow Rewriter: it retargets the graph's input
// node(s) at the caller's uploaded file without ever mutating the
// caller's original graph.
package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Node graph class types the Rewriter knows how to target.
const (
	ClassLoadImage     = "LoadImage"
	ClassLoadVideo     = "LoadVideo"
	ClassVHSLoadVideo  = "VHS_LoadVideo"
	ClassLoadVideoPath = "LoadVideoPath"

	// PreferredImageNodeID is the node id the image rewrite rule tries
	// first.
	PreferredImageNodeID = "10"

	// DefaultVideoTargetNodeID is the node id the video rewrite rule
	// targets when the caller doesn't specify one.
	DefaultVideoTargetNodeID = "2"
)

// Node is one entry of a node graph: a class type plus its inputs. The
// graph treats inputs as opaque except for the rewrite rule, so values
// are kept as the raw decoded JSON shapes (string, float64, bool, nil,
// []interface{}, map[string]interface{}).
type Node struct {
	ClassType string                 `json:"class_type"`
	Inputs    map[string]interface{} `json:"inputs"`
}

// Graph is a node graph: node id -> Node. Preserves the insertion order
// it was decoded in via Order, since the Rewriter's fallback rule
// ("first LoadImage node encountered in iteration order") needs a
// stable, reproducible order rather than Go's randomized map iteration.
type Graph struct {
	Nodes map[string]*Node
	Order []string
}

// UnmarshalJSON decodes a node graph, recording key order as it
// appears in the source document.
func (g *Graph) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	// json.Unmarshal into map[string]json.RawMessage does not preserve
	// source order; re-scan the raw bytes for key order the way the
	// encoding/json/jsontext-free stdlib requires: a lightweight
	// tokenizer pass is overkill for normal graphs, so we instead fall
	// back to decoding into an ordered sequence of keys via a second
	// pass with json.Decoder, which DOES preserve token order.
	order, err := decodeKeyOrder(data)
	if err != nil {
		return err
	}

	nodes := make(map[string]*Node, len(raw))
	for id, msg := range raw {
		var n Node
		if err := json.Unmarshal(msg, &n); err != nil {
			return fmt.Errorf("node %s: %w", id, err)
		}
		nodes[id] = &n
	}

	g.Nodes = nodes
	g.Order = order
	return nil
}

// decodeKeyOrder walks a JSON object's top-level keys in document
// order using a streaming decoder.
func decodeKeyOrder(data []byte) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("expected JSON object, got %v", tok)
	}

	var order []string
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("expected string key, got %v", keyTok)
		}
		order = append(order, key)

		var discard json.RawMessage
		if err := dec.Decode(&discard); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// MarshalJSON encodes the graph back to a plain node-id -> node object,
// matching the wire shape a backend's /prompt endpoint expects.
func (g Graph) MarshalJSON() ([]byte, error) {
	plain := make(map[string]*Node, len(g.Nodes))
	for id, n := range g.Nodes {
		plain[id] = n
	}
	return json.Marshal(plain)
}

// DeepCopy returns a graph with entirely new Node and Inputs storage;
// the receiver is never mutated by Rewrite calls.
func (g Graph) DeepCopy() Graph {
	out := Graph{
		Nodes: make(map[string]*Node, len(g.Nodes)),
		Order: append([]string(nil), g.Order...),
	}
	for id, n := range g.Nodes {
		out.Nodes[id] = &Node{
			ClassType: n.ClassType,
			Inputs:    deepCopyInputs(n.Inputs),
		}
	}
	return out
}

func deepCopyInputs(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case []interface{}:
		cp := make([]interface{}, len(t))
		for i, e := range t {
			cp[i] = deepCopyValue(e)
		}
		return cp
	case map[string]interface{}:
		cp := make(map[string]interface{}, len(t))
		for k, e := range t {
			cp[k] = deepCopyValue(e)
		}
		return cp
	default:
		// strings, float64, bool, nil are immutable value types.
		return t
	}
}
