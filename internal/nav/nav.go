// Package nav prunes the navigation tree to what one person may reach.
package nav

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"chorus.org/internal/perm"
)

//go:embed tree.yaml
var defaultTree []byte

// Capabilities is the part of a capability set navigation needs.
type Capabilities interface {
	Any(c perm.Capability) bool
}

// Node is one entry of the navigation tree.
type Node struct {
	Key   string `json:"key"`
	Title string `json:"title"`
	// InURL is false for nodes that only group their children; such nodes
	// are transparent when resolving paths.
	InURL bool `json:"-"`
	// Page nodes are destinations. Other nodes forward to their first child.
	Page     bool              `json:"page"`
	Requires []perm.Capability `json:"requires,omitempty"`
	Params   string            `json:"-"`
	URL      string            `json:"url,omitempty"`
	Children []*Node           `json:"children,omitempty"`
}

type yamlNode struct {
	Key      string            `yaml:"key"`
	Title    string            `yaml:"title"`
	InURL    *bool             `yaml:"in_url"`
	Page     *bool             `yaml:"page"`
	Requires []perm.Capability `yaml:"requires"`
	Params   string            `yaml:"params"`
	Children []yamlNode        `yaml:"children"`
}

// Tree is the full, unpruned navigation tree. It is immutable after Load.
type Tree struct {
	root *Node
}

// Load parses a YAML navigation document.
func Load(data []byte) (*Tree, error) {
	var doc yamlNode
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse navigation: %w", err)
	}
	root, err := build(doc, true)
	if err != nil {
		return nil, err
	}
	return &Tree{root: root}, nil
}

// Default returns the embedded navigation tree.
func Default() *Tree {
	t, err := Load(defaultTree)
	if err != nil {
		panic(err)
	}
	return t
}

func build(y yamlNode, root bool) (*Node, error) {
	n := &Node{
		Key:      y.Key,
		Title:    y.Title,
		InURL:    y.InURL == nil || *y.InURL,
		Page:     y.Page == nil || *y.Page,
		Requires: y.Requires,
		Params:   y.Params,
	}
	if root {
		n.InURL, n.Page = false, false
	} else if n.Key == "" || strings.Contains(n.Key, "/") {
		return nil, fmt.Errorf("navigation: invalid key %q", n.Key)
	}
	seen := make(map[string]struct{}, len(y.Children))
	for _, c := range y.Children {
		if _, dup := seen[c.Key]; dup {
			return nil, fmt.Errorf("navigation: duplicate key %q under %q", c.Key, n.Key)
		}
		seen[c.Key] = struct{}{}
		child, err := build(c, false)
		if err != nil {
			return nil, err
		}
		n.Children = append(n.Children, child)
	}
	return n, nil
}

// For returns the tree pruned to the nodes reachable with caps. The result
// is a fresh copy; nothing is shared between callers.
func (t *Tree) For(caps Capabilities) *Node {
	root, _ := prune(t.root, caps, "")
	if root == nil {
		return &Node{}
	}
	return root
}

// PathFor resolves a slash separated path against the tree pruned for caps.
// Unknown and unreachable paths are both reported as absent.
func (t *Tree) PathFor(caps Capabilities, path string) (*Node, bool) {
	segs := split(path)
	if len(segs) == 0 {
		return nil, false
	}
	return find(t.For(caps), segs)
}

func prune(n *Node, caps Capabilities, prefix string) (*Node, bool) {
	if !allowed(n, caps) {
		return nil, false
	}
	out := &Node{
		Key:      n.Key,
		Title:    n.Title,
		InURL:    n.InURL,
		Page:     n.Page,
		Requires: n.Requires,
		Params:   n.Params,
	}
	path := prefix
	if n.InURL {
		path = prefix + "/" + n.Key
	}
	for _, c := range n.Children {
		if kept, ok := prune(c, caps, path); ok {
			out.Children = append(out.Children, kept)
		}
	}
	switch {
	case n.Page:
		out.URL = path + n.Params
	case len(out.Children) > 0:
		out.URL = out.Children[0].URL
	default:
		return out, prefix == "" && n.Key == ""
	}
	return out, true
}

func allowed(n *Node, caps Capabilities) bool {
	if len(n.Requires) == 0 {
		return true
	}
	for _, c := range n.Requires {
		if c.Valid() && caps != nil && caps.Any(c) {
			return true
		}
	}
	return false
}

func find(n *Node, segs []string) (*Node, bool) {
	if len(segs) == 0 {
		return n, true
	}
	for _, c := range n.Children {
		if c.InURL && c.Key == segs[0] {
			return find(c, segs[1:])
		}
	}
	for _, c := range n.Children {
		if c.InURL {
			continue
		}
		if found, ok := find(c, segs); ok {
			return found, true
		}
	}
	return nil, false
}

func split(path string) []string {
	var out []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
