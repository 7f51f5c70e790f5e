package router

import (
	"sort"
	"strings"
)

// cmdNode is one level of the slash-command tree. Interior nodes group
// subcommands ("remind"); leaves carry the Command ("remind add").
type cmdNode struct {
	name     string
	cmd      *Command
	children map[string]*cmdNode
}

func newRoot() *cmdNode { return &cmdNode{children: map[string]*cmdNode{}} }

// splitRoute turns "remind add" into its path tokens.
func splitRoute(route string) []string {
	fields := strings.Fields(route)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// add inserts c at the given path, creating interior nodes on the way.
func (n *cmdNode) add(route []string, c Command) {
	at := n
	for _, tok := range route {
		next := at.children[tok]
		if next == nil {
			next = &cmdNode{name: tok, children: map[string]*cmdNode{}}
			at.children[tok] = next
		}
		at = next
	}
	at.cmd = &c
}

// find walks path down the tree, nil when the path leaves it.
func (n *cmdNode) find(path []string) *cmdNode {
	at := n
	for _, tok := range path {
		if at = at.children[tok]; at == nil {
			return nil
		}
	}
	return at
}

func (n *cmdNode) child(name string) (*cmdNode, bool) {
	c, ok := n.children[name]
	return c, ok
}

func (n *cmdNode) childNames() []string {
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
