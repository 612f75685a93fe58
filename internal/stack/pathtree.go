package stack

import (
	"path/filepath"
	"strings"
)

// pathTree is a prefix tree over cleaned directory paths. Lookups cost one
// step per path segment.
type pathTree struct {
	children map[string]*pathTree
	terminal bool
}

func newPathTree() *pathTree {
	return &pathTree{children: make(map[string]*pathTree)}
}

func splitPath(p string) []string {
	p = filepath.ToSlash(filepath.Clean(p))
	var parts []string
	for _, seg := range strings.Split(p, "/") {
		if seg != "" {
			parts = append(parts, seg)
		}
	}
	return parts
}

// Insert marks p as known.
func (t *pathTree) Insert(p string) {
	node := t
	for _, seg := range splitPath(p) {
		next, ok := node.children[seg]
		if !ok {
			next = newPathTree()
			node.children[seg] = next
		}
		node = next
	}
	node.terminal = true
}

// Contains reports whether p itself was inserted.
func (t *pathTree) Contains(p string) bool {
	node := t
	for _, seg := range splitPath(p) {
		next, ok := node.children[seg]
		if !ok {
			return false
		}
		node = next
	}
	return node.terminal
}

// HasPrefixOf reports whether p or one of its ancestors was inserted.
func (t *pathTree) HasPrefixOf(p string) bool {
	node := t
	if node.terminal {
		return true
	}
	for _, seg := range splitPath(p) {
		next, ok := node.children[seg]
		if !ok {
			return false
		}
		node = next
		if node.terminal {
			return true
		}
	}
	return false
}
