package stack

import "testing"

func TestPathTree(t *testing.T) {
	tree := newPathTree()
	tree.Insert("/opt/stacks/web")
	tree.Insert("/srv/compose/db/")

	if !tree.Contains("/opt/stacks/web") {
		t.Error("expected exact path to be known")
	}
	if !tree.Contains("/srv/compose/db") {
		t.Error("trailing slash must not matter")
	}
	if tree.Contains("/opt/stacks") {
		t.Error("parent of a known path must not be known")
	}
	if !tree.HasPrefixOf("/opt/stacks/web/data") {
		t.Error("child of a known path must have a known prefix")
	}
	if tree.HasPrefixOf("/opt/stacks/webapp") {
		t.Error("prefix matching is per segment")
	}
}
