package collection

import (
	"strings"

	"github.com/restdeck/restdeck/internal/errdef"
)

// Forest is the in-memory arena built from the flat node table. All
// lookups go through the id index; parent/child links are rebuilt on
// every load.
type Forest struct {
	index   map[string]*Node
	roots   []*Node
	orphans []string
}

// Build converts adjacency rows into a forest. Two passes: an O(n)
// index build, then an O(n) link pass. Before linking, parent chains
// are validated for cycles; a malformed chain that loops is a
// structural-integrity error, never silently repaired. A node whose
// declared parent is missing or is a request (a non-container) is
// demoted to the root of its owning collection and reported through
// Orphans.
func Build(rows []*Node) (*Forest, error) {
	f := &Forest{index: make(map[string]*Node, len(rows))}

	for _, row := range rows {
		if row == nil || strings.TrimSpace(row.ID) == "" {
			continue
		}
		if _, exists := f.index[row.ID]; exists {
			return nil, errdef.New(errdef.CodeIntegrity, "duplicate node id %s", row.ID)
		}
		node := row.clonePayload()
		node.ID = row.ID
		node.ParentID = row.ParentID
		node.CollectionID = row.CollectionID
		f.index[node.ID] = node
	}

	if err := f.checkAcyclic(); err != nil {
		return nil, err
	}

	for _, row := range rows {
		if row == nil {
			continue
		}
		node, ok := f.index[row.ID]
		if !ok {
			continue
		}
		if node.Kind == KindCollection {
			f.roots = append(f.roots, node)
			continue
		}
		parent, ok := f.index[node.ParentID]
		if ok && parent.Kind.IsContainer() {
			parent.Children = append(parent.Children, node)
			continue
		}
		owner, ok := f.index[node.CollectionID]
		if !ok || owner.Kind != KindCollection {
			return nil, errdef.New(
				errdef.CodeIntegrity,
				"node %s has no resolvable collection %q", node.ID, node.CollectionID,
			)
		}
		node.ParentID = owner.ID
		owner.Children = append(owner.Children, node)
		f.orphans = append(f.orphans, node.ID)
	}

	return f, nil
}

const (
	colorWhite = iota
	colorGray
	colorBlack
)

func (f *Forest) checkAcyclic() error {
	state := make(map[string]int, len(f.index))
	for id := range f.index {
		cur := id
		var path []string
		for {
			switch state[cur] {
			case colorBlack:
			case colorGray:
				return errdef.New(errdef.CodeIntegrity, "parent chain cycles at node %s", cur)
			default:
				state[cur] = colorGray
				path = append(path, cur)
				node := f.index[cur]
				if node.Kind != KindCollection {
					if parent, ok := f.index[node.ParentID]; ok {
						cur = parent.ID
						continue
					}
				}
			}
			break
		}
		for _, visited := range path {
			state[visited] = colorBlack
		}
	}
	return nil
}

// Node returns the arena entry for id.
func (f *Forest) Node(id string) (*Node, bool) {
	node, ok := f.index[id]
	return node, ok
}

// Collections returns the root nodes in load order.
func (f *Forest) Collections() []*Node {
	return append([]*Node(nil), f.roots...)
}

// Orphans lists ids that were demoted to their collection root because
// their declared parent was missing or not a container.
func (f *Forest) Orphans() []string {
	return append([]string(nil), f.orphans...)
}

func (f *Forest) Len() int {
	return len(f.index)
}

// Flatten walks roots depth-first and emits adjacency rows, children
// stripped. The output of Flatten fed back into Build yields an
// isomorphic forest.
func (f *Forest) Flatten() []*Node {
	rows := make([]*Node, 0, len(f.index))
	var walk func(n *Node)
	walk = func(n *Node) {
		row := n.clonePayload()
		row.ID = n.ID
		row.ParentID = n.ParentID
		row.CollectionID = n.CollectionID
		rows = append(rows, row)
		for _, child := range n.Children {
			walk(child)
		}
	}
	for _, root := range f.roots {
		walk(root)
	}
	return rows
}
