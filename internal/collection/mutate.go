package collection

import (
	"strings"

	"github.com/restdeck/restdeck/internal/errdef"
)

func notFound(id string) error {
	return errdef.New(errdef.CodeNotFound, "node %s not found", id)
}

// AddCollection creates a new root collection.
func (f *Forest) AddCollection(name string) *Node {
	node := &Node{ID: NewID(), Kind: KindCollection, Name: name}
	f.index[node.ID] = node
	f.roots = append(f.roots, node)
	return node
}

// AddChild inserts node under parentID. The parent must be a container;
// the child inherits the parent's owning collection.
func (f *Forest) AddChild(parentID string, node *Node) (*Node, error) {
	parent, ok := f.index[parentID]
	if !ok {
		return nil, notFound(parentID)
	}
	if !parent.Kind.IsContainer() {
		return nil, errdef.New(errdef.CodeIntegrity, "node %s cannot hold children", parentID)
	}
	if strings.TrimSpace(node.ID) == "" {
		node.ID = NewID()
	}
	if _, exists := f.index[node.ID]; exists {
		return nil, errdef.New(errdef.CodeIntegrity, "node id %s already in use", node.ID)
	}
	node.ParentID = parent.ID
	if parent.Kind == KindCollection {
		node.CollectionID = parent.ID
	} else {
		node.CollectionID = parent.CollectionID
	}
	f.index[node.ID] = node
	parent.Children = append(parent.Children, node)
	return node, nil
}

func (f *Forest) Rename(id, name string) error {
	node, ok := f.index[id]
	if !ok {
		return notFound(id)
	}
	node.Name = name
	return nil
}

// Delete removes the node and every descendant. The removed ids are
// returned so the caller can mirror the cascade in durable storage.
func (f *Forest) Delete(id string) ([]string, error) {
	node, ok := f.index[id]
	if !ok {
		return nil, notFound(id)
	}

	var removed []string
	var collect func(n *Node)
	collect = func(n *Node) {
		removed = append(removed, n.ID)
		for _, child := range n.Children {
			collect(child)
		}
	}
	collect(node)

	for _, rid := range removed {
		delete(f.index, rid)
	}

	if node.Kind == KindCollection {
		f.roots = removeNode(f.roots, node.ID)
	} else if parent, ok := f.index[node.ParentID]; ok {
		parent.Children = removeNode(parent.Children, node.ID)
	}
	return removed, nil
}

// Move reparents a node. Collections stay roots; a node can never be
// moved underneath its own subtree.
func (f *Forest) Move(id, newParentID string) error {
	node, ok := f.index[id]
	if !ok {
		return notFound(id)
	}
	if node.Kind == KindCollection {
		return errdef.New(errdef.CodeIntegrity, "collection %s cannot be reparented", id)
	}
	target, ok := f.index[newParentID]
	if !ok {
		return notFound(newParentID)
	}
	if !target.Kind.IsContainer() {
		return errdef.New(errdef.CodeIntegrity, "node %s cannot hold children", newParentID)
	}
	for cur := target; cur != nil; cur, _ = f.index[cur.ParentID] {
		if cur.ID == node.ID {
			return errdef.New(errdef.CodeIntegrity, "cannot move %s under its own subtree", id)
		}
		if cur.Kind == KindCollection {
			break
		}
	}

	if parent, ok := f.index[node.ParentID]; ok {
		parent.Children = removeNode(parent.Children, node.ID)
	}
	node.ParentID = target.ID
	target.Children = append(target.Children, node)

	owner := target.CollectionID
	if target.Kind == KindCollection {
		owner = target.ID
	}
	f.rehome(node, owner)
	return nil
}

func (f *Forest) rehome(node *Node, collectionID string) {
	node.CollectionID = collectionID
	for _, child := range node.Children {
		f.rehome(child, collectionID)
	}
}

// Duplicate deep-clones the subtree rooted at id. Every copied node
// gets a fresh id so the clone is disjoint from the whole store, and
// the copy shares no mutable payload with the original.
func (f *Forest) Duplicate(id string) (*Node, error) {
	node, ok := f.index[id]
	if !ok {
		return nil, notFound(id)
	}

	var clone func(src *Node, parentID, collectionID string) *Node
	clone = func(src *Node, parentID, collectionID string) *Node {
		copied := src.clonePayload()
		copied.ID = NewID()
		copied.ParentID = parentID
		if src.Kind == KindCollection {
			collectionID = copied.ID
			copied.CollectionID = ""
		} else {
			copied.CollectionID = collectionID
		}
		for _, child := range src.Children {
			copied.Children = append(copied.Children, clone(child, copied.ID, collectionID))
		}
		return copied
	}

	duplicated := clone(node, node.ParentID, node.CollectionID)
	duplicated.Name = node.Name + " (copy)"

	var register func(n *Node)
	register = func(n *Node) {
		f.index[n.ID] = n
		for _, child := range n.Children {
			register(child)
		}
	}
	register(duplicated)

	if node.Kind == KindCollection {
		f.roots = append(f.roots, duplicated)
	} else if parent, ok := f.index[node.ParentID]; ok {
		parent.Children = append(parent.Children, duplicated)
	}
	return duplicated, nil
}

func removeNode(list []*Node, id string) []*Node {
	for i, n := range list {
		if n.ID == id {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
