package collection

import (
	"github.com/google/uuid"

	"github.com/restdeck/restdeck/internal/vars"
)

type Kind string

const (
	KindCollection Kind = "collection"
	KindFolder     Kind = "folder"
	KindRequest    Kind = "request"
)

// IsContainer reports whether nodes of this kind may hold children.
func (k Kind) IsContainer() bool {
	return k == KindCollection || k == KindFolder
}

type Param struct {
	Key     string
	Value   string
	Enabled bool
}

type AuthSpec struct {
	Type   string
	Params map[string]string
}

// Node is one row of the flat adjacency-list table. Children is filled
// in by Build and is not part of the persisted row.
type Node struct {
	ID           string
	ParentID     string
	CollectionID string
	Kind         Kind
	Name         string
	Description  string

	Method           string
	URL              string
	Headers          []Param
	Params           []Param
	Body             string
	Auth             *AuthSpec
	PreRequestScript string
	TestScript       string

	Variables []vars.Variable

	Children []*Node
}

func NewID() string {
	return uuid.NewString()
}

// Clone deep-copies the node payload. Children and identity fields are
// left to the caller.
func (n *Node) clonePayload() *Node {
	copied := *n
	copied.Children = nil
	copied.Headers = append([]Param(nil), n.Headers...)
	copied.Params = append([]Param(nil), n.Params...)
	copied.Variables = append([]vars.Variable(nil), n.Variables...)
	if n.Auth != nil {
		auth := AuthSpec{Type: n.Auth.Type, Params: make(map[string]string, len(n.Auth.Params))}
		for k, v := range n.Auth.Params {
			auth.Params[k] = v
		}
		copied.Auth = &auth
	}
	return &copied
}
