package authz

// NodeKind tags an expansion-tree node.
type NodeKind string

const (
	// KindLeaf is a node holding a concrete user set.
	KindLeaf NodeKind = "leaf"
	// KindUnion is a node whose user set is the union of its children.
	KindUnion NodeKind = "union"
)

// Node is one node of the tree produced by expanding a relation on an object.
// The representation is independent of the backend's wire shape so callers
// never depend on the SDK's native types.
type Node struct {
	Kind     NodeKind
	Users    []string // populated for KindLeaf
	Children []*Node  // populated for KindUnion
}

// Leaf builds a leaf node.
func Leaf(users ...string) *Node { return &Node{Kind: KindLeaf, Users: users} }

// Union builds a union node.
func Union(children ...*Node) *Node { return &Node{Kind: KindUnion, Children: children} }

// Flatten walks the tree and returns the full set of users holding the
// relation, including through nested unions. The result is deduplicated and
// preserves first-seen order.
func (n *Node) Flatten() []string {
	if n == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	var walk func(*Node)
	walk = func(node *Node) {
		if node == nil {
			return
		}
		switch node.Kind {
		case KindLeaf:
			for _, u := range node.Users {
				if _, ok := seen[u]; !ok {
					seen[u] = struct{}{}
					out = append(out, u)
				}
			}
		case KindUnion:
			for _, child := range node.Children {
				walk(child)
			}
		}
	}
	walk(n)
	return out
}
