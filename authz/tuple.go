package authz

import "strings"

// Tuple is the atomic unit of the relationship graph: user has relation to
// object. Users and objects are namespaced strings in "type:id" form, e.g.
// "user:alice", "tool:chat", "organization:acme".
//
// Tuples are write-once/delete-explicit; replacing one means delete + write.
// Duplicate writes are semantic no-ops.
type Tuple struct {
	User     string `json:"user"`
	Relation string `json:"relation"`
	Object   string `json:"object"`
}

// Common relations in the seeded authorization model.
const (
	RelationExecutor = "executor"
	RelationViewer   = "viewer"
	RelationEditor   = "editor"
	RelationOwner    = "owner"
	RelationMember   = "member"
)

// Object type prefixes.
const (
	TypeUser         = "user"
	TypeTool         = "tool"
	TypeConversation = "conversation"
	TypeOrganization = "organization"
)

// Object joins a type and id into the namespaced "type:id" form.
func Object(objType, id string) string { return objType + ":" + id }

// ObjectType returns the namespace of a "type:id" string, or "" when the
// string carries no namespace.
func ObjectType(object string) string {
	if i := strings.IndexByte(object, ':'); i >= 0 {
		return object[:i]
	}
	return ""
}

// ObjectID returns the id portion of a "type:id" string. Input without a
// namespace is returned as-is.
func ObjectID(object string) string {
	if i := strings.IndexByte(object, ':'); i >= 0 {
		return object[i+1:]
	}
	return object
}
