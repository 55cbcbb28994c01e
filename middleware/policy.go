package middleware

import (
	"strings"

	"github.com/agentgrid/authcore/authz"
)

// Role is the closed set of roles the local fallback policy understands.
// Unknown role strings map to RoleUnknown and grant nothing.
type Role int

const (
	RoleUnknown Role = iota
	RoleAdmin
	RoleUser
	RolePremium
	RoleViewer
	RoleEditor
)

// ParseRole maps a directory role string to the enum.
func ParseRole(s string) Role {
	switch s {
	case "admin":
		return RoleAdmin
	case "user":
		return RoleUser
	case "premium":
		return RolePremium
	case "viewer":
		return RoleViewer
	case "editor":
		return RoleEditor
	}
	return RoleUnknown
}

// DefaultConversationID is the shared conversation every user may access.
const DefaultConversationID = "default"

// verdict is a policy-table outcome.
type verdict int

const (
	deny verdict = iota
	allow
	allowIfOwner
)

type policyKey struct {
	role         Role
	relation     string
	resourceType string
}

// policyTable replicates the semantics the remote backend enforces for the
// seeded model, keyed by (role, relation, resource type). Admin is handled
// before the table: admins are authorized for every relation and resource.
var policyTable = map[policyKey]verdict{
	{RoleUser, authz.RelationExecutor, authz.TypeTool}:    allow,
	{RolePremium, authz.RelationExecutor, authz.TypeTool}: allow,

	{RoleUser, authz.RelationViewer, authz.TypeConversation}:      allowIfOwner,
	{RoleUser, authz.RelationEditor, authz.TypeConversation}:      allowIfOwner,
	{RolePremium, authz.RelationViewer, authz.TypeConversation}:   allowIfOwner,
	{RolePremium, authz.RelationEditor, authz.TypeConversation}:   allowIfOwner,
	{RoleViewer, authz.RelationViewer, authz.TypeConversation}:    allowIfOwner,
	{RoleEditor, authz.RelationViewer, authz.TypeConversation}:    allowIfOwner,
	{RoleEditor, authz.RelationEditor, authz.TypeConversation}:    allowIfOwner,
}

// localDecision evaluates the fallback policy for a caller with the given
// roles. Any combination not covered by the table is denied.
func localDecision(roles []Role, username, relation, resource string) bool {
	resourceType := authz.ObjectType(resource)
	for _, role := range roles {
		if role == RoleAdmin {
			return true
		}
		switch policyTable[policyKey{role, relation, resourceType}] {
		case allow:
			return true
		case allowIfOwner:
			if ownsConversation(username, authz.ObjectID(resource)) {
				return true
			}
		}
	}
	return false
}

// ownsConversation reports whether the conversation id is the shared default
// or embeds username as its owner suffix. This is a strict equality/prefix
// test on the identifier, not a heuristic: access to another user's private
// conversation is always denied.
func ownsConversation(username, conversationID string) bool {
	if conversationID == DefaultConversationID {
		return true
	}
	if conversationID == username {
		return true
	}
	return strings.HasPrefix(conversationID, username+"_")
}
