// Package identity defines the authenticated-principal type and the
// user-directory abstraction the middleware authenticates against. The
// directory is an external collaborator: this package ships only the contract
// and an in-memory implementation (see memorydir) suitable for tests and
// single-node deployments.
package identity
