// Package session defines the server-side session store contract: sliding
// expiration, per-user concurrency caps with oldest-first eviction, lazy
// expiry on read, and bulk inactive-session reclamation. Two backends
// implement it, memorystore for single-node use and redisstore for
// distributed deployments, and both must pass the storetest suite.
package session
