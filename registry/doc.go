// Package registry implements the trust registry of the federation.
//
// Service is the application context shared by the HTTP handlers and built
// once at process start. It admits entities (remote fetch, rule evaluation,
// insert-or-fail), serves their current subordinate statements and manages
// revocation and key rotation.
//
// A subject's statement is looked up in an in-process cache, then in the
// store, and only then issued anew. Concurrent fetches for the same subject
// share one issuance, so at most one statement is persisted per expiry.
//
// The cache only saves signing work. Every fetch reads the entity status and
// the active kid from the store, so several processes may share one sqlite
// database: a revocation or key rotation made by any of them is honored by all.
package registry
