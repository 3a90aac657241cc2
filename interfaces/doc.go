// Package interfaces defines the domain types and the storage contracts of the
// federation trust anchor, separating interface definitions from implementations.
//
// # Domain types
//
//   - Entity: a registered OpenID Provider or Relying Party, keyed by its entity identifier
//   - SigningKey: a federation signing key; keys are deactivated, never deleted
//   - EntityStatement: a signed subordinate statement issued about an entity
//   - ValidationRule: an admission rule evaluated against entity metadata and keys
//
// # Store interfaces
//
// KeyStorage, EntityStore, StatementStore and RuleStore describe the four record
// sets of the trust anchor. Store combines them; the datastore package provides
// sqlite and in-memory implementations.
//
// # Archive interfaces
//
// StorageBackend provides best-effort, content-addressed archival of issued
// statements and of the remote entity configurations admitted at registration.
package interfaces
