// Package storage archives signed federation documents in content-addressed
// backends.
//
// Every document is identified by the SHA-256 hash of its bytes and filed
// under its content type, so issued subordinate statements and the remote
// entity configurations admitted at registration live in separate namespaces:
//
//	<namespace>/statement/<sha256 hex>
//	<namespace>/entity-configuration/<sha256 hex>
//
// # Storage URI Format
//
// Backends are selected by URI:
//
//	[scheme]://[auth@]host[:port][/path][?params]
//
// Supported URI schemes:
//
//   - file:///var/lib/oidfed/archive
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket-name/prefix/?region=eu-west-1&endpoint=minio.local:9000
//   - ipfs://127.0.0.1:5001/oidfed?timeout=30s
//   - vault://[TOKEN@]vault.example.com:8200/secret/oidfed?tls=true
//
// Several URIs are combined with MultiStorageBackend, which stores to every
// available backend and fetches from the first one that has the content.
//
// # Vault Storage
//
// The VaultBackend writes to a KV v2 secrets engine. The token is taken from
// the URI user info, falling back to the VAULT_TOKEN environment variable.
//
// # IPFS Storage
//
// The IPFSBackend keeps documents in the node's mutable file system (MFS) so
// they can be read back by content ID; the IPFS CID is logged on store.
//
// The archive is a secondary copy: callers treat every backend error as
// non-fatal.
package storage
