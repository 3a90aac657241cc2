// Package main (cmd/httpserver) runs the OpenID Federation trust anchor.
//
// On start the server opens its store (sqlite by default, or an in-memory
// go-memdb store), makes sure an active RS256 signing key exists and seeds
// validation rules from --rules-file. It then serves the federation API,
// validation rule management and the admin endpoints. Failing to obtain a
// signing key is fatal.
//
// Issued statements and admitted entity configurations are optionally archived
// to one or more content-addressed backends given with --archive.
//
// Example usage:
//
//	trust-anchor \
//	  --federation-entity-id https://federation.example.com \
//	  --database-path /var/lib/trust-anchor/federation.db \
//	  --archive file:///var/lib/trust-anchor/archive \
//	  --rules-file rules.yaml \
//	  --admin-jwt-key $(openssl rand -hex 32)
//
// The server shuts down gracefully on SIGINT or SIGTERM.
package main
