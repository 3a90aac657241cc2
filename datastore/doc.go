// Package datastore implements interfaces.Store.
//
// SQLiteStore keeps keys, entities, statements and rules in a sqlite database
// accessed through sqlx; its schema is managed by embedded golang-migrate
// migrations. MemoryStore keeps the same record sets in a go-memdb database
// and is used for ephemeral deployments and tests.
//
// Both stores enforce insert-or-fail on entity identifiers, key identifiers and
// rule names, return rules in creation order and treat the most recently issued
// non-expired statement of a subject as its current statement.
package datastore
