/*
Package api holds the wire types shared by the trust anchor's HTTP handlers and
clients, the mapping from service errors to HTTP status codes, and the server
configuration.

Subpackages:

  - federation: entity registration, statement fetch, listing and admin actions
  - ruleshandler: validation rule management
  - adminauth: HS256 bearer tokens for admin routes
  - servers: HTTP server lifecycle
  - clients: Go client for the API
*/
package api
