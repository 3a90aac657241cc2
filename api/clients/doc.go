/*
Package clients provides a Go client for the trust anchor's HTTP API.

FederationClient covers the public federation endpoints (register, list, entity,
fetch and the federation's own configuration), validation rule management and
the admin actions (key rotation and entity revocation).

Admin endpoints are protected by HS256 bearer tokens when the server is started
with an admin key. Build the client's transport with adminauth.NewHTTPClient:

	src := &adminauth.JWTTokenSource{Subject: "fedctl", Key: key}
	client := clients.NewFederationClient(addr, adminauth.NewHTTPClient(src, 30*time.Second))

Non-2xx responses are returned as *APIError, which matches the service's
sentinel errors with errors.Is (for example interfaces.ErrEntityExists on 409).
*/
package clients
