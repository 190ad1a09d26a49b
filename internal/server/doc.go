// Package server exposes the sync coordinator over HTTP and handles the OAuth callback of
// `tapedeck auth login`.
//
// # Routes
//
// [NewRouter] builds a chi router:
//
//	GET    /health              → status and in-flight runs
//	GET    /jobs/{id}           → one job
//	GET    /profiles/{id}/jobs  → recent jobs of a profile (?limit=)
//	POST   /profiles/{id}/sync  → start a run (202), 409 while one is running
//	DELETE /profiles/{id}/sync  → cancel the running job (202), 404 when idle
//	GET    /metrics             → prometheus
//
// Errors are JSON [ErrorResponse] bodies; sentinel errors from the shared package map onto
// status codes.
//
// # OAuth Callback Handler
//
// [OAuthHandler] validates the state parameter, exchanges the authorization code, hands the
// token to a [TokenSaver] and reports the result once on [OAuthHandler.Result].
//
// # Client
//
// [Client] is used by CLI commands that talk to a running server, such as `sync cancel`.
package server
