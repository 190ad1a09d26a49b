// Package services defines the collaborators the sync engine consumes and implements them for Google Drive.
//
// # Contracts
//
// [StorageProvider] lists, downloads and reports changes for a remote file catalog.
// Providers that can mint change tokens also implement [ChangeCursorSource].
// [AuthManager] resolves a [Session] for a profile and [NetworkMonitor] reports connectivity.
//
// # Google Drive
//
// [DriveProvider] talks to the Drive v3 REST API. Each request:
//   - waits on a token bucket ([rate.Limiter])
//   - runs inside a circuit breaker (gobreaker), tripped by consecutive 429/5xx or transport failures
//   - is retried with exponential backoff on retryable failures
//
// The md5Checksum Drive reports is surfaced as the content hash "md5:<hex>".
//
// # OAuth
//
// [OAuthManager] keeps tokens on profiles. [OAuthManager.CurrentSession] refreshes expired tokens through
// the oauth2 token source and writes refreshed tokens back to the profile.
//
// # Error Handling
//
// Services use sentinel errors from the shared package:
//   - [shared.ErrNotAuthenticated] : no profile or no stored token
//   - [shared.ErrSessionInvalid] : token unreadable, expired without refresh token, or refresh rejected
//   - [shared.ErrTokenExpired] : provider answered 401
//   - [shared.ErrProviderRequest] : request failed after retries
//   - [shared.ErrServiceUnavailable] : circuit breaker open
//   - [shared.ErrNetworkUnavailable] : network policy not satisfied
package services
