package shared

import "fmt"

var (
	ErrNotImplemented = fmt.Errorf("not implemented")

	// Configuration errors
	ErrMissingConfig      = fmt.Errorf("configuration not found")
	ErrInvalidConfig      = fmt.Errorf("invalid configuration")
	ErrMissingCredentials = fmt.Errorf("missing credentials")

	// Authentication errors
	ErrAuthFailed       = fmt.Errorf("authentication failed")
	ErrNotAuthenticated = fmt.Errorf("not authenticated")
	ErrTokenExpired     = fmt.Errorf("access token expired")
	ErrRefreshFailed    = fmt.Errorf("token refresh failed")
	ErrNoRefreshToken   = fmt.Errorf("no refresh token available")
	ErrSessionInvalid   = fmt.Errorf("session invalid")

	// Sync engine errors
	ErrInvalidStateTransition = fmt.Errorf("invalid state transition")
	ErrSyncInProgress         = fmt.Errorf("sync already in progress")
	ErrTimeout                = fmt.Errorf("operation timed out")
	ErrCancelled              = fmt.Errorf("sync cancelled")
	ErrNetworkUnavailable     = fmt.Errorf("network unavailable")
	ErrJobNotResumable        = fmt.Errorf("job cannot be resumed")

	// Queue errors
	ErrItemNotFound = fmt.Errorf("work item not found")
	ErrQueueClosed  = fmt.Errorf("queue closed")
	ErrQueueEmpty   = fmt.Errorf("queue empty")

	// Provider and extraction errors
	ErrProviderRequest    = fmt.Errorf("provider request failed")
	ErrServiceUnavailable = fmt.Errorf("service unavailable")
	ErrExtraction         = fmt.Errorf("metadata extraction failed")
	ErrAPIRequest         = fmt.Errorf("api request failed")

	// Storage errors
	ErrNotFound  = fmt.Errorf("record not found")
	ErrDuplicate = fmt.Errorf("duplicate record")

	// Conflict resolution errors
	ErrUnsupportedPolicy = fmt.Errorf("unsupported conflict policy")
	ErrNeedsPrompt       = fmt.Errorf("conflict requires user decision")

	// Input validation errors
	ErrInvalidInput    = fmt.Errorf("invalid input")
	ErrMissingArgument = fmt.Errorf("missing required argument")
	ErrInvalidArgument = fmt.Errorf("invalid argument")
	ErrInvalidFlag     = fmt.Errorf("invalid flag value")
)
