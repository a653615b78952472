package protocol

import "fmt"

// Error codes sent by the branch service.
const (
	CodeNotAuthorized               = "not_authorized"
	CodeSubscriptionLimitReached    = "subscription_limit_reached"
	CodeInstNotFound                = "inst_not_found"
	CodeRecordNotFound              = "record_not_found"
	CodeInvalidRecordKey            = "invalid_record_key"
	CodeInvalidToken                = "invalid_token"
	CodeUnacceptableConnectionID    = "unacceptable_connection_id"
	CodeUnacceptableConnectionToken = "unacceptable_connection_token"
	CodeUserIsBanned                = "user_is_banned"
	CodeNotLoggedIn                 = "not_logged_in"
	CodeSessionExpired              = "session_expired"

	CodeMaxSizeReached      = "max_size_reached"
	CodeRateLimitExceeded   = "rate_limit_exceeded"
	CodeUnacceptableRequest = "unacceptable_request"
	CodeServerError         = "server_error"
)

var authorizationCodes = map[string]bool{
	CodeNotAuthorized:               true,
	CodeSubscriptionLimitReached:    true,
	CodeInstNotFound:                true,
	CodeRecordNotFound:              true,
	CodeInvalidRecordKey:            true,
	CodeInvalidToken:                true,
	CodeUnacceptableConnectionID:    true,
	CodeUnacceptableConnectionToken: true,
	CodeUserIsBanned:                true,
	CodeNotLoggedIn:                 true,
	CodeSessionExpired:              true,
}

// IsAuthorizationError reports whether code denies access to a resource, as
// opposed to a transient or resource-limit failure.
func IsAuthorizationError(code string) bool {
	return authorizationCodes[code]
}

// ErrorInfo is the error payload of a protocol message.
type ErrorInfo struct {
	Code    string `json:"errorCode"`
	Message string `json:"errorMessage"`
	Reason  string `json:"reason,omitempty"`

	// Size and MaxSize describe the branch when Code is max_size_reached.
	Size    int64 `json:"size,omitempty"`
	MaxSize int64 `json:"maxSize,omitempty"`

	RetryAfter int64 `json:"retryAfter,omitempty"`
}

// Error lets an ErrorInfo travel through error streams.
func (e *ErrorInfo) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
