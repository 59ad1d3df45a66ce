package proxy

import "net/http"

// Kind classifies how a forward attempt ended. Exactly one kind applies to
// every envelope; KindNone covers all responses that actually came from the
// upstream, whatever their status.
type Kind string

const (
	KindNone          Kind = "None"
	KindConfigMissing Kind = "ConfigMissing"
	KindUnreachable   Kind = "Unreachable"
	KindParseFailure  Kind = "ParseFailure"
)

// errorBody is the structured body rendered for failures produced by this
// layer itself (as opposed to mirrored upstream bodies).
type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// authError is the 401 body returned before any upstream call when the
// inbound request carries no usable bearer token.
type authError struct {
	HttpStatus int    `json:"-"`
	Code       string `json:"code"`
}

var (
	errAuthHeaderMissing = authError{HttpStatus: http.StatusUnauthorized, Code: "AUTH_HEADER_MISSING"}
	errTokenEmpty        = authError{HttpStatus: http.StatusUnauthorized, Code: "TOKEN_EMPTY"}
)
