package launcher

import (
	"strconv"
	"strings"
)

// Error is a launch failure with a numeric code. It travels through Session and Workspace
// status as "code:reason".
type Error struct {
	Code   int
	Reason string
}

const (
	errorDelimiter = ":"

	// CodeInternal is used for errors without a known code.
	CodeInternal = 500
)

// Client errors.
var (
	ErrInvalidAppID             = &Error{470, "Invalid application id."}
	ErrInvalidWorkspaceName     = &Error{471, "Invalid workspace name."}
	ErrInvalidAppDefinitionName = &Error{473, "Invalid app definition name."}
	ErrInvalidSessionName       = &Error{474, "Invalid session name."}
	ErrAppDefinitionMismatch    = &Error{475, "Mismatch between app definition names."}
	ErrMissingWorkspaceName     = &Error{480, "Missing workspace name."}
	ErrMissingSessionName       = &Error{481, "Missing session name."}
)

// Server errors.
var (
	ErrWorkspaceLaunchTimeout   = &Error{520, "Unable to launch workspace within time limit."}
	ErrMetricsServerUnavailable = &Error{521, "Metrics server not ready (yet)."}
	ErrSessionLaunchTimeout     = &Error{551, "Unable to launch session within time limit."}
	ErrServerLimitReached       = &Error{552, "Max instances reached. Could not create session."}
	ErrUserLimitReached         = &Error{553, "No more sessions allowed for this user, you reached your limit."}
	ErrUserNoSessions           = &Error{554, "No sessions allowed for this user."}
	ErrConfigStoreUnavailable   = &Error{580, "The config store is not available. It needs to be installed in the application."}
)

func (e *Error) Error() string { return e.String() }

// String is the serialized form stored in status.error.
func (e *Error) String() string {
	return strconv.Itoa(e.Code) + errorDelimiter + e.Reason
}

// Is matches errors by code, so a parsed error equals the constant it was serialized from.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// ParseError reads a serialized error. Blank input yields nil. Input without a delimiter or
// with a non-numeric code becomes an internal error carrying the whole text.
func ParseError(s string) *Error {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	code, reason, found := strings.Cut(s, errorDelimiter)
	if !found {
		return &Error{CodeInternal, s}
	}
	n, err := strconv.Atoi(code)
	if err != nil {
		return &Error{CodeInternal, s}
	}
	return &Error{n, reason}
}
