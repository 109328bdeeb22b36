package completion

import "fmt"

type ErrorKind int

const (
	// KindTransport covers network failures and timeouts.
	KindTransport ErrorKind = iota + 1
	// KindStatus is a non-success HTTP status.
	KindStatus
	// KindMalformed is a success status with a body missing expected fields.
	KindMalformed
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindStatus:
		return "status"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Error is the single failure type surfaced by the client. Error() returns a
// message fit to be shown to the user as is.
type Error struct {
	Kind    ErrorKind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func statusMessage(status int) string {
	return fmt.Sprintf("API request failed with status %d", status)
}

// apiErrorResponse is the error envelope of OpenAI compatible endpoints.
type apiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}
