package errs

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMissingParameter indicates that a required request parameter was not supplied.
	ErrMissingParameter = errors.New("missing parameter")
	// ErrUpstreamTransport indicates a network failure or non-2xx status from the metadata API.
	ErrUpstreamTransport = errors.New("upstream transport failure")
	// ErrUpstreamFormat indicates the metadata API answered with an unexpected content type or body.
	ErrUpstreamFormat = errors.New("upstream format failure")
	// ErrUpstreamLogical indicates the metadata API returned a non-zero errno envelope.
	ErrUpstreamLogical = errors.New("upstream logical failure")
	// ErrNotFound indicates that the share has no file or no download link.
	ErrNotFound = errors.New("not found")
	// ErrRelay indicates that fetching media or a proxied target failed.
	ErrRelay = errors.New("relay failure")
)

// UpstreamError carries the details of a failed upstream exchange.
// It unwraps to one of the sentinel errors above, so callers can use errors.Is.
type UpstreamError struct {
	Kind    error  `json:"-"`
	Status  int    `json:"status,omitempty"`
	Code    int    `json:"errno,omitempty"`
	Message string `json:"message"`
	Snippet string `json:"snippet,omitempty"`
}

// Error implements the error interface
func (e *UpstreamError) Error() string {
	kind := "upstream failure"
	if e.Kind != nil {
		kind = e.Kind.Error()
	}
	switch {
	case e.Status != 0 && e.Snippet != "":
		return fmt.Sprintf("%s: %s (status %d): %s", kind, e.Message, e.Status, e.Snippet)
	case e.Status != 0:
		return fmt.Sprintf("%s: %s (status %d)", kind, e.Message, e.Status)
	case e.Code != 0:
		return fmt.Sprintf("%s: %s (errno %d)", kind, e.Message, e.Code)
	case e.Snippet != "":
		return fmt.Sprintf("%s: %s: %s", kind, e.Message, e.Snippet)
	default:
		return fmt.Sprintf("%s: %s", kind, e.Message)
	}
}

// Unwrap returns the sentinel kind.
func (e *UpstreamError) Unwrap() error {
	return e.Kind
}

// MarshalJSON implements json.Marshaler
func (e *UpstreamError) MarshalJSON() ([]byte, error) {
	type Alias UpstreamError
	return json.Marshal(&struct {
		*Alias
		Error string `json:"error"`
	}{
		Alias: (*Alias)(e),
		Error: e.Error(),
	})
}

// New creates an UpstreamError of the given kind.
func New(kind error, message string) *UpstreamError {
	return &UpstreamError{Kind: kind, Message: message}
}

// WithStatus sets the upstream HTTP status.
func (e *UpstreamError) WithStatus(status int) *UpstreamError {
	e.Status = status
	return e
}

// WithCode sets the upstream envelope error code.
func (e *UpstreamError) WithCode(code int) *UpstreamError {
	e.Code = code
	return e
}

// WithSnippet attaches a (truncated) fragment of the upstream body.
func (e *UpstreamError) WithSnippet(snippet string) *UpstreamError {
	e.Snippet = snippet
	return e
}

// AsUpstream extracts an *UpstreamError from err.
func AsUpstream(err error) (*UpstreamError, bool) {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}
