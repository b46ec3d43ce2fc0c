package imagegen

import "fmt"

// NetworkError is returned when the request never produced a usable response:
// transport failure, timeout, or a server-side error status.
type NetworkError struct {
	Op    string
	Cause error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("imagegen: network error during %s: %v", e.Op, e.Cause)
}

func (e *NetworkError) Unwrap() error { return e.Cause }

// DecodeError is returned when the service responded but the payload could
// not be turned into pixels: malformed JSON, bad base64, or undecodable
// image bytes.
type DecodeError struct {
	Stage string // "json", "base64", "image"
	Cause error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("imagegen: decode error (%s): %v", e.Stage, e.Cause)
}

func (e *DecodeError) Unwrap() error { return e.Cause }

// QuotaError is returned on rate-limit or auth rejection from the remote
// service (HTTP 401, 403, 429).
type QuotaError struct {
	StatusCode int
	Body       string
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("imagegen: quota/auth rejection: status %d: %s", e.StatusCode, e.Body)
}
