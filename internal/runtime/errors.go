package runtime

import "errors"

// UnprocessableEventError marks a message that can never be processed, such
// as a malformed mux directory or a payload failing validation. The default
// middleware chain does not retry it and routes it to the poison queue.
type UnprocessableEventError struct {
	eventMessage string
	err          error
}

// NewUnprocessableEventError wraps err for the message identified by eventMessage.
func NewUnprocessableEventError(eventMessage string, err error) *UnprocessableEventError {
	return &UnprocessableEventError{eventMessage: eventMessage, err: err}
}

func (e *UnprocessableEventError) Error() string {
	return "unprocessable event: " + e.eventMessage + " error: " + e.err.Error()
}

func (e *UnprocessableEventError) Unwrap() error { return e.err }

// IsUnprocessable reports whether err carries an UnprocessableEventError.
func IsUnprocessable(err error) bool {
	var unprocessable *UnprocessableEventError
	return errors.As(err, &unprocessable)
}
