package utils

import "errors"

// CodedError carries a stable business code alongside a human message. The
// HTTP layer maps the code into the error envelope.
type CodedError struct {
	Code    string
	Message string
}

func (e *CodedError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

func Coded(code, message string) *CodedError {
	return &CodedError{Code: code, Message: message}
}

// CodeOf extracts the business code from err, or fallback when err carries
// no CodedError.
func CodeOf(err error, fallback string) string {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return fallback
}
