package protocol

import "errors"

var (
	// ErrMalformedFrame is returned when data splits into fewer than four fields.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrUnknownFrameType is returned for a type other than text or user_info.
	ErrUnknownFrameType = errors.New("unknown frame type")

	// ErrDelimiterInField is returned by Encode when a field contains Delimiter.
	ErrDelimiterInField = errors.New("field contains frame delimiter")

	// ErrInvalidPayload is returned when a user_info payload is not an integer.
	ErrInvalidPayload = errors.New("invalid frame payload")
)
