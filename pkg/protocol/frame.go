// Package protocol implements the delimited text frames exchanged over a link.
//
// A frame is four fields joined by Delimiter:
//
//	type|||senderName|||senderID|||payload
//
// The type is "user_info" or "text". A user_info payload is the decimal id of
// the sender's avatar; a text payload is the message body.
package protocol

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

const (
	// Delimiter separates frame fields. It is part of the wire format and
	// must not change between versions.
	Delimiter = "|||"

	// legacyDelimiter is accepted on decode for frames written by peers that
	// join fields with a single pipe.
	legacyDelimiter = "|"

	// HeartbeatPayload is written by the liveness probe. It is never a frame.
	HeartbeatPayload = "PING"

	fieldCount = 4
)

// FrameType represents the type of a frame
type FrameType int

const (
	FrameTypeText FrameType = iota
	FrameTypeUserInfo
)

// String returns the wire name of the FrameType
func (ft FrameType) String() string {
	switch ft {
	case FrameTypeText:
		return "text"
	case FrameTypeUserInfo:
		return "user_info"
	default:
		return "unknown"
	}
}

// ParseFrameType maps a wire name back to a FrameType.
func ParseFrameType(s string) (FrameType, error) {
	switch s {
	case "text":
		return FrameTypeText, nil
	case "user_info":
		return FrameTypeUserInfo, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownFrameType, s)
	}
}

// Frame represents one protocol message
type Frame struct {
	Type       FrameType
	SenderName string
	SenderID   string
	Payload    string
}

// NewText builds a text frame.
func NewText(senderName, senderID, content string) Frame {
	return Frame{
		Type:       FrameTypeText,
		SenderName: senderName,
		SenderID:   senderID,
		Payload:    content,
	}
}

// NewUserInfo builds a user_info frame announcing the sender's avatar.
func NewUserInfo(senderName, senderID string, avatar int) Frame {
	return Frame{
		Type:       FrameTypeUserInfo,
		SenderName: senderName,
		SenderID:   senderID,
		Payload:    strconv.Itoa(avatar),
	}
}

// Avatar returns the avatar id carried by a user_info frame.
func (f Frame) Avatar() (int, error) {
	if f.Type != FrameTypeUserInfo {
		return 0, fmt.Errorf("%w: avatar requested from %s frame", ErrInvalidPayload, f.Type)
	}
	avatar, err := strconv.Atoi(strings.TrimSpace(f.Payload))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return avatar, nil
}

// Encode joins the frame fields with Delimiter.
// Fields containing the delimiter are rejected since the format has no escaping.
func (f Frame) Encode() ([]byte, error) {
	if f.Type != FrameTypeText && f.Type != FrameTypeUserInfo {
		return nil, fmt.Errorf("%w: %d", ErrUnknownFrameType, int(f.Type))
	}
	// A pipe at the end of an inner field would merge into the following
	// delimiter, so inner fields may not carry pipes at all.
	if strings.Contains(f.SenderName, legacyDelimiter) || strings.Contains(f.SenderID, legacyDelimiter) {
		return nil, fmt.Errorf("failed to encode frame: %w", ErrDelimiterInField)
	}
	if strings.Contains(f.Payload, Delimiter) {
		return nil, fmt.Errorf("failed to encode frame: %w", ErrDelimiterInField)
	}
	if f.Type == FrameTypeUserInfo {
		if _, err := f.Avatar(); err != nil {
			return nil, fmt.Errorf("failed to encode frame: %w", err)
		}
	}
	return []byte(strings.Join([]string{f.Type.String(), f.SenderName, f.SenderID, f.Payload}, Delimiter)), nil
}

// Decode parses a frame from bytes.
// Data with fewer than four fields yields ErrMalformedFrame.
func Decode(data []byte) (Frame, error) {
	parts := splitFields(string(data))
	if len(parts) < fieldCount {
		return Frame{}, fmt.Errorf("%w: %d fields", ErrMalformedFrame, len(parts))
	}

	ft, err := ParseFrameType(strings.TrimSpace(parts[0]))
	if err != nil {
		return Frame{}, err
	}

	f := Frame{
		Type:       ft,
		SenderName: parts[1],
		SenderID:   parts[2],
		Payload:    parts[3],
	}
	if ft == FrameTypeUserInfo {
		if _, err := f.Avatar(); err != nil {
			return Frame{}, err
		}
	}
	return f, nil
}

// splitFields splits on Delimiter, falling back to the single pipe form when
// the data carries no Delimiter at all. The payload keeps any trailing text.
func splitFields(s string) []string {
	if strings.Contains(s, Delimiter) {
		return strings.SplitN(s, Delimiter, fieldCount)
	}
	return strings.SplitN(s, legacyDelimiter, fieldCount)
}

// IsHeartbeat reports whether data is the heartbeat literal, ignoring
// surrounding whitespace.
func IsHeartbeat(data []byte) bool {
	return string(bytes.TrimSpace(data)) == HeartbeatPayload
}
