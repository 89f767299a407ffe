package transport

import (
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// PreambleTimeout bounds how long an acceptor waits for a dialer's preamble.
const PreambleTimeout = 5 * time.Second

// WritePreamble sends the 16-byte service identifier. Stream transports
// without service discovery use it so both ends agree on the service.
func WritePreamble(w io.Writer, service uuid.UUID) error {
	if _, err := w.Write(service[:]); err != nil {
		return fmt.Errorf("failed to write service preamble: %w", err)
	}
	return nil
}

// ReadPreamble reads the dialer's identifier and checks it against service.
func ReadPreamble(r io.Reader, service uuid.UUID) error {
	var got uuid.UUID
	if _, err := io.ReadFull(r, got[:]); err != nil {
		return fmt.Errorf("failed to read service preamble: %w", err)
	}
	if got != service {
		return fmt.Errorf("%w: got %s, want %s", ErrServiceMismatch, got, service)
	}
	return nil
}
