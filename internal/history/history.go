// Package history keeps an append-only journal of the frames a node sent and
// received. Records are length-delimited protobuf Structs.
package history

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/types/known/structpb"
)

// Direction tells whether an entry was sent or received.
type Direction string

const (
	Inbound  Direction = "in"
	Outbound Direction = "out"
)

// DefaultBuffer is the number of entries Record queues before dropping.
const DefaultBuffer = 64

// Entry is one journaled frame.
type Entry struct {
	ID         string
	Direction  Direction
	Peer       string
	Type       string
	SenderName string
	SenderID   string
	Payload    string
	At         time.Time
}

func (e Entry) toStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"id":          e.ID,
		"direction":   string(e.Direction),
		"peer":        e.Peer,
		"type":        e.Type,
		"sender_name": e.SenderName,
		"sender_id":   e.SenderID,
		"payload":     e.Payload,
		"at":          e.At.UTC().Format(time.RFC3339Nano),
	})
}

func entryFromStruct(s *structpb.Struct) (Entry, error) {
	f := s.GetFields()
	str := func(key string) string { return f[key].GetStringValue() }

	at, err := time.Parse(time.RFC3339Nano, str("at"))
	if err != nil {
		return Entry{}, fmt.Errorf("invalid timestamp in entry %q: %w", str("id"), err)
	}
	return Entry{
		ID:         str("id"),
		Direction:  Direction(str("direction")),
		Peer:       str("peer"),
		Type:       str("type"),
		SenderName: str("sender_name"),
		SenderID:   str("sender_id"),
		Payload:    str("payload"),
		At:         at,
	}, nil
}

// Journal appends entries from a background goroutine so Record never blocks
// the caller.
type Journal struct {
	w      io.Writer
	closer io.Closer
	logger *zap.Logger

	mu      sync.RWMutex
	closed  bool
	entries chan Entry
	done    chan struct{}
}

// Open opens or creates the journal file at path for appending.
func Open(path string, buffer int, logger *zap.Logger) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open history journal: %w", err)
	}
	return New(f, f, buffer, logger), nil
}

// New starts a journal writing to w. closer, if non-nil, is closed by Close.
func New(w io.Writer, closer io.Closer, buffer int, logger *zap.Logger) *Journal {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	j := &Journal{
		w:       w,
		closer:  closer,
		logger:  logger.With(zap.String("component", "history")),
		entries: make(chan Entry, buffer),
		done:    make(chan struct{}),
	}
	go j.run()
	return j
}

// Record queues e. When the queue is full the entry is dropped with a warning.
func (j *Journal) Record(e Entry) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.entries <- e:
	default:
		j.logger.Warn("history queue full, dropping entry", zap.String("id", e.ID))
	}
}

// Close writes the queued entries and closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.entries)
	j.mu.Unlock()

	<-j.done
	if j.closer != nil {
		return j.closer.Close()
	}
	return nil
}

func (j *Journal) run() {
	defer close(j.done)

	bw := bufio.NewWriter(j.w)
	for e := range j.entries {
		msg, err := e.toStruct()
		if err != nil {
			j.logger.Error("failed to encode entry", zap.String("id", e.ID), zap.Error(err))
			continue
		}
		if _, err := protodelim.MarshalTo(bw, msg); err != nil {
			j.logger.Error("failed to write entry", zap.String("id", e.ID), zap.Error(err))
			continue
		}
		if len(j.entries) == 0 {
			if err := bw.Flush(); err != nil {
				j.logger.Error("failed to flush history", zap.Error(err))
			}
		}
	}
	if err := bw.Flush(); err != nil {
		j.logger.Error("failed to flush history", zap.Error(err))
	}
}

// ReadAll decodes every entry in r.
func ReadAll(r io.Reader) ([]Entry, error) {
	br := bufio.NewReader(r)
	var entries []Entry
	for {
		var s structpb.Struct
		if err := protodelim.UnmarshalFrom(br, &s); err != nil {
			if errors.Is(err, io.EOF) {
				return entries, nil
			}
			return entries, fmt.Errorf("failed to read history entry %d: %w", len(entries)+1, err)
		}
		e, err := entryFromStruct(&s)
		if err != nil {
			return entries, err
		}
		entries = append(entries, e)
	}
}

// ReadFile decodes the journal at path.
func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history journal: %w", err)
	}
	defer f.Close()
	return ReadAll(f)
}
