// Package chat turns link events into a conversation with the connected peer.
package chat

import "github.com/omochice/peerlink/internal/history"

// Link is the part of the connection manager a Room writes through.
// link.Manager implements it.
type Link interface {
	// Write returns false without blocking when no peer is connected.
	Write(p []byte) bool
}

// Journal records sent and received frames. history.Journal implements it.
type Journal interface {
	Record(e history.Entry)
}

type nopJournal struct{}

func (nopJournal) Record(history.Entry) {}
