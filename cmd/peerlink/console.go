package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/omochice/peerlink/internal/chat"
	"github.com/omochice/peerlink/internal/link"
	"github.com/omochice/peerlink/internal/transport"
)

// controller is the part of link.Manager the console drives.
type controller interface {
	Connect(peer transport.PeerAddress) error
	Disconnect()
	State() link.State
	Peer() transport.PeerAddress
}

// conversation is the part of chat.Room the console drives.
type conversation interface {
	Send(text string) (chat.Message, error)
	Roster() *chat.Roster
	Unread(peer transport.PeerAddress) int
	Focus(peer transport.PeerAddress)
}

const helpText = `commands:
  /connect <peer>   connect to a peer
  /disconnect       drop the link and stop reconnecting
  /peers            list known devices
  /focus <peer>     read messages from a peer
  /status           show the link state
  /quit             exit
anything else is sent as a message
`

type console struct {
	ctl  controller
	conv conversation

	mu  sync.Mutex
	out io.Writer
}

func newConsole(ctl controller, conv conversation, out io.Writer) *console {
	return &console{ctl: ctl, conv: conv, out: out}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// run reads commands from in until /quit, EOF or ctx is done.
func (c *console) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			if err != nil {
				return fmt.Errorf("error reading input: %w", err)
			}
			return nil
		case line := <-lines:
			if c.handle(line) {
				return nil
			}
		}
	}
}

// handle executes one input line and reports whether the user asked to quit.
func (c *console) handle(line string) bool {
	text := strings.TrimSpace(line)
	if text == "" {
		return false
	}

	if !strings.HasPrefix(text, "/") {
		c.send(text)
		return false
	}

	cmd, arg, _ := strings.Cut(text, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		c.printf("%s", helpText)
	case "/connect":
		if arg == "" {
			c.printf("usage: /connect <peer>\n")
			return false
		}
		if err := c.ctl.Connect(transport.PeerAddress(arg)); err != nil {
			c.printf("*** connect failed: %v ***\n", err)
			return false
		}
		c.printf("*** connecting to %s ***\n", arg)
	case "/disconnect":
		c.ctl.Disconnect()
	case "/peers":
		c.listPeers()
	case "/focus":
		if arg == "" {
			c.printf("usage: /focus <peer>\n")
			return false
		}
		c.conv.Focus(transport.PeerAddress(arg))
	case "/status":
		if peer := c.ctl.Peer(); peer != "" {
			c.printf("*** %s to %s ***\n", c.ctl.State(), peer)
		} else {
			c.printf("*** %s ***\n", c.ctl.State())
		}
	default:
		c.printf("unknown command %s\n%s", cmd, helpText)
	}
	return false
}

func (c *console) send(text string) {
	_, err := c.conv.Send(text)
	switch {
	case err == nil:
	case errors.Is(err, link.ErrNotConnected):
		c.printf("*** not connected, message not sent ***\n")
	default:
		c.printf("*** failed to send message: %v ***\n", err)
	}
}

func (c *console) listPeers() {
	devices := c.conv.Roster().List()
	if len(devices) == 0 {
		c.printf("no known devices\n")
		return
	}
	for _, d := range devices {
		status := "offline"
		if d.Online {
			status = "online"
		}
		name := d.Name
		if name == "" {
			name = "?"
		}
		line := fmt.Sprintf("  %s %s %s", d.Address, name, status)
		if n := c.conv.Unread(d.Address); n > 0 {
			line += fmt.Sprintf(" (%d unread)", n)
		}
		c.printf("%s\n", line)
	}
}

// follow prints messages and status updates until ctx is done.
func (c *console) follow(ctx context.Context, messages <-chan chat.Message, statuses <-chan chat.Status) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-messages:
			c.printf("[%s]: %s\n", msg.SenderName, msg.Content)
		case st := <-statuses:
			c.printf("*** %s ***\n", st.Text)
		}
	}
}
