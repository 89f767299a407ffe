package chat

import (
	"sort"
	"sync"
	"time"

	"github.com/omochice/peerlink/internal/transport"
)

// Device is a peer the node has talked to.
type Device struct {
	Address  transport.PeerAddress
	Name     string
	UserID   string
	Avatar   int
	LastSeen time.Time
	Online   bool
}

// Roster tracks known devices by address.
type Roster struct {
	devices map[transport.PeerAddress]*Device
	mu      sync.RWMutex
}

// NewRoster creates an empty Roster.
func NewRoster() *Roster {
	return &Roster{
		devices: make(map[transport.PeerAddress]*Device),
	}
}

func (r *Roster) device(addr transport.PeerAddress) *Device {
	d, ok := r.devices[addr]
	if !ok {
		d = &Device{Address: addr}
		r.devices[addr] = d
	}
	return d
}

// MarkOnline records that addr is connected.
func (r *Roster) MarkOnline(addr transport.PeerAddress, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.device(addr)
	d.Online = true
	d.LastSeen = at
}

// MarkOffline records that addr went away. Unknown addresses are ignored.
func (r *Roster) MarkOffline(addr transport.PeerAddress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[addr]; ok {
		d.Online = false
	}
}

// Update stores the identity a peer announced.
func (r *Roster) Update(addr transport.PeerAddress, name, userID string, avatar int, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.device(addr)
	d.Name = name
	d.UserID = userID
	d.Avatar = avatar
	d.LastSeen = at
}

// Get returns a copy of the device at addr.
func (r *Roster) Get(addr transport.PeerAddress) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[addr]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// List returns every device, most recently seen first.
func (r *Roster) List() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		list = append(list, *d)
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].LastSeen.Equal(list[j].LastSeen) {
			return list[i].LastSeen.After(list[j].LastSeen)
		}
		return list[i].Address < list[j].Address
	})
	return list
}

// DeviceCount returns number of known devices.
func (r *Roster) DeviceCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}
