// Package addrbook remembers, per peer IP and logical channel, the source
// address of the most recent inbound datagram so replies can follow NAT
// rebinding without the client ever binding a fixed port.
package addrbook

import (
	"net"
	"sync"
	"time"

	"github.com/linuxplay/pkg/clock"
)

// Channel identifies a logical UDP channel
type Channel string

const (
	ChannelHeartbeat Channel = "heartbeat"
	ChannelControl   Channel = "control"
)

// Entry is the last-observed address on a channel
type Entry struct {
	Channel Channel
	Addr    *net.UDPAddr
	SeenAt  time.Time
}

type key struct {
	ip      string
	channel Channel
}

// Book is safe for concurrent use. Its lock is never held across I/O and is
// independent of the session lock.
type Book struct {
	mu      sync.RWMutex
	entries map[key]Entry
	clock   clock.Clock
}

// New creates an empty address book
func New(c clock.Clock) *Book {
	if c == nil {
		c = clock.Real()
	}
	return &Book{
		entries: make(map[key]Entry),
		clock:   c,
	}
}

// Observe records addr as the latest source on channel. Last writer wins.
func (b *Book) Observe(channel Channel, addr *net.UDPAddr) Entry {
	e := Entry{
		Channel: channel,
		Addr:    cloneAddr(addr),
		SeenAt:  b.clock.Now(),
	}
	b.mu.Lock()
	b.entries[key{ip: addr.IP.String(), channel: channel}] = e
	b.mu.Unlock()
	return e
}

// Lookup returns the latest address for ip on channel
func (b *Book) Lookup(ip string, channel Channel) (Entry, bool) {
	b.mu.RLock()
	e, ok := b.entries[key{ip: ip, channel: channel}]
	b.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}
	e.Addr = cloneAddr(e.Addr)
	return e, true
}

// Forget drops every channel entry for ip
func (b *Book) Forget(ip string) {
	b.mu.Lock()
	for k := range b.entries {
		if k.ip == ip {
			delete(b.entries, k)
		}
	}
	b.mu.Unlock()
}

// Len returns the number of tracked entries
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

func cloneAddr(a *net.UDPAddr) *net.UDPAddr {
	if a == nil {
		return nil
	}
	ip := make(net.IP, len(a.IP))
	copy(ip, a.IP)
	return &net.UDPAddr{IP: ip, Port: a.Port, Zone: a.Zone}
}
