package routing

import (
	"fmt"
	"time"

	"github.com/zde37/kademlia/pkg/keyspace"
)

// Contact is a known peer: its identifier, its UDP address and when we last heard from it.
type Contact struct {
	ID       keyspace.ID `json:"id"`
	Addr     string      `json:"addr"`
	LastSeen time.Time   `json:"last_seen"`
}

// NewContact creates a contact seen now.
func NewContact(id keyspace.ID, addr string) Contact {
	return Contact{ID: id, Addr: addr, LastSeen: time.Now()}
}

// String returns "Contact{ID: <short hex>, Addr: <addr>}".
func (c Contact) String() string {
	return fmt.Sprintf("Contact{ID: %s, Addr: %s}", c.ID.Short(), c.Addr)
}

// Equals compares identity and address, ignoring LastSeen.
func (c Contact) Equals(other Contact) bool {
	return c.ID == other.ID && c.Addr == other.Addr
}

// SortByDistance sorts contacts in place, closest to target first.
func SortByDistance(contacts []Contact, target keyspace.ID) {
	sortContacts(contacts, target)
}
