package routing

import (
	"slices"
	"time"

	"github.com/zde37/kademlia/pkg/keyspace"
)

// kbucket holds up to k contacts ordered least-recently-seen first.
type kbucket struct {
	contacts []Contact

	// probing is set while the head of a full bucket is being pinged.
	probing bool

	// lastChanged is the last time a contact in range was inserted or refreshed,
	// or a lookup was run for this bucket.
	lastChanged time.Time
}

func newBucket(k int) *kbucket {
	return &kbucket{contacts: make([]Contact, 0, k)}
}

func (b *kbucket) indexOf(id keyspace.ID) int {
	return slices.IndexFunc(b.contacts, func(c Contact) bool { return c.ID == id })
}

func (b *kbucket) remove(id keyspace.ID) (Contact, bool) {
	i := b.indexOf(id)
	if i < 0 {
		return Contact{}, false
	}
	c := b.contacts[i]
	b.contacts = slices.Delete(b.contacts, i, i+1)
	return c, true
}

// pushBack appends c as the most recently seen entry.
func (b *kbucket) pushBack(c Contact) {
	b.contacts = append(b.contacts, c)
}

func (b *kbucket) head() Contact {
	return b.contacts[0]
}

func (b *kbucket) snapshot() []Contact {
	return slices.Clone(b.contacts)
}
