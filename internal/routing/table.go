package routing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zde37/kademlia/pkg"
	"github.com/zde37/kademlia/pkg/keyspace"
)

// DefaultK is the bucket capacity.
const DefaultK = 20

// Pinger checks whether a contact is still alive. The returned id is the
// identifier the remote reported.
type Pinger interface {
	Ping(ctx context.Context, addr string) (keyspace.ID, error)
}

// UpdateResult reports what Update did with a contact.
type UpdateResult int

const (
	// UpdateIgnored means the contact was the local node.
	UpdateIgnored UpdateResult = iota
	// UpdateInserted means the contact was new and the bucket had room.
	UpdateInserted
	// UpdateRefreshed means the contact was known and moved to the tail.
	UpdateRefreshed
	// UpdateProbing means the bucket was full and its oldest entry is being pinged.
	// The newcomer replaces it if the ping fails.
	UpdateProbing
	// UpdateDiscarded means the bucket was full and a probe was already running.
	UpdateDiscarded
)

func (r UpdateResult) String() string {
	switch r {
	case UpdateIgnored:
		return "ignored"
	case UpdateInserted:
		return "inserted"
	case UpdateRefreshed:
		return "refreshed"
	case UpdateProbing:
		return "probing"
	case UpdateDiscarded:
		return "discarded"
	default:
		return fmt.Sprintf("UpdateResult(%d)", int(r))
	}
}

// Options configures a Table.
type Options struct {
	// K is the bucket capacity. Defaults to DefaultK.
	K int

	// PingTimeout bounds each liveness probe of a full bucket's oldest entry.
	PingTimeout time.Duration

	Pinger      Pinger
	Broadcaster Broadcaster
}

// Table is the Kademlia routing table: one k-bucket per bit of the id space.
type Table struct {
	local   keyspace.ID
	k       int
	buckets [keyspace.Bits]*kbucket
	mu      sync.Mutex

	pingTimeout time.Duration
	pinger      Pinger
	broadcaster Broadcaster
	logger      *pkg.Logger

	// probes run in their own goroutines so Update never waits on the network
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
}

// NewTable creates an empty routing table for local.
func NewTable(local keyspace.ID, opts Options, logger *pkg.Logger) *Table {
	if opts.K <= 0 {
		opts.K = DefaultK
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = pkg.Nop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	t := &Table{
		local:       local,
		k:           opts.K,
		pingTimeout: opts.PingTimeout,
		pinger:      opts.Pinger,
		broadcaster: opts.Broadcaster,
		logger:      logger.Component("routing"),
		ctx:         ctx,
		cancel:      cancel,
		now:         time.Now,
	}
	created := t.now()
	for i := range t.buckets {
		t.buckets[i] = newBucket(opts.K)
		t.buckets[i].lastChanged = created
	}
	return t
}

// Local returns the identifier the table is built around.
func (t *Table) Local() keyspace.ID {
	return t.local
}

// K returns the bucket capacity.
func (t *Table) K() int {
	return t.k
}

// SetPinger sets the liveness checker used when a bucket is full.
func (t *Table) SetPinger(p Pinger) {
	t.mu.Lock()
	t.pinger = p
	t.mu.Unlock()
}

// SetBroadcaster sets where routing events are sent.
func (t *Table) SetBroadcaster(b Broadcaster) {
	t.mu.Lock()
	t.broadcaster = b
	t.mu.Unlock()
}

// Update records that c was just heard from.
//
// A known contact moves to the tail of its bucket. A new contact is appended
// if there is room. Otherwise the least-recently-seen entry is pinged in the
// background; if it does not answer it is evicted and c takes its place,
// else c is dropped.
func (t *Table) Update(c Contact) UpdateResult {
	if c.ID == t.local {
		return UpdateIgnored
	}
	if c.LastSeen.IsZero() {
		c.LastSeen = t.now()
	}

	idx := keyspace.BucketIndex(t.local, c.ID)

	t.mu.Lock()
	b := t.buckets[idx]

	if _, ok := b.remove(c.ID); ok {
		b.pushBack(c)
		b.lastChanged = t.now()
		bc := t.broadcaster
		t.mu.Unlock()

		t.emit(bc, EventContactRefreshed, c, idx)
		return UpdateRefreshed
	}

	if len(b.contacts) < t.k {
		b.pushBack(c)
		b.lastChanged = t.now()
		bc := t.broadcaster
		t.mu.Unlock()

		t.logger.Debug().
			Str("contact", c.ID.Short()).
			Str("addr", c.Addr).
			Int("bucket", idx).
			Msg("Contact added")
		t.emit(bc, EventContactAdded, c, idx)
		return UpdateInserted
	}

	if b.probing || t.pinger == nil || t.ctx.Err() != nil {
		t.mu.Unlock()
		return UpdateDiscarded
	}

	b.probing = true
	oldest := b.head()
	pinger := t.pinger
	t.wg.Add(1)
	t.mu.Unlock()

	go t.probe(pinger, idx, oldest, c)
	return UpdateProbing
}

// probe pings oldest and resolves the pending replacement by newcomer.
func (t *Table) probe(pinger Pinger, idx int, oldest, newcomer Contact) {
	defer t.wg.Done()

	started := t.now()
	ctx, cancel := context.WithTimeout(t.ctx, t.pingTimeout)
	id, err := pinger.Ping(ctx, oldest.Addr)
	cancel()

	alive := err == nil && id == oldest.ID

	t.mu.Lock()
	b := t.buckets[idx]
	b.probing = false

	// any message from oldest while the ping was out counts as an answer
	if i := b.indexOf(oldest.ID); i >= 0 && b.contacts[i].LastSeen.After(started) {
		alive = true
	}

	if alive {
		if cur, ok := b.remove(oldest.ID); ok {
			cur.LastSeen = t.now()
			b.pushBack(cur)
		}
		t.mu.Unlock()

		t.logger.Debug().
			Str("contact", oldest.ID.Short()).
			Str("discarded", newcomer.ID.Short()).
			Int("bucket", idx).
			Msg("Oldest contact still alive, newcomer discarded")
		return
	}

	if t.ctx.Err() != nil {
		// shutting down, a canceled ping says nothing about the peer
		t.mu.Unlock()
		return
	}

	_, evicted := b.remove(oldest.ID)
	inserted := false
	if b.indexOf(newcomer.ID) < 0 && len(b.contacts) < t.k {
		newcomer.LastSeen = t.now()
		b.pushBack(newcomer)
		b.lastChanged = newcomer.LastSeen
		inserted = true
	}
	bc := t.broadcaster
	t.mu.Unlock()

	t.logger.Info().
		Str("evicted", oldest.ID.Short()).
		Str("addr", oldest.Addr).
		Str("replacement", newcomer.ID.Short()).
		Int("bucket", idx).
		AnErr("ping_error", err).
		Msg("Unresponsive contact evicted")

	if evicted {
		t.emit(bc, EventContactEvicted, oldest, idx)
	}
	if inserted {
		t.emit(bc, EventContactAdded, newcomer, idx)
	}
}

// ClosestNodes returns up to count contacts sorted by XOR distance to target.
func (t *Table) ClosestNodes(target keyspace.ID, count int) []Contact {
	all := t.Contacts()
	sortContacts(all, target)
	if count >= 0 && len(all) > count {
		all = all[:count]
	}
	return all
}

// Contacts returns a copy of every contact in the table.
func (t *Table) Contacts() []Contact {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Contact
	for _, b := range t.buckets {
		out = append(out, b.contacts...)
	}
	return out
}

// Bucket returns a copy of bucket i, least-recently-seen first.
func (t *Table) Bucket(i int) []Contact {
	if i < 0 || i >= keyspace.Bits {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buckets[i].snapshot()
}

// Find returns the contact with the given id, if known.
func (t *Table) Find(id keyspace.ID) (Contact, bool) {
	idx := keyspace.BucketIndex(t.local, id)

	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.buckets[idx]
	if i := b.indexOf(id); i >= 0 {
		return b.contacts[i], true
	}
	return Contact{}, false
}

// Size returns the number of contacts in the table.
func (t *Table) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, b := range t.buckets {
		n += len(b.contacts)
	}
	return n
}

// BucketSizes maps every non-empty bucket index to its length.
func (t *Table) BucketSizes() map[int]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[int]int)
	for i, b := range t.buckets {
		if n := len(b.contacts); n > 0 {
			out[i] = n
		}
	}
	return out
}

// MarkRefreshed records that a lookup was just run for bucket i.
func (t *Table) MarkRefreshed(i int) {
	if i < 0 || i >= keyspace.Bits {
		return
	}
	t.mu.Lock()
	t.buckets[i].lastChanged = t.now()
	t.mu.Unlock()
}

// StaleBuckets returns the indices of buckets that have not changed or been
// refreshed within maxAge.
func (t *Table) StaleBuckets(maxAge time.Duration) []int {
	cutoff := t.now().Add(-maxAge)

	t.mu.Lock()
	defer t.mu.Unlock()

	var out []int
	for i, b := range t.buckets {
		if !b.lastChanged.After(cutoff) {
			out = append(out, i)
		}
	}
	return out
}

// Close stops in-flight probes and waits for them to return.
func (t *Table) Close() {
	t.cancel()
	t.wg.Wait()
}

func (t *Table) emit(bc Broadcaster, kind string, c Contact, idx int) {
	if bc == nil {
		return
	}

	var msg string
	switch kind {
	case EventContactAdded:
		msg = fmt.Sprintf("Contact %s added to bucket %d", c.ID.Short(), idx)
	case EventContactRefreshed:
		msg = fmt.Sprintf("Contact %s refreshed in bucket %d", c.ID.Short(), idx)
	case EventContactEvicted:
		msg = fmt.Sprintf("Contact %s evicted from bucket %d", c.ID.Short(), idx)
	}

	err := bc.BroadcastRoutingUpdate(Event{
		Type:      kind,
		NodeID:    c.ID.String(),
		Addr:      c.Addr,
		Bucket:    idx,
		Timestamp: t.now().Unix(),
		Message:   msg,
	})
	if err != nil {
		t.logger.Debug().Err(err).Str("event", kind).Msg("Failed to broadcast routing update")
	}
}

func sortContacts(contacts []Contact, target keyspace.ID) {
	sort.SliceStable(contacts, func(i, j int) bool {
		return keyspace.Closer(target, contacts[i].ID, contacts[j].ID)
	})
}
