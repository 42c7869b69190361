package kademlia

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zde37/kademlia/internal/routing"
	"github.com/zde37/kademlia/pkg/keyspace"
)

type candidateState int

const (
	stateUnqueried candidateState = iota
	statePending
	stateContacted
	stateFailed
)

type candidate struct {
	contact routing.Contact
	state   candidateState
}

// lookupResult is what an iterative lookup converged on.
type lookupResult struct {
	// Closest holds up to K responsive contacts, closest first.
	Closest []routing.Contact

	// Value is set when a FIND_VALUE lookup found the key. Holder answered with it.
	Value  []byte
	Found  bool
	Holder routing.Contact

	Rounds    int
	Contacted int
	Failed    int
}

// probeReply is the outcome of one FIND_NODE or FIND_VALUE call.
type probeReply struct {
	from     *candidate
	contacts []routing.Contact
	value    []byte
	err      error
}

// lookup runs the iterative node lookup for target. With wantValue it sends
// FIND_VALUE and stops at the first node that returns the value.
//
// Each round queries up to Alpha of the closest unqueried candidates in
// parallel and waits for all of them. Responders are marked contacted, nodes
// that fail or time out are dropped from the shortlist. The lookup ends once
// every one of the K closest known candidates has been contacted.
func (n *Node) lookup(ctx context.Context, target keyspace.ID, wantValue bool) (*lookupResult, error) {
	remote, err := n.getRemote()
	if err != nil {
		return nil, err
	}

	ctx, cancel := n.operationContext(ctx)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, n.config.LookupTimeout)
	defer cancelTimeout()

	ctx, span := n.tracer.Start(ctx, "kademlia.lookup", trace.WithAttributes(
		attribute.String("kademlia.target", target.String()),
		attribute.Bool("kademlia.want_value", wantValue),
	))
	defer span.End()

	k, alpha := n.config.K, n.config.Alpha
	log := n.logger.With().Str("target", target.Short()).Bool("want_value", wantValue).Logger()

	// Init: seed from the routing table
	seen := make(map[keyspace.ID]*candidate)
	var shortlist []*candidate
	for _, c := range n.table.ClosestNodes(target, k) {
		cand := &candidate{contact: c}
		seen[c.ID] = cand
		shortlist = append(shortlist, cand)
	}
	n.table.MarkRefreshed(keyspace.BucketIndex(n.id, target))

	result := &lookupResult{}

	for {
		if err := ctx.Err(); err != nil {
			// deadline reached: report what we have
			log.Debug().Err(err).Int("round", result.Rounds).Msg("Lookup stopped early")
			break
		}

		// Round: pick up to alpha of the closest unqueried candidates
		batch := make([]*candidate, 0, alpha)
		for _, cand := range shortlist {
			if len(batch) == alpha {
				break
			}
			if cand.state == stateUnqueried {
				cand.state = statePending
				batch = append(batch, cand)
			}
		}
		if len(batch) == 0 {
			break
		}
		result.Rounds++

		replies := n.probe(ctx, remote, target, wantValue, batch)

		// Merge
		for _, r := range replies {
			if r.err != nil {
				r.from.state = stateFailed
				result.Failed++
				log.Debug().
					Err(r.err).
					Str("contact", r.from.contact.ID.Short()).
					Str("addr", r.from.contact.Addr).
					Msg("Lookup probe failed")
				continue
			}

			r.from.state = stateContacted
			result.Contacted++

			if r.value != nil && !result.Found {
				result.Found = true
				result.Value = r.value
				result.Holder = r.from.contact
			}

			for _, c := range r.contacts {
				if c.ID == n.id {
					continue
				}
				if _, ok := seen[c.ID]; ok {
					continue
				}
				cand := &candidate{contact: c}
				seen[c.ID] = cand
				shortlist = append(shortlist, cand)
			}
		}

		// Convergence: sort, drop failures, keep the K closest
		shortlist = converge(shortlist, target, k)

		log.Debug().
			Int("round", result.Rounds).
			Int("queried", len(batch)).
			Int("shortlist", len(shortlist)).
			Msg("Lookup round complete")

		if result.Found {
			break
		}
	}

	for _, cand := range shortlist {
		if cand.state == stateContacted {
			result.Closest = append(result.Closest, cand.contact)
		}
	}

	span.SetAttributes(
		attribute.Int("kademlia.rounds", result.Rounds),
		attribute.Int("kademlia.contacted", result.Contacted),
		attribute.Int("kademlia.failed", result.Failed),
		attribute.Bool("kademlia.found", result.Found),
	)
	if err := n.ctx.Err(); err != nil {
		span.SetStatus(codes.Error, "node shutting down")
		return nil, fmt.Errorf("lookup aborted: %w", err)
	}

	log.Debug().
		Int("rounds", result.Rounds).
		Int("contacted", result.Contacted).
		Int("failed", result.Failed).
		Int("closest", len(result.Closest)).
		Bool("found", result.Found).
		Msg("Lookup finished")

	return result, nil
}

// probe queries every candidate in batch concurrently and waits for all replies.
func (n *Node) probe(ctx context.Context, remote RemoteClient, target keyspace.ID, wantValue bool, batch []*candidate) []probeReply {
	replies := make([]probeReply, len(batch))

	var wg sync.WaitGroup
	for i, cand := range batch {
		wg.Add(1)
		go func(i int, cand *candidate) {
			defer wg.Done()

			reply := probeReply{from: cand}
			if wantValue {
				reply.value, reply.contacts, reply.err = remote.FindValue(ctx, cand.contact.Addr, target)
			} else {
				reply.contacts, reply.err = remote.FindNode(ctx, cand.contact.Addr, target)
			}
			replies[i] = reply
		}(i, cand)
	}
	wg.Wait()

	return replies
}

// converge drops failed candidates, sorts the rest by distance to target and
// truncates to k.
func converge(shortlist []*candidate, target keyspace.ID, k int) []*candidate {
	kept := shortlist[:0]
	for _, cand := range shortlist {
		if cand.state != stateFailed {
			kept = append(kept, cand)
		}
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return keyspace.Closer(target, kept[i].contact.ID, kept[j].contact.ID)
	})

	if len(kept) > k {
		kept = kept[:k]
	}
	return kept
}
