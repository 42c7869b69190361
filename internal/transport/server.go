package transport

import (
	"net"

	"github.com/zde37/kademlia/internal/routing"
)

// serve answers one request on the read loop.
func (t *UDPTransport) serve(src *net.UDPAddr, sender routing.Contact, req *Message) {
	resp := &Message{
		RequestID: req.RequestID,
		Sender:    t.self,
	}

	switch req.Kind {
	case KindPing:
		t.logger.Debug().Str("from", sender.ID.Short()).Msg("Ping called")
		resp.Kind = KindPong

	case KindStore:
		t.logger.Debug().
			Str("from", sender.ID.Short()).
			Str("key", req.Target.Short()).
			Int("size", len(req.Value)).
			Msg("Store called")
		resp.Kind = KindStored
		resp.Success = t.handler.HandleStore(t.ctx, sender, req.Target, req.Value)

	case KindFindNode:
		t.logger.Debug().
			Str("from", sender.ID.Short()).
			Str("target", req.Target.Short()).
			Msg("FindNode called")
		resp.Kind = KindNodesFound
		resp.Nodes = toNodeInfos(t.handler.HandleFindNode(t.ctx, sender, req.Target))

	case KindFindValue:
		t.logger.Debug().
			Str("from", sender.ID.Short()).
			Str("key", req.Target.Short()).
			Msg("FindValue called")
		value, found, closest := t.handler.HandleFindValue(t.ctx, sender, req.Target)
		if found {
			resp.Kind = KindValueFound
			resp.Value = value
		} else {
			resp.Kind = KindNodesFound
			resp.Nodes = toNodeInfos(closest)
		}

	default:
		return
	}

	if err := t.send(src, resp); err != nil {
		t.logger.Warn().
			Err(err).
			Str("to", src.String()).
			Str("kind", resp.Kind.String()).
			Msg("Failed to send response")
	}
}

func toNodeInfos(contacts []routing.Contact) []NodeInfo {
	if len(contacts) == 0 {
		return nil
	}
	out := make([]NodeInfo, len(contacts))
	for i, c := range contacts {
		out[i] = NodeInfo{ID: c.ID, Addr: c.Addr}
	}
	return out
}

func toContacts(nodes []NodeInfo) []routing.Contact {
	out := make([]routing.Contact, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, routing.Contact{ID: n.ID, Addr: n.Addr})
	}
	return out
}
