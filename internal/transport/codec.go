package transport

import (
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/zde37/kademlia/pkg"
	"github.com/zde37/kademlia/pkg/keyspace"
)

const (
	// MaxFrameSize is the largest encoded message that fits in one IPv4 UDP
	// datagram: 65535 minus the 8 byte UDP and 20 byte IP headers.
	MaxFrameSize = 65507

	// storeOverhead is the size of a STORE frame without its value bytes:
	// kind (2), request id (18), sender (22), key (22) and the value field's
	// tag and three byte length prefix.
	storeOverhead = 2 + 18 + 22 + 22 + 1 + 3

	// MaxValueSize is the largest value a single STORE can carry.
	MaxValueSize = MaxFrameSize - storeOverhead
)

// Kind identifies the message type on the wire.
type Kind uint8

const (
	KindPing Kind = iota + 1
	KindPong
	KindStore
	KindStored
	KindFindNode
	KindFindValue
	KindNodesFound
	KindValueFound
)

var kindNames = map[Kind]string{
	KindPing:       "PING",
	KindPong:       "PONG",
	KindStore:      "STORE",
	KindStored:     "STORED",
	KindFindNode:   "FIND_NODE",
	KindFindValue:  "FIND_VALUE",
	KindNodesFound: "NODES_FOUND",
	KindValueFound: "VALUE_FOUND",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// IsRequest reports whether k is sent by a client and expects a reply.
func (k Kind) IsRequest() bool {
	switch k {
	case KindPing, KindStore, KindFindNode, KindFindValue:
		return true
	}
	return false
}

// hasTarget reports whether messages of kind k carry a key or target id.
func (k Kind) hasTarget() bool {
	return k == KindStore || k == KindFindNode || k == KindFindValue
}

// hasValue reports whether messages of kind k carry a value, possibly empty.
func (k Kind) hasValue() bool {
	return k == KindStore || k == KindValueFound
}

// NodeInfo is a contact as sent on the wire.
type NodeInfo struct {
	ID   keyspace.ID
	Addr string
}

// Message is a single request or response.
type Message struct {
	Kind Kind

	// RequestID correlates a response with its request.
	RequestID uuid.UUID

	// Sender is the identifier of the node that sent the message.
	Sender keyspace.ID

	// Target is the key for STORE/FIND_VALUE and the lookup target for FIND_NODE.
	Target keyspace.ID

	Value   []byte
	Success bool
	Nodes   []NodeInfo
}

// Wire field numbers.
const (
	fieldKind      protowire.Number = 1
	fieldRequestID protowire.Number = 2
	fieldSender    protowire.Number = 3
	fieldTarget    protowire.Number = 4
	fieldValue     protowire.Number = 5
	fieldSuccess   protowire.Number = 6
	fieldNodes     protowire.Number = 7

	fieldNodeID   protowire.Number = 1
	fieldNodeAddr protowire.Number = 2
)

// Marshal encodes m. It fails with pkg.ErrMessageTooLarge when the result
// would not fit in a single datagram.
func Marshal(m *Message) ([]byte, error) {
	if _, ok := kindNames[m.Kind]; !ok {
		return nil, fmt.Errorf("unknown message kind %d", m.Kind)
	}

	b := make([]byte, 0, 64+len(m.Value)+len(m.Nodes)*48)

	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Kind))

	b = protowire.AppendTag(b, fieldRequestID, protowire.BytesType)
	b = protowire.AppendBytes(b, m.RequestID[:])

	b = protowire.AppendTag(b, fieldSender, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Sender[:])

	if m.Kind.hasTarget() {
		b = protowire.AppendTag(b, fieldTarget, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Target[:])
	}

	if m.Kind.hasValue() {
		b = protowire.AppendTag(b, fieldValue, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Value)
	}

	if m.Success {
		b = protowire.AppendTag(b, fieldSuccess, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}

	for _, n := range m.Nodes {
		var nb []byte
		nb = protowire.AppendTag(nb, fieldNodeID, protowire.BytesType)
		nb = protowire.AppendBytes(nb, n.ID[:])
		nb = protowire.AppendTag(nb, fieldNodeAddr, protowire.BytesType)
		nb = protowire.AppendString(nb, n.Addr)

		b = protowire.AppendTag(b, fieldNodes, protowire.BytesType)
		b = protowire.AppendBytes(b, nb)
	}

	if len(b) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", pkg.ErrMessageTooLarge, len(b))
	}
	return b, nil
}

// Unmarshal decodes a datagram. Unknown fields are skipped. Any structural
// problem is reported as pkg.ErrMalformedMessage.
func Unmarshal(b []byte) (*Message, error) {
	if len(b) > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame of %d bytes", pkg.ErrMalformedMessage, len(b))
	}

	m := &Message{}
	var seenKind, seenID, seenSender, seenTarget bool

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, malformed("tag", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, malformed("kind", protowire.ParseError(n))
			}
			if v > 0xff {
				return nil, malformed("kind", fmt.Errorf("value %d out of range", v))
			}
			m.Kind = Kind(v)
			seenKind = true
			b = b[n:]

		case num == fieldRequestID && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed("request id", protowire.ParseError(n))
			}
			id, err := uuid.FromBytes(v)
			if err != nil {
				return nil, malformed("request id", err)
			}
			m.RequestID = id
			seenID = true
			b = b[n:]

		case num == fieldSender && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed("sender", protowire.ParseError(n))
			}
			id, err := keyspace.FromBytes(v)
			if err != nil {
				return nil, malformed("sender", err)
			}
			m.Sender = id
			seenSender = true
			b = b[n:]

		case num == fieldTarget && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed("target", protowire.ParseError(n))
			}
			id, err := keyspace.FromBytes(v)
			if err != nil {
				return nil, malformed("target", err)
			}
			m.Target = id
			seenTarget = true
			b = b[n:]

		case num == fieldValue && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed("value", protowire.ParseError(n))
			}
			m.Value = append([]byte{}, v...)
			b = b[n:]

		case num == fieldSuccess && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, malformed("success", protowire.ParseError(n))
			}
			m.Success = protowire.DecodeBool(v)
			b = b[n:]

		case num == fieldNodes && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed("nodes", protowire.ParseError(n))
			}
			node, err := unmarshalNode(v)
			if err != nil {
				return nil, malformed("nodes", err)
			}
			m.Nodes = append(m.Nodes, node)
			b = b[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, malformed("unknown field", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if !seenKind || !seenID || !seenSender {
		return nil, fmt.Errorf("%w: missing header fields", pkg.ErrMalformedMessage)
	}
	if _, ok := kindNames[m.Kind]; !ok {
		return nil, fmt.Errorf("%w: unknown kind %d", pkg.ErrMalformedMessage, m.Kind)
	}
	if m.Kind.hasTarget() && !seenTarget {
		return nil, fmt.Errorf("%w: %s without target", pkg.ErrMalformedMessage, m.Kind)
	}
	if m.Kind.hasValue() && m.Value == nil {
		m.Value = []byte{}
	}
	return m, nil
}

func unmarshalNode(b []byte) (NodeInfo, error) {
	var node NodeInfo
	var seenID bool

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return node, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldNodeID && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return node, protowire.ParseError(n)
			}
			id, err := keyspace.FromBytes(v)
			if err != nil {
				return node, err
			}
			node.ID = id
			seenID = true
			b = b[n:]
		case num == fieldNodeAddr && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return node, protowire.ParseError(n)
			}
			node.Addr = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return node, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}

	if !seenID || node.Addr == "" {
		return node, fmt.Errorf("node entry needs both id and addr")
	}
	return node, nil
}

func malformed(field string, err error) error {
	return fmt.Errorf("%w: %s: %v", pkg.ErrMalformedMessage, field, err)
}
