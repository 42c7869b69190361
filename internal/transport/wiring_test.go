package transport_test

import (
	"github.com/zde37/kademlia/internal/kademlia"
	"github.com/zde37/kademlia/internal/transport"
)

var (
	_ kademlia.RemoteClient = (*transport.UDPTransport)(nil)
	_ transport.Handler     = (*kademlia.Node)(nil)
)
