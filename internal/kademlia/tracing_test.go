package kademlia

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/zde37/kademlia/internal/storage"
	"github.com/zde37/kademlia/pkg"
	"github.com/zde37/kademlia/pkg/keyspace"
)

func spanAttrs(s sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	attrs := make(map[attribute.Key]attribute.Value)
	for _, kv := range s.Attributes() {
		attrs[kv.Key] = kv.Value
	}
	return attrs
}

func TestOperationsRecordSpans(t *testing.T) {
	ctx := context.Background()
	net := newFakeNetwork()
	peers := createCluster(t, net, 4)

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { tp.Shutdown(context.Background()) })

	node, err := NewNode(testConfig(), pkg.Nop(),
		WithAddress("10.1.0.1:8468"),
		WithBackend(storage.NewMemoryBackend()),
		WithTracerProvider(tp),
	)
	require.NoError(t, err)
	defer node.Shutdown()

	node.SetRemote(&fakeRemote{net: net, self: node, stores: make(map[string]int)})
	net.add(node)
	for _, p := range peers {
		node.Observe(p.Contact())
	}

	key := keyspace.HashString("traced")
	acked, err := node.StoreValue(ctx, key, []byte("v"))
	require.NoError(t, err)

	_, err = node.FetchValue(ctx, keyspace.HashString("absent"))
	require.NoError(t, err)

	byName := make(map[string][]sdktrace.ReadOnlySpan)
	for _, s := range recorder.Ended() {
		byName[s.Name()] = append(byName[s.Name()], s)
	}

	require.Len(t, byName["kademlia.store"], 1)
	store := spanAttrs(byName["kademlia.store"][0])
	assert.Equal(t, int64(acked), store["kademlia.replicas"].AsInt64())

	require.Len(t, byName["kademlia.fetch"], 1)
	assert.False(t, spanAttrs(byName["kademlia.fetch"][0])["kademlia.found"].AsBool())

	// one lookup for the replication targets, one for the fetch
	lookups := byName["kademlia.lookup"]
	require.Len(t, lookups, 2)
	for _, l := range lookups {
		attrs := spanAttrs(l)
		assert.GreaterOrEqual(t, attrs["kademlia.rounds"].AsInt64(), int64(1))
		assert.Equal(t, int64(len(peers)), attrs["kademlia.contacted"].AsInt64())

		// lookups nest under the operation that started them
		assert.True(t, l.Parent().IsValid())
	}
}

func TestNodeWithoutTracerProviderUsesGlobal(t *testing.T) {
	net := newFakeNetwork()
	node := createTestNode(t, net)

	_, span := node.tracer.Start(context.Background(), "noop")
	defer span.End()
	assert.False(t, span.SpanContext().IsSampled())
}
