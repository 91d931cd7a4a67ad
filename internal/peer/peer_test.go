package peer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/assetstore/internal/asset"
	"git.home.luguber.info/inful/assetstore/internal/errors"
)

// memBus delivers every publish synchronously to the current subscribers.
type memBus struct {
	mu       sync.Mutex
	handlers map[string]map[int]func([]byte)
	nextID   int
	closed   bool
	fail     error
}

func newMemBus() *memBus {
	return &memBus{handlers: make(map[string]map[int]func([]byte))}
}

func (b *memBus) Publish(subject string, data []byte) error {
	b.mu.Lock()
	if b.fail != nil {
		b.mu.Unlock()
		return b.fail
	}
	var hs []func([]byte)
	for _, h := range b.handlers[subject] {
		hs = append(hs, h)
	}
	b.mu.Unlock()
	for _, h := range hs {
		h(data)
	}
	return nil
}

func (b *memBus) Subscribe(subject string, handler func([]byte)) (func() error, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers[subject] == nil {
		b.handlers[subject] = make(map[int]func([]byte))
	}
	id := b.nextID
	b.nextID++
	b.handlers[subject][id] = handler
	return func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[subject], id)
		return nil
	}, nil
}

func (b *memBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

type mapStore struct {
	mu     sync.Mutex
	assets map[asset.Digest]*asset.Asset
}

func newMapStore() *mapStore { return &mapStore{assets: make(map[asset.Digest]*asset.Asset)} }

func (s *mapStore) Put(a *asset.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets[a.Digest()] = a
	return nil
}

func (s *mapStore) Get(d asset.Digest) (*asset.Asset, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[d]
	return a, ok
}

func TestRequestServedAndDelivered(t *testing.T) {
	bus := newMemBus()
	client := New(bus, WithSubjectPrefix("table1"), WithOrigin("player"))
	server := New(bus, WithSubjectPrefix("table1"))

	held, err := asset.Create("dragon", []byte("dragon token"), asset.KindImage)
	require.NoError(t, err)
	source := newMapStore()
	require.NoError(t, source.Put(held))
	sink := newMapStore()

	require.NoError(t, client.Subscribe(sink))
	require.NoError(t, server.Serve(source))

	require.NoError(t, client.RequestAsset(t.Context(), held.Digest()))
	got, ok := sink.Get(held.Digest())
	require.True(t, ok)
	assert.True(t, held.Equal(got))

	// Unknown digests are ignored by the server.
	missing := asset.Of([]byte("nobody has this"))
	require.NoError(t, client.RequestAsset(t.Context(), missing))
	_, ok = sink.Get(missing)
	assert.False(t, ok)

	require.NoError(t, client.Close())
	require.NoError(t, server.Close())
	assert.True(t, bus.closed)
	assert.Empty(t, bus.handlers["table1.deliver"])
}

func TestTamperedDeliveryDropped(t *testing.T) {
	bus := newMemBus()
	p := New(bus)
	sink := newMapStore()
	require.NoError(t, p.Subscribe(sink))

	d := asset.Of([]byte("original"))
	data, err := Marshal(Delivery{Digest: d.String(), Name: "x", Kind: "Text", Data: []byte("tampered")})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(p.DeliverySubject(), data))
	_, ok := sink.Get(d)
	assert.False(t, ok)

	require.NoError(t, bus.Publish(p.DeliverySubject(), []byte{0xff, 0x00}))
	assert.Empty(t, sink.assets)
}

func TestDecodeDelivery(t *testing.T) {
	payload := []byte(`{"hp": 12}`)
	data, err := Marshal(Delivery{
		Digest:    asset.Of(payload).String(),
		Name:      "goblin",
		Kind:      "Json",
		Extension: "json",
		Data:      payload,
	})
	require.NoError(t, err)

	a, err := decodeDelivery(data)
	require.NoError(t, err)
	assert.Equal(t, asset.KindJSON, a.Kind())
	assert.Equal(t, "goblin", a.Name())

	data, err = Marshal(Delivery{Digest: asset.Of(payload).String(), Kind: "NoSuchKind", Data: payload})
	require.NoError(t, err)
	a, err = decodeDelivery(data)
	require.NoError(t, err)
	assert.Equal(t, asset.KindGenericData, a.Kind())

	data, err = Marshal(Delivery{Digest: "short", Data: payload})
	require.NoError(t, err)
	_, err = decodeDelivery(data)
	assert.Error(t, err)

	data, err = Marshal(Delivery{Digest: asset.Of([]byte("other")).String(), Data: payload})
	require.NoError(t, err)
	_, err = decodeDelivery(data)
	assert.True(t, errors.IsCategory(err, errors.CategoryIntegrity))
}

func TestDeterministicEncoding(t *testing.T) {
	msg := Request{Digest: asset.Of([]byte("x")).String(), Origin: "gm"}
	a, err := Marshal(msg)
	require.NoError(t, err)
	b, err := Marshal(msg)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	type future struct {
		Digest string `cbor:"digest"`
		Extra  int    `cbor:"extra"`
	}
	data, err := Marshal(future{Digest: msg.Digest, Extra: 7})
	require.NoError(t, err)
	var decoded Request
	require.NoError(t, Unmarshal(data, &decoded))
	assert.Equal(t, msg.Digest, decoded.Digest)
}

func TestRequestRateLimited(t *testing.T) {
	bus := newMemBus()
	p := New(bus, WithRate(1))
	d := asset.Of([]byte("x"))

	require.NoError(t, p.RequestAsset(t.Context(), d))

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	err := p.RequestAsset(ctx, d)
	assert.Error(t, err)
}

func TestRequestPublishFailure(t *testing.T) {
	bus := newMemBus()
	bus.fail = fmt.Errorf("nats: connection closed")
	p := New(bus)

	err := p.RequestAsset(t.Context(), asset.Of([]byte("x")))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryTransport))
	assert.Equal(t, "assets.request", p.RequestSubject())
}
