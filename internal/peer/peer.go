// Package peer talks to the authoritative source over NATS. Escalations
// are published as requests; deliveries arrive on a separate subject and
// are stored like any other cache population.
package peer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
	"golang.org/x/time/rate"

	"git.home.luguber.info/inful/assetstore/internal/asset"
	"git.home.luguber.info/inful/assetstore/internal/errors"
	"git.home.luguber.info/inful/assetstore/internal/logfields"
)

// DefaultSubjectPrefix namespaces the request and delivery subjects.
const DefaultSubjectPrefix = "assets"

// Bus is the message transport. NATSBus adapts a *nats.Conn.
type Bus interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(data []byte)) (unsubscribe func() error, err error)
	Close()
}

// Sink stores delivered assets.
type Sink interface {
	Put(a *asset.Asset) error
}

// Source answers requests when serving.
type Source interface {
	Get(d asset.Digest) (*asset.Asset, bool)
}

// Peer publishes escalations and consumes deliveries.
type Peer struct {
	bus     Bus
	prefix  string
	origin  string
	limiter *rate.Limiter
	logger  *slog.Logger

	mu   sync.Mutex
	subs []func() error
}

// Option configures a Peer.
type Option func(*Peer)

// WithSubjectPrefix replaces DefaultSubjectPrefix.
func WithSubjectPrefix(prefix string) Option {
	return func(p *Peer) {
		if prefix != "" {
			p.prefix = prefix
		}
	}
}

// WithRate limits published requests per second; zero or less is unlimited.
func WithRate(perSecond float64) Option {
	return func(p *Peer) {
		if perSecond <= 0 {
			p.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		burst := max(int(perSecond), 1)
		p.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithOrigin tags outgoing requests, e.g. with the host name.
func WithOrigin(origin string) Option { return func(p *Peer) { p.origin = origin } }

func WithLogger(l *slog.Logger) Option { return func(p *Peer) { p.logger = l } }

// New creates a peer over bus.
func New(bus Bus, opts ...Option) *Peer {
	p := &Peer{
		bus:     bus,
		prefix:  DefaultSubjectPrefix,
		limiter: rate.NewLimiter(rate.Inf, 0),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Connect dials a NATS server and returns a peer over it.
func Connect(url string, opts ...Option) (*Peer, error) {
	conn, err := nats.Connect(url,
		nats.Name("assetstore"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	p := New(NewNATSBus(conn), opts...)
	p.logger.Info("NATS peer connected", logfields.URL(url), slog.String("subject_prefix", p.prefix))
	return p, nil
}

// RequestSubject is where escalations are published.
func (p *Peer) RequestSubject() string { return p.prefix + ".request" }

// DeliverySubject is where assets are delivered.
func (p *Peer) DeliverySubject() string { return p.prefix + ".deliver" }

// RequestAsset publishes a request for d. It does not wait for an answer.
func (p *Peer) RequestAsset(ctx context.Context, d asset.Digest) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("request %s: %w", d, err)
	}
	data, err := Marshal(Request{Digest: d.String(), Origin: p.origin})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	if err := p.bus.Publish(p.RequestSubject(), data); err != nil {
		return errors.Transport(p.RequestSubject(), err)
	}
	p.logger.Debug("Published asset request", logfields.Digest(d.String()))
	return nil
}

// Subscribe stores every verified delivery in sink. Deliveries whose bytes
// do not hash to their digest are dropped.
func (p *Peer) Subscribe(sink Sink) error {
	return p.subscribe(p.DeliverySubject(), func(data []byte) {
		a, err := decodeDelivery(data)
		if err != nil {
			p.logger.Warn("Dropped peer delivery", logfields.Error(err))
			return
		}
		if err := sink.Put(a); err != nil {
			p.logger.Warn("Could not store peer delivery", logfields.Digest(a.Digest().String()), logfields.Error(err))
			return
		}
		p.logger.Info("Asset delivered by peer", logfields.Digest(a.Digest().String()), logfields.Name(a.Name()))
	})
}

// Serve answers requests for assets that source holds.
func (p *Peer) Serve(source Source) error {
	return p.subscribe(p.RequestSubject(), func(data []byte) {
		var req Request
		if err := Unmarshal(data, &req); err != nil {
			p.logger.Warn("Dropped malformed asset request", logfields.Error(err))
			return
		}
		d, err := asset.ParseDigest(req.Digest)
		if err != nil {
			p.logger.Warn("Dropped asset request", logfields.Error(err))
			return
		}
		a, ok := source.Get(d)
		if !ok || a.IsBroken() {
			p.logger.Debug("Requested asset not held", logfields.Digest(d.String()))
			return
		}
		if err := p.Deliver(a); err != nil {
			p.logger.Warn("Could not deliver asset", logfields.Digest(d.String()), logfields.Error(err))
		}
	})
}

// Deliver publishes a to the delivery subject.
func (p *Peer) Deliver(a *asset.Asset) error {
	data, err := Marshal(Delivery{
		Digest:    a.Digest().String(),
		Name:      a.Name(),
		Kind:      a.Kind().String(),
		Extension: a.Extension(),
		Data:      a.Bytes(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal delivery: %w", err)
	}
	if err := p.bus.Publish(p.DeliverySubject(), data); err != nil {
		return errors.Transport(p.DeliverySubject(), err)
	}
	return nil
}

func (p *Peer) subscribe(subject string, handler func([]byte)) error {
	unsubscribe, err := p.bus.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	p.mu.Lock()
	p.subs = append(p.subs, unsubscribe)
	p.mu.Unlock()
	return nil
}

// Close drops subscriptions and closes the bus.
func (p *Peer) Close() error {
	p.mu.Lock()
	subs := p.subs
	p.subs = nil
	p.mu.Unlock()

	var firstErr error
	for _, unsubscribe := range subs {
		if err := unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.bus.Close()
	return firstErr
}

func decodeDelivery(data []byte) (*asset.Asset, error) {
	var msg Delivery
	if err := Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode delivery: %w", err)
	}
	d, err := asset.ParseDigest(msg.Digest)
	if err != nil {
		return nil, err
	}
	if got := asset.Of(msg.Data); got != d {
		return nil, errors.Integrity(d.String(), got.String(), "peer")
	}
	kind := asset.ParseKind(msg.Kind)
	if kind == asset.KindInvalid {
		kind = asset.KindGenericData
	}
	return asset.CreateWithExtension(msg.Name, msg.Extension, msg.Data, kind)
}

// NATSBus adapts a NATS connection to Bus.
type NATSBus struct {
	conn *nats.Conn
}

func NewNATSBus(conn *nats.Conn) *NATSBus { return &NATSBus{conn: conn} }

func (b *NATSBus) Publish(subject string, data []byte) error {
	return b.conn.Publish(subject, data)
}

func (b *NATSBus) Subscribe(subject string, handler func([]byte)) (func() error, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) { handler(msg.Data) })
	if err != nil {
		return nil, err
	}
	return sub.Unsubscribe, nil
}

func (b *NATSBus) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
}
