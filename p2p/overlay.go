package p2p

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"io"
	"sync"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	libp2pproto "github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	routingdiscovery "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"github.com/multiformats/go-multiaddr"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/loomhq/syncengine/config"
)

// SyncProtocol is the stream protocol for authenticated peer sessions.
const SyncProtocol = "/loom/sync/1.0.0"

// LoadOrCreateIdentity returns the overlay identity key from the config,
// generating a fresh ed25519 key when none is set. The second return is
// true when a key was generated and the config should be saved.
func LoadOrCreateIdentity(cfg *config.P2PConfig) (crypto.PrivKey, bool, error) {
	if cfg.PeerPrivKey != "" {
		keyBytes, err := hex.DecodeString(cfg.PeerPrivKey)
		if err != nil {
			return nil, false, errors.Wrap(err, "load identity")
		}

		privKey, err := crypto.UnmarshalPrivateKey(keyBytes)
		if err != nil {
			return nil, false, errors.Wrap(err, "load identity")
		}

		return privKey, false, nil
	}

	privKey, _, err := crypto.GenerateKeyPairWithReader(
		crypto.Ed25519,
		-1,
		rand.Reader,
	)
	if err != nil {
		return nil, false, errors.Wrap(err, "load identity")
	}

	keyBytes, err := crypto.MarshalPrivateKey(privKey)
	if err != nil {
		return nil, false, errors.Wrap(err, "load identity")
	}
	cfg.PeerPrivKey = hex.EncodeToString(keyBytes)

	return privKey, true, nil
}

type topicHandler struct {
	topic        *pubsub.Topic
	subscription *pubsub.Subscription
	cancel       context.CancelFunc
}

// Overlay is the direct peer transport: a libp2p host with gossipsub
// fan-out, DHT routing discovery for topic members and mDNS for LAN peers.
type Overlay struct {
	logger  *zap.Logger
	cfg     *config.P2PConfig
	privKey crypto.PrivKey

	onMessage        func(topic string, from string, data []byte)
	onStream         func(stream network.Stream)
	onPeerDisconnect func(peerID string)

	mu          sync.Mutex
	started     bool
	ctx         context.Context
	cancel      context.CancelFunc
	host        host.Host
	pubsub      *pubsub.PubSub
	dht         *dht.IpfsDHT
	mdnsService mdns.Service
	topics      map[string]*topicHandler
}

func NewOverlay(
	logger *zap.Logger,
	cfg *config.P2PConfig,
	privKey crypto.PrivKey,
) *Overlay {
	return &Overlay{
		logger:  logger.Named("overlay"),
		cfg:     cfg,
		privKey: privKey,
		topics:  make(map[string]*topicHandler),
	}
}

// SetOnMessage installs the topic message sink. Must be called before Start.
func (o *Overlay) SetOnMessage(fn func(topic string, from string, data []byte)) {
	o.onMessage = fn
}

// SetOnStream installs the inbound session stream handler. Must be called
// before Start.
func (o *Overlay) SetOnStream(fn func(stream network.Stream)) {
	o.onStream = fn
}

// SetOnPeerDisconnected installs the peer teardown hook, fired when the
// last connection to a peer closes. Must be called before Start.
func (o *Overlay) SetOnPeerDisconnected(fn func(peerID string)) {
	o.onPeerDisconnect = fn
}

type discoveryNotifee struct {
	host host.Host
}

func (n *discoveryNotifee) HandlePeerFound(info peer.AddrInfo) {
	_ = n.host.Connect(context.Background(), info)
}

func (o *Overlay) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.started {
		return errors.Wrap(errors.New("already started"), "start overlay")
	}

	o.ctx, o.cancel = context.WithCancel(ctx)

	var kdht *dht.IpfsDHT
	h, err := libp2p.New(
		libp2p.Identity(o.privKey),
		libp2p.ListenAddrStrings(o.cfg.ListenMultiaddrs...),
		libp2p.NATPortMap(),
		libp2p.EnableHolePunching(),
		libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			var err error
			kdht, err = dht.New(o.ctx, h, dht.Mode(dht.ModeAuto))
			return kdht, err
		}),
	)
	if err != nil {
		o.cancel()
		return errors.Wrap(err, "start overlay")
	}

	for _, addr := range o.cfg.BootstrapPeers {
		maddr, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			o.logger.Warn("invalid bootstrap multiaddr", zap.String("addr", addr))
			continue
		}

		info, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			o.logger.Warn("invalid bootstrap peer", zap.String("addr", addr))
			continue
		}

		if err := h.Connect(o.ctx, *info); err != nil {
			o.logger.Debug(
				"bootstrap connect failed",
				zap.String("peer", info.ID.String()),
				zap.Error(err),
			)
		}
	}

	if kdht != nil {
		if err := kdht.Bootstrap(o.ctx); err != nil {
			o.logger.Warn("dht bootstrap failed", zap.Error(err))
		}
	}

	mdnsService := mdns.NewMdnsService(
		h,
		o.cfg.DiscoveryServiceTag,
		&discoveryNotifee{host: h},
	)
	if err := mdnsService.Start(); err != nil {
		h.Close()
		o.cancel()
		return errors.Wrap(err, "start overlay")
	}

	var ps *pubsub.PubSub
	if kdht != nil {
		ps, err = pubsub.NewGossipSub(
			o.ctx,
			h,
			pubsub.WithDiscovery(routingdiscovery.NewRoutingDiscovery(kdht)),
		)
	} else {
		ps, err = pubsub.NewGossipSub(o.ctx, h)
	}
	if err != nil {
		mdnsService.Close()
		h.Close()
		o.cancel()
		return errors.Wrap(err, "start overlay")
	}

	if o.onStream != nil {
		h.SetStreamHandler(libp2pproto.ID(SyncProtocol), o.onStream)
	}

	if o.onPeerDisconnect != nil {
		h.Network().Notify(&network.NotifyBundle{
			DisconnectedF: func(n network.Network, conn network.Conn) {
				remote := conn.RemotePeer()
				if n.Connectedness(remote) == network.Connected {
					// Another connection to the peer is still up.
					return
				}
				o.onPeerDisconnect(remote.String())
			},
		})
	}

	o.host = h
	o.pubsub = ps
	o.dht = kdht
	o.mdnsService = mdnsService
	o.started = true

	o.logger.Info(
		"overlay started",
		zap.String("peer_id", h.ID().String()),
	)

	return nil
}

func (o *Overlay) Stop() error {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = false

	for topic, handler := range o.topics {
		handler.cancel()
		handler.subscription.Cancel()
		handler.topic.Close()
		delete(o.topics, topic)
	}

	mdnsService := o.mdnsService
	kdht := o.dht
	h := o.host
	cancel := o.cancel
	o.mu.Unlock()

	cancel()
	if mdnsService != nil {
		mdnsService.Close()
	}
	if kdht != nil {
		kdht.Close()
	}

	return errors.Wrap(h.Close(), "stop overlay")
}

// PeerID returns the local overlay identity.
func (o *Overlay) PeerID() string {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.host == nil {
		return ""
	}
	return o.host.ID().String()
}

// JoinTopic subscribes the local peer to a workspace topic. Idempotent.
func (o *Overlay) JoinTopic(topic string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.started {
		return errors.Wrap(errors.New("overlay not started"), "join topic")
	}
	if _, ok := o.topics[topic]; ok {
		return nil
	}

	t, err := o.pubsub.Join(topic)
	if err != nil {
		return errors.Wrap(err, "join topic")
	}

	sub, err := t.Subscribe()
	if err != nil {
		t.Close()
		return errors.Wrap(err, "join topic")
	}

	ctx, cancel := context.WithCancel(o.ctx)
	o.topics[topic] = &topicHandler{
		topic:        t,
		subscription: sub,
		cancel:       cancel,
	}

	go o.readFromTopic(ctx, topic, sub)
	topicJoinsTotal.Inc()

	return nil
}

// LeaveTopic unsubscribes from a workspace topic. Idempotent.
func (o *Overlay) LeaveTopic(topic string) error {
	o.mu.Lock()
	handler, ok := o.topics[topic]
	delete(o.topics, topic)
	o.mu.Unlock()

	if !ok {
		return nil
	}

	handler.cancel()
	handler.subscription.Cancel()
	return errors.Wrap(handler.topic.Close(), "leave topic")
}

func (o *Overlay) readFromTopic(
	ctx context.Context,
	topic string,
	sub *pubsub.Subscription,
) {
	self := o.host.ID()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				o.logger.Debug("topic read ended", zap.Error(err))
			}
			return
		}

		if msg.ReceivedFrom == self {
			continue
		}

		if o.onMessage != nil {
			o.onMessage(topic, msg.GetFrom().String(), msg.Data)
		}
	}
}

// Publish fans one frame out to every subscriber of the topic.
func (o *Overlay) Publish(topic string, data []byte) error {
	o.mu.Lock()
	handler, ok := o.topics[topic]
	o.mu.Unlock()

	if !ok {
		return errors.Wrap(errors.New("topic not joined"), "publish")
	}

	return errors.Wrap(handler.topic.Publish(o.ctx, data), "publish")
}

// TopicPeers lists the peers currently seen on a topic.
func (o *Overlay) TopicPeers(topic string) []string {
	o.mu.Lock()
	ps := o.pubsub
	started := o.started
	o.mu.Unlock()

	if !started || ps == nil {
		return nil
	}

	ids := ps.ListPeers(topic)
	peers := make([]string, len(ids))
	for i, id := range ids {
		peers[i] = id.String()
	}
	return peers
}

// Connected reports whether the overlay host is up and has at least one
// live connection.
func (o *Overlay) Connected() bool {
	o.mu.Lock()
	h := o.host
	started := o.started
	o.mu.Unlock()

	if !started || h == nil {
		return false
	}
	return len(h.Network().Peers()) > 0
}

// OpenSession dials the sync stream protocol to a peer.
func (o *Overlay) OpenSession(ctx context.Context, peerID string) (
	network.Stream,
	error,
) {
	o.mu.Lock()
	h := o.host
	started := o.started
	o.mu.Unlock()

	if !started || h == nil {
		return nil, errors.Wrap(errors.New("overlay not started"), "open session")
	}

	id, err := peer.Decode(peerID)
	if err != nil {
		return nil, errors.Wrap(err, "open session")
	}

	stream, err := h.NewStream(ctx, id, libp2pproto.ID(SyncProtocol))
	if err != nil {
		return nil, errors.Wrap(err, "open session")
	}

	return stream, nil
}

// Stream framing: 4-byte big-endian length prefix per envelope.

func WriteFrame(w io.Writer, data []byte) error {
	length := make([]byte, 4)
	binary.BigEndian.PutUint32(length, uint32(len(data)))

	if _, err := w.Write(length); err != nil {
		return errors.Wrap(err, "write frame")
	}

	_, err := w.Write(data)
	return errors.Wrap(err, "write frame")
}

func ReadFrame(r io.Reader) ([]byte, error) {
	length := make([]byte, 4)
	if _, err := io.ReadFull(r, length); err != nil {
		return nil, errors.Wrap(err, "read frame")
	}

	size := binary.BigEndian.Uint32(length)
	if size > maxFrameSize {
		return nil, errors.Wrap(errors.New("frame too large"), "read frame")
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, errors.Wrap(err, "read frame")
	}

	return data, nil
}

const maxFrameSize = 16 << 20
