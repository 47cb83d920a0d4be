package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/loomhq/syncengine/config"
	"github.com/loomhq/syncengine/crdt"
	"github.com/loomhq/syncengine/engine"
	"github.com/loomhq/syncengine/keys"
	"github.com/loomhq/syncengine/p2p"
	"github.com/loomhq/syncengine/relay"
	"github.com/loomhq/syncengine/store"
	"github.com/loomhq/syncengine/verify"
)

var (
	configDirectory = flag.String(
		"config",
		filepath.Join(".", ".config"),
		"the configuration directory",
	)
	peerId = flag.Bool(
		"peer-id",
		false,
		"print the overlay peer id from the config and exit",
	)
	debug = flag.Bool(
		"debug",
		false,
		"sets log output to debug (verbose)",
	)
	prometheusServer = flag.String(
		"prometheus-server",
		"",
		"enable prometheus server on specified address (e.g. localhost:8080)",
	)
)

const prefReplicaID = "replicaId"

func main() {
	flag.Parse()

	cfg, err := config.Load(*configDirectory)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}

	// The host protocol owns stdout; all logging goes to stderr or the
	// configured log file.
	logger, err := cfg.CreateLogger(*debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to create logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	privKey, generated, err := p2p.LoadOrCreateIdentity(&cfg.P2P)
	if err != nil {
		logger.Fatal("failed to load overlay identity", zap.Error(err))
	}
	if generated {
		if err := config.Save(cfg); err != nil {
			logger.Fatal("failed to persist generated identity", zap.Error(err))
		}
	}

	if *peerId {
		id, err := peer.IDFromPublicKey(privKey.GetPublic())
		if err != nil {
			logger.Fatal("failed to derive peer id", zap.Error(err))
		}
		fmt.Println("Peer ID: " + id.String())
		return
	}

	if *prometheusServer != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Fatal(
				"failed to start prometheus server",
				zap.Error(http.ListenAndServe(*prometheusServer, mux)),
			)
		}()
	}

	db := store.NewPebbleDB(logger, &cfg.DB)
	defer db.Close()

	syncStore := store.NewSyncStore(db, logger)

	keyManager := keys.NewKeyManager(logger, syncStore)
	if err := keyManager.LoadPersisted(); err != nil {
		logger.Fatal("failed to load persisted keys", zap.Error(err))
	}

	replicaID, err := syncStore.GetPreference(prefReplicaID, "")
	if err != nil {
		logger.Fatal("failed to read replica id", zap.Error(err))
	}
	if replicaID == "" {
		replicaID = uuid.New().String()
		if err := syncStore.SetPreference(prefReplicaID, replicaID); err != nil {
			logger.Fatal("failed to persist replica id", zap.Error(err))
		}
	}

	crdtStore := crdt.NewStore(logger, keyManager, syncStore, replicaID)

	overlay := p2p.NewOverlay(logger, &cfg.P2P, privKey)

	var roomDialer relay.Dialer
	if cfg.Relay.ProxyAddr != "" {
		roomDialer, err = relay.NewProxiedDialer(cfg.Relay.ProxyAddr)
		if err != nil {
			logger.Fatal("failed to create proxied dialer", zap.Error(err))
		}
	} else {
		roomDialer = relay.NewWebsocketDialer()
	}

	// The engine is constructed after its transports, so the relay
	// callbacks close over the variable rather than the value.
	var eng *engine.Engine
	bridge := relay.NewBridge(
		logger,
		&cfg.Relay,
		roomDialer,
		func(room string) [][]byte {
			return eng.RelayHandshake(room)
		},
		func(room string, data []byte) {
			eng.Dispatch(engine.WireMessageEvent{
				Transport: "relay",
				TopicHash: room,
				Data:      data,
			})
		},
		func(room string, state relay.State) {
			eng.Dispatch(engine.RelayStateEvent{Room: room, State: state})
		},
	)

	transports, err := p2p.NewTransportManager(
		logger,
		&cfg.Relay,
		overlay,
		bridge,
		syncStore,
	)
	if err != nil {
		logger.Fatal("failed to create transport manager", zap.Error(err))
	}

	sessions := p2p.NewSessionHandler(
		logger,
		privKey,
		transports.TopicWorkspaces,
		func(peerID, topicHash string) {
			eng.SendSyncRequest(peerID, topicHash)
		},
		func(peerID, topicHash string) {
			eng.AnnouncePeer(peerID, topicHash)
		},
	)

	presence := p2p.NewPresenceTracker(
		logger,
		func(topicHash, peerID string, present bool) {
			eng.Dispatch(engine.PresenceChangedEvent{
				TopicHash: topicHash,
				PeerID:    peerID,
				Present:   present,
			})
		},
	)

	verifier := verify.NewService(
		logger,
		&cfg.Sync,
		crdtStore.Manifest,
		transports.Broadcast,
		func(result *verify.Result) {
			eng.Dispatch(engine.VerifyResultEvent{Result: result})
		},
	)

	recovery := verify.NewRecovery(
		logger,
		&cfg.Sync,
		syncStore,
		func() []string {
			workspaces := []string{}
			for _, workspaceID := range transports.TopicWorkspaces() {
				workspaces = append(workspaces, workspaceID)
			}
			return workspaces
		},
		func(workspaceID string, entityIDs []string) {
			eng.RequestEntitySync(workspaceID, entityIDs)
		},
	)

	control := engine.NewControlServer(logger, os.Stdin, os.Stdout)

	eng = engine.New(
		logger,
		cfg,
		syncStore,
		keyManager,
		crdtStore,
		transports,
		sessions,
		presence,
		verifier,
		recovery,
		control,
	)

	overlay.SetOnMessage(func(topic string, from string, data []byte) {
		eng.Dispatch(engine.WireMessageEvent{
			Transport: "overlay",
			TopicHash: topic,
			From:      from,
			Data:      data,
		})
	})
	overlay.SetOnStream(sessions.HandleStream)
	overlay.SetOnPeerDisconnected(func(peerID string) {
		eng.Dispatch(engine.PeerDisconnectedEvent{PeerID: peerID})
	})

	sessionDialer := p2p.NewSessionDialer(
		logger,
		overlay,
		sessions,
		func() []string {
			topicHashes := []string{}
			for topicHash := range transports.TopicWorkspaces() {
				topicHashes = append(topicHashes, topicHash)
			}
			return topicHashes
		},
	)

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	diskErrCh := make(chan error, 1)
	if !cfg.DB.InMemoryDONOTUSE {
		store.NewDiskMonitor(logger, &cfg.DB, diskErrCh).Start(ctx)
	}

	if err := overlay.Start(ctx); err != nil {
		logger.Fatal("failed to start overlay", zap.Error(err))
	}
	if err := eng.Start(ctx); err != nil {
		logger.Fatal("failed to start engine", zap.Error(err))
	}
	if err := sessionDialer.Start(ctx); err != nil {
		logger.Fatal("failed to start session dialer", zap.Error(err))
	}

	logger.Info(
		"sync engine started",
		zap.String("peer_id", overlay.PeerID()),
		zap.String("replica_id", replicaID),
	)

	select {
	case <-done:
	case err := <-diskErrCh:
		logger.Error("shutting down on disk pressure", zap.Error(err))
	}

	sessionDialer.Stop()
	eng.Stop()
	bridge.DisconnectAll()
	if err := overlay.Stop(); err != nil {
		logger.Warn("overlay shutdown failed", zap.Error(err))
	}
}
