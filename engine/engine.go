package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/loomhq/syncengine/config"
	"github.com/loomhq/syncengine/crdt"
	"github.com/loomhq/syncengine/keys"
	"github.com/loomhq/syncengine/p2p"
	"github.com/loomhq/syncengine/protocol"
	"github.com/loomhq/syncengine/store"
	"github.com/loomhq/syncengine/verify"
)

// Engine is the dispatcher at the center of the sync process. Every input,
// wire messages, host commands, connection transitions, worker results,
// arrives as an event on one channel and is handled on one goroutine;
// components own their internal state and never call each other directly.
type Engine struct {
	logger *zap.Logger
	cfg    *config.Config

	syncStore  *store.SyncStore
	keyManager *keys.KeyManager
	crdtStore  *crdt.Store
	transports *p2p.TransportManager
	sessions   *p2p.SessionHandler
	presence   *p2p.PresenceTracker
	verifier   *verify.Service
	recovery   *verify.Recovery
	control    *ControlServer
	pool       *WorkerPool

	events chan Event

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(
	logger *zap.Logger,
	cfg *config.Config,
	syncStore *store.SyncStore,
	keyManager *keys.KeyManager,
	crdtStore *crdt.Store,
	transports *p2p.TransportManager,
	sessions *p2p.SessionHandler,
	presence *p2p.PresenceTracker,
	verifier *verify.Service,
	recovery *verify.Recovery,
	control *ControlServer,
) *Engine {
	e := &Engine{
		logger:     logger.Named("engine"),
		cfg:        cfg,
		syncStore:  syncStore,
		keyManager: keyManager,
		crdtStore:  crdtStore,
		transports: transports,
		sessions:   sessions,
		presence:   presence,
		verifier:   verifier,
		recovery:   recovery,
		control:    control,
		events:     make(chan Event, cfg.Workers.EventBufferSize),
	}

	e.pool = NewWorkerPool(logger, cfg.Workers.PoolSize, e.Dispatch)

	crdtStore.SetOnApplied(func(entityID string, update *crdt.Update) {
		e.Dispatch(AppliedUpdateEvent{
			EntityID:  entityID,
			Clock:     update.Clock,
			ReplicaID: update.ReplicaID,
		})
	})

	if control != nil {
		control.SetDispatch(e.Dispatch)
	}

	return e
}

func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return errors.Wrap(errors.New("already started"), "start engine")
	}

	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	e.started = true

	if err := e.pool.Start(ctx); err != nil {
		return errors.Wrap(err, "start engine")
	}

	if err := e.recovery.Start(ctx); err != nil {
		return errors.Wrap(err, "start engine")
	}

	go e.run(ctx)

	if e.control != nil {
		go func() {
			if err := e.control.Run(ctx); err != nil {
				e.logger.Warn("control server ended", zap.Error(err))
			}
		}()
	}

	e.logger.Info("engine started")
	return nil
}

func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	cancel := e.cancel
	done := e.done
	e.mu.Unlock()

	cancel()
	<-done
	e.recovery.Stop()
	e.pool.Stop()
	e.logger.Info("engine stopped")
}

// Dispatch posts one event to the loop. Safe from any goroutine; if the
// buffer is full the send completes asynchronously so a handler posting a
// follow-up event can never deadlock the loop. Overflow sends may arrive
// out of order relative to later direct sends: every handler must stay
// correct under reordering. Merges are commutative, envelope dedup and key
// registration are idempotent, and presence tracks only current liveness.
func (e *Engine) Dispatch(event Event) {
	select {
	case e.events <- event:
	default:
		go func() { e.events <- event }()
	}
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-e.events:
			e.handle(event)
			eventsTotal.Inc()
		}
	}
}

func (e *Engine) handle(event Event) {
	switch ev := event.(type) {
	case WireMessageEvent:
		e.handleWireMessage(ev)
	case ControlCommandEvent:
		e.handleControl(ev.Command)
	case RelayStateEvent:
		e.notify(protocol.NotifyTransport, map[string]any{
			"room":  ev.Room,
			"state": string(ev.State),
		})
	case PeerDisconnectedEvent:
		e.sessions.RemovePeer(ev.PeerID)
		e.presence.RemovePeer(ev.PeerID)
	case AppliedUpdateEvent:
		e.notify(protocol.NotifyUpdateApplied, map[string]any{
			"entityId":  ev.EntityID,
			"clock":     ev.Clock,
			"replicaId": ev.ReplicaID,
		})
	case PresenceChangedEvent:
		e.notify(protocol.NotifyPresence, map[string]any{
			"topicHash": ev.TopicHash,
			"peerId":    ev.PeerID,
			"present":   ev.Present,
		})
	case VerifyResultEvent:
		payload := map[string]any{
			"requestId":   ev.Result.RequestID,
			"workspaceId": ev.Result.WorkspaceID,
			"status":      string(ev.Result.Status),
		}
		if ev.Result.Local != nil {
			payload["localDocuments"] = ev.Result.Local.Documents
			payload["localFolders"] = ev.Result.Local.Folders
		}
		if ev.Result.Remote != nil {
			payload["remoteDocuments"] = ev.Result.Remote.Documents
			payload["remoteFolders"] = ev.Result.Remote.Folders
		}
		if ev.Result.Local != nil && ev.Result.Remote != nil {
			payload["missingDocuments"] = ev.Result.Remote.Documents - ev.Result.Local.Documents
			payload["missingFolders"] = ev.Result.Remote.Folders - ev.Result.Local.Folders
		}
		e.notify(protocol.NotifyVerifyResult, payload)
	default:
		e.logger.Error("unhandled event type")
	}
}

// handleWireMessage is the parse boundary for peer traffic: decode,
// deduplicate across transports, then route by kind.
func (e *Engine) handleWireMessage(ev WireMessageEvent) {
	envelope, err := protocol.DecodeEnvelope(ev.Data)
	if err != nil {
		e.logger.Warn(
			"dropping malformed envelope",
			zap.String("transport", ev.Transport),
			zap.Error(err),
		)
		return
	}

	if e.presence.MarkSeen(envelope.ID) {
		return
	}

	switch envelope.Kind {
	case protocol.KindUpdate:
		update, err := envelope.Update()
		if err != nil {
			e.logger.Warn("dropping malformed update", zap.Error(err))
			return
		}
		e.pool.Submit(func() Event {
			if _, err := e.crdtStore.ApplyRemoteUpdate(
				update.EntityID,
				update.Ciphertext,
			); err != nil {
				e.logger.Error("apply remote update failed", zap.Error(err))
			}
			return nil
		})

	case protocol.KindEntityMeta:
		meta, err := envelope.EntityMeta()
		if err != nil {
			e.logger.Warn("dropping malformed entity meta", zap.Error(err))
			return
		}
		e.handleEntityMeta(meta)

	case protocol.KindSyncRequest:
		request, err := envelope.SyncRequest()
		if err != nil {
			return
		}
		e.handleSyncRequest(request.TopicHash)

	case protocol.KindSyncStateRequest:
		request, err := envelope.SyncStateRequest()
		if err != nil {
			return
		}
		e.handleSyncRequest(request.TopicHash)

	case protocol.KindManifestRequest:
		request, err := envelope.ManifestRequest()
		if err != nil {
			return
		}
		e.handleManifestRequest(request)

	case protocol.KindManifestResponse:
		response, err := envelope.ManifestResponse()
		if err != nil {
			return
		}
		e.verifier.HandleResponse(response)

	case protocol.KindPresence:
		message, err := envelope.Presence()
		if err != nil {
			return
		}
		e.presence.Observe(message)

	case protocol.KindPeerJoined:
		joined, err := envelope.PeerJoined()
		if err != nil {
			return
		}
		e.presence.Observe(&protocol.Presence{
			PeerID:    joined.PeerID,
			TopicHash: joined.TopicHash,
			SentAt:    time.Now().UnixMilli(),
		})

	case protocol.KindSessionChallenge, protocol.KindPeerIdentity:
		// Identity exchange runs on session streams, not topics.
	}
}

// handleEntityMeta records metadata-propagated entities. Unknown entities
// land as placeholders until the recovery loop fills their content; an
// embedded key registers immediately so pending updates become readable.
func (e *Engine) handleEntityMeta(meta *protocol.EntityMeta) {
	entity, err := e.syncStore.GetEntity(meta.EntityID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		e.logger.Error("entity meta lookup failed", zap.Error(err))
		return
	}

	if entity == nil {
		entity = &store.Entity{
			ID:          meta.EntityID,
			WorkspaceID: meta.WorkspaceID,
			Type:        store.EntityType(meta.EntityType),
			Name:        meta.Name,
			EmbeddedKey: meta.EmbeddedKey,
			Placeholder: true,
		}
		if err := e.syncStore.PutEntity(entity); err != nil {
			e.logger.Error("entity meta store failed", zap.Error(err))
			return
		}
	} else if entity.EmbeddedKey == "" && meta.EmbeddedKey != "" {
		// A re-announcement may carry the key an earlier one lacked.
		entity.EmbeddedKey = meta.EmbeddedKey
		if err := e.syncStore.PutEntity(entity); err != nil {
			e.logger.Error("entity meta store failed", zap.Error(err))
			return
		}
	}

	if entity.EmbeddedKey != "" && !e.keyManager.HasKey(entity.ID) {
		if _, err := e.keyManager.DeriveFromMetadata(entity); err != nil {
			e.logger.Warn("embedded key rejected", zap.Error(err))
		}
	}
}

// handleSyncRequest re-broadcasts the encrypted state of every replicated
// entity in the requested workspace.
func (e *Engine) handleSyncRequest(topicHash string) {
	workspaceID, ok := e.transports.WorkspaceForTopic(topicHash)
	if !ok {
		return
	}

	entities, err := e.syncStore.RangeEntities(workspaceID)
	if err != nil {
		e.logger.Error("sync request scan failed", zap.Error(err))
		return
	}

	for _, entity := range entities {
		if entity.Placeholder {
			continue
		}

		entityID := entity.ID
		e.pool.Submit(func() Event {
			sealed, err := e.crdtStore.EncryptedState(entityID)
			if err != nil {
				e.logger.Error("encrypted state failed", zap.Error(err))
				return nil
			}
			for _, ciphertext := range sealed {
				e.broadcastUpdate(workspaceID, topicHash, entityID, ciphertext)
			}
			return nil
		})
	}
}

func (e *Engine) handleManifestRequest(request *protocol.ManifestRequest) {
	workspaceID, ok := e.transports.WorkspaceForTopic(request.TopicHash)
	if !ok {
		return
	}

	manifest, err := e.crdtStore.Manifest(workspaceID)
	if err != nil {
		e.logger.Error("manifest derivation failed", zap.Error(err))
		return
	}

	envelope, err := protocol.NewEnvelope(
		uuid.New().String(),
		protocol.KindManifestResponse,
		&protocol.ManifestResponse{
			RequestID: request.RequestID,
			TopicHash: request.TopicHash,
			Documents: manifest.Documents,
			Folders:   manifest.Folders,
		},
	)
	if err != nil {
		e.logger.Error("manifest response failed", zap.Error(err))
		return
	}

	e.broadcastEnvelope(workspaceID, envelope)
}

func (e *Engine) handleControl(command *protocol.ControlCommand) {
	switch command.Method {
	case protocol.ControlRelayEnable:
		e.respondRelayToggle(command, true)
	case protocol.ControlRelayDisable:
		e.respondRelayToggle(command, false)
	case protocol.ControlRelayStatus:
		e.control.Respond(command, e.relayStatus())
	case protocol.ControlRelayGetConfig:
		e.respondRelayConfig(command)
	case protocol.ControlRelaySetURL:
		e.handleRelaySetURL(command)
	case protocol.ControlWorkspaceOpen, protocol.ControlWorkspaceJoin:
		e.handleWorkspaceOpen(command)
	case protocol.ControlWorkspaceLeave:
		e.handleWorkspaceLeave(command)
	case protocol.ControlEntityCreate:
		e.handleEntityCreate(command)
	case protocol.ControlEntityUpdate:
		e.handleEntityUpdate(command)
	case protocol.ControlEntityDelete:
		e.handleEntityDelete(command)
	case protocol.ControlVerifyWorkspace:
		e.handleVerify(command)
	}
}

func (e *Engine) respondRelayToggle(
	command *protocol.ControlCommand,
	enabled bool,
) {
	if err := e.transports.SetRelayEnabled(enabled); err != nil {
		e.control.RespondError(command, controlErrInternal, err)
		return
	}
	e.control.Respond(command, e.relayStatus())
}

func (e *Engine) relayStatus() *protocol.RelayStatusResult {
	rooms := map[string]string{}
	for room, state := range e.transports.RoomStates() {
		rooms[room] = string(state)
	}
	return &protocol.RelayStatusResult{
		Enabled: e.transports.RelayEnabled(),
		Rooms:   rooms,
	}
}

func (e *Engine) respondRelayConfig(command *protocol.ControlCommand) {
	customURL, err := e.syncStore.GetPreference(store.PrefCustomRelayURL, "")
	if err != nil {
		e.control.RespondError(command, controlErrInternal, err)
		return
	}

	e.control.Respond(command, &protocol.RelayConfigResult{
		Servers:   e.cfg.Relay.Servers,
		CustomURL: customURL,
	})
}

func (e *Engine) handleRelaySetURL(command *protocol.ControlCommand) {
	params := &protocol.RelayURLParams{}
	if err := decodeParams(command, params); err != nil {
		e.control.RespondError(command, controlErrBadRequest, err)
		return
	}

	if err := e.transports.SetCustomRelayURL(params.URL); err != nil {
		e.control.RespondError(command, controlErrInternal, err)
		return
	}
	e.respondRelayConfig(command)
}

// handleWorkspaceOpen registers the workspace key, opens both transports
// and replays persisted entity logs into materialized documents.
func (e *Engine) handleWorkspaceOpen(command *protocol.ControlCommand) {
	params := &protocol.WorkspaceParams{}
	if err := decodeParams(command, params); err != nil {
		e.control.RespondError(command, controlErrBadRequest, err)
		return
	}
	if params.WorkspaceID == "" || params.Key == "" {
		e.control.RespondError(
			command,
			controlErrBadRequest,
			errors.New("workspaceId and key are required"),
		)
		return
	}

	material, err := base58.Decode(params.Key)
	if err != nil {
		e.control.RespondError(command, controlErrBadRequest, err)
		return
	}
	if err := e.keyManager.RegisterKey(params.WorkspaceID, material); err != nil {
		e.control.RespondError(command, controlErrBadRequest, err)
		return
	}

	if _, err := e.syncStore.GetWorkspace(params.WorkspaceID); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.control.RespondError(command, controlErrInternal, err)
			return
		}
		workspace := &store.Workspace{
			ID:   params.WorkspaceID,
			Name: params.Name,
		}
		if err := e.syncStore.PutWorkspace(workspace); err != nil {
			e.control.RespondError(command, controlErrInternal, err)
			return
		}
	}

	entities, err := e.syncStore.RangeEntities(params.WorkspaceID)
	if err != nil {
		e.control.RespondError(command, controlErrInternal, err)
		return
	}
	for _, entity := range entities {
		if !e.keyManager.HasKey(entity.ID) {
			// An entity announced with its own embedded key keeps that
			// key; the workspace subkey is only for locally created ones.
			if entity.EmbeddedKey != "" {
				if _, err := e.keyManager.DeriveFromMetadata(entity); err != nil {
					e.logger.Warn("embedded key rejected", zap.Error(err))
				}
			} else if _, err := e.keyManager.DeriveSubkey(
				params.WorkspaceID,
				entity.ID,
			); err != nil {
				e.logger.Warn("subkey derivation failed", zap.Error(err))
			}
		}
		if err := e.crdtStore.LoadEntity(entity.ID); err != nil {
			e.logger.Warn(
				"entity replay failed",
				zap.String("entity_id", entity.ID),
				zap.Error(err),
			)
		}
	}

	if err := e.transports.OpenWorkspace(params.WorkspaceID); err != nil {
		e.control.RespondError(command, controlErrInternal, err)
		return
	}

	e.control.Respond(command, map[string]any{
		"workspaceId": params.WorkspaceID,
		"topicHash":   p2p.WorkspaceTopic(params.WorkspaceID),
		"entities":    len(entities),
	})
}

// handleWorkspaceLeave runs the full cascade: transports down, pending
// verification cancelled, awareness dropped, keys unregistered, persisted
// state deleted.
func (e *Engine) handleWorkspaceLeave(command *protocol.ControlCommand) {
	params := &protocol.WorkspaceParams{}
	if err := decodeParams(command, params); err != nil {
		e.control.RespondError(command, controlErrBadRequest, err)
		return
	}

	topicHash := p2p.WorkspaceTopic(params.WorkspaceID)
	if err := e.transports.CloseWorkspace(params.WorkspaceID); err != nil {
		e.logger.Warn("workspace transport teardown failed", zap.Error(err))
	}
	e.verifier.CancelWorkspace(params.WorkspaceID)
	e.presence.DropTopic(topicHash)

	entities, err := e.syncStore.RangeEntities(params.WorkspaceID)
	if err != nil {
		e.control.RespondError(command, controlErrInternal, err)
		return
	}
	for _, entity := range entities {
		e.crdtStore.DropEntity(entity.ID)
		if err := e.keyManager.UnregisterKey(entity.ID); err != nil {
			e.logger.Warn("key unregister failed", zap.Error(err))
		}
	}
	if err := e.keyManager.UnregisterKey(params.WorkspaceID); err != nil {
		e.logger.Warn("key unregister failed", zap.Error(err))
	}

	if err := e.syncStore.DeleteWorkspace(params.WorkspaceID); err != nil {
		e.control.RespondError(command, controlErrInternal, err)
		return
	}

	e.control.Respond(command, map[string]any{
		"workspaceId": params.WorkspaceID,
	})
}

func (e *Engine) handleEntityCreate(command *protocol.ControlCommand) {
	params := &protocol.EntityParams{}
	if err := decodeParams(command, params); err != nil {
		e.control.RespondError(command, controlErrBadRequest, err)
		return
	}
	if params.WorkspaceID == "" || params.EntityID == "" {
		e.control.RespondError(
			command,
			controlErrBadRequest,
			errors.New("workspaceId and entityId are required"),
		)
		return
	}

	entity := &store.Entity{
		ID:          params.EntityID,
		WorkspaceID: params.WorkspaceID,
		Type:        store.EntityType(params.EntityType),
		Name:        params.Name,
	}
	if err := e.syncStore.PutEntity(entity); err != nil {
		e.control.RespondError(command, controlErrInternal, err)
		return
	}

	if _, err := e.keyManager.DeriveSubkey(
		params.WorkspaceID,
		params.EntityID,
	); err != nil {
		e.control.RespondError(command, controlErrInternal, err)
		return
	}

	e.broadcastEntityMeta(params.WorkspaceID, entity)

	if len(params.Fields) > 0 {
		e.applyLocalMutation(command, params)
		return
	}
	e.control.Respond(command, map[string]any{"entityId": params.EntityID})
}

func (e *Engine) handleEntityUpdate(command *protocol.ControlCommand) {
	params := &protocol.EntityParams{}
	if err := decodeParams(command, params); err != nil {
		e.control.RespondError(command, controlErrBadRequest, err)
		return
	}
	if len(params.Fields) == 0 {
		e.control.RespondError(
			command,
			controlErrBadRequest,
			errors.New("fields are required"),
		)
		return
	}
	e.applyLocalMutation(command, params)
}

// applyLocalMutation stamps and seals the mutation off-loop, then fans the
// encrypted diff out to the workspace transports.
func (e *Engine) applyLocalMutation(
	command *protocol.ControlCommand,
	params *protocol.EntityParams,
) {
	topicHash := p2p.WorkspaceTopic(params.WorkspaceID)
	e.pool.Submit(func() Event {
		encrypted, ok, err := e.crdtStore.CreateLocalUpdate(
			params.EntityID,
			params.Fields,
		)
		if err != nil {
			e.control.RespondError(command, controlErrInternal, err)
			return nil
		}
		if !ok {
			e.control.RespondError(
				command,
				controlErrBadRequest,
				keys.KeyNotFoundErr,
			)
			return nil
		}

		e.broadcastUpdate(
			params.WorkspaceID,
			topicHash,
			params.EntityID,
			encrypted,
		)
		e.control.Respond(command, map[string]any{
			"entityId": params.EntityID,
		})
		return nil
	})
}

func (e *Engine) handleEntityDelete(command *protocol.ControlCommand) {
	params := &protocol.EntityParams{}
	if err := decodeParams(command, params); err != nil {
		e.control.RespondError(command, controlErrBadRequest, err)
		return
	}

	e.crdtStore.DropEntity(params.EntityID)
	if err := e.keyManager.UnregisterKey(params.EntityID); err != nil {
		e.logger.Warn("key unregister failed", zap.Error(err))
	}
	if err := e.syncStore.DeleteEntity(params.EntityID); err != nil {
		e.control.RespondError(command, controlErrInternal, err)
		return
	}

	e.control.Respond(command, map[string]any{"entityId": params.EntityID})
}

func (e *Engine) handleVerify(command *protocol.ControlCommand) {
	params := &protocol.VerifyParams{}
	if err := decodeParams(command, params); err != nil {
		e.control.RespondError(command, controlErrBadRequest, err)
		return
	}

	requestID, err := e.verifier.RequestVerification(
		params.WorkspaceID,
		p2p.WorkspaceTopic(params.WorkspaceID),
	)
	if err != nil {
		e.control.RespondError(command, controlErrInternal, err)
		return
	}

	e.control.Respond(command, map[string]any{"requestId": requestID})
}

// RelayHandshake builds the frames a relay room client sends on connect:
// a sync-state-request advertising the local entity versions so peers
// already in the room replay what the local replica is missing. Relay
// rooms carry no authenticated sessions, the payloads stay opaque to
// anyone without the workspace key.
func (e *Engine) RelayHandshake(room string) [][]byte {
	workspaceID, ok := e.transports.WorkspaceForTopic(room)
	if !ok {
		return nil
	}

	entities := []protocol.EntityVersion{}
	known, err := e.syncStore.RangeEntities(workspaceID)
	if err != nil {
		e.logger.Error("relay handshake scan failed", zap.Error(err))
	} else {
		for _, entity := range known {
			clock, replicaID := e.crdtStore.Version(entity.ID)
			entities = append(entities, protocol.EntityVersion{
				EntityID:  entity.ID,
				Clock:     clock,
				ReplicaID: replicaID,
			})
		}
	}

	envelope, err := protocol.NewEnvelope(
		uuid.New().String(),
		protocol.KindSyncStateRequest,
		&protocol.SyncStateRequest{TopicHash: room, Entities: entities},
	)
	if err != nil {
		e.logger.Error("relay handshake build failed", zap.Error(err))
		return nil
	}

	e.presence.MarkSeen(envelope.ID)
	data, err := envelope.Encode()
	if err != nil {
		e.logger.Error("relay handshake encode failed", zap.Error(err))
		return nil
	}

	return [][]byte{data}
}

// RequestEntitySync re-requests missing entities on a workspace topic,
// used by the sparse-recovery loop.
func (e *Engine) RequestEntitySync(workspaceID string, entityIDs []string) {
	topicHash := p2p.WorkspaceTopic(workspaceID)

	entities := make([]protocol.EntityVersion, 0, len(entityIDs))
	for _, entityID := range entityIDs {
		clock, replicaID := e.crdtStore.Version(entityID)
		entities = append(entities, protocol.EntityVersion{
			EntityID:  entityID,
			Clock:     clock,
			ReplicaID: replicaID,
		})
	}

	envelope, err := protocol.NewEnvelope(
		uuid.New().String(),
		protocol.KindSyncRequest,
		&protocol.SyncRequest{TopicHash: topicHash, Entities: entities},
	)
	if err != nil {
		e.logger.Error("sync request build failed", zap.Error(err))
		return
	}

	e.broadcastEnvelope(workspaceID, envelope)
}

// SendSyncRequest issues the per-topic sync request after a peer session
// is admitted.
func (e *Engine) SendSyncRequest(peerID, topicHash string) {
	workspaceID, ok := e.transports.WorkspaceForTopic(topicHash)
	if !ok {
		return
	}
	e.RequestEntitySync(workspaceID, nil)
}

// AnnouncePeer broadcasts presence of a newly admitted peer on the topic.
func (e *Engine) AnnouncePeer(peerID, topicHash string) {
	workspaceID, ok := e.transports.WorkspaceForTopic(topicHash)
	if !ok {
		return
	}

	envelope, err := protocol.NewEnvelope(
		uuid.New().String(),
		protocol.KindPeerJoined,
		&protocol.PeerJoined{PeerID: peerID, TopicHash: topicHash},
	)
	if err != nil {
		e.logger.Error("peer joined build failed", zap.Error(err))
		return
	}

	e.broadcastEnvelope(workspaceID, envelope)
}

func (e *Engine) broadcastUpdate(
	workspaceID, topicHash, entityID string,
	ciphertext []byte,
) {
	envelope, err := protocol.NewEnvelope(
		uuid.New().String(),
		protocol.KindUpdate,
		&protocol.Update{
			TopicHash:  topicHash,
			EntityID:   entityID,
			Ciphertext: ciphertext,
		},
	)
	if err != nil {
		e.logger.Error("update envelope build failed", zap.Error(err))
		return
	}

	e.broadcastEnvelope(workspaceID, envelope)
}

func (e *Engine) broadcastEntityMeta(
	workspaceID string,
	entity *store.Entity,
) {
	envelope, err := protocol.NewEnvelope(
		uuid.New().String(),
		protocol.KindEntityMeta,
		&protocol.EntityMeta{
			TopicHash:   p2p.WorkspaceTopic(workspaceID),
			EntityID:    entity.ID,
			WorkspaceID: workspaceID,
			EntityType:  string(entity.Type),
			Name:        entity.Name,
			EmbeddedKey: entity.EmbeddedKey,
		},
	)
	if err != nil {
		e.logger.Error("entity meta build failed", zap.Error(err))
		return
	}

	e.broadcastEnvelope(workspaceID, envelope)
}

func (e *Engine) broadcastEnvelope(
	workspaceID string,
	envelope *protocol.Envelope,
) {
	// Own envelopes enter the seen cache so a relay echo is not re-applied.
	e.presence.MarkSeen(envelope.ID)

	data, err := envelope.Encode()
	if err != nil {
		e.logger.Error("envelope encode failed", zap.Error(err))
		return
	}

	e.transports.Broadcast(workspaceID, data)
}

func (e *Engine) notify(method string, payload any) {
	if e.control != nil {
		e.control.Notify(method, payload)
	}
}

func decodeParams(command *protocol.ControlCommand, out any) error {
	if len(command.Params) == 0 {
		return errors.Wrap(protocol.MalformedMessageErr, "missing params")
	}
	if err := json.Unmarshal(command.Params, out); err != nil {
		return errors.Wrap(protocol.MalformedMessageErr, "decode params")
	}
	return nil
}
