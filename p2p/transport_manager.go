package p2p

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/loomhq/syncengine/config"
	"github.com/loomhq/syncengine/relay"
	"github.com/loomhq/syncengine/store"
)

// OverlayNetwork is the part of the direct overlay the transport manager
// drives.
type OverlayNetwork interface {
	JoinTopic(topic string) error
	LeaveTopic(topic string) error
	Publish(topic string, data []byte) error
	TopicPeers(topic string) []string
	Connected() bool
}

var _ OverlayNetwork = (*Overlay)(nil)

// TransportStatus is the per-workspace connection report.
type TransportStatus struct {
	Overlay string
	Relay   relay.State
}

// TransportManager owns both peer transports for open workspaces. Relay
// bridging is gated on a single flag: disabling it synchronously tears down
// every room, including pending reconnect timers; enabling it reconnects
// rooms for every open workspace.
type TransportManager struct {
	logger    *zap.Logger
	cfg       *config.RelayConfig
	overlay   OverlayNetwork
	bridge    *relay.Bridge
	syncStore *store.SyncStore

	mu             sync.Mutex
	relayEnabled   bool
	customRelayURL string
	// workspaces maps workspace id to topic hash for open workspaces.
	workspaces map[string]string
	// topicIndex is the inverse mapping, consumed by the session handler.
	topicIndex map[string]string
}

func NewTransportManager(
	logger *zap.Logger,
	cfg *config.RelayConfig,
	overlay OverlayNetwork,
	bridge *relay.Bridge,
	syncStore *store.SyncStore,
) (*TransportManager, error) {
	enabled, err := syncStore.GetPreference(store.PrefRelayEnabled, "true")
	if err != nil {
		return nil, errors.Wrap(err, "new transport manager")
	}

	customURL, err := syncStore.GetPreference(store.PrefCustomRelayURL, "")
	if err != nil {
		return nil, errors.Wrap(err, "new transport manager")
	}

	return &TransportManager{
		logger:         logger.Named("transport_manager"),
		cfg:            cfg,
		overlay:        overlay,
		bridge:         bridge,
		syncStore:      syncStore,
		relayEnabled:   enabled == "true",
		customRelayURL: customURL,
		workspaces:     make(map[string]string),
		topicIndex:     make(map[string]string),
	}, nil
}

// OpenWorkspace joins the workspace topic on the overlay and, when relay
// bridging is enabled, connects its relay room. Idempotent.
func (t *TransportManager) OpenWorkspace(workspaceID string) error {
	topicHash := WorkspaceTopic(workspaceID)

	t.mu.Lock()
	if _, open := t.workspaces[workspaceID]; open {
		t.mu.Unlock()
		return nil
	}
	t.workspaces[workspaceID] = topicHash
	t.topicIndex[topicHash] = workspaceID
	relayEnabled := t.relayEnabled
	t.mu.Unlock()

	if err := t.overlay.JoinTopic(topicHash); err != nil {
		return errors.Wrap(err, "open workspace")
	}

	if relayEnabled {
		t.bridge.ConnectRoom(topicHash, t.roomURL(topicHash))
	}

	t.logger.Info(
		"workspace transports opened",
		zap.String("workspace", workspaceID),
		zap.Bool("relay", relayEnabled),
	)

	return nil
}

// CloseWorkspace leaves the topic and tears down the relay room.
func (t *TransportManager) CloseWorkspace(workspaceID string) error {
	t.mu.Lock()
	topicHash, open := t.workspaces[workspaceID]
	delete(t.workspaces, workspaceID)
	delete(t.topicIndex, topicHash)
	t.mu.Unlock()

	if !open {
		return nil
	}

	t.bridge.DisconnectRoom(topicHash)
	return errors.Wrap(t.overlay.LeaveTopic(topicHash), "close workspace")
}

// SetRelayEnabled flips the relay gate and persists the preference. The
// disable path completes synchronously: when it returns, no relay
// connection or reconnect timer survives.
func (t *TransportManager) SetRelayEnabled(enabled bool) error {
	t.mu.Lock()
	t.relayEnabled = enabled
	topics := make([]string, 0, len(t.workspaces))
	for _, topicHash := range t.workspaces {
		topics = append(topics, topicHash)
	}
	t.mu.Unlock()

	value := "false"
	if enabled {
		value = "true"
	}
	if err := t.syncStore.SetPreference(store.PrefRelayEnabled, value); err != nil {
		return errors.Wrap(err, "set relay enabled")
	}

	if !enabled {
		t.bridge.DisconnectAll()
		t.logger.Info("relay bridging disabled")
		return nil
	}

	for _, topicHash := range topics {
		t.bridge.ConnectRoom(topicHash, t.roomURL(topicHash))
	}
	t.logger.Info(
		"relay bridging enabled",
		zap.Int("rooms", len(topics)),
	)

	return nil
}

// RelayEnabled reports the current gate value.
func (t *TransportManager) RelayEnabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.relayEnabled
}

// SetCustomRelayURL overrides the relay server and persists the choice.
// Live rooms reconnect against the new URL.
func (t *TransportManager) SetCustomRelayURL(url string) error {
	t.mu.Lock()
	t.customRelayURL = url
	topics := make([]string, 0, len(t.workspaces))
	for _, topicHash := range t.workspaces {
		topics = append(topics, topicHash)
	}
	enabled := t.relayEnabled
	t.mu.Unlock()

	if err := t.syncStore.SetPreference(
		store.PrefCustomRelayURL,
		url,
	); err != nil {
		return errors.Wrap(err, "set custom relay url")
	}

	if enabled {
		t.bridge.DisconnectAll()
		for _, topicHash := range topics {
			t.bridge.ConnectRoom(topicHash, t.roomURL(topicHash))
		}
	}

	return nil
}

// RelayServerURL returns the relay base URL currently in effect.
func (t *TransportManager) RelayServerURL() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.customRelayURL != "" {
		return t.customRelayURL
	}
	if len(t.cfg.Servers) > 0 {
		return t.cfg.Servers[0]
	}
	return ""
}

func (t *TransportManager) roomURL(topicHash string) string {
	return strings.TrimSuffix(t.RelayServerURL(), "/") + "/" + topicHash
}

// Status reports both transports for one open workspace.
func (t *TransportManager) Status(workspaceID string) TransportStatus {
	t.mu.Lock()
	topicHash, open := t.workspaces[workspaceID]
	t.mu.Unlock()

	status := TransportStatus{Overlay: "disconnected", Relay: relay.StateClosed}
	if !open {
		return status
	}

	if t.overlay.Connected() && len(t.overlay.TopicPeers(topicHash)) > 0 {
		status.Overlay = "connected"
	}
	status.Relay = t.bridge.RoomState(topicHash)
	return status
}

// RoomStates reports every relay room, for the host's status query.
func (t *TransportManager) RoomStates() map[string]relay.State {
	return t.bridge.RoomStates()
}

// TopicWorkspaces returns the topic-hash to workspace table for currently
// open workspaces.
func (t *TransportManager) TopicWorkspaces() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()

	table := make(map[string]string, len(t.topicIndex))
	for topicHash, workspaceID := range t.topicIndex {
		table[topicHash] = workspaceID
	}
	return table
}

// WorkspaceForTopic resolves a topic hash back to its open workspace.
func (t *TransportManager) WorkspaceForTopic(topicHash string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	workspaceID, ok := t.topicIndex[topicHash]
	return workspaceID, ok
}

// Broadcast fans one encoded envelope out over every transport of the
// workspace. Returns the number of transports that accepted it.
func (t *TransportManager) Broadcast(workspaceID string, data []byte) int {
	t.mu.Lock()
	topicHash, open := t.workspaces[workspaceID]
	relayEnabled := t.relayEnabled
	t.mu.Unlock()

	if !open {
		return 0
	}

	delivered := 0
	if err := t.overlay.Publish(topicHash, data); err == nil {
		delivered++
	} else {
		t.logger.Debug("overlay publish failed", zap.Error(err))
	}

	if relayEnabled && t.bridge.Send(topicHash, data) {
		delivered++
	}

	broadcastsTotal.Inc()
	return delivered
}
