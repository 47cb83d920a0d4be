package protocol

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Control methods accepted from the UI host process.
const (
	ControlRelayEnable    = "relay-bridge:enable"
	ControlRelayDisable   = "relay-bridge:disable"
	ControlRelayStatus    = "relay-bridge:status"
	ControlRelayGetConfig = "relay-bridge:getConfig"
	ControlRelaySetURL    = "relay-bridge:setCustomUrl"

	ControlWorkspaceOpen   = "workspace:open"
	ControlWorkspaceJoin   = "workspace:join"
	ControlWorkspaceLeave  = "workspace:leave"
	ControlEntityCreate    = "entity:create"
	ControlEntityUpdate    = "entity:update"
	ControlEntityDelete    = "entity:delete"
	ControlVerifyWorkspace = "sync:verify"
)

// Response/notification methods sent to the UI host process.
const (
	NotifyRelayStatus   = "relay-bridge:status"
	NotifyRelayConfig   = "relay-bridge:config"
	NotifyUpdateApplied = "sync:updateApplied"
	NotifyVerifyResult  = "sync:verifyResult"
	NotifyTransport     = "transport:status"
	NotifyPresence      = "awareness:changed"
)

// ControlCommand is one newline-delimited JSON command from the host.
type ControlCommand struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ControlResponse answers a command (matching ID) or carries an
// asynchronous notification (ID zero).
type ControlResponse struct {
	ID     int64         `json:"id,omitempty"`
	Method string        `json:"method"`
	Result any           `json:"result,omitempty"`
	Error  *ControlError `json:"error,omitempty"`
}

type ControlError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// WorkspaceParams opens or joins a workspace. Key is the base58 symmetric
// key, already derived by the host's identity layer.
type WorkspaceParams struct {
	WorkspaceID string `json:"workspaceId"`
	Name        string `json:"name,omitempty"`
	Key         string `json:"key"`
}

// EntityParams creates, mutates or deletes an entity.
type EntityParams struct {
	WorkspaceID string            `json:"workspaceId"`
	EntityID    string            `json:"entityId"`
	EntityType  string            `json:"entityType,omitempty"`
	Name        string            `json:"name,omitempty"`
	Fields      map[string][]byte `json:"fields,omitempty"`
}

// VerifyParams requests drift verification for a workspace.
type VerifyParams struct {
	WorkspaceID string `json:"workspaceId"`
}

// RelayURLParams sets or clears the user's custom relay URL.
type RelayURLParams struct {
	URL string `json:"url"`
}

// RelayStatusResult reports the bridge flag and per-room states.
type RelayStatusResult struct {
	Enabled bool              `json:"enabled"`
	Rooms   map[string]string `json:"rooms"`
}

// RelayConfigResult reports the effective relay configuration.
type RelayConfigResult struct {
	Servers   []string `json:"servers"`
	CustomURL string   `json:"customUrl,omitempty"`
}

// DecodeControlCommand parses one command line and validates the method is
// known before any handler sees it.
func DecodeControlCommand(line []byte) (*ControlCommand, error) {
	command := &ControlCommand{}
	if err := json.Unmarshal(line, command); err != nil {
		return nil, errors.Wrap(MalformedMessageErr, "decode control command")
	}

	switch command.Method {
	case ControlRelayEnable, ControlRelayDisable, ControlRelayStatus,
		ControlRelayGetConfig, ControlRelaySetURL,
		ControlWorkspaceOpen, ControlWorkspaceJoin, ControlWorkspaceLeave,
		ControlEntityCreate, ControlEntityUpdate, ControlEntityDelete,
		ControlVerifyWorkspace:
		return command, nil
	}

	return nil, errors.Wrapf(
		UnknownKindErr,
		"decode control command: %s",
		command.Method,
	)
}
