package verify

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loomhq/syncengine/config"
	"github.com/loomhq/syncengine/crdt"
	"github.com/loomhq/syncengine/protocol"
)

type verifyHarness struct {
	service *Service

	mu         sync.Mutex
	local      *crdt.Manifest
	delivered  int
	broadcasts [][]byte
	results    []*Result
}

func newVerifyHarness(t *testing.T, timeout time.Duration) *verifyHarness {
	h := &verifyHarness{
		local:     &crdt.Manifest{WorkspaceID: "workspace-1", Documents: 3, Folders: 1},
		delivered: 2,
	}

	cfg := &config.SyncConfig{
		VerificationTimeout: timeout,
		SparseSyncInterval:  time.Second,
	}
	h.service = NewService(
		zap.NewNop(),
		cfg,
		func(workspaceID string) (*crdt.Manifest, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			return h.local, nil
		},
		func(workspaceID string, data []byte) int {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.broadcasts = append(h.broadcasts, data)
			return h.delivered
		},
		func(result *Result) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.results = append(h.results, result)
		},
	)
	return h
}

func (h *verifyHarness) resultCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.results)
}

func (h *verifyHarness) lastResult() *Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.results) == 0 {
		return nil
	}
	return h.results[len(h.results)-1]
}

func TestService_MatchingManifestVerifies(t *testing.T) {
	h := newVerifyHarness(t, time.Minute)

	requestID, err := h.service.RequestVerification("workspace-1", "topic-a")
	require.NoError(t, err)
	require.Len(t, h.broadcasts, 1)

	// The broadcast frame is a well-formed manifest-request envelope.
	envelope, err := protocol.DecodeEnvelope(h.broadcasts[0])
	require.NoError(t, err)
	request, err := envelope.ManifestRequest()
	require.NoError(t, err)
	assert.Equal(t, requestID, request.RequestID)
	assert.Equal(t, "topic-a", request.TopicHash)

	h.service.HandleResponse(&protocol.ManifestResponse{
		RequestID: requestID,
		TopicHash: "topic-a",
		Documents: 3,
		Folders:   1,
	})

	require.Equal(t, 1, h.resultCount())
	result := h.lastResult()
	assert.Equal(t, StatusVerified, result.Status)
	assert.Equal(t, "workspace-1", result.WorkspaceID)
	assert.Zero(t, h.service.PendingCount())
}

func TestService_CountDriftIsIncomplete(t *testing.T) {
	h := newVerifyHarness(t, time.Minute)

	requestID, err := h.service.RequestVerification("workspace-1", "topic-a")
	require.NoError(t, err)

	h.service.HandleResponse(&protocol.ManifestResponse{
		RequestID: requestID,
		Documents: 5,
		Folders:   1,
	})

	assert.Equal(t, StatusIncomplete, h.lastResult().Status)
}

func TestService_FirstResponseWins(t *testing.T) {
	h := newVerifyHarness(t, time.Minute)

	requestID, err := h.service.RequestVerification("workspace-1", "topic-a")
	require.NoError(t, err)

	h.service.HandleResponse(&protocol.ManifestResponse{
		RequestID: requestID,
		Documents: 3,
		Folders:   1,
	})
	h.service.HandleResponse(&protocol.ManifestResponse{
		RequestID: requestID,
		Documents: 9,
		Folders:   9,
	})

	assert.Equal(t, 1, h.resultCount())
	assert.Equal(t, StatusVerified, h.lastResult().Status)
}

func TestService_NoTransportsMeansNoPeers(t *testing.T) {
	h := newVerifyHarness(t, time.Minute)
	h.delivered = 0

	_, err := h.service.RequestVerification("workspace-1", "topic-a")
	require.NoError(t, err)

	require.Equal(t, 1, h.resultCount())
	assert.Equal(t, StatusNoPeers, h.lastResult().Status)
	assert.Zero(t, h.service.PendingCount())
}

func TestService_TimeoutFails(t *testing.T) {
	h := newVerifyHarness(t, 10*time.Millisecond)

	requestID, err := h.service.RequestVerification("workspace-1", "topic-a")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.resultCount() == 1
	}, 5*time.Second, time.Millisecond)

	result := h.lastResult()
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, requestID, result.RequestID)
	assert.Zero(t, h.service.PendingCount())

	// A response arriving after expiry resolves nothing.
	h.service.HandleResponse(&protocol.ManifestResponse{
		RequestID: requestID,
		Documents: 3,
		Folders:   1,
	})
	assert.Equal(t, 1, h.resultCount())
}

func TestService_CancelWorkspaceDropsPending(t *testing.T) {
	h := newVerifyHarness(t, time.Minute)

	requestID, err := h.service.RequestVerification("workspace-1", "topic-a")
	require.NoError(t, err)
	require.Equal(t, 1, h.service.PendingCount())

	h.service.CancelWorkspace("workspace-1")
	assert.Zero(t, h.service.PendingCount())

	h.service.HandleResponse(&protocol.ManifestResponse{
		RequestID: requestID,
		Documents: 3,
		Folders:   1,
	})
	assert.Zero(t, h.resultCount())
}
