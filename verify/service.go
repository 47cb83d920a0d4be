package verify

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/loomhq/syncengine/config"
	"github.com/loomhq/syncengine/crdt"
	"github.com/loomhq/syncengine/protocol"
)

// Status is the terminal outcome of a verification request.
type Status string

const (
	StatusVerified   Status = "verified"
	StatusIncomplete Status = "incomplete"
	StatusFailed     Status = "failed"
	StatusNoPeers    Status = "no-peers"
)

// Result reports one resolved verification.
type Result struct {
	RequestID   string
	WorkspaceID string
	Status      Status
	Local       *crdt.Manifest
	Remote      *protocol.ManifestResponse
}

type pendingVerification struct {
	workspaceID string
	local       *crdt.Manifest
	timer       *time.Timer
}

// Service verifies workspace convergence by broadcasting manifest requests
// and comparing the first conclusive response against the local manifest.
// Each request resolves exactly once: with a peer's answer, with no-peers
// when no transport carried the request, or with failed when the ceiling
// expires.
type Service struct {
	logger *zap.Logger
	cfg    *config.SyncConfig

	localManifest func(workspaceID string) (*crdt.Manifest, error)
	broadcast     func(workspaceID string, data []byte) int
	onResult      func(*Result)

	mu      sync.Mutex
	pending map[string]*pendingVerification
}

func NewService(
	logger *zap.Logger,
	cfg *config.SyncConfig,
	localManifest func(workspaceID string) (*crdt.Manifest, error),
	broadcast func(workspaceID string, data []byte) int,
	onResult func(*Result),
) *Service {
	return &Service{
		logger:        logger.Named("verify"),
		cfg:           cfg,
		localManifest: localManifest,
		broadcast:     broadcast,
		onResult:      onResult,
		pending:       make(map[string]*pendingVerification),
	}
}

// RequestVerification issues one manifest request for the workspace over
// every active transport and arms the resolution ceiling.
func (s *Service) RequestVerification(workspaceID, topicHash string) (
	string,
	error,
) {
	local, err := s.localManifest(workspaceID)
	if err != nil {
		return "", errors.Wrap(err, "request verification")
	}

	requestID := uuid.New().String()
	envelope, err := protocol.NewEnvelope(
		uuid.New().String(),
		protocol.KindManifestRequest,
		&protocol.ManifestRequest{
			RequestID: requestID,
			TopicHash: topicHash,
		},
	)
	if err != nil {
		return "", errors.Wrap(err, "request verification")
	}

	encoded, err := envelope.Encode()
	if err != nil {
		return "", errors.Wrap(err, "request verification")
	}

	verificationsTotal.Inc()

	delivered := s.broadcast(workspaceID, encoded)
	if delivered == 0 {
		s.logger.Info(
			"verification found no reachable peers",
			zap.String("workspace", workspaceID),
		)
		s.emit(&Result{
			RequestID:   requestID,
			WorkspaceID: workspaceID,
			Status:      StatusNoPeers,
			Local:       local,
		})
		return requestID, nil
	}

	record := &pendingVerification{workspaceID: workspaceID, local: local}
	record.timer = time.AfterFunc(s.cfg.VerificationTimeout, func() {
		s.expire(requestID)
	})

	s.mu.Lock()
	s.pending[requestID] = record
	s.mu.Unlock()

	return requestID, nil
}

// HandleResponse resolves a pending verification with the first conclusive
// peer answer. Responses for unknown or already-resolved requests are
// ignored.
func (s *Service) HandleResponse(response *protocol.ManifestResponse) {
	s.mu.Lock()
	record, ok := s.pending[response.RequestID]
	if ok {
		delete(s.pending, response.RequestID)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	record.timer.Stop()

	status := StatusIncomplete
	if record.local.Documents == response.Documents &&
		record.local.Folders == response.Folders {
		status = StatusVerified
	}

	s.emit(&Result{
		RequestID:   response.RequestID,
		WorkspaceID: record.workspaceID,
		Status:      status,
		Local:       record.local,
		Remote:      response,
	})
}

func (s *Service) expire(requestID string) {
	s.mu.Lock()
	record, ok := s.pending[requestID]
	if ok {
		delete(s.pending, requestID)
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	s.logger.Warn(
		"verification timed out",
		zap.String("request_id", requestID),
		zap.String("workspace", record.workspaceID),
	)
	s.emit(&Result{
		RequestID:   requestID,
		WorkspaceID: record.workspaceID,
		Status:      StatusFailed,
		Local:       record.local,
	})
}

// CancelWorkspace drops pending verifications for a workspace, part of the
// workspace leave cascade.
func (s *Service) CancelWorkspace(workspaceID string) {
	s.mu.Lock()
	cancelled := []*pendingVerification{}
	for requestID, record := range s.pending {
		if record.workspaceID == workspaceID {
			delete(s.pending, requestID)
			cancelled = append(cancelled, record)
		}
	}
	s.mu.Unlock()

	for _, record := range cancelled {
		record.timer.Stop()
	}
}

// PendingCount reports outstanding verifications.
func (s *Service) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Service) emit(result *Result) {
	verificationResultsTotal.WithLabelValues(string(result.Status)).Inc()
	if s.onResult != nil {
		s.onResult(result)
	}
}
