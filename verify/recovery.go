package verify

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/loomhq/syncengine/config"
	"github.com/loomhq/syncengine/store"
)

// Recovery is the sparse-replica repair loop. On every tick it scans open
// workspaces for placeholder entities, ones known from metadata propagation
// but without replicated content, and re-issues sync requests for them.
type Recovery struct {
	logger    *zap.Logger
	cfg       *config.SyncConfig
	syncStore *store.SyncStore

	// openWorkspaces supplies the workspaces currently open for sync.
	openWorkspaces func() []string
	// requestSync re-requests the given entities from workspace peers.
	requestSync func(workspaceID string, entityIDs []string)

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewRecovery(
	logger *zap.Logger,
	cfg *config.SyncConfig,
	syncStore *store.SyncStore,
	openWorkspaces func() []string,
	requestSync func(workspaceID string, entityIDs []string),
) *Recovery {
	return &Recovery{
		logger:         logger.Named("sparse_recovery"),
		cfg:            cfg,
		syncStore:      syncStore,
		openWorkspaces: openWorkspaces,
		requestSync:    requestSync,
	}
}

func (r *Recovery) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return errors.Wrap(errors.New("already started"), "start recovery")
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	r.started = true

	go r.run(ctx)
	return nil
}

func (r *Recovery) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()

	cancel()
	<-done
}

func (r *Recovery) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.SparseSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep runs one recovery pass. Exposed so a sweep can also be forced right
// after a workspace opens.
func (r *Recovery) Sweep() {
	for _, workspaceID := range r.openWorkspaces() {
		sparse, err := r.sparseEntities(workspaceID)
		if err != nil {
			r.logger.Warn(
				"sparse scan failed",
				zap.String("workspace", workspaceID),
				zap.Error(err),
			)
			continue
		}

		if len(sparse) == 0 {
			continue
		}

		sparseRecoveriesTotal.Add(float64(len(sparse)))
		r.logger.Debug(
			"re-requesting sparse entities",
			zap.String("workspace", workspaceID),
			zap.Int("entities", len(sparse)),
		)
		r.requestSync(workspaceID, sparse)
	}
}

func (r *Recovery) sparseEntities(workspaceID string) ([]string, error) {
	entities, err := r.syncStore.RangeEntities(workspaceID)
	if err != nil {
		return nil, errors.Wrap(err, "sparse entities")
	}

	sparse := []string{}
	for _, entity := range entities {
		if entity.Placeholder {
			sparse = append(sparse, entity.ID)
			continue
		}

		updates, err := r.syncStore.RangeUpdates(entity.ID)
		if err != nil {
			return nil, errors.Wrap(err, "sparse entities")
		}
		if len(updates) == 0 {
			sparse = append(sparse, entity.ID)
		}
	}

	return sparse, nil
}
