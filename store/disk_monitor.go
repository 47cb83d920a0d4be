package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/loomhq/syncengine/config"
)

var (
	diskUsagePercentage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "loom",
			Subsystem: "store",
			Name:      "disk_usage_percentage",
			Help:      "Current disk usage percentage for the store path",
		},
		[]string{"path"},
	)

	diskFreeSpace = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "loom",
			Subsystem: "store",
			Name:      "disk_free_bytes",
			Help:      "Free disk space in bytes for the store path",
		},
		[]string{"path"},
	)
)

// DiskMonitor watches the partition holding the store and reports usage.
// Crossing the terminate threshold sends one error on errCh so the process
// can shut down before pebble starts failing writes mid-batch.
type DiskMonitor struct {
	logger *zap.Logger
	path   string

	noticePercentage    int
	warnPercentage      int
	terminatePercentage int

	errCh         chan<- error
	checkInterval time.Duration
}

func NewDiskMonitor(
	logger *zap.Logger,
	cfg *config.DBConfig,
	errCh chan<- error,
) *DiskMonitor {
	return &DiskMonitor{
		logger:              logger.Named("disk_monitor"),
		path:                cfg.Path,
		noticePercentage:    cfg.NoticePercentage,
		warnPercentage:      cfg.WarnPercentage,
		terminatePercentage: cfg.TerminatePercentage,
		errCh:               errCh,
		checkInterval:       time.Minute,
	}
}

// WithCheckInterval sets a custom interval for checking disk usage.
func (d *DiskMonitor) WithCheckInterval(interval time.Duration) *DiskMonitor {
	d.checkInterval = interval
	return d
}

func (d *DiskMonitor) getDiskStats() (int, uint64, error) {
	absPath, err := filepath.Abs(d.path)
	if err != nil {
		return 0, 0, errors.Wrap(err, "get disk stats")
	}

	if _, err := os.Stat(absPath); os.IsNotExist(err) {
		return 0, 0, errors.Wrap(
			fmt.Errorf("path does not exist: %s", absPath),
			"get disk stats",
		)
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(absPath, &stat); err != nil {
		return 0, 0, errors.Wrap(err, "get disk stats")
	}

	totalSpace := stat.Blocks * uint64(stat.Bsize)
	freeSpace := stat.Bfree * uint64(stat.Bsize)

	var usagePercentage int
	if totalSpace > 0 {
		usagePercentage = int(((totalSpace - freeSpace) * 100) / totalSpace)
	}

	return usagePercentage, freeSpace, nil
}

// Start begins monitoring disk usage in a separate goroutine.
func (d *DiskMonitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(d.checkInterval)
		defer ticker.Stop()

		d.checkDiskUsage()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.checkDiskUsage()
			}
		}
	}()
}

func (d *DiskMonitor) checkDiskUsage() {
	usagePercentage, freeSpace, err := d.getDiskStats()
	if err != nil {
		d.logger.Warn("disk usage check failed", zap.Error(err))
		return
	}

	diskUsagePercentage.WithLabelValues(d.path).Set(float64(usagePercentage))
	diskFreeSpace.WithLabelValues(d.path).Set(float64(freeSpace))

	switch {
	case usagePercentage >= d.terminatePercentage:
		err := fmt.Errorf(
			"disk usage %d%% at or above terminate threshold %d%%",
			usagePercentage,
			d.terminatePercentage,
		)
		d.logger.Error("disk usage critical", zap.Error(err))
		select {
		case d.errCh <- err:
		default:
		}
	case usagePercentage >= d.warnPercentage:
		d.logger.Warn(
			"disk usage high",
			zap.Int("usage_percentage", usagePercentage),
			zap.String("path", d.path),
		)
	case usagePercentage >= d.noticePercentage:
		d.logger.Info(
			"disk usage elevated",
			zap.Int("usage_percentage", usagePercentage),
			zap.String("path", d.path),
		)
	}
}
