package kvstore

// config.go defines the functional-options configuration surface: an
// unexported config struct populated by defaultConfig() and mutated by
// Option closures, validated by applyOptions before construction proceeds.
//
// © 2025 tiered-kv authors. MIT License.

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// config bundles every knob that influences ShardManager/Replica behaviour.
// All fields are immutable once the manager is constructed.
type config struct {
	numShards     int
	replicaCount  int
	maxMemoryRatio float64
	avgItemSize   int
	maxVersions   int

	registry *prometheus.Registry
	logger   *zap.Logger
	baseDir  string
}

// Option is a functional option passed to NewShardManager.
type Option func(*config)

func defaultConfig() *config {
	return &config{
		numShards:      2,
		replicaCount:   2,
		maxMemoryRatio: 0.5,
		avgItemSize:    1024,
		maxVersions:    5,
		logger:         zap.NewNop(),
		registry:       nil,
		baseDir:        "data/cold_store",
	}
}

// WithNumShards overrides the default shard count (2).
func WithNumShards(n int) Option {
	return func(c *config) { c.numShards = n }
}

// WithReplicaCount overrides the default replica-per-shard count (2).
func WithReplicaCount(n int) Option {
	return func(c *config) { c.replicaCount = n }
}

// WithMaxMemoryRatio overrides the fraction of available memory used to
// derive each replica's hot_limit (default 0.5).
func WithMaxMemoryRatio(ratio float64) Option {
	return func(c *config) { c.maxMemoryRatio = ratio }
}

// WithAvgItemSize overrides the divisor used in the hot_limit calculation
// (default 1024 bytes).
func WithAvgItemSize(n int) Option {
	return func(c *config) { c.avgItemSize = n }
}

// WithMaxVersions overrides the default per-key cold history retention (5).
func WithMaxVersions(n int) Option {
	return func(c *config) { c.maxVersions = n }
}

// WithMetrics enables Prometheus metrics collection. Passing nil disables
// metrics (the default).
func WithMetrics(reg *prometheus.Registry) Option {
	return func(c *config) { c.registry = reg }
}

// WithLogger plugs an external zap.Logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithBaseDir overrides the root directory under which each replica's
// shard<i>_rep<j> cold-storage directory is created (default
// "data/cold_store").
func WithBaseDir(dir string) Option {
	return func(c *config) { c.baseDir = dir }
}

func applyOptions(cfg *config, opts []Option) error {
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.numShards <= 0 {
		return errInvalidNumShards
	}
	if cfg.replicaCount <= 0 {
		return errInvalidReplicaCount
	}
	if cfg.maxMemoryRatio <= 0 || cfg.maxMemoryRatio > 1 {
		return errInvalidMemoryRatio
	}
	if cfg.avgItemSize <= 0 {
		return errInvalidAvgItemSize
	}
	if cfg.maxVersions <= 0 {
		return errInvalidMaxVersions
	}
	return nil
}

var (
	errInvalidNumShards    = errors.New("kvstore: num_shards must be > 0")
	errInvalidReplicaCount = errors.New("kvstore: replica_count must be > 0")
	errInvalidMemoryRatio  = errors.New("kvstore: max_memory_ratio must be in (0,1]")
	errInvalidAvgItemSize  = errors.New("kvstore: avg_item_size must be > 0")
	errInvalidMaxVersions  = errors.New("kvstore: max_versions must be > 0")
)
