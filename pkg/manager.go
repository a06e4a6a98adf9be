package kvstore

// manager.go implements ShardManager: SHA-256 based placement across
// num_shards, a daemon worker that drains a FIFO queue of pending
// asynchronous replications, synchronous fan-out to every replica of a
// shard, read fallback across replicas in order, and replica consistency
// verification.
//
// Concurrency: async_queue is a channel, so enqueue/pop are atomic and the
// worker blocks on an empty channel instead of busy-spinning. Concurrent Get
// calls for the same key are coalesced through a singleflight.Group so only
// one replica-fallback scan runs per key at a time; other callers share its
// result instead of each repeating the same scan.
//
// © 2025 tiered-kv authors. MIT License.

import (
	"crypto/sha256"
	"fmt"
	"math/big"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Voskan/tiered-kv/internal/codec"
)

// asyncReplication is one pending background replication job.
type asyncReplication struct {
	key           string
	value         any
	writeToCold   bool
	shardID       int
	schemaVersion codec.SchemaVersion
	extra         string
	hasExtra      bool
}

// ShardManager distributes keys across num_shards shards, each holding
// replica_count independent Replica storage engines.
type ShardManager struct {
	numShards    int
	replicaCount int
	shards       [][]*Replica

	asyncQueue chan asyncReplication
	done       chan struct{}

	getGroup singleflight.Group

	metrics metricsSink
	logger  *zap.Logger
}

// NewShardManager constructs every replica of every shard under
// baseDir/shard<i>_rep<j>, loading or rebuilding each one's index, then
// starts the single background replication worker.
func NewShardManager(opts ...Option) (*ShardManager, error) {
	cfg := defaultConfig()
	if err := applyOptions(cfg, opts); err != nil {
		return nil, err
	}

	metrics := newMetricsSink(cfg.registry)

	m := &ShardManager{
		numShards:    cfg.numShards,
		replicaCount: cfg.replicaCount,
		shards:       make([][]*Replica, cfg.numShards),
		asyncQueue:   make(chan asyncReplication, 1024),
		done:         make(chan struct{}),
		metrics:      metrics,
		logger:       cfg.logger,
	}

	for shardID := 0; shardID < cfg.numShards; shardID++ {
		replicas := make([]*Replica, cfg.replicaCount)
		for replicaID := 0; replicaID < cfg.replicaCount; replicaID++ {
			coldPath := filepath.Join(cfg.baseDir, fmt.Sprintf("shard%d_rep%d", shardID, replicaID))
			replica, err := newReplica(coldPath, shardID, replicaID, cfg.maxMemoryRatio, cfg.avgItemSize, cfg.maxVersions, metrics, cfg.logger)
			if err != nil {
				return nil, err
			}
			replicas[replicaID] = replica
		}
		m.shards[shardID] = replicas
	}

	go m.asyncReplicationWorker()

	cfg.logger.Info("shard manager initialized",
		zap.Int("num_shards", cfg.numShards), zap.Int("replica_count", cfg.replicaCount))
	return m, nil
}

// ShardID computes the deterministic shard assignment for key:
// SHA-256(key) interpreted as a big-endian integer, mod num_shards.
func (m *ShardManager) ShardID(key string) int {
	return shardID(key, m.numShards)
}

func shardID(key string, numShards int) int {
	sum := sha256.Sum256([]byte(key))
	n := new(big.Int).SetBytes(sum[:])
	return int(new(big.Int).Mod(n, big.NewInt(int64(numShards))).Int64())
}

// Shards exposes the underlying replica grid for introspection.
func (m *ShardManager) Shards() [][]*Replica {
	return m.shards
}

// Put writes key to its shard. When async is false, every replica of the
// shard (0..N-1, in order) receives the write synchronously; a per-replica
// failure is logged and fan-out continues with the remaining replicas. When
// async is true, the primary (replica 0) is written synchronously and the
// write is enqueued for the background worker to apply to the secondaries.
func (m *ShardManager) Put(key string, value any, writeToCold bool, async bool, schemaVersion codec.SchemaVersion, extra string, hasExtra bool) error {
	sid := m.ShardID(key)
	replicas := m.shards[sid]

	if async {
		if err := replicas[0].Put(key, value, writeToCold, schemaVersion, extra, hasExtra); err != nil {
			return err
		}
		m.metrics.incReplication(sid, true)
		job := asyncReplication{
			key: key, value: value, writeToCold: writeToCold, shardID: sid,
			schemaVersion: schemaVersion, extra: extra, hasExtra: hasExtra,
		}
		select {
		case m.asyncQueue <- job:
		case <-m.done:
		}
		return nil
	}

	m.metrics.incReplication(sid, false)
	for replicaID, replica := range replicas {
		if err := replica.Put(key, value, writeToCold, schemaVersion, extra, hasExtra); err != nil {
			m.logger.Warn("replica put failed during synchronous fan-out",
				zap.Int("shard", sid), zap.Int("replica", replicaID), zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

// Get returns the first non-empty value found by probing replicas of key's
// shard in order 0..N-1. A replica error is treated as a miss and the scan
// continues. Concurrent Get calls for the same key are coalesced so only
// one scan runs at a time; all callers share its result.
func (m *ShardManager) Get(key string) (any, bool) {
	v, err, _ := m.getGroup.Do(key, func() (any, error) {
		sid := m.ShardID(key)
		for replicaID, replica := range m.shards[sid] {
			value, ok, rerr := replica.Get(key)
			if rerr != nil {
				m.logger.Warn("replica get failed, trying next replica",
					zap.Int("shard", sid), zap.Int("replica", replicaID), zap.String("key", key), zap.Error(rerr))
				continue
			}
			if ok {
				return value, nil
			}
		}
		return nil, errKeyNotFound
	})
	if err != nil {
		return nil, false
	}
	return v, true
}

// CheckReplicaConsistency reports whether every replica of key's shard
// currently agrees on key's value (compared by fmt.Sprint stringification,
// matching the original's str(v) comparison). A replica error counts as a
// nil value for comparison purposes rather than aborting the check.
func (m *ShardManager) CheckReplicaConsistency(key string) bool {
	sid := m.ShardID(key)
	replicas := m.shards[sid]

	var first string
	for i, replica := range replicas {
		value, ok, err := replica.Get(key)
		var rendered string
		if err == nil && ok {
			rendered = fmt.Sprint(value)
		} else {
			rendered = fmt.Sprint(nil)
		}
		if i == 0 {
			first = rendered
			continue
		}
		if rendered != first {
			return false
		}
	}
	return true
}

// DayChange flushes every replica's hot tier to cold and returns the
// per-replica flushed counts, nested by shard.
func (m *ShardManager) DayChange() (map[int][]int, error) {
	result := make(map[int][]int, m.numShards)
	for sid, replicas := range m.shards {
		counts := make([]int, len(replicas))
		for rid, replica := range replicas {
			count, err := replica.DayChange()
			if err != nil {
				return result, err
			}
			counts[rid] = count
		}
		result[sid] = counts
	}
	return result, nil
}

// Close stops the background replication worker. In-flight queued jobs are
// dropped; Close does not drain the queue first.
func (m *ShardManager) Close() {
	close(m.done)
}

func (m *ShardManager) asyncReplicationWorker() {
	for {
		select {
		case job := <-m.asyncQueue:
			replicas := m.shards[job.shardID]
			for replicaID, replica := range replicas[1:] {
				if err := replica.Put(job.key, job.value, job.writeToCold, job.schemaVersion, job.extra, job.hasExtra); err != nil {
					m.logger.Warn("async replication failed",
						zap.Int("shard", job.shardID), zap.Int("replica", replicaID+1),
						zap.String("key", job.key), zap.Error(err))
				}
			}
		case <-m.done:
			return
		}
	}
}

var errKeyNotFound = fmt.Errorf("kvstore: key not found")
