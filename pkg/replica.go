package kvstore

// replica.go implements the per-replica storage engine: a bounded,
// insertion-ordered hot map backed by an append-only cold log and an
// in-memory offset index. Writes to one replica are assumed to be
// serialized by a single logical writer; callers must not call Put or a
// promoting Get concurrently on the same replica, which we enforce with one
// mutex per replica guarding hot, order, index, and the cold-log file.
//
// © 2025 tiered-kv authors. MIT License.

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Voskan/tiered-kv/internal/codec"
	"github.com/Voskan/tiered-kv/internal/diskindex"
	"github.com/Voskan/tiered-kv/internal/memstat"
	"github.com/Voskan/tiered-kv/internal/ordering"
)

// Replica is one storage engine instance: a hot tier plus a cold log and
// its offset index. ShardManager owns num_shards*replica_count of these,
// but a Replica is also usable standalone.
type Replica struct {
	mu sync.Mutex

	hot      map[string]any
	order    *ordering.List
	hotLimit int

	index map[string]int64

	coldPath  string
	coldFile  string
	indexFile string

	maxVersions int

	shardID, replicaID int
	metrics            metricsSink
	logger             *zap.Logger
}

// NewReplica constructs a standalone replica rooted at coldPath. Its metrics
// are labeled shard 0, replica 0.
func NewReplica(coldPath string, maxMemoryRatio float64, avgItemSize, maxVersions int, opts ...Option) (*Replica, error) {
	cfg := defaultConfig()
	if err := applyOptions(cfg, opts); err != nil {
		return nil, err
	}
	return newReplica(coldPath, 0, 0, maxMemoryRatio, avgItemSize, maxVersions, newMetricsSink(cfg.registry), cfg.logger)
}

func newReplica(coldPath string, shardID, replicaID int, maxMemoryRatio float64, avgItemSize, maxVersions int, metrics metricsSink, logger *zap.Logger) (*Replica, error) {
	if err := os.MkdirAll(coldPath, 0o755); err != nil {
		return nil, &StorageError{Op: "init", Cause: err}
	}

	hotLimit := int(float64(memstat.AvailableBytes()) * maxMemoryRatio / float64(avgItemSize))
	if hotLimit < 10 {
		hotLimit = 10
	}

	r := &Replica{
		hot:         make(map[string]any),
		order:       ordering.New(),
		hotLimit:    hotLimit,
		coldPath:    coldPath,
		coldFile:    filepath.Join(coldPath, "data.bin"),
		indexFile:   filepath.Join(coldPath, "index.bin"),
		maxVersions: maxVersions,
		shardID:     shardID,
		replicaID:   replicaID,
		metrics:     metrics,
		logger:      logger,
	}

	idx, ok, err := diskindex.Load(r.indexFile)
	if err != nil {
		logger.Warn("index file present but unreadable, rebuilding from log",
			zap.String("path", r.indexFile), zap.Error(err))
	}
	if ok && err == nil {
		r.index = idx
	} else {
		rebuilt, rerr := rebuildIndex(r.coldFile)
		if rerr != nil {
			return nil, &StorageError{Op: "rebuild index", Cause: rerr}
		}
		r.index = rebuilt
		if serr := diskindex.Save(r.indexFile, r.index); serr != nil {
			return nil, &StorageError{Op: "persist rebuilt index", Cause: serr}
		}
	}

	logger.Info("replica initialized", zap.String("cold_path", coldPath), zap.Int("hot_limit", hotLimit))
	return r, nil
}

// Put inserts or overwrites key. If key already has a hot entry, the
// previous value is archived under a "<key>::hist<ms>" history key before
// being overwritten, and history pruning for key runs immediately.
func (r *Replica) Put(key string, value any, writeToCold bool, schemaVersion codec.SchemaVersion, extra string, hasExtra bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if oldValue, exists := r.hot[key]; exists {
		histKey := key + "::hist" + strconv.FormatInt(time.Now().UnixMilli(), 10)
		if err := r.writeColdLocked(histKey, oldValue, schemaVersion, extra, hasExtra); err != nil {
			return &StorageError{Op: "put/history", Key: key, Cause: err}
		}
		r.pruneHistoryLocked(key, r.maxVersions)
	}

	if r.order.Len() >= r.hotLimit {
		if evictedKey, ok := r.order.EvictOldest(); ok {
			evictedValue := r.hot[evictedKey]
			delete(r.hot, evictedKey)
			if err := r.writeColdLocked(evictedKey, evictedValue, codec.Schema1, "", false); err != nil {
				return &StorageError{Op: "put/evict", Key: evictedKey, Cause: err}
			}
		}
	}

	r.hot[key] = value
	r.order.Touch(key)

	if writeToCold {
		if err := r.writeColdLocked(key, value, schemaVersion, extra, hasExtra); err != nil {
			return &StorageError{Op: "put", Key: key, Cause: err}
		}
	}

	r.metrics.incPut(r.shardID, r.replicaID)
	r.metrics.setHotSize(r.shardID, r.replicaID, r.order.Len())
	return nil
}

// Get returns the value for key, a found flag, and an error. A missing key
// is not an error: it reports (nil, false, nil). A cold-tier hit promotes
// key into the hot tier, evicting the oldest hot entry if necessary — the
// hot_limit invariant must hold after every operation, including reads that
// promote.
func (r *Replica) Get(key string) (any, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.hot[key]; ok {
		r.order.Touch(key)
		r.metrics.incGet(r.shardID, r.replicaID, true)
		return v, true, nil
	}

	if offset, ok := r.index[key]; ok {
		value, err := r.readColdValueAtLocked(offset)
		if err != nil {
			return nil, false, &StorageError{Op: "get", Key: key, Cause: err}
		}
		if err := r.promoteToHotLocked(key, value); err != nil {
			return nil, false, &StorageError{Op: "get/promote", Key: key, Cause: err}
		}
		r.metrics.incGet(r.shardID, r.replicaID, true)
		return value, true, nil
	}

	r.metrics.incGet(r.shardID, r.replicaID, false)
	return nil, false, nil
}

// GetRaw returns the full decoded record for key. A hot-tier hit reports
// schema 1 with no extra, since the hot tier does not retain that metadata.
func (r *Replica) GetRaw(key string) (codec.Record, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.hot[key]; ok {
		return codec.Record{Key: key, Value: v, SchemaVersion: codec.Schema1}, true, nil
	}

	if offset, ok := r.index[key]; ok {
		rec, err := r.readColdRecordAtLocked(offset)
		if err != nil {
			return codec.Record{}, false, &StorageError{Op: "get_raw", Key: key, Cause: err}
		}
		return rec, true, nil
	}

	return codec.Record{}, false, nil
}

// GetAllVersions returns a map containing "latest" (from hot if present,
// else promoted from cold) plus every history entry for key, keyed by its
// full history key. History entries are read in ascending key order, but the
// returned map does not preserve that order. Note this may promote key
// into hot as a side effect of what is otherwise a read-only API, the same
// as a plain Get on a cold-only key.
func (r *Replica) GetAllVersions(key string) (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make(map[string]any)

	if v, ok := r.hot[key]; ok {
		result["latest"] = v
	} else if offset, ok := r.index[key]; ok {
		value, err := r.readColdValueAtLocked(offset)
		if err != nil {
			return nil, &StorageError{Op: "get_all_versions", Key: key, Cause: err}
		}
		if err := r.promoteToHotLocked(key, value); err != nil {
			return nil, &StorageError{Op: "get_all_versions/promote", Key: key, Cause: err}
		}
		result["latest"] = value
	}

	prefix := key + "::hist"
	var histKeys []string
	for k := range r.index {
		if strings.HasPrefix(k, prefix) {
			histKeys = append(histKeys, k)
		}
	}
	sort.Strings(histKeys)

	for _, hk := range histKeys {
		value, err := r.readColdValueAtLocked(r.index[hk])
		if err != nil {
			return nil, &StorageError{Op: "get_all_versions", Key: hk, Cause: err}
		}
		result[hk] = value
	}

	return result, nil
}

// CleanOldVersions bounds the number of history index entries retained for
// key to maxVersions, dropping the oldest beyond that bound from the index.
// The underlying cold-log bytes are not reclaimed; there is no compactor.
func (r *Replica) CleanOldVersions(key string, maxVersions int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneHistoryLocked(key, maxVersions)
}

// DayChange flushes every hot entry to cold (schema 1, no extra) and empties
// the hot tier. It returns the number of entries flushed.
func (r *Replica) DayChange() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for {
		key, ok := r.order.EvictOldest()
		if !ok {
			break
		}
		value := r.hot[key]
		delete(r.hot, key)
		if err := r.writeColdLocked(key, value, codec.Schema1, "", false); err != nil {
			return count, &StorageError{Op: "day_change", Key: key, Cause: err}
		}
		count++
	}

	r.metrics.incDayChangeFlushed(r.shardID, r.replicaID, count)
	r.metrics.setHotSize(r.shardID, r.replicaID, 0)
	return count, nil
}

/* -------------------------------------------------------------------------
   internal helpers (caller must hold r.mu)
   ------------------------------------------------------------------------- */

func (r *Replica) promoteToHotLocked(key string, value any) error {
	if _, exists := r.hot[key]; exists {
		r.hot[key] = value
		r.order.Touch(key)
		return nil
	}

	if r.order.Len() >= r.hotLimit {
		if evictedKey, ok := r.order.EvictOldest(); ok {
			evictedValue := r.hot[evictedKey]
			delete(r.hot, evictedKey)
			if err := r.writeColdLocked(evictedKey, evictedValue, codec.Schema1, "", false); err != nil {
				return err
			}
		}
	}

	r.hot[key] = value
	r.order.Touch(key)
	r.metrics.setHotSize(r.shardID, r.replicaID, r.order.Len())
	return nil
}

func (r *Replica) pruneHistoryLocked(key string, maxVersions int) {
	prefix := key + "::hist"
	var versions []string
	for k := range r.index {
		if strings.HasPrefix(k, prefix) {
			versions = append(versions, k)
		}
	}
	if len(versions) <= maxVersions {
		return
	}
	sort.Strings(versions)
	toRemove := versions[:len(versions)-maxVersions]
	for _, k := range toRemove {
		delete(r.index, k)
	}
	if err := diskindex.Save(r.indexFile, r.index); err != nil {
		r.logger.Warn("failed to persist index after history pruning", zap.String("key", key), zap.Error(err))
	}
	r.metrics.incHistoryPruned(r.shardID, r.replicaID, len(toRemove))
}

// writeColdLocked encodes and appends one record, updates the index entry
// for key to the new offset, and persists the index — every cold write is
// followed by an index save so the sidecar never lags the log it describes.
func (r *Replica) writeColdLocked(key string, value any, schemaVersion codec.SchemaVersion, extra string, hasExtra bool) error {
	data, err := codec.Encode(key, value, schemaVersion, extra, hasExtra)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(r.coldFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}

	r.index[key] = offset
	return diskindex.Save(r.indexFile, r.index)
}

func (r *Replica) readColdRecordAtLocked(offset int64) (codec.Record, error) {
	f, err := os.Open(r.coldFile)
	if err != nil {
		return codec.Record{}, err
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return codec.Record{}, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return codec.Record{}, err
	}
	rec, _, err := codec.Decode(data)
	if err != nil {
		return codec.Record{}, err
	}
	return rec, nil
}

func (r *Replica) readColdValueAtLocked(offset int64) (any, error) {
	rec, err := r.readColdRecordAtLocked(offset)
	if err != nil {
		return nil, err
	}
	return rec.Value, nil
}

// rebuildIndex scans the cold log from the start, recording each key's
// latest offset. Versions 3 and 4 share version 2's 12-byte header layout,
// so all three branch together here instead of only version 2. Any parse
// failure, short read, or unrecognised version advances one byte past the
// record's start and resumes scanning (byte-wise resync).
func rebuildIndex(coldFile string) (map[string]int64, error) {
	index := make(map[string]int64)

	f, err := os.Open(coldFile)
	if err != nil {
		if os.IsNotExist(err) {
			return index, nil
		}
		return nil, err
	}
	defer f.Close()

	for {
		offset, err := f.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, err
		}

		var versionByte [1]byte
		n, err := f.Read(versionByte[:])
		if n == 0 || err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		key, ok := scanRecordHeader(f, versionByte[0])
		if !ok {
			if _, err := f.Seek(offset+1, io.SeekStart); err != nil {
				return nil, err
			}
			continue
		}
		index[key] = offset
	}

	return index, nil
}

// scanRecordHeader reads and discards one record's body after its version
// byte has already been consumed, returning the record's key. ok is false
// if the header or body could not be read in full (corruption or an
// unrecognised version byte), signalling the caller to resync.
func scanRecordHeader(f *os.File, version byte) (string, bool) {
	info, err := f.Stat()
	if err != nil {
		return "", false
	}
	size := info.Size()

	switch version {
	case 1:
		var hdr [8]byte
		if _, err := io.ReadFull(f, hdr[:]); err != nil {
			return "", false
		}
		keyLen := binary.BigEndian.Uint32(hdr[0:4])
		valueLen := binary.BigEndian.Uint32(hdr[4:8])
		keyBytes := make([]byte, keyLen)
		if _, err := io.ReadFull(f, keyBytes); err != nil {
			return "", false
		}
		if end, err := f.Seek(int64(valueLen), io.SeekCurrent); err != nil || end > size {
			return "", false
		}
		return string(keyBytes), true

	case 2, 3, 4:
		var hdr [12]byte
		if _, err := io.ReadFull(f, hdr[:]); err != nil {
			return "", false
		}
		keyLen := binary.BigEndian.Uint32(hdr[0:4])
		valueLen := binary.BigEndian.Uint32(hdr[4:8])
		extraLen := binary.BigEndian.Uint32(hdr[8:12])
		keyBytes := make([]byte, keyLen)
		if _, err := io.ReadFull(f, keyBytes); err != nil {
			return "", false
		}
		if end, err := f.Seek(int64(valueLen)+int64(extraLen), io.SeekCurrent); err != nil || end > size {
			return "", false
		}
		return string(keyBytes), true

	default:
		return "", false
	}
}

