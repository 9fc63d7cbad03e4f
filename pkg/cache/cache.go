package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cockroachdb/pebble"

	"msgsync/pkg/logger"
	"msgsync/pkg/models"
)

var (
	db     *pebble.DB
	dbPath string
)

// Open opens (or creates) the local pebble cache at the given path and keeps
// a global handle for simple usage in this package.
func Open(path string) error {
	var err error
	logger.Info("opening_cache", "path", path)
	db, err = pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("cache_open_failed", "path", path, "error", err)
		return err
	}
	dbPath = path
	return nil
}

// Close closes the opened cache if present.
func Close() error {
	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		return err
	}
	db = nil
	logger.Info("cache_closed")
	return nil
}

// Ready reports whether the cache is opened and ready.
func Ready() bool {
	return db != nil
}

// msgKey builds the per-thread message key. The zero-padded timestamp keeps
// iteration order chronological; the id suffix makes re-saves of the same
// message overwrite in place instead of duplicating.
func msgKey(threadID string, ts int64, msgID string) []byte {
	return []byte(fmt.Sprintf("thread:%s:msg:%020d-%s", threadID, ts, msgID))
}

func threadMetaKey(threadID string) []byte {
	return []byte("thread:" + threadID + ":meta")
}

// SaveMessage writes a confirmed message under its thread. Optimistic
// (temp-id) entries are never persisted; they are rebuilt by the send
// pipeline if the process restarts mid-send.
func SaveMessage(threadID string, msg models.Message) error {
	if db == nil {
		return fmt.Errorf("cache not opened; call cache.Open first")
	}
	if models.IsTempID(msg.ID) {
		return nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	key := msgKey(threadID, msg.TS, msg.ID)
	if err := db.Set(key, data, pebble.NoSync); err != nil {
		logger.Error("cache_save_message_failed", "thread", threadID, "msg", msg.ID, "error", err)
		return err
	}
	return nil
}

// ListMessages returns all cached messages for a thread in chronological order.
func ListMessages(threadID string) ([]models.Message, error) {
	if db == nil {
		return nil, fmt.Errorf("cache not opened; call cache.Open first")
	}
	prefix := []byte("thread:" + threadID + ":msg:")
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.Message
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			logger.Warn("cache_invalid_message_json", "key", string(iter.Key()), "error", err)
			continue
		}
		out = append(out, m)
	}
	return out, iter.Error()
}

// SaveThread stores thread metadata under a reserved key.
func SaveThread(th models.Thread) error {
	if db == nil {
		return fmt.Errorf("cache not opened; call cache.Open first")
	}
	data, err := json.Marshal(th)
	if err != nil {
		return fmt.Errorf("failed to marshal thread: %w", err)
	}
	if err := db.Set(threadMetaKey(th.ID), data, pebble.NoSync); err != nil {
		logger.Error("cache_save_thread_failed", "thread", th.ID, "error", err)
		return err
	}
	return nil
}

// GetThread returns the cached metadata for a given thread ID.
func GetThread(threadID string) (models.Thread, error) {
	var th models.Thread
	if db == nil {
		return th, fmt.Errorf("cache not opened; call cache.Open first")
	}
	v, closer, err := db.Get(threadMetaKey(threadID))
	if err != nil {
		return th, err
	}
	defer closer.Close()
	if err := json.Unmarshal(v, &th); err != nil {
		return th, fmt.Errorf("invalid thread metadata: %w", err)
	}
	return th, nil
}

// ListThreads returns all cached thread metadata values.
func ListThreads() ([]models.Thread, error) {
	if db == nil {
		return nil, fmt.Errorf("cache not opened; call cache.Open first")
	}
	prefix := []byte("thread:")
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.Thread
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		if !strings.HasSuffix(string(iter.Key()), ":meta") {
			continue
		}
		var th models.Thread
		if err := json.Unmarshal(iter.Value(), &th); err != nil {
			logger.Warn("cache_invalid_thread_json", "key", string(iter.Key()), "error", err)
			continue
		}
		out = append(out, th)
	}
	return out, iter.Error()
}

// DeleteMessagesBefore removes cached messages for a thread older than the
// cutoff timestamp (ns). At most batchSize keys are deleted per call; the
// number of keys that matched is returned so callers can loop. With dryRun
// set nothing is deleted.
func DeleteMessagesBefore(threadID string, cutoffTS int64, batchSize int, dryRun bool) (int, error) {
	if db == nil {
		return 0, fmt.Errorf("cache not opened; call cache.Open first")
	}
	if batchSize <= 0 {
		batchSize = 256
	}
	prefix := []byte("thread:" + threadID + ":msg:")
	limit := msgKey(threadID, cutoffTS, "")
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	matched := 0
	wb := new(pebble.Batch)
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		if bytes.Compare(iter.Key(), limit) >= 0 {
			break
		}
		matched++
		if !dryRun {
			wb.Delete(append([]byte(nil), iter.Key()...), pebble.NoSync)
		}
		if matched >= batchSize {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return matched, err
	}
	if dryRun || matched == 0 {
		return matched, nil
	}
	if err := db.Apply(wb, pebble.Sync); err != nil {
		logger.Error("cache_purge_failed", "thread", threadID, "error", err)
		return matched, err
	}
	return matched, nil
}

// ListKeys returns all keys (as strings) that start with the given prefix.
// If prefix is empty it returns all keys in the cache.
func ListKeys(prefix string) ([]string, error) {
	if db == nil {
		return nil, fmt.Errorf("cache not opened; call cache.Open first")
	}
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []string
	pfx := []byte(prefix)
	for iter.SeekGE(pfx); iter.Valid(); iter.Next() {
		if len(pfx) > 0 && !bytes.HasPrefix(iter.Key(), pfx) {
			break
		}
		out = append(out, string(append([]byte(nil), iter.Key()...)))
	}
	return out, iter.Error()
}
