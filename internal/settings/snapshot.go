package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// settingRow mirrors the settings table without importing models.
type settingRow struct {
	Key   string
	Value []byte
}

var (
	snapshotMu sync.RWMutex
	snapshot   = map[string]json.RawMessage{}
)

// DBConfigValue returns the raw JSON value of a setting from the last snapshot.
func DBConfigValue(key string) (json.RawMessage, bool) {
	snapshotMu.RLock()
	defer snapshotMu.RUnlock()
	raw, ok := snapshot[key]
	return raw, ok
}

// StoreSnapshot replaces the in-memory settings snapshot.
func StoreSnapshot(values map[string]json.RawMessage) {
	next := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		next[k] = v
	}
	snapshotMu.Lock()
	snapshot = next
	snapshotMu.Unlock()
}

// Refresh reloads every setting from the database into the snapshot.
func Refresh(ctx context.Context, db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("settings: nil db")
	}
	var rows []settingRow
	if errFind := db.WithContext(ctx).Table("settings").Select("key", "value").Find(&rows).Error; errFind != nil {
		return fmt.Errorf("settings: load: %w", errFind)
	}
	values := make(map[string]json.RawMessage, len(rows))
	for _, row := range rows {
		values[row.Key] = json.RawMessage(row.Value)
	}
	StoreSnapshot(values)
	return nil
}

// StartRefresher reloads the snapshot every interval until ctx is done.
func StartRefresher(ctx context.Context, db *gorm.DB, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if errRefresh := Refresh(ctx, db); errRefresh != nil {
					log.WithError(errRefresh).Warn("settings: refresh failed")
				}
			}
		}
	}()
}
