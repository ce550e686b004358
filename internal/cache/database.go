package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/weddingdesk/internal/models"
)

// DatabaseStore implements the cache Store interface using the primary SQL database.
type DatabaseStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewDatabaseStore constructs a database-backed Store.
func NewDatabaseStore(db *gorm.DB) *DatabaseStore {
	if db == nil {
		return nil
	}
	return &DatabaseStore{db: db, now: time.Now}
}

// IncrementWithTTL atomically increments a counter for the supplied key. The
// window starts with the first increment and is not extended by later ones.
func (s *DatabaseStore) IncrementWithTTL(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	if s == nil {
		return 0, 0, errors.New("cache: database store not initialised")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if window <= 0 {
		window = time.Minute
	}

	now := s.now()
	var (
		count  int64
		expiry time.Time
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entry models.CacheEntry
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Take(&entry, "cache_key = ?", key).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			count = 1
			expiry = now.Add(window)
			entry = models.CacheEntry{
				Key:       key,
				Value:     []byte("1"),
				ExpiresAt: expiry,
			}
			return tx.Create(&entry).Error
		}
		if err != nil {
			return err
		}

		if !entry.ExpiresAt.IsZero() && !entry.ExpiresAt.After(now) {
			count = 1
			expiry = now.Add(window)
		} else {
			current, _ := strconv.ParseInt(string(entry.Value), 10, 64)
			count = current + 1
			expiry = entry.ExpiresAt
		}
		entry.Value = []byte(strconv.FormatInt(count, 10))
		entry.ExpiresAt = expiry

		return tx.Save(&entry).Error
	})
	if err != nil {
		return 0, 0, err
	}

	return count, expiry.Sub(now), nil
}

// Set upserts the value for a given key with expiry.
func (s *DatabaseStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if s == nil {
		return errors.New("cache: database store not initialised")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	expiry := time.Time{}
	if ttl > 0 {
		expiry = s.now().Add(ttl)
	}

	entry := models.CacheEntry{
		Key:       key,
		Value:     value,
		ExpiresAt: expiry,
	}

	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "cache_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at", "updated_at"}),
		}).Create(&entry).Error
}

// Get retrieves a value by key, respecting expiry.
func (s *DatabaseStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if s == nil {
		return nil, false, errors.New("cache: database store not initialised")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var entry models.CacheEntry
	err := s.db.WithContext(ctx).Take(&entry, "cache_key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if !entry.ExpiresAt.IsZero() && !s.now().Before(entry.ExpiresAt) {
		_ = s.Delete(ctx, key)
		return nil, false, nil
	}

	return entry.Value, true, nil
}

// Delete removes keys from the store.
func (s *DatabaseStore) Delete(ctx context.Context, keys ...string) error {
	if s == nil {
		return errors.New("cache: database store not initialised")
	}
	if len(keys) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	return s.db.WithContext(ctx).Where("cache_key IN ?", keys).Delete(&models.CacheEntry{}).Error
}

// PruneExpired deletes every expired entry and returns how many were removed.
func (s *DatabaseStore) PruneExpired(ctx context.Context) (int64, error) {
	if s == nil {
		return 0, errors.New("cache: database store not initialised")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	result := s.db.WithContext(ctx).
		Where("expires_at > ? AND expires_at <= ?", time.Time{}, s.now()).
		Delete(&models.CacheEntry{})
	return result.RowsAffected, result.Error
}
