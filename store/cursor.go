package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"unibox/models"
)

// GetCursor returns the newest timestamp a historical fetch has stored for the
// platform, or 0 when nothing was fetched yet.
func (s *MessageStore) GetCursor(ctx context.Context, platform models.Platform) (int64, error) {
	ctx, cancel := readContext(ctx)
	defer cancel()

	var cursor models.SyncCursor
	err := s.db.WithContext(ctx).Where("platform = ?", platform).Take(&cursor).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return 0, nil
	case err != nil:
		return 0, unavailable("get cursor", err)
	}
	return cursor.Cursor, nil
}

// SetCursor advances the platform cursor; it never moves backwards.
func (s *MessageStore) SetCursor(ctx context.Context, platform models.Platform, ts int64) error {
	ctx, cancel := writeContext(ctx)
	defer cancel()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&models.SyncCursor{Platform: platform}).Error; err != nil {
			return err
		}
		return tx.Model(&models.SyncCursor{}).
			Where("platform = ? AND cursor < ?", platform, ts).
			Update("cursor", ts).Error
	})
	if err != nil {
		return unavailable("set cursor", err)
	}
	return nil
}
