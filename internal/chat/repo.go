package chat

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) GetByID(ctx context.Context, id string) (*Record, error) {
	var rec Record
	if err := r.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *Repo) Insert(ctx context.Context, rec *Record) error {
	return r.db.WithContext(ctx).Create(rec).Error
}

// InsertIgnoreConflict inserts rec unless a row with the same id already
// exists. It reports whether the row was inserted; a lost insert race is
// (false, nil), never an error.
func (r *Repo) InsertIgnoreConflict(ctx context.Context, rec *Record) (bool, error) {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(rec)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *Repo) Save(ctx context.Context, rec *Record) error {
	return r.db.WithContext(ctx).Save(rec).Error
}

// ListRecentDesc returns the most recent records for a user in DESC
// created_at order (newest -> oldest).
func (r *Repo) ListRecentDesc(ctx context.Context, userID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	var recs []Record
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}
