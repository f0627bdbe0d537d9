package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"collabSession/backend/internal/collab"
)

// CollabContent 落库的文档纯文本快照，一个协作会话一行
type CollabContent struct {
	CollabID string    `gorm:"column:collab_id;primaryKey;size:128"`
	Content  string    `gorm:"column:content;type:longtext"`
	SavedAt  time.Time `gorm:"column:saved_at"`
}

func (CollabContent) TableName() string { return "collab_contents" }

type ContentStore struct{ db *gorm.DB }

var _ collab.ContentStore = (*ContentStore)(nil)

func NewContentStore(db *gorm.DB) *ContentStore {
	return &ContentStore{db: db}
}

// SaveContent 覆盖式保存（同一 collabID 只保留最新一份）
func (s *ContentStore) SaveContent(ctx context.Context, collabID string, content string) error {
	row := CollabContent{CollabID: collabID, Content: content, SavedAt: time.Now()}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "collab_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"content", "saved_at"}),
		}).
		Create(&row).Error
}

func (s *ContentStore) LoadContent(ctx context.Context, collabID string) (string, error) {
	var row CollabContent
	err := s.db.WithContext(ctx).First(&row, "collab_id = ?", collabID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", collab.ErrNoSavedContent
	}
	if err != nil {
		return "", err
	}
	return row.Content, nil
}
