package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"

	"formCollab/backend/internal/collab"
)

// form_documents 行。fields/settings 存 JSON 文本，
// 表结构归外部迁移系统管，这里只读写。
type documentRow struct {
	ID        string    `gorm:"column:id;primaryKey"`
	Fields    string    `gorm:"column:fields"`
	Settings  string    `gorm:"column:settings"`
	Version   uint64    `gorm:"column:version"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (documentRow) TableName() string { return "form_documents" }

type DocumentStore struct{ db *gorm.DB }

func NewDocumentStore(db *gorm.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

func (s *DocumentStore) LoadDocument(ctx context.Context, docID string) (*collab.Document, error) {
	var row documentRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", docID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, collab.ErrDocumentNotFound
	}
	if err != nil {
		return nil, err
	}

	doc := &collab.Document{ID: row.ID, Version: row.Version}
	if row.Fields != "" {
		if err := json.Unmarshal([]byte(row.Fields), &doc.Fields); err != nil {
			return nil, err
		}
	}
	if row.Settings != "" {
		if err := json.Unmarshal([]byte(row.Settings), &doc.Settings); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// SaveDocument：带版本单调保护的回刷。异步 flush 可能乱序到达，
// 只允许把更低的持久版本推高，旧版本的写直接落空。
func (s *DocumentStore) SaveDocument(ctx context.Context, doc *collab.Document) error {
	fields, err := json.Marshal(doc.Fields)
	if err != nil {
		return err
	}
	settings, err := json.Marshal(doc.Settings)
	if err != nil {
		return err
	}

	res := s.db.WithContext(ctx).Model(&documentRow{}).
		Where("id = ? AND version < ?", doc.ID, doc.Version).
		Updates(map[string]any{
			"fields":     string(fields),
			"settings":   string(settings),
			"version":    doc.Version,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	// 0 行：要么行不存在（文档 CRUD 在外部，先建行），要么已有更新版本
	var count int64
	if err := s.db.WithContext(ctx).Model(&documentRow{}).Where("id = ?", doc.ID).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil // 持久版本更新，本次写作废
	}
	return s.db.WithContext(ctx).Create(&documentRow{
		ID:        doc.ID,
		Fields:    string(fields),
		Settings:  string(settings),
		Version:   doc.Version,
		UpdatedAt: time.Now(),
	}).Error
}

var _ collab.DocumentStore = (*DocumentStore)(nil)
