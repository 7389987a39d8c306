package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/go-sql-driver/mysql"

	"formCollab/backend/internal/collab"
)

// 版本快照只追加。(document_id, version) 唯一键，
// flush 重试撞到重复键说明这版已经落过，按成功处理。
type SnapshotStore struct{ db *sql.DB }

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

func (s *SnapshotStore) AppendSnapshot(ctx context.Context, snap collab.VersionSnapshot) error {
	fields, err := json.Marshal(snap.Fields)
	if err != nil {
		return err
	}
	settings, err := json.Marshal(snap.Settings)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO form_snapshots (document_id, version, fields, settings, changed_by, summary, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.DocID,
		snap.Version,
		string(fields),
		string(settings),
		snap.ChangedBy,
		snap.Summary,
		snap.CreatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return err
	}
	return nil
}

func (s *SnapshotStore) ListSnapshots(ctx context.Context, docID string, limit int) ([]collab.VersionSnapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT document_id, version, fields, settings, changed_by, summary, created_at
		FROM form_snapshots WHERE document_id = ? ORDER BY version DESC LIMIT ?`,
		docID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []collab.VersionSnapshot
	for rows.Next() {
		var snap collab.VersionSnapshot
		var fields, settings []byte
		if err := rows.Scan(&snap.DocID, &snap.Version, &fields, &settings, &snap.ChangedBy, &snap.Summary, &snap.CreatedAt); err != nil {
			return nil, err
		}
		if len(fields) > 0 {
			if err := json.Unmarshal(fields, &snap.Fields); err != nil {
				return nil, err
			}
		}
		if len(settings) > 0 {
			if err := json.Unmarshal(settings, &snap.Settings); err != nil {
				return nil, err
			}
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

var _ collab.SnapshotStore = (*SnapshotStore)(nil)
