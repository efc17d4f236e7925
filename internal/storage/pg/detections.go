package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/osintops/dragnet/internal/faults"
	"github.com/osintops/dragnet/internal/storage"
)

func insertDetectionsTx(ctx context.Context, tx *sql.Tx, ds []*storage.Detection) (int, error) {
	if len(ds) == 0 {
		return 0, nil
	}
	var sb strings.Builder
	sb.WriteString(`INSERT INTO detections (message_id, detector_id, detection_type, matched_text, normalized_value, context_before, context_after) VALUES `)
	args := make([]any, 0, len(ds)*7)
	for i, d := range ds {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 7
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7)
		args = append(args, d.MessageID, d.DetectorID, d.DetectionType, d.MatchedText,
			d.NormalizedValue, d.ContextBefore, d.ContextAfter)
	}
	sb.WriteString(` ON CONFLICT (message_id, detector_id, matched_text) DO NOTHING`)

	res, err := tx.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) InsertDetections(ctx context.Context, ds []*storage.Detection) (int, error) {
	inserted := 0
	for _, r := range chunkRange(len(ds)) {
		batch := ds[r[0]:r[1]]
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			n, err := insertDetectionsTx(ctx, tx, batch)
			if err != nil {
				return err
			}
			inserted += n
			return nil
		})
		if err != nil {
			return inserted, &faults.PersistenceError{Op: "insert_detections", Cause: err}
		}
	}
	return inserted, nil
}

func (s *Store) CountDetections(ctx context.Context, messageID int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM detections WHERE message_id = $1`, messageID).Scan(&n)
	return n, err
}

func (s *Store) ListDetectors(ctx context.Context, activeOnly bool) ([]*storage.Detector, error) {
	query := `SELECT id, name, pattern, category, priority, is_builtin, is_active FROM detectors`
	if activeOnly {
		query += ` WHERE is_active = true`
	}
	query += ` ORDER BY priority DESC, id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*storage.Detector
	for rows.Next() {
		var d storage.Detector
		if err := rows.Scan(&d.ID, &d.Name, &d.Pattern, &d.Category, &d.Priority,
			&d.IsBuiltin, &d.IsActive); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (s *Store) CreateDetector(ctx context.Context, d *storage.Detector) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO detectors (name, pattern, category, priority, is_builtin, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO UPDATE SET
			pattern = EXCLUDED.pattern,
			category = EXCLUDED.category,
			priority = EXCLUDED.priority,
			is_active = EXCLUDED.is_active
		RETURNING id`,
		d.Name, d.Pattern, d.Category, d.Priority, d.IsBuiltin, d.IsActive).Scan(&id)
	return id, err
}

func (s *Store) SetDetectorActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE detectors SET is_active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	return requireRow(res)
}
