package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/osintops/dragnet/internal/faults"
	"github.com/osintops/dragnet/internal/storage"
)

const messageColumns = `id, dialog_id, tg_message_id, sender_id, date, text, reply_to, grouped_id,
	views, forwards, reactions, media_type, created_at`

func scanMessage(row interface{ Scan(...any) error }) (*storage.Message, error) {
	var m storage.Message
	var sender, replyTo, groupedID sql.NullInt64
	var reactions []byte
	err := row.Scan(&m.ID, &m.DialogID, &m.TGMessageID, &sender, &m.Date, &m.Text,
		&replyTo, &groupedID, &m.Views, &m.Forwards, &reactions, &m.MediaType, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.SenderID = int64Ptr(sender)
	m.ReplyTo = int64Ptr(replyTo)
	m.GroupedID = int64Ptr(groupedID)
	if len(reactions) > 0 {
		_ = json.Unmarshal(reactions, &m.Reactions)
	}
	return &m, nil
}

func marshalReactions(r map[string]int) ([]byte, error) {
	if len(r) == 0 {
		return nil, nil
	}
	return json.Marshal(r)
}

// upsertMessageTx inserts one message inside tx. The existing row wins on
// conflict; only the volatile counters are refreshed.
func upsertMessageTx(ctx context.Context, tx *sql.Tx, m *storage.Message) (storage.UpsertResult, error) {
	reactions, err := marshalReactions(m.Reactions)
	if err != nil {
		return storage.UpsertResult{}, fmt.Errorf("marshal reactions: %w", err)
	}
	row := tx.QueryRowContext(ctx, `
		INSERT INTO messages (dialog_id, tg_message_id, sender_id, date, text, reply_to, grouped_id,
			views, forwards, reactions, media_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (tg_message_id, dialog_id) DO UPDATE SET
			text = EXCLUDED.text,
			views = GREATEST(messages.views, EXCLUDED.views),
			forwards = GREATEST(messages.forwards, EXCLUDED.forwards),
			reactions = COALESCE(EXCLUDED.reactions, messages.reactions)
		RETURNING id, (xmax = 0) AS inserted`,
		m.DialogID, m.TGMessageID, nullInt64(m.SenderID), m.Date, m.Text,
		nullInt64(m.ReplyTo), nullInt64(m.GroupedID), m.Views, m.Forwards, reactions, m.MediaType)

	var res storage.UpsertResult
	if err := row.Scan(&res.ID, &res.Inserted); err != nil {
		return res, err
	}
	return res, nil
}

// IngestMessage writes the message, its optional media row, and any
// detections in a single transaction. On a duplicate message the media and
// detection writes still run; their own conflict keys make the call
// idempotent end to end.
func (s *Store) IngestMessage(ctx context.Context, m *storage.Message, media *storage.MediaFile, detections []*storage.Detection) (storage.IngestResult, error) {
	var out storage.IngestResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := upsertMessageTx(ctx, tx, m)
		if err != nil {
			return err
		}
		out.MessageID = res.ID
		out.Inserted = res.Inserted

		if media != nil {
			media.MessageID = res.ID
			mres, err := insertMediaFileTx(ctx, tx, media)
			if err != nil {
				return err
			}
			out.MediaID = mres.ID
		}

		if len(detections) > 0 {
			for _, d := range detections {
				d.MessageID = res.ID
			}
			n, err := insertDetectionsTx(ctx, tx, detections)
			if err != nil {
				return err
			}
			out.Detections = n
		}
		return nil
	})
	if err != nil {
		return out, &faults.PersistenceError{Op: "ingest_message", Cause: err}
	}
	return out, nil
}

// UpsertMessages writes a page of messages in chunked multi-row inserts.
// Existing rows are left untouched; the count of newly inserted rows is
// returned.
func (s *Store) UpsertMessages(ctx context.Context, msgs []*storage.Message) (int, error) {
	inserted := 0
	for _, r := range chunkRange(len(msgs)) {
		batch := msgs[r[0]:r[1]]
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			n, err := upsertMessageBatchTx(ctx, tx, batch)
			if err != nil {
				return err
			}
			inserted += n
			return nil
		})
		if err != nil {
			return inserted, &faults.PersistenceError{Op: "upsert_messages", Cause: err}
		}
	}
	return inserted, nil
}

func upsertMessageBatchTx(ctx context.Context, tx *sql.Tx, batch []*storage.Message) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	var sb strings.Builder
	sb.WriteString(`INSERT INTO messages (dialog_id, tg_message_id, sender_id, date, text, reply_to, grouped_id, views, forwards, reactions, media_type) VALUES `)
	args := make([]any, 0, len(batch)*11)
	for i, m := range batch {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 11
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10, base+11)
		reactions, err := marshalReactions(m.Reactions)
		if err != nil {
			return 0, err
		}
		args = append(args, m.DialogID, m.TGMessageID, nullInt64(m.SenderID), m.Date, m.Text,
			nullInt64(m.ReplyTo), nullInt64(m.GroupedID), m.Views, m.Forwards, reactions, m.MediaType)
	}
	sb.WriteString(` ON CONFLICT (tg_message_id, dialog_id) DO NOTHING`)

	res, err := tx.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) GetMessage(ctx context.Context, dialogID, tgMessageID int64) (*storage.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE dialog_id = $1 AND tg_message_id = $2`,
		dialogID, tgMessageID)
	return scanMessage(row)
}

func (s *Store) CountMessages(ctx context.Context, dialogID int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM messages WHERE dialog_id = $1`, dialogID).Scan(&n)
	return n, err
}
