package events

// Event type tags used across the engine.
const (
	TypeNewMessage       = "new_message"
	TypeNewDetection     = "new_detection"
	TypeBackfillProgress = "backfill_progress"
	TypeMediaDownloaded  = "media_downloaded"
	TypeSessionStatus    = "session_status"
)

// MessagePayload announces a committed message row.
type MessagePayload struct {
	AccountID   int64  `json:"account_id"`
	DialogID    int64  `json:"dialog_id"`
	MessageID   int64  `json:"message_id"`
	TGMessageID int64  `json:"tg_message_id"`
	Text        string `json:"text,omitempty"`
	HasMedia    bool   `json:"has_media"`
	Source      string `json:"source"` // live | backfill
}

// DetectionPayload announces a committed detection row.
type DetectionPayload struct {
	MessageID       int64  `json:"message_id"`
	DialogID        int64  `json:"dialog_id"`
	DetectorName    string `json:"detector_name"`
	DetectionType   string `json:"detection_type"`
	MatchedText     string `json:"matched_text"`
	NormalizedValue string `json:"normalized_value"`
}

// BackfillPayload reports one committed backfill page, or the terminal state.
type BackfillPayload struct {
	DialogID int64  `json:"dialog_id"`
	Cursor   int64  `json:"cursor"`
	Pages    int    `json:"pages"`
	Inserted int    `json:"inserted"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// MediaPayload reports a media pipeline outcome.
type MediaPayload struct {
	MediaFileID int64  `json:"media_file_id"`
	MessageID   int64  `json:"message_id"`
	Outcome     string `json:"outcome"` // completed | deduplicated | failed | invalid
	FilePath    string `json:"file_path,omitempty"`
}

// SessionPayload reports a session status transition.
type SessionPayload struct {
	AccountID int64  `json:"account_id"`
	Status    string `json:"status"`
}
