package supabase

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/Natanaelvich/app-auth-supabase-example/internal/domain"
)

// rowID accepts both string and numeric id columns.
type rowID string

func (id *rowID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = rowID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = rowID(n.String())
	return nil
}

func (id rowID) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseInt(string(id), 10, 64); err == nil {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

// timestampLayouts covers timestamptz as returned by the data API and by the
// change feed, and plain timestamp columns.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

type timestamp struct {
	time.Time
}

func newTimestamp(t time.Time) *timestamp {
	if t.IsZero() {
		return nil
	}
	return &timestamp{Time: t}
}

func (t *timestamp) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := parseTimestamp(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

func (t timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

func (t *timestamp) value() time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// postRow is a row of the posts table.
type postRow struct {
	ID        rowID      `json:"id,omitempty"`
	UserID    string     `json:"user_id,omitempty"`
	Title     string     `json:"title"`
	CreatedAt *timestamp `json:"created_at,omitempty"`
	UpdatedAt *timestamp `json:"updated_at,omitempty"`
}

// commentRow is a row of the comments table.
type commentRow struct {
	ID          rowID      `json:"id,omitempty"`
	UserID      string     `json:"user_id,omitempty"`
	PostID      rowID      `json:"post_id,omitempty"`
	Description string     `json:"description"`
	CreatedAt   *timestamp `json:"created_at,omitempty"`
	UpdatedAt   *timestamp `json:"updated_at,omitempty"`
}

// profileRow is a row of the profiles table.
type profileRow struct {
	ID        string     `json:"id"`
	Username  string     `json:"username"`
	Website   string     `json:"website"`
	AvatarURL string     `json:"avatar_url"`
	UpdatedAt *timestamp `json:"updated_at,omitempty"`
}

// DecodeRecord converts a single row of the table behind kind.
func DecodeRecord(kind domain.Kind, data []byte) (domain.Record, error) {
	switch kind {
	case domain.KindPosts:
		var r postRow
		if err := json.Unmarshal(data, &r); err != nil {
			return domain.Record{}, fmt.Errorf("unmarshal post row: %w", err)
		}
		return domain.Record{
			ID:        string(r.ID),
			OwnerID:   r.UserID,
			Payload:   r.Title,
			CreatedAt: r.CreatedAt.value(),
			UpdatedAt: r.UpdatedAt.value(),
		}, nil

	case domain.KindComments:
		var r commentRow
		if err := json.Unmarshal(data, &r); err != nil {
			return domain.Record{}, fmt.Errorf("unmarshal comment row: %w", err)
		}
		return domain.Record{
			ID:        string(r.ID),
			OwnerID:   r.UserID,
			ScopeKey:  string(r.PostID),
			Payload:   r.Description,
			CreatedAt: r.CreatedAt.value(),
			UpdatedAt: r.UpdatedAt.value(),
		}, nil

	default:
		return domain.Record{}, fmt.Errorf("unknown kind %q", kind)
	}
}

// DecodeRecords converts a JSON array of rows.
func DecodeRecords(kind domain.Kind, data []byte) ([]domain.Record, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal rows: %w", err)
	}

	records := make([]domain.Record, 0, len(raw))
	for _, r := range raw {
		rec, err := DecodeRecord(kind, r)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// EncodeRecord returns the row value for rec. Zero timestamps are left out so
// the table defaults apply.
func EncodeRecord(kind domain.Kind, rec domain.Record) any {
	if kind == domain.KindComments {
		return commentRow{
			ID:          rowID(rec.ID),
			UserID:      rec.OwnerID,
			PostID:      rowID(rec.ScopeKey),
			Description: rec.Payload,
			CreatedAt:   newTimestamp(rec.CreatedAt),
			UpdatedAt:   newTimestamp(rec.UpdatedAt),
		}
	}
	return postRow{
		ID:        rowID(rec.ID),
		UserID:    rec.OwnerID,
		Title:     rec.Payload,
		CreatedAt: newTimestamp(rec.CreatedAt),
		UpdatedAt: newTimestamp(rec.UpdatedAt),
	}
}
