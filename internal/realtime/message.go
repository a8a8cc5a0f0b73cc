package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/Natanaelvich/app-auth-supabase-example/internal/domain"
	"github.com/Natanaelvich/app-auth-supabase-example/internal/supabase"
)

const (
	eventJoin      = "phx_join"
	eventReply     = "phx_reply"
	eventError     = "phx_error"
	eventClose     = "phx_close"
	eventHeartbeat = "heartbeat"
	eventChanges   = "postgres_changes"
	eventSystem    = "system"

	heartbeatTopic = "phoenix"
)

// message is the channel protocol envelope, both directions.
type message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref"`
	JoinRef string          `json:"join_ref,omitempty"`
}

// joinPayload asks the server to stream row changes for one table.
type joinPayload struct {
	Config      joinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

type joinConfig struct {
	PostgresChanges []changeFilter `json:"postgres_changes"`
}

type changeFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

// replyPayload answers a join or heartbeat.
type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
}

// changesPayload carries one row change.
type changesPayload struct {
	Data changeData `json:"data"`
}

type changeData struct {
	Type            string          `json:"type"`
	Schema          string          `json:"schema"`
	Table           string          `json:"table"`
	CommitTimestamp string          `json:"commit_timestamp"`
	Record          json.RawMessage `json:"record,omitempty"`
	OldRecord       json.RawMessage `json:"old_record,omitempty"`
}

func newJoinPayload(scope domain.Scope, accessToken string) joinPayload {
	return joinPayload{
		Config: joinConfig{
			PostgresChanges: []changeFilter{{
				Event:  "*",
				Schema: "public",
				Table:  scope.Table(),
				Filter: scope.Filter(),
			}},
		},
		AccessToken: accessToken,
	}
}

func parseMessage(data []byte) (*message, error) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	return &msg, nil
}

// parseChange converts a postgres_changes payload into a domain change.
func parseChange(kind domain.Kind, payload json.RawMessage) (domain.Change, error) {
	var p changesPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return domain.Change{}, fmt.Errorf("unmarshal changes payload: %w", err)
	}

	change := domain.Change{Kind: domain.ChangeKind(p.Data.Type)}
	switch change.Kind {
	case domain.ChangeInsert, domain.ChangeUpdate, domain.ChangeDelete:
	default:
		return domain.Change{}, fmt.Errorf("unknown change type %q", p.Data.Type)
	}

	if hasRow(p.Data.Record) {
		rec, err := supabase.DecodeRecord(kind, p.Data.Record)
		if err != nil {
			return domain.Change{}, fmt.Errorf("decode record: %w", err)
		}
		change.New = &rec
	}
	if hasRow(p.Data.OldRecord) {
		rec, err := supabase.DecodeRecord(kind, p.Data.OldRecord)
		if err != nil {
			return domain.Change{}, fmt.Errorf("decode old record: %w", err)
		}
		change.Old = &rec
	}

	if change.RecordID() == "" {
		return domain.Change{}, fmt.Errorf("%s change without a record id", change.Kind)
	}
	return change, nil
}

func hasRow(raw json.RawMessage) bool {
	s := string(raw)
	return len(raw) > 0 && s != "null" && s != "{}"
}
