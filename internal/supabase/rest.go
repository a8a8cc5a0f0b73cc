package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/Natanaelvich/app-auth-supabase-example/internal/domain"
)

const restPrefix = "/rest/v1/"

// Select returns every row in the scope as the data API sent it, untouched.
// Posts come newest first, comments in id order.
func (c *Client) Select(ctx context.Context, scope domain.Scope) (json.RawMessage, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("select", "*")
	switch scope.Kind {
	case domain.KindPosts:
		q.Set("order", "created_at.desc,id.asc")
	case domain.KindComments:
		q.Set("order", "id.asc")
		q.Set("post_id", "eq."+scope.PostID)
	}

	var raw json.RawMessage
	err := c.do(ctx, request{
		method: http.MethodGet,
		path:   restPrefix + scope.Table(),
		query:  q,
	}, &raw)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", scope.Table(), err)
	}
	if len(raw) == 0 {
		raw = json.RawMessage(`[]`)
	}
	return raw, nil
}

// FetchAll returns every row in the scope as records.
func (c *Client) FetchAll(ctx context.Context, scope domain.Scope) ([]domain.Record, error) {
	raw, err := c.Select(ctx, scope)
	if err != nil {
		return nil, err
	}
	return DecodeRecords(scope.Kind, raw)
}

// Upsert inserts the record, or merges it into the existing row with the same
// id, and returns the stored row. A record without an id is inserted and the
// table default assigns one.
func (c *Client) Upsert(ctx context.Context, scope domain.Scope, rec domain.Record) (domain.Record, error) {
	if err := scope.Validate(); err != nil {
		return domain.Record{}, err
	}

	var raw json.RawMessage
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   restPrefix + scope.Table(),
		header: http.Header{"Prefer": {"resolution=merge-duplicates,return=representation"}},
		body:   EncodeRecord(scope.Kind, rec),
	}, &raw)
	if err != nil {
		return domain.Record{}, fmt.Errorf("upsert %s: %w", scope.Table(), err)
	}

	rows, err := DecodeRecords(scope.Kind, raw)
	if err != nil {
		return domain.Record{}, fmt.Errorf("upsert %s: %w", scope.Table(), err)
	}
	if len(rows) == 0 {
		return domain.Record{}, fmt.Errorf("upsert %s: no row returned", scope.Table())
	}
	return rows[0], nil
}

// Delete removes the row with the given id. Deleting a missing row succeeds.
func (c *Client) Delete(ctx context.Context, scope domain.Scope, id string) error {
	if err := scope.Validate(); err != nil {
		return err
	}

	q := url.Values{}
	q.Set("id", "eq."+id)

	err := c.do(ctx, request{
		method: http.MethodDelete,
		path:   restPrefix + scope.Table(),
		query:  q,
		header: http.Header{"Prefer": {"return=minimal"}},
	}, nil)
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", scope.Table(), id, err)
	}
	return nil
}
