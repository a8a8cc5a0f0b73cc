package supabase

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/Natanaelvich/app-auth-supabase-example/internal/domain"
)

// GetProfile returns the profile of userID, or domain.ErrNotFound if the user
// has not saved one yet.
func (c *Client) GetProfile(ctx context.Context, userID string) (*domain.Profile, error) {
	q := url.Values{}
	q.Set("select", "id,username,website,avatar_url,updated_at")
	q.Set("id", "eq."+userID)

	var row profileRow
	err := c.do(ctx, request{
		method: http.MethodGet,
		path:   restPrefix + "profiles",
		query:  q,
		header: http.Header{"Accept": {"application/vnd.pgrst.object+json"}},
	}, &row)
	if err != nil {
		// A single-object request that matches no rows is answered with 406.
		if StatusOf(err) == http.StatusNotAcceptable {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("select profile: %w", err)
	}

	return &domain.Profile{
		ID:        row.ID,
		Username:  row.Username,
		Website:   row.Website,
		AvatarURL: row.AvatarURL,
		UpdatedAt: row.UpdatedAt.value(),
	}, nil
}

// UpsertProfile saves the profile and stamps its UpdatedAt.
func (c *Client) UpsertProfile(ctx context.Context, profile *domain.Profile) error {
	if profile.ID == "" {
		return domain.ErrNotAuthenticated
	}

	profile.UpdatedAt = time.Now().UTC()
	row := profileRow{
		ID:        profile.ID,
		Username:  profile.Username,
		Website:   profile.Website,
		AvatarURL: profile.AvatarURL,
		UpdatedAt: newTimestamp(profile.UpdatedAt),
	}

	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   restPrefix + "profiles",
		header: http.Header{"Prefer": {"resolution=merge-duplicates,return=minimal"}},
		body:   row,
	}, nil)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}
