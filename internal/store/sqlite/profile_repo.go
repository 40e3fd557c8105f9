package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"plantchat/internal/domain"
)

type ProfileRepo struct {
	db *sql.DB
}

func NewProfileRepo(db *sql.DB) *ProfileRepo {
	return &ProfileRepo{db: db}
}

var _ domain.ProfileRepository = (*ProfileRepo)(nil)

func (r *ProfileRepo) GetByIDs(ctx context.Context, ids []string) (map[string]*domain.Profile, error) {
	res := make(map[string]*domain.Profile, len(ids))
	if len(ids) == 0 {
		return res, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id, display_name, avatar_url FROM profiles WHERE user_id IN (`+placeholders(len(ids))+`)`,
		stringArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("get profiles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p      domain.Profile
			avatar sql.NullString
		)
		if err := rows.Scan(&p.UserID, &p.DisplayName, &avatar); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		p.AvatarURL = stringPtr(avatar)
		res[p.UserID] = &p
	}
	return res, rows.Err()
}

type ListingRepo struct {
	db *sql.DB
}

func NewListingRepo(db *sql.DB) *ListingRepo {
	return &ListingRepo{db: db}
}

var _ domain.ListingRepository = (*ListingRepo)(nil)

func (r *ListingRepo) GetByIDs(ctx context.Context, ids []string) (map[string]*domain.Listing, error) {
	res := make(map[string]*domain.Listing, len(ids))
	if len(ids) == 0 {
		return res, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, title, image_url FROM listings WHERE id IN (`+placeholders(len(ids))+`)`,
		stringArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("get listings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			l     domain.Listing
			image sql.NullString
		)
		if err := rows.Scan(&l.ID, &l.Title, &image); err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		l.ImageURL = stringPtr(image)
		res[l.ID] = &l
	}
	return res, rows.Err()
}

func stringArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
