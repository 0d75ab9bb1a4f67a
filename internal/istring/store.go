// Package istring manages localized string groups: all language/country
// variants of one logical text share a group id, and each variant
// historizes with the same copy-on-write pattern as every other record.
// The write path is implemented directly against the DAO rather than
// through the generic update descriptor flow; it is the hottest entry
// point in bulk imports.
package istring

import (
	"context"
	"fmt"
	"time"

	"github.com/rpattn/treedb/internal/domain"
	"github.com/rpattn/treedb/internal/repository"
)

// Store provides the localization operations.
type Store struct {
	dao repository.DAO
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source, used by temporal tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(dao repository.DAO, opts ...Option) *Store {
	s := &Store{dao: dao, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create starts a new group with one variant. The group id equals the
// HistID of this first variant.
func (s *Store) Create(ctx context.Context, tx repository.Tx, actor, domainID int64, text, lang, country string, ownerTag uint32) (*domain.IString, error) {
	var created *domain.IString
	err := repository.RunInTx(ctx, s.dao, tx, func(tx repository.Tx) error {
		now := s.now()
		row := &domain.IString{
			Meta: domain.Meta{
				Status:     domain.StatusActive,
				CreatedAt:  now,
				ModifiedAt: now,
				CreatedBy:  actor,
				ModifiedBy: actor,
				DomainID:   domainID,
			},
			Language: lang,
			Country:  country,
			Text:     text,
			OwnerTag: ownerTag,
		}
		if err := tx.Insert(ctx, row); err != nil {
			return fmt.Errorf("failed to insert localized string: %w", err)
		}
		row.HistID = row.ID
		row.GroupID = row.ID
		if err := tx.Update(ctx, row); err != nil {
			return fmt.Errorf("failed to assign string group id: %w", err)
		}
		created = row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// FindOrCreateAndUpdate locates the ACTIVE variant matching the language
// and country within the group and updates its text, historizing the old
// text first. A missing variant is inserted; unchanged text short-circuits
// without any write.
func (s *Store) FindOrCreateAndUpdate(ctx context.Context, tx repository.Tx, actor, groupID int64, text, lang, country string, ownerTag uint32) (*domain.IString, error) {
	var out *domain.IString
	err := repository.RunInTx(ctx, s.dao, tx, func(tx repository.Tx) error {
		recs, err := tx.Query(ctx, repository.Where(domain.TagIString,
			repository.Eq("group_id", groupID),
			repository.Eq("language", lang),
			repository.Eq("country", country),
			repository.Eq("status", domain.StatusActive),
		))
		if err != nil {
			return fmt.Errorf("failed to search string group %d: %w", groupID, err)
		}
		if len(recs) > 1 {
			return fmt.Errorf("group %d %s/%s has %d active rows: %w", groupID, lang, country, len(recs), domain.ErrNonUnique)
		}

		now := s.now()
		if len(recs) == 0 {
			row := &domain.IString{
				Meta: domain.Meta{
					Status:     domain.StatusActive,
					CreatedAt:  now,
					ModifiedAt: now,
					CreatedBy:  actor,
					ModifiedBy: actor,
				},
				GroupID:  groupID,
				Language: lang,
				Country:  country,
				Text:     text,
				OwnerTag: ownerTag,
			}
			if group, err := s.loadAnyOfGroup(ctx, tx, groupID); err == nil {
				row.DomainID = group.DomainID
			}
			if err := tx.Insert(ctx, row); err != nil {
				return fmt.Errorf("failed to insert string variant: %w", err)
			}
			row.HistID = row.ID
			if err := tx.Update(ctx, row); err != nil {
				return fmt.Errorf("failed to assign variant hist id: %w", err)
			}
			out = row
			return nil
		}

		row := recs[0].(*domain.IString)
		if row.Text == text {
			out = row
			return nil
		}

		hist := row.CloneRecord().(*domain.IString)
		hist.ID = 0
		hist.Status = domain.StatusUpdated
		hist.LockVersion = 0
		hist.DeletedAt = &now
		if err := tx.Insert(ctx, hist); err != nil {
			return fmt.Errorf("failed to historize string variant: %w", err)
		}

		row.Text = text
		row.Version++
		row.ModifiedAt = now
		row.ModifiedBy = actor
		if err := tx.Update(ctx, row); err != nil {
			return fmt.Errorf("failed to update string variant: %w", err)
		}
		out = row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Load resolves the text variant for language and optional country. With a
// country given, both the exact-country row and the generic (country-less)
// row can match; the exact one wins when both exist. asOf selects the
// variant state valid at that instant instead of the ACTIVE one.
func (s *Store) Load(ctx context.Context, tx repository.Tx, groupID int64, lang, country string, asOf *time.Time) (*domain.IString, error) {
	var out *domain.IString
	err := repository.RunInTx(ctx, s.dao, tx, func(tx repository.Tx) error {
		conds := []repository.Cond{
			repository.Eq("group_id", groupID),
			repository.Eq("language", lang),
		}
		if asOf == nil {
			conds = append(conds, repository.Eq("status", domain.StatusActive))
		} else {
			conds = append(conds, repository.Le("modified_at", *asOf))
		}
		recs, err := tx.Query(ctx, repository.Query{
			TypeTag: domain.TagIString,
			Where:   conds,
			OrderBy: "version",
		})
		if err != nil {
			return fmt.Errorf("failed to load string group %d: %w", groupID, err)
		}

		var exact, generic *domain.IString
		for _, rec := range recs {
			row := rec.(*domain.IString)
			if asOf != nil {
				if row.DeletedAt != nil && !asOf.Before(*row.DeletedAt) {
					continue
				}
			}
			switch row.Country {
			case country:
				if country == "" {
					generic = pickNewer(generic, row)
					continue
				}
				if exact != nil && asOf == nil {
					return fmt.Errorf("group %d %s/%s: %w", groupID, lang, country, domain.ErrNonUnique)
				}
				exact = pickNewer(exact, row)
			case "":
				if generic != nil && asOf == nil {
					return fmt.Errorf("group %d %s: %w", groupID, lang, domain.ErrNonUnique)
				}
				generic = pickNewer(generic, row)
			}
		}
		if exact != nil {
			out = exact
			return nil
		}
		if generic != nil {
			out = generic
			return nil
		}
		return fmt.Errorf("group %d %s/%s: %w", groupID, lang, country, domain.ErrNotFound)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteGroup soft-deletes every ACTIVE variant of the group.
func (s *Store) DeleteGroup(ctx context.Context, tx repository.Tx, actor, groupID int64) (int64, error) {
	return s.bulkDelete(ctx, tx, actor, repository.Where(domain.TagIString,
		repository.Eq("group_id", groupID),
		repository.Eq("status", domain.StatusActive),
	))
}

// DeleteLanguage soft-deletes every ACTIVE variant of one language.
func (s *Store) DeleteLanguage(ctx context.Context, tx repository.Tx, actor, groupID int64, lang string) (int64, error) {
	return s.bulkDelete(ctx, tx, actor, repository.Where(domain.TagIString,
		repository.Eq("group_id", groupID),
		repository.Eq("language", lang),
		repository.Eq("status", domain.StatusActive),
	))
}

// DeleteVariant soft-deletes one (language, country) variant.
func (s *Store) DeleteVariant(ctx context.Context, tx repository.Tx, actor, groupID int64, lang, country string) (int64, error) {
	return s.bulkDelete(ctx, tx, actor, repository.Where(domain.TagIString,
		repository.Eq("group_id", groupID),
		repository.Eq("language", lang),
		repository.Eq("country", country),
		repository.Eq("status", domain.StatusActive),
	))
}

func (s *Store) bulkDelete(ctx context.Context, tx repository.Tx, actor int64, q repository.Query) (int64, error) {
	var n int64
	err := repository.RunInTx(ctx, s.dao, tx, func(tx repository.Tx) error {
		recs, err := tx.Query(ctx, q)
		if err != nil {
			return fmt.Errorf("failed to collect string variants: %w", err)
		}
		now := s.now()
		for _, rec := range recs {
			row := rec.(*domain.IString)
			row.Status = domain.StatusDeleted
			row.DeletedAt = &now
			row.ModifiedBy = actor
			if err := tx.Update(ctx, row); err != nil {
				return fmt.Errorf("failed to delete string variant %d: %w", row.ID, err)
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) loadAnyOfGroup(ctx context.Context, tx repository.Tx, groupID int64) (*domain.IString, error) {
	recs, err := tx.QueryPage(ctx, repository.Where(domain.TagIString,
		repository.Eq("group_id", groupID),
	), 0, 1)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, domain.ErrNotFound
	}
	return recs[0].(*domain.IString), nil
}

func pickNewer(cur, candidate *domain.IString) *domain.IString {
	if cur == nil || candidate.Version > cur.Version {
		return candidate
	}
	return cur
}
