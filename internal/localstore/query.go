package localstore

import (
	"slices"
	"strings"
	"time"
)

// SortField selects the ordering key for a listing.
type SortField string

const (
	// SortNatural keeps key order.
	SortNatural SortField = ""
	// SortByCreated orders by the record's creation time.
	SortByCreated SortField = "created"
	// SortByName orders by display name, case-insensitively.
	SortByName SortField = "name"
)

// SortOrder selects ascending or descending order.
type SortOrder string

const (
	// OrderDesc sorts newest or last first; it is the default.
	OrderDesc SortOrder = "desc"
	// OrderAsc sorts oldest or first first.
	OrderAsc SortOrder = "asc"
)

// Query filters and orders a collection listing.
type Query struct {
	Search string
	SortBy SortField
	Order  SortOrder
}

// ParseSort maps user input such as "date-desc" or "name" onto a field and order.
func ParseSort(raw string) (SortField, SortOrder, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return SortNatural, OrderDesc, nil
	}
	fieldPart, orderPart, _ := strings.Cut(raw, "-")
	var field SortField
	switch fieldPart {
	case "date", "created", "time":
		field = SortByCreated
	case "name":
		field = SortByName
	default:
		return "", "", ErrInvalidQuery
	}
	switch orderPart {
	case "", "desc":
		return field, OrderDesc, nil
	case "asc":
		return field, OrderAsc, nil
	default:
		return "", "", ErrInvalidQuery
	}
}

type queryable interface {
	searchText() []string
	displayName() string
	insertedAt() time.Time
}

func (e FavoriteEntry) searchText() []string {
	return []string{e.AuthorName, e.Description}
}

func (e FavoriteEntry) displayName() string {
	return e.AuthorName
}

func (e FavoriteEntry) insertedAt() time.Time {
	if !e.StoryCreatedAt.IsZero() {
		return e.StoryCreatedAt
	}
	return e.FavoritedAt
}

func (c CachedStory) searchText() []string {
	return []string{c.AuthorName, c.Description}
}

func (c CachedStory) displayName() string {
	return c.AuthorName
}

func (c CachedStory) insertedAt() time.Time {
	if !c.StoryCreatedAt.IsZero() {
		return c.StoryCreatedAt
	}
	return c.CachedAt
}

func (p PendingSubmission) searchText() []string {
	return []string{p.Description}
}

func (p PendingSubmission) displayName() string {
	return p.Description
}

func (p PendingSubmission) insertedAt() time.Time {
	return p.SubmittedAt
}

func applyQuery[T queryable](records []T, query Query) []T {
	needle := strings.ToLower(strings.TrimSpace(query.Search))
	if needle != "" {
		filtered := make([]T, 0, len(records))
		for _, record := range records {
			for _, text := range record.searchText() {
				if strings.Contains(strings.ToLower(text), needle) {
					filtered = append(filtered, record)
					break
				}
			}
		}
		records = filtered
	}

	var compare func(a, b T) int
	switch query.SortBy {
	case SortByName:
		compare = func(a, b T) int {
			return strings.Compare(strings.ToLower(a.displayName()), strings.ToLower(b.displayName()))
		}
	case SortByCreated:
		compare = func(a, b T) int {
			return a.insertedAt().Compare(b.insertedAt())
		}
	default:
		return records
	}
	if query.Order != OrderAsc {
		ascending := compare
		compare = func(a, b T) int {
			return ascending(b, a)
		}
	}
	slices.SortStableFunc(records, compare)
	return records
}
