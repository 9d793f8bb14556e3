package facade

import (
	"github.com/roach88/recstore/internal/store"
)

// CreateResult is the boundary form of a stored record's identity.
type CreateResult struct {
	Digest    string `json:"digest"`
	ClaimedAt string `json:"claimed_at"`
}

// GetResult is the boundary form of a record.
type GetResult struct {
	Digest    string `json:"digest"`
	Content   []byte `json:"content"`
	ClaimedAt string `json:"claimed_at"`
}

// ListResult is the boundary form of a page of records.
type ListResult struct {
	Items       []GetResult `json:"items"`
	Total       int         `json:"total"`
	Page        int         `json:"page"`
	PageSize    int         `json:"page_size"`
	TotalPages  int         `json:"total_pages"`
	HasNext     bool        `json:"has_next"`
	HasPrevious bool        `json:"has_previous"`
}

// NewCreateResult converts rec.
func NewCreateResult(rec store.Record) CreateResult {
	return CreateResult{Digest: rec.Digest, ClaimedAt: rec.ClaimedAt.Format(store.TimeLayout)}
}

// NewGetResult converts rec.
func NewGetResult(rec store.Record) GetResult {
	return GetResult{
		Digest:    rec.Digest,
		Content:   rec.Content,
		ClaimedAt: rec.ClaimedAt.Format(store.TimeLayout),
	}
}

// NewListResult converts p. Items is never nil.
func NewListResult(p store.Page) ListResult {
	items := make([]GetResult, len(p.Items))
	for i, rec := range p.Items {
		items[i] = NewGetResult(rec)
	}
	return ListResult{
		Items:       items,
		Total:       p.Total,
		Page:        p.Page,
		PageSize:    p.PageSize,
		TotalPages:  p.TotalPages,
		HasNext:     p.HasNext,
		HasPrevious: p.HasPrevious,
	}
}
