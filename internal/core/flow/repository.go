package flow

import (
	"context"
	"time"
)

// Repository persists flows.
type Repository interface {
	// Save inserts or replaces a flow.
	Save(ctx context.Context, f *Flow) error

	// Get returns the flow with id or ErrFlowNotFound.
	Get(ctx context.Context, id string) (*Flow, error)

	// List returns flows matching the filter, most recently updated first.
	List(ctx context.Context, filter Filter) ([]*Flow, error)

	// Delete removes a flow. Deleting a missing flow returns ErrFlowNotFound.
	Delete(ctx context.Context, id string) error
}

// Filter narrows a List call.
type Filter struct {
	Tags   []string   `json:"tags,omitempty"`
	Limit  int        `json:"limit,omitempty"`
	Offset int        `json:"offset,omitempty"`
	Since  *time.Time `json:"since,omitempty"`
	Before *time.Time `json:"before,omitempty"`
}

// Validate ensures filter parameters are valid.
func (f *Filter) Validate() error {
	if f.Limit < 0 {
		return ErrInvalidLimit
	}
	if f.Offset < 0 {
		return ErrInvalidOffset
	}
	if f.Since != nil && f.Before != nil && f.Since.After(*f.Before) {
		return ErrInvalidTimeRange
	}
	return nil
}

// Matches reports whether fl passes the tag and time conditions.
func (f *Filter) Matches(fl *Flow) bool {
	if f.Since != nil && fl.UpdatedAt.Before(*f.Since) {
		return false
	}
	if f.Before != nil && !fl.UpdatedAt.Before(*f.Before) {
		return false
	}
	return fl.HasTags(f.Tags)
}

// Page applies Offset and Limit to an already filtered, ordered slice.
func (f *Filter) Page(flows []*Flow) []*Flow {
	if f.Offset >= len(flows) {
		return []*Flow{}
	}
	flows = flows[f.Offset:]
	if f.Limit > 0 && f.Limit < len(flows) {
		flows = flows[:f.Limit]
	}
	return flows
}
