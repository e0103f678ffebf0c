package runs

import (
	"strings"
	"time"
)

// SortOrder defines how results should be ordered when listing runs.
type SortOrder int

const (
	// SortByUpdatedDesc orders runs by UpdatedAt descending (most recent first).
	SortByUpdatedDesc SortOrder = iota
	// SortByUpdatedAsc orders runs by UpdatedAt ascending (oldest first).
	SortByUpdatedAsc
)

// ListOptions controls how runs are selected when querying the registry.
type ListOptions struct {
	Limit        int
	Offset       int
	Statuses     []Status
	SessionKey   string
	UpdatedSince time.Time
	HasResult    *bool
	Order        SortOrder
	Query        string
}

// applyDefaults sanitizes the options and fills in default values.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Statuses != nil {
		opts.Statuses = normalizeStatuses(opts.Statuses)
	}
	if opts.Order != SortByUpdatedAsc {
		opts.Order = SortByUpdatedDesc
	}
	opts.SessionKey = strings.TrimSpace(opts.SessionKey)
	opts.Query = strings.ToLower(strings.TrimSpace(opts.Query))
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of runs returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching runs before returning results.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithStatuses filters runs by the provided statuses.
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithSessionKey keeps only runs submitted under the given session key.
func WithSessionKey(key string) ListOption {
	return func(opts *ListOptions) {
		opts.SessionKey = key
	}
}

// WithUpdatedSince filters runs updated at or after the provided instant.
func WithUpdatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		opts.UpdatedSince = ts
	}
}

// WithResultPresence filters runs by whether they already carry a result.
func WithResultPresence(hasResult bool) ListOption {
	return func(opts *ListOptions) {
		opts.HasResult = &hasResult
	}
}

// WithSortOrder changes the returned order of runs.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

// WithQuery filters runs by case-insensitive matching on the goal and the final answer.
func WithQuery(query string) ListOption {
	return func(opts *ListOptions) {
		opts.Query = query
	}
}

// BuildListOptions applies option functions on top of defaults.
func BuildListOptions(opts ...ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func normalizeStatuses(input []Status) []Status {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[Status]struct{}, len(input))
	result := make([]Status, 0, len(input))
	for _, status := range input {
		if !IsValidStatus(status) {
			continue
		}
		if _, ok := seen[status]; ok {
			continue
		}
		seen[status] = struct{}{}
		result = append(result, status)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

func (opts ListOptions) matches(run *Run) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if run.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.SessionKey != "" && run.SessionKey != opts.SessionKey {
		return false
	}
	if !opts.UpdatedSince.IsZero() && run.UpdatedAt.Before(opts.UpdatedSince) {
		return false
	}
	if opts.HasResult != nil && runHasResult(run) != *opts.HasResult {
		return false
	}
	if opts.Query != "" {
		haystack := strings.ToLower(run.Goal)
		if run.Result != nil {
			haystack += "\n" + strings.ToLower(run.Result.Content)
		}
		if !strings.Contains(haystack, opts.Query) {
			return false
		}
	}
	return true
}

func runHasResult(run *Run) bool {
	return run != nil && run.Result != nil && strings.TrimSpace(run.Result.Content) != ""
}
