package activity

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// SortOrder defines how results should be ordered when listing activity.
type SortOrder int

const (
	// SortNewestFirst orders rows by CreatedAt descending.
	SortNewestFirst SortOrder = iota
	// SortOldestFirst orders rows by CreatedAt ascending.
	SortOldestFirst
)

// DefaultLimit is the page size used when none is given.
const DefaultLimit = 100

// MaxLimit caps a single List call.
const MaxLimit = 10000

// ListOptions controls how activity rows are selected.
type ListOptions struct {
	Limit       int
	Offset      int
	Vaults      []string
	MerchantIDs []uint64
	Statuses    []Status
	CreatedGTE  time.Time
	CreatedLTE  time.Time
	Order       SortOrder
}

// applyDefaults sanitizes the options and fills in default values.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	if opts.Limit > MaxLimit {
		opts.Limit = MaxLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	opts.Vaults = normalizeVaults(opts.Vaults)
	opts.Statuses = normalizeStatuses(opts.Statuses)
	if opts.Order != SortOldestFirst {
		opts.Order = SortNewestFirst
	}
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of rows returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first offset rows of the ordered result.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithVaults restricts rows to the given vaults.
func WithVaults(vaults ...string) ListOption {
	return func(opts *ListOptions) {
		opts.Vaults = append(opts.Vaults[:0], vaults...)
	}
}

// WithMerchantIDs restricts rows to the given on-chain merchant ids.
func WithMerchantIDs(ids ...uint64) ListOption {
	return func(opts *ListOptions) {
		opts.MerchantIDs = append(opts.MerchantIDs[:0], ids...)
	}
}

// WithStatuses filters rows by status.
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithCreatedSince keeps rows created at or after ts.
func WithCreatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		opts.CreatedGTE = ts
	}
}

// WithCreatedUntil keeps rows created at or before ts.
func WithCreatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		opts.CreatedLTE = ts
	}
}

// WithSortOrder changes the returned order.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
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

// Normalize returns a sanitized copy for store implementations.
func (opts ListOptions) Normalize() ListOptions {
	opts.applyDefaults()
	return opts
}

// Matches reports whether a row passes the filters. Limit, offset and order
// are not considered.
func (opts ListOptions) Matches(a *Activity) bool {
	if a == nil {
		return false
	}
	if len(opts.Vaults) > 0 && !containsString(opts.Vaults, a.VaultAddress) {
		return false
	}
	if len(opts.MerchantIDs) > 0 {
		found := false
		for _, id := range opts.MerchantIDs {
			if id == a.MerchantID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(opts.Statuses) > 0 {
		found := false
		for _, s := range opts.Statuses {
			if s == a.Status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !opts.CreatedGTE.IsZero() && a.CreatedAt.Before(opts.CreatedGTE) {
		return false
	}
	if !opts.CreatedLTE.IsZero() && a.CreatedAt.After(opts.CreatedLTE) {
		return false
	}
	return true
}

// NormalizeAddress renders an address in checksummed form. Invalid input is
// returned trimmed so that it simply never matches.
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if common.IsHexAddress(addr) {
		return common.HexToAddress(addr).Hex()
	}
	return addr
}

func normalizeVaults(input []string) []string {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(input))
	result := make([]string, 0, len(input))
	for _, v := range input {
		v = NormalizeAddress(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		result = append(result, v)
	}
	return result
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

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
