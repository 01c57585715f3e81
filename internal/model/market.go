// Package model defines the marketplace domain types shared by the ledger
// clients, the workflows and the API: datasets, queries, modes, workflow
// journal records and request/response envelopes.
package model

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Mode selects the execution backend for ledger workflows.
type Mode string

const (
	ModeMock Mode = "mock"
	ModeFHE  Mode = "fhe"
)

// ParseMode accepts "mock" or "fhe" in any case.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeMock:
		return ModeMock, nil
	case ModeFHE:
		return ModeFHE, nil
	default:
		return "", fmt.Errorf("unknown mode %q (want mock or fhe)", s)
	}
}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeMock || m == ModeFHE
}

// QueryType is the aggregate computed by a query. Values match the ledger's uint8 encoding.
type QueryType uint8

const (
	QueryMean QueryType = iota
	QueryVariance
	QueryCountAbove
	QueryCountBelow
)

var queryTypeNames = map[QueryType]string{
	QueryMean:       "Calculate Mean",
	QueryVariance:   "Calculate Variance",
	QueryCountAbove: "Count Above Threshold",
	QueryCountBelow: "Count Below Threshold",
}

var queryTypeKeys = map[string]QueryType{
	"mean":        QueryMean,
	"variance":    QueryVariance,
	"count_above": QueryCountAbove,
	"count_below": QueryCountBelow,
}

// ParseQueryType accepts the snake_case key ("count_above") or the numeric code ("2").
func ParseQueryType(s string) (QueryType, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if qt, ok := queryTypeKeys[key]; ok {
		return qt, nil
	}
	if len(key) == 1 && key[0] >= '0' && key[0] <= '3' {
		return QueryType(key[0] - '0'), nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidQueryType, s)
}

// Valid reports whether t is one of the four supported aggregates.
func (t QueryType) Valid() bool {
	return t <= QueryCountBelow
}

// NeedsThreshold reports whether the query type requires a threshold parameter.
func (t QueryType) NeedsThreshold() bool {
	return t == QueryCountAbove || t == QueryCountBelow
}

// Key returns the snake_case identifier used in the API.
func (t QueryType) Key() string {
	for k, v := range queryTypeKeys {
		if v == t {
			return k
		}
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// String returns the display name.
func (t QueryType) String() string {
	if name, ok := queryTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", uint8(t))
}

// MarshalText encodes the query type as its API key.
func (t QueryType) MarshalText() ([]byte, error) {
	return []byte(t.Key()), nil
}

// UnmarshalText decodes an API key or numeric code.
func (t *QueryType) UnmarshalText(b []byte) error {
	qt, err := ParseQueryType(string(b))
	if err != nil {
		return err
	}
	*t = qt
	return nil
}

// QueryStatus is the ledger-side state of a query. Values match the ledger's uint8 encoding.
type QueryStatus uint8

const (
	StatusPending QueryStatus = iota
	StatusProcessing
	StatusCompleted
	StatusFailed
	StatusRefunded
)

var statusNames = [...]string{"pending", "processing", "completed", "failed", "refunded"}

// Terminal reports whether no further transitions are possible.
func (s QueryStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRefunded
}

func (s QueryStatus) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

// MarshalText encodes the status as its lowercase name.
func (s QueryStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a lowercase status name.
func (s *QueryStatus) UnmarshalText(b []byte) error {
	for i, name := range statusNames {
		if name == string(b) {
			*s = QueryStatus(i) //nolint:gosec // bounded by len(statusNames)
			return nil
		}
	}
	return fmt.Errorf("unknown query status %q", b)
}

// Dataset is a provider-owned, priced collection of values registered on the ledger.
// Amounts are in wei.
type Dataset struct {
	ID            uint64    `json:"id"`
	Owner         string    `json:"owner"`
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	Size          int       `json:"size"`
	PricePerQuery *big.Int  `json:"price_per_query"`
	TotalQueries  uint64    `json:"total_queries"`
	TotalRevenue  *big.Int  `json:"total_revenue"`
	CreatedAt     time.Time `json:"created_at"`
	Active        bool      `json:"active"`
}

// Query is a single paid aggregate request against a dataset.
// Result is meaningful only when Status is StatusCompleted.
type Query struct {
	ID        uint64      `json:"id"`
	DatasetID uint64      `json:"dataset_id"`
	Buyer     string      `json:"buyer"`
	Type      QueryType   `json:"query_type"`
	Parameter *big.Int    `json:"parameter,omitempty"`
	Price     *big.Int    `json:"price"`
	Result    *big.Int    `json:"result,omitempty"`
	Status    QueryStatus `json:"status"`
	Timestamp time.Time   `json:"timestamp"`
}

// PlatformStats are ledger-wide counters.
// TotalPlatformFees is nil when the backend does not track fees.
type PlatformStats struct {
	TotalDatasets     uint64   `json:"total_datasets"`
	TotalQueries      uint64   `json:"total_queries"`
	TotalPlatformFees *big.Int `json:"total_platform_fees,omitempty"`
}

// ProviderSummary aggregates a provider's datasets for the dashboard.
//
// When Audited is set, ExpectedRevenue and PlatformFeePaid are computed from
// the price each completed query captured, and Unreconciled lists datasets
// whose ledger revenue falls outside what their completed and in-flight
// queries allow. Ledgers too large to scan are summed but not audited.
type ProviderSummary struct {
	Owner           string    `json:"owner"`
	Datasets        []Dataset `json:"datasets"`
	ActiveDatasets  int       `json:"active_datasets"`
	TotalQueries    uint64    `json:"total_queries"`
	TotalRevenue    *big.Int  `json:"total_revenue"`
	Audited         bool      `json:"audited"`
	ExpectedRevenue *big.Int  `json:"expected_revenue,omitempty"`
	PlatformFeePaid *big.Int  `json:"platform_fee_paid,omitempty"`
	Unreconciled    []uint64  `json:"unreconciled,omitempty"`
}
