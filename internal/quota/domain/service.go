// Package domain defines the quota gate that decides whether a tenant may
// keep consuming tokens.
package domain

import "context"

// Decision is the outcome of a quota check. TotalTokens and TokenLimit are
// carried so a denial can tell the caller where they stand.
type Decision struct {
	Allowed     bool   `json:"allowed"`
	TenantID    string `json:"tenant_id"`
	TotalTokens int64  `json:"total_tokens"`
	TokenLimit  *int64 `json:"token_limit"`
}

type Service interface {
	// Check evaluates the tenant against its stored limit. The gate fails
	// open: read errors and unknown tenants both allow.
	Check(ctx context.Context, tenantID string) Decision
}
