// Package app implements the gateway's chat orchestration: provider routing,
// history rebuild, persona prompts, quota gating, and data export.
package app

import (
	"fmt"

	oyster "github.com/oysterlabs/oyster-gateway/internal"
)

// SelectProvider resolves the provider name for a request. An empty forced
// name routes by tier default; a forced name is honored only when the token's
// tier meets the provider's minimum.
func SelectProvider(tier oyster.Tier, forced string) (string, error) {
	if forced == "" {
		return oyster.DefaultProvider(tier), nil
	}
	minTier, ok := oyster.ProviderMinTier[forced]
	if !ok {
		return "", fmt.Errorf("unknown provider %q: %w", forced, oyster.ErrNotFound)
	}
	if tier.Level() < minTier.Level() {
		return "", fmt.Errorf("provider %q requires tier %q: %w", forced, minTier, oyster.ErrForbidden)
	}
	return forced, nil
}
