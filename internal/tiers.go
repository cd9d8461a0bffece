package oyster

// Tier is a service tier determining context window, output cap, and daily
// token budget.
type Tier string

// Canonical tiers. Aliases accepted on input are folded by NormalizeTier;
// only canonical values are stored.
const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
	TierMax  Tier = "max"
)

// TierLimits holds the per-tier budget knobs.
type TierLimits struct {
	MaxContextTokens int
	MaxOutputTokens  int
	DailyTokens      int64
}

var tierLimits = map[Tier]TierLimits{
	TierFree: {MaxContextTokens: 8_000, MaxOutputTokens: 2048, DailyTokens: 60_000},
	TierPro:  {MaxContextTokens: 32_000, MaxOutputTokens: 1024, DailyTokens: 600_000},
	TierMax:  {MaxContextTokens: 64_000, MaxOutputTokens: 2048, DailyTokens: 1_200_000},
}

var tierAliases = map[string]Tier{
	"free":       TierFree,
	"basic":      TierFree,
	"pro":        TierPro,
	"plus":       TierPro,
	"premium":    TierPro,
	"max":        TierMax,
	"enterprise": TierMax,
}

var tierLevels = map[Tier]int{TierFree: 0, TierPro: 1, TierMax: 2}

// Limits returns the budget knobs for t. Unknown tiers get free limits.
func (t Tier) Limits() TierLimits {
	if l, ok := tierLimits[t]; ok {
		return l
	}
	return tierLimits[TierFree]
}

// Level returns the ordering rank of t (free < pro < max).
func (t Tier) Level() int { return tierLevels[t] }

// Valid reports whether t is a canonical tier value.
func (t Tier) Valid() bool {
	_, ok := tierLimits[t]
	return ok
}

// NormalizeTier folds aliases to canonical tiers. ok is false for unknown input.
func NormalizeTier(s string) (Tier, bool) {
	t, ok := tierAliases[s]
	return t, ok
}

// DefaultProvider returns the provider name a tier routes to when the caller
// does not force one.
func DefaultProvider(t Tier) string {
	if t == TierMax {
		return "claude"
	}
	return "kimi"
}

// ProviderMinTier is the minimum tier allowed to force each provider by URL
// prefix. Forcing is permitted only when the forced provider's minimum tier
// does not exceed the token's tier.
var ProviderMinTier = map[string]Tier{
	"deepseek": TierFree,
	"kimi":     TierPro,
	"claude":   TierMax,
}
