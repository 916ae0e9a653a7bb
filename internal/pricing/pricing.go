// Package pricing provides per-model cost estimation for token usage,
// in integer cents to match the budget ledger.
package pricing

// Blended cents per million tokens, as of Aug 2026. The spend ledger tracks a
// single token total per entry, so prompt and completion rates collapse into
// one number weighted toward output. Add new models as needed.
var centsPer1M = map[string]int64{
	// Gemini
	"gemini-2.5-flash":      20,
	"gemini-2.5-flash-lite": 0,
	"gemini-1.5-pro":        350,
	// Anthropic
	"claude-3-7-sonnet": 900,
	"claude-sonnet-4-5": 900,
	// OpenAI
	"gpt-4o":      650,
	"gpt-4o-mini": 40,
}

// EstimateCents returns the estimated cost in cents for the given token
// count. Returns 0 for unknown models (safe default).
func EstimateCents(model string, tokens int) int64 {
	rate, ok := centsPer1M[model]
	if !ok {
		return 0
	}
	return int64(tokens) * rate / 1_000_000
}

// Known reports whether the model has a pricing entry.
func Known(model string) bool {
	_, ok := centsPer1M[model]
	return ok
}
