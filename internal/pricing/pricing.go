// Package pricing estimates request cost in integer micro-dollars from
// token counts, using a store-backed provider/model table with a
// built-in fallback for models the table doesn't carry.
package pricing

import (
	"regexp"
	"strings"
	"sync"

	"github.com/rpay/apipod-smart-proxy/internal/model"
)

// defaultRate is one row of the built-in fallback table.
type defaultRate struct {
	Model            string
	InputPerMillion  int64
	OutputPerMillion int64
}

// defaultRates are used when no PricingEntry matches. Prices are
// micro-dollars per million tokens, sourced from public list prices at
// the time this table was written — they drift, which is why a
// store-backed override always wins.
//
// Ordered most-specific-model-id first: a date-suffixed id like
// "gpt-4o-2024-08-06" or "gpt-4o-mini-2024-07-18" is a substring
// superset of several keys here ("gpt-4o-mini", "gpt-4o", "gpt-4"), so
// the substring fallback in lookupDefault walks this slice in order
// and takes the first match rather than ranging over a map, whose
// iteration order Go deliberately randomizes.
var defaultRates = []defaultRate{
	{"gpt-4o-mini", 150_000, 600_000},
	{"gpt-4-turbo", 10_000_000, 30_000_000},
	{"gpt-4o", 5_000_000, 15_000_000},
	{"gpt-4", 30_000_000, 60_000_000},
	{"gpt-3.5-turbo", 500_000, 1_500_000},
	{"claude-3-5-sonnet", 3_000_000, 15_000_000},
	{"claude-3.5-sonnet", 3_000_000, 15_000_000},
	{"claude-3-opus", 15_000_000, 75_000_000},
	{"claude-3-sonnet", 3_000_000, 15_000_000},
	{"claude-3-haiku", 250_000, 1_250_000},
}

// Table holds compiled provider/model pricing rows backed by the store,
// consulted before the built-in defaults.
type Table struct {
	mu      sync.RWMutex
	entries []compiledEntry
}

type compiledEntry struct {
	entry model.PricingEntry
	re    *regexp.Regexp
}

// NewTable compiles a set of PricingEntry rows into a lookup table. Rows
// whose ModelPattern fails to compile are skipped — a bad regex in the
// pricing table must never crash request handling.
func NewTable(entries []model.PricingEntry) *Table {
	t := &Table{}
	t.Replace(entries)
	return t
}

// Replace swaps in a new set of pricing rows atomically.
func (t *Table) Replace(entries []model.PricingEntry) {
	compiled := make([]compiledEntry, 0, len(entries))
	for _, e := range entries {
		re, err := regexp.Compile("(?i)" + e.ModelPattern)
		if err != nil {
			continue
		}
		compiled = append(compiled, compiledEntry{entry: e, re: re})
	}
	t.mu.Lock()
	t.entries = compiled
	t.mu.Unlock()
}

// EstimateCost returns a Cost breakdown in integer micro-dollars for the
// given model/provider and token counts. Store rows are scanned in
// order (first match wins); falling through to the built-in defaults
// never fails — an unrecognized model just yields zero cost.
func (t *Table) EstimateCost(provider, modelName string, promptTokens, completionTokens int) model.Cost {
	inRate, outRate, ok := t.lookupStore(provider, modelName)
	if !ok {
		inRate, outRate, ok = lookupDefault(modelName)
	}
	if !ok {
		return model.Cost{}
	}

	inMicros := roundDiv(int64(promptTokens)*inRate, 1_000_000)
	outMicros := roundDiv(int64(completionTokens)*outRate, 1_000_000)
	return model.Cost{
		InputMicros:  inMicros,
		OutputMicros: outMicros,
		TotalMicros:  inMicros + outMicros,
	}
}

// roundDiv performs round-half-up integer division, matching the
// round(tokens/1e6 * pricePerMillion) semantics of the cost formula.
func roundDiv(numerator, denominator int64) int64 {
	if numerator == 0 {
		return 0
	}
	return (numerator + denominator/2) / denominator
}

func (t *Table) lookupStore(provider, modelName string) (inRate, outRate int64, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, c := range t.entries {
		if c.entry.Provider != "" && !strings.EqualFold(c.entry.Provider, provider) {
			continue
		}
		if c.re.MatchString(modelName) {
			return c.entry.InputPricePerMillion, c.entry.OutputPricePerMillion, true
		}
	}
	return 0, 0, false
}

func lookupDefault(modelName string) (inRate, outRate int64, ok bool) {
	lower := strings.ToLower(modelName)
	for _, rate := range defaultRates {
		if lower == rate.Model {
			return rate.InputPerMillion, rate.OutputPerMillion, true
		}
	}
	// substring fallback: "gpt-4o-2024-08-06" still resolves to "gpt-4o".
	// defaultRates is ordered most-specific first so this is
	// deterministic even when a model id is a substring superset of
	// more than one key.
	for _, rate := range defaultRates {
		if strings.Contains(lower, rate.Model) {
			return rate.InputPerMillion, rate.OutputPerMillion, true
		}
	}
	return 0, 0, false
}
