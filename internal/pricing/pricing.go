// Package pricing normalizes raw price quotes from several sources into
// one target currency.
package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/cardscan/cardscan/internal/config"
	"github.com/cardscan/cardscan/internal/models"
)

// NormalLabel is the variant every estimate is derived from
const NormalLabel = "normal"

// Window labels, in the order they are used as a base price fallback
var baseWindows = []string{"trend", "7d_average", "30d_average"}

// Source supplies raw quotes for a candidate
type Source interface {
	Quotes(ctx context.Context, candidate models.Candidate) ([]models.PriceQuote, error)
}

// UnknownCurrencyError is returned when no rate is configured for a currency
type UnknownCurrencyError struct {
	Currency string
}

func (e *UnknownCurrencyError) Error() string {
	return fmt.Sprintf("no exchange rate configured for %q", e.Currency)
}

// Aggregator converts quotes with fixed rates and a fixed margin multiplier
type Aggregator struct {
	target     string
	rates      map[string]float64
	multiplier float64
	estimates  map[string]float64
}

// New builds an aggregator from configuration
func New(cfg config.PricingConfig) *Aggregator {
	a := &Aggregator{
		target:     strings.ToUpper(cfg.TargetCurrency),
		rates:      make(map[string]float64, len(cfg.Rates)),
		multiplier: cfg.Multiplier,
		estimates:  make(map[string]float64, len(cfg.VariantMultipliers)),
	}
	for currency, rate := range cfg.Rates {
		a.rates[strings.ToUpper(currency)] = rate
	}
	for label, m := range cfg.VariantMultipliers {
		a.estimates[NormalizeLabel(label)] = m
	}
	if _, ok := a.rates[a.target]; !ok {
		a.rates[a.target] = 1
	}
	return a
}

// Currency returns the target currency
func (a *Aggregator) Currency() string {
	return a.target
}

// Convert returns amount × rate × multiplier in the target currency
func (a *Aggregator) Convert(amount float64, currency string) (float64, error) {
	rate, ok := a.rates[strings.ToUpper(currency)]
	if !ok {
		return 0, &UnknownCurrencyError{Currency: currency}
	}
	return amount * rate * a.multiplier, nil
}

// Revert undoes Convert
func (a *Aggregator) Revert(amount float64, currency string) (float64, error) {
	rate, ok := a.rates[strings.ToUpper(currency)]
	if !ok {
		return 0, &UnknownCurrencyError{Currency: currency}
	}
	return amount / (rate * a.multiplier), nil
}

// NormalizeLabel lower-cases a variant or window label and joins words
// with underscores: "Reverse Holofoil" becomes "reverse_holofoil".
func NormalizeLabel(label string) string {
	label = strings.ToLower(strings.TrimSpace(label))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(label)
}

type converted struct {
	quote  models.PriceQuote
	amount float64
}

func (a *Aggregator) convertAll(candidate models.Candidate, quotes []models.PriceQuote) []converted {
	out := make([]converted, 0, len(quotes))
	for _, q := range quotes {
		amount, err := a.Convert(q.Amount, q.Currency)
		if err != nil {
			slog.Warn("Skipping price quote", "candidate", candidate.ID, "source", q.Source, "label", q.Label, "err", err)
			continue
		}
		if q.Amount < 0 || math.IsNaN(q.Amount) {
			continue
		}
		q.Label = NormalizeLabel(q.Label)
		out = append(out, converted{quote: q, amount: amount})
	}
	return out
}

// base picks the normal price: an explicit base quote, else the normal
// variant, else the first window found in baseWindows order
func base(quotes []converted) (float64, bool) {
	for _, c := range quotes {
		if c.quote.Kind == models.QuoteBase {
			return c.amount, true
		}
	}
	for _, c := range quotes {
		if c.quote.Kind == models.QuoteVariant && c.quote.Label == NormalLabel {
			return c.amount, true
		}
	}
	for _, w := range baseWindows {
		for _, c := range quotes {
			if c.quote.Kind == models.QuoteWindow && c.quote.Label == w {
				return c.amount, true
			}
		}
	}
	return 0, false
}

// Aggregate returns one result per variant: the normal price, every
// explicitly quoted variant, then estimates for configured variants the
// quotes lack. Estimates need a normal price.
func (a *Aggregator) Aggregate(candidate models.Candidate, quotes []models.PriceQuote) []models.PriceResult {
	return a.aggregate(a.convertAll(candidate, quotes))
}

func (a *Aggregator) aggregate(quotes []converted) []models.PriceResult {
	var results []models.PriceResult
	seen := make(map[string]bool)

	normal, hasNormal := base(quotes)
	if hasNormal {
		results = append(results, models.PriceResult{Currency: a.target, Amount: normal, VariantLabel: NormalLabel})
		seen[NormalLabel] = true
	}

	for _, c := range quotes {
		if c.quote.Kind != models.QuoteVariant || seen[c.quote.Label] {
			continue
		}
		seen[c.quote.Label] = true
		results = append(results, models.PriceResult{Currency: a.target, Amount: c.amount, VariantLabel: c.quote.Label})
	}

	if !hasNormal {
		return results
	}

	labels := make([]string, 0, len(a.estimates))
	for label := range a.estimates {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	for _, label := range labels {
		if seen[label] {
			continue
		}
		results = append(results, models.PriceResult{
			Currency:     a.target,
			Amount:       normal * a.estimates[label],
			VariantLabel: label,
			Estimated:    true,
		})
	}
	return results
}

// Summarize builds the wire form of a price snapshot. Window averages are
// kept as separate entries and graded prices are only converted.
func (a *Aggregator) Summarize(candidate models.Candidate, quotes []models.PriceQuote) models.Pricing {
	conv := a.convertAll(candidate, quotes)

	p := models.Pricing{Currency: a.target}
	for _, r := range a.aggregate(conv) {
		p.Variants = append(p.Variants, models.VariantPrice{
			Label:      r.VariantLabel,
			PriceFinal: Round(r.Amount),
			Estimated:  r.Estimated,
		})
	}
	if len(p.Variants) > 0 {
		p.PriceFinal = p.Variants[0].PriceFinal
	}

	for _, c := range conv {
		switch c.quote.Kind {
		case models.QuoteWindow:
			if p.Cardmarket == nil {
				p.Cardmarket = make(map[string]models.WindowPrice)
			}
			if _, exists := p.Cardmarket[c.quote.Label]; exists {
				continue
			}
			p.Cardmarket[c.quote.Label] = models.WindowPrice{
				PriceFinal:   Round(c.amount),
				SourceAmount: c.quote.Amount,
				Currency:     strings.ToUpper(c.quote.Currency),
				ObservedAt:   c.quote.ObservedAt,
			}
		case models.QuoteGraded:
			grader, tier := splitGrade(c.quote.Label)
			if p.Graded == nil {
				p.Graded = make(map[string]map[string]models.GradedPrice)
			}
			if p.Graded[grader] == nil {
				p.Graded[grader] = make(map[string]models.GradedPrice)
			}
			p.Graded[grader][tier] = models.GradedPrice{
				PriceFinal:   Round(c.amount),
				SourceAmount: c.quote.Amount,
				Currency:     strings.ToUpper(c.quote.Currency),
			}
		}
	}
	return p
}

// splitGrade reads graded labels of the form "psa/psa10"
func splitGrade(label string) (string, string) {
	if grader, tier, ok := strings.Cut(label, "/"); ok && grader != "" && tier != "" {
		return grader, tier
	}
	return "other", label
}

// Round rounds to whole cents
func Round(v float64) float64 {
	return math.Round(v*100) / 100
}
