// Package identify resolves the attributes read off a card to ranked
// catalog candidates.
package identify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/cardscan/cardscan/internal/catalog"
	"github.com/cardscan/cardscan/internal/config"
	"github.com/cardscan/cardscan/internal/models"
)

// ErrNotFound means neither the local catalog nor the remote source knows
// the card. Callers fall back to manual entry.
var ErrNotFound = errors.New("card not recognized")

const (
	SourceLocal  = "local"
	SourceRemote = "remote"
)

// Remote is a card search service consulted when the local catalog has no
// confident match
type Remote interface {
	SearchCards(ctx context.Context, q catalog.Query, limit int) ([]catalog.Card, error)
}

// Resolver matches local first and falls back to the remote source
type Resolver struct {
	local         *catalog.Catalog
	remote        Remote
	minLocalScore float64
	maxCandidates int
}

// New creates a resolver; remote may be nil
func New(local *catalog.Catalog, remote Remote, cfg config.IdentifyConfig) *Resolver {
	if local == nil {
		local = catalog.New(nil)
	}
	limit := cfg.MaxCandidates
	if limit <= 0 {
		limit = 5
	}
	return &Resolver{
		local:         local,
		remote:        remote,
		minLocalScore: cfg.MinLocalScore,
		maxCandidates: limit,
	}
}

// QueryFromAttributes builds a catalog query from extracted attributes
func QueryFromAttributes(a models.Attributes) catalog.Query {
	return catalog.Query{Name: a.Name, Number: a.Number, Set: a.Set}
}

// Resolve returns candidates ranked by score; rank 0 is the default
// choice. A remote failure is only returned when there is nothing local
// to offer.
func (r *Resolver) Resolve(ctx context.Context, q catalog.Query) ([]models.Candidate, error) {
	local := toCandidates(r.local.Search(q, r.maxCandidates), SourceLocal)
	if len(local) > 0 && local[0].Score >= r.minLocalScore {
		return local, nil
	}

	if r.remote == nil {
		return finish(local)
	}

	cards, err := r.remote.SearchCards(ctx, q, r.maxCandidates)
	if err != nil {
		if len(local) > 0 {
			slog.Warn("Remote card lookup failed, using local candidates", "name", q.Name, "number", q.Number, "err", err)
			return local, nil
		}
		return nil, fmt.Errorf("failed to search remote cards: %w", err)
	}

	remote := toCandidates(catalog.New(cards).Search(q, r.maxCandidates), SourceRemote)
	return finish(merge(local, remote, r.maxCandidates))
}

func finish(candidates []models.Candidate) ([]models.Candidate, error) {
	if len(candidates) == 0 {
		return nil, ErrNotFound
	}
	return candidates, nil
}

// merge keeps the higher-scored copy of each card id and ranks the union
func merge(local, remote []models.Candidate, limit int) []models.Candidate {
	byID := make(map[string]models.Candidate, len(local)+len(remote))
	for _, c := range append(local, remote...) {
		if existing, ok := byID[c.ID]; ok && existing.Score >= c.Score {
			continue
		}
		byID[c.ID] = c
	}

	out := make([]models.Candidate, 0, len(byID))
	for _, c := range byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Source != out[j].Source {
			return out[i].Source == SourceLocal
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func toCandidates(matches []catalog.Match, source string) []models.Candidate {
	out := make([]models.Candidate, 0, len(matches))
	for _, m := range matches {
		out = append(out, models.Candidate{
			ID:       m.Card.ID,
			Name:     m.Card.Name,
			Set:      m.Card.Set,
			SetCode:  m.Card.SetCode,
			Number:   m.Card.Number,
			Rarity:   m.Card.Rarity,
			ImageURL: m.Card.ImageURL,
			Score:    m.Score,
			Source:   source,
		})
	}
	return out
}
