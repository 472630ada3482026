// Package catalog holds the local card catalog used for identification
// before any remote lookup.
package catalog

import (
	"log/slog"
	"sort"
	"strings"
)

const (
	nameWeight   = 0.6
	numberWeight = 0.3
	setWeight    = 0.1

	// minNameScore drops cards whose name is clearly unrelated unless the
	// collector number matches
	minNameScore = 0.5
)

// Query is what the vision oracle read off a card
type Query struct {
	Name   string
	Number string
	Set    string
}

// Match is a scored catalog card
type Match struct {
	Card  Card
	Score float64
}

type entry struct {
	name   string
	number string
	set    string
	code   string
}

// Catalog is an in-memory, read-only card index
type Catalog struct {
	cards    []Card
	entries  []entry
	byNumber map[string][]int
}

// New indexes cards by normalized name and collector number
func New(cards []Card) *Catalog {
	c := &Catalog{
		cards:    cards,
		entries:  make([]entry, len(cards)),
		byNumber: make(map[string][]int),
	}
	for i, card := range cards {
		e := entry{
			name:   Normalize(card.Name),
			number: NormalizeNumber(card.Number),
			set:    Normalize(card.Set),
			code:   strings.ToLower(card.SetCode),
		}
		c.entries[i] = e
		if e.number != "" {
			c.byNumber[e.number] = append(c.byNumber[e.number], i)
		}
	}
	return c
}

// Open loads and indexes the catalog at path. An empty path yields an
// empty catalog so the resolver relies on the remote source alone.
func Open(path string) (*Catalog, error) {
	if path == "" {
		return New(nil), nil
	}
	cards, err := NewLoader(path).Load()
	if err != nil {
		return nil, err
	}
	slog.Info("Loaded local catalog", "path", path, "cards", len(cards))
	return New(cards), nil
}

// Len returns the number of cards
func (c *Catalog) Len() int {
	return len(c.cards)
}

// Cards returns the indexed cards
func (c *Catalog) Cards() []Card {
	return c.cards
}

// Sets returns the number of cards per set name
func (c *Catalog) Sets() map[string]int {
	out := make(map[string]int)
	for _, card := range c.cards {
		out[card.Set]++
	}
	return out
}

// Search scores every plausible card against q and returns the best
// limit matches, highest score first. Fields missing from q do not count
// against a card.
func (c *Catalog) Search(q Query, limit int) []Match {
	name := Normalize(q.Name)
	number := NormalizeNumber(q.Number)
	set := Normalize(q.Set)
	if name == "" && number == "" {
		return nil
	}

	var matches []Match
	for i, e := range c.entries {
		var total, weight float64

		nameScore := 0.0
		if name != "" {
			nameScore = nameSimilarity(name, e.name)
			total += nameWeight * nameScore
			weight += nameWeight
		}

		numberMatch := number != "" && number == e.number
		if number != "" {
			if numberMatch {
				total += numberWeight
			}
			weight += numberWeight
		}

		if set != "" {
			total += setWeight * setSimilarity(set, e)
			weight += setWeight
		}

		if name != "" && nameScore < minNameScore && !numberMatch {
			continue
		}
		if name == "" && !numberMatch {
			continue
		}

		matches = append(matches, Match{Card: c.cards[i], Score: total / weight})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Card.ID < matches[j].Card.ID
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// ByNumber returns cards printed with the given collector number
func (c *Catalog) ByNumber(number string) []Card {
	idx := c.byNumber[NormalizeNumber(number)]
	out := make([]Card, 0, len(idx))
	for _, i := range idx {
		out = append(out, c.cards[i])
	}
	return out
}

func nameSimilarity(query, name string) float64 {
	if query == name {
		return 1.0
	}
	sim := Similarity(query, name)
	// "charizard" read off a "Charizard ex" card
	if sim < 0.8 && (strings.Contains(name, query) || strings.Contains(query, name)) {
		return 0.8
	}
	return sim
}

func setSimilarity(set string, e entry) float64 {
	if e.code != "" && set == e.code {
		return 1.0
	}
	return Similarity(set, e.set)
}
