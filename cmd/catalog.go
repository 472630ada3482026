package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cardscan/cardscan/internal/catalog"
	"github.com/spf13/cobra"
)

func newCatalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Local card catalog tools",
	}
	cmd.AddCommand(newCatalogInspectCmd())
	return cmd
}

func newCatalogInspectCmd() *cobra.Command {
	var datasetPath string
	var limit int
	var query string

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Inspect a local catalog file",
		Long: `Inspect cards from a parquet or jsonl catalog file.

Prints per-set counts and sample cards. With --query, runs the same fuzzy
search the identification server uses and prints the scored matches.`,
		Example: `  # Set overview and the first 10 cards
  cardscan catalog inspect --dataset ./cards.parquet

  # Try a search the way the server would
  cardscan catalog inspect --dataset ./cards.jsonl --query "charizard ex 125"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := catalog.Open(datasetPath)
			if err != nil {
				return fmt.Errorf("failed to load dataset: %w", err)
			}
			if query != "" {
				return printSearch(c, query, limit)
			}
			return printCatalog(c, datasetPath, limit)
		},
	}

	cmd.Flags().StringVar(&datasetPath, "dataset", "", "Path to parquet or jsonl catalog file (required)")
	cmd.Flags().IntVar(&limit, "limit", 10, "Number of cards or matches to show")
	cmd.Flags().StringVar(&query, "query", "", "Search text: a name, optionally followed by a collector number")

	_ = cmd.MarkFlagRequired("dataset")

	return cmd
}

func printCatalog(c *catalog.Catalog, path string, limit int) error {
	fmt.Printf("Loaded %d cards from %s\n", c.Len(), path)
	fmt.Println(strings.Repeat("=", 80))

	sets := c.Sets()
	names := make([]string, 0, len(sets))
	for name := range sets {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([][]string, 0, len(names))
	for _, name := range names {
		rows = append(rows, []string{name, fmt.Sprint(sets[name])})
	}
	fmt.Println(renderTable([]string{"Set", "Cards"}, rows, []columnAlignment{alignLeft, alignRight}))

	cards := c.Cards()
	if limit > 0 && len(cards) > limit {
		cards = cards[:limit]
	}
	rows = rows[:0]
	for _, card := range cards {
		rows = append(rows, []string{card.ID, card.Name, card.Set, card.Number, card.Rarity})
	}
	fmt.Println(renderTable([]string{"ID", "Name", "Set", "Number", "Rarity"}, rows, nil))
	return nil
}

func printSearch(c *catalog.Catalog, query string, limit int) error {
	q := parseQuery(query)
	matches := c.Search(q, limit)
	if len(matches) == 0 {
		fmt.Printf("No matches for name=%q number=%q\n", q.Name, q.Number)
		return nil
	}

	rows := make([][]string, 0, len(matches))
	for _, m := range matches {
		rows = append(rows, []string{fmt.Sprintf("%.3f", m.Score), m.Card.ID, m.Card.Name, m.Card.Set, m.Card.Number})
	}
	fmt.Println(renderTable([]string{"Score", "ID", "Name", "Set", "Number"}, rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft}))
	return nil
}

// parseQuery treats a trailing token containing a digit as the collector
// number: "charizard ex 125/197" searches name "charizard ex", number "125/197"
func parseQuery(s string) catalog.Query {
	fields := strings.Fields(s)
	if len(fields) > 1 && strings.ContainsAny(fields[len(fields)-1], "0123456789") {
		return catalog.Query{
			Name:   strings.Join(fields[:len(fields)-1], " "),
			Number: fields[len(fields)-1],
		}
	}
	return catalog.Query{Name: strings.Join(fields, " ")}
}
