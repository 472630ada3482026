package catalog

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/parquet-go/parquet-go"
)

var testCards = []Card{
	{ID: "sv3-25", Name: "Charizard ex", Set: "Obsidian Flames", SetCode: "OBF", Number: "025", Rarity: "Double Rare"},
	{ID: "base1-4", Name: "Charizard", Set: "Base Set", SetCode: "BS", Number: "4/102", Rarity: "Rare Holo"},
	{ID: "sv1-25", Name: "Pikachu", Set: "Scarlet & Violet", SetCode: "SVI", Number: "25", Rarity: "Common"},
	{ID: "xy2-103", Name: "Flabébé", Set: "Flashfire", SetCode: "FLF", Number: "103", Rarity: "Common"},
}

func TestNormalize(t *testing.T) {
	tests := map[string]string{
		"Pokémon-EX":    "pokemon ex",
		"  Mr. Mime  ":  "mr mime",
		"Flabébé":       "flabebe",
		"CHARIZARD  ex": "charizard ex",
		"":              "",
	}
	for in, expected := range tests {
		if got := Normalize(in); got != expected {
			t.Errorf("Normalize(%q): expected %q, got %q", in, expected, got)
		}
	}
}

func TestNormalizeNumber(t *testing.T) {
	tests := map[string]string{
		"025/165": "25",
		"4/102":   "4",
		"TG05":    "tg5",
		"SWSH050": "swsh50",
		"#12":     "12",
		"0":       "0",
		"":        "",
	}
	for in, expected := range tests {
		if got := NormalizeNumber(in); got != expected {
			t.Errorf("NormalizeNumber(%q): expected %q, got %q", in, expected, got)
		}
	}
}

func TestSimilarity(t *testing.T) {
	if got := Similarity("charizard", "charizard"); got != 1.0 {
		t.Errorf("Expected 1.0 for identical strings, got %f", got)
	}
	if got := Similarity("", "charizard"); got != 0.0 {
		t.Errorf("Expected 0.0 for empty string, got %f", got)
	}
	if got := Similarity("charizrd", "charizard"); math.Abs(got-(1-1.0/9)) > 1e-9 {
		t.Errorf("Expected one edit over nine runes, got %f", got)
	}
}

func TestSearchExactMatchRanksFirst(t *testing.T) {
	c := New(testCards)

	matches := c.Search(Query{Name: "Charizard ex", Number: "025/197", Set: "Obsidian Flames"}, 5)
	if len(matches) == 0 {
		t.Fatal("Expected matches")
	}
	if matches[0].Card.ID != "sv3-25" {
		t.Errorf("Expected sv3-25 first, got %s", matches[0].Card.ID)
	}
	if math.Abs(matches[0].Score-1.0) > 1e-9 {
		t.Errorf("Expected score 1.0, got %f", matches[0].Score)
	}
	for i := 1; i < len(matches); i++ {
		if matches[i].Score > matches[i-1].Score {
			t.Errorf("Matches not sorted at %d", i)
		}
	}
}

func TestSearchFoldsAccents(t *testing.T) {
	c := New(testCards)

	matches := c.Search(Query{Name: "Flabebe"}, 5)
	if len(matches) != 1 || matches[0].Card.ID != "xy2-103" {
		t.Fatalf("Expected xy2-103, got %+v", matches)
	}
	if matches[0].Score != 1.0 {
		t.Errorf("Expected score 1.0, got %f", matches[0].Score)
	}
}

func TestSearchByNumberOnly(t *testing.T) {
	c := New(testCards)

	matches := c.Search(Query{Number: "4"}, 5)
	if len(matches) != 1 || matches[0].Card.ID != "base1-4" {
		t.Fatalf("Expected base1-4, got %+v", matches)
	}

	if got := c.Search(Query{}, 5); got != nil {
		t.Errorf("Expected nil for empty query, got %+v", got)
	}
	if got := c.ByNumber("025"); len(got) != 2 {
		t.Errorf("Expected two cards numbered 25, got %d", len(got))
	}
}

func TestSearchRespectsLimit(t *testing.T) {
	c := New(testCards)
	if got := c.Search(Query{Name: "Charizard", Number: "25"}, 1); len(got) != 1 {
		t.Errorf("Expected 1 match, got %d", len(got))
	}
}

func TestLoadJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cards.jsonl")
	data := `{"id":"sv3-25","name":"Charizard ex","set":"Obsidian Flames","number":"025"}

{"id":"sv1-25","name":"Pikachu","set":"Scarlet & Violet","number":"25"}
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cards, err := NewLoader(path).Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cards) != 2 {
		t.Fatalf("Expected 2 cards, got %d", len(cards))
	}
	if cards[1].Name != "Pikachu" {
		t.Errorf("Expected Pikachu, got %s", cards[1].Name)
	}

	sample, err := NewLoader(path).LoadSample(1)
	if err != nil {
		t.Fatalf("LoadSample failed: %v", err)
	}
	if len(sample) != 1 {
		t.Errorf("Expected 1 card, got %d", len(sample))
	}
}

func TestLoadParquet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cards.parquet")
	if err := parquet.WriteFile(path, testCards); err != nil {
		t.Fatalf("failed to write parquet: %v", err)
	}

	c, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if c.Len() != len(testCards) {
		t.Fatalf("Expected %d cards, got %d", len(testCards), c.Len())
	}
	if c.Cards()[3].Name != "Flabébé" {
		t.Errorf("Expected Flabébé, got %s", c.Cards()[3].Name)
	}
	if c.Sets()["Base Set"] != 1 {
		t.Errorf("Expected one Base Set card, got %d", c.Sets()["Base Set"])
	}
}

func TestLoadUnsupportedFormat(t *testing.T) {
	if _, err := NewLoader("cards.csv").Load(); err == nil {
		t.Error("Expected error for unsupported format")
	}
}

func TestOpenEmptyPath(t *testing.T) {
	c, err := Open("")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if c.Len() != 0 {
		t.Errorf("Expected empty catalog, got %d cards", c.Len())
	}
}
