package catalog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/parquet-go/parquet-go"
)

// Card is one row of a local catalog file
type Card struct {
	ID       string `json:"id" parquet:"id"`
	Name     string `json:"name" parquet:"name"`
	Set      string `json:"set" parquet:"set"`
	SetCode  string `json:"set_code" parquet:"set_code"`
	Number   string `json:"number" parquet:"number"`
	Rarity   string `json:"rarity" parquet:"rarity"`
	ImageURL string `json:"image_url" parquet:"image_url"`
}

// Loader reads catalog cards from a JSONL or Parquet file
type Loader struct {
	path string
}

// NewLoader creates a new catalog loader
func NewLoader(path string) *Loader {
	return &Loader{
		path: path,
	}
}

// Load loads every card in the file
func (l *Loader) Load() ([]Card, error) {
	return l.LoadSample(0)
}

// LoadSample loads at most limit cards; zero means no limit
func (l *Loader) LoadSample(limit int) ([]Card, error) {
	ext := strings.ToLower(filepath.Ext(l.path))

	switch ext {
	case ".parquet":
		return l.loadParquet(limit)
	case ".jsonl", ".json":
		return l.loadJSONL(limit)
	default:
		return nil, fmt.Errorf("unsupported file format: %s (supported: .parquet, .jsonl)", ext)
	}
}

func (l *Loader) loadJSONL(limit int) ([]Card, error) {
	slog.Debug("Opening JSONL catalog", "path", l.path)

	file, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog file: %w", err)
	}
	defer file.Close()

	var cards []Card
	scanner := bufio.NewScanner(file)

	const maxCapacity = 1024 * 1024
	scanner.Buffer(make([]byte, 64*1024), maxCapacity)

	lineNum := 0
	for scanner.Scan() {
		if limit > 0 && len(cards) >= limit {
			break
		}
		lineNum++
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		var card Card
		if err := json.Unmarshal(line, &card); err != nil {
			return nil, fmt.Errorf("failed to parse JSON at line %d: %w", lineNum, err)
		}
		cards = append(cards, card)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading catalog: %w", err)
	}

	slog.Debug("Finished reading JSONL catalog", "cards", len(cards), "lines", lineNum)
	return cards, nil
}

func (l *Loader) loadParquet(limit int) ([]Card, error) {
	slog.Debug("Opening Parquet catalog", "path", l.path)

	file, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	pf, err := parquet.OpenFile(file, info.Size())
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet: %w", err)
	}

	slog.Debug("Parquet catalog opened", "num_rows", pf.NumRows(), "num_row_groups", len(pf.RowGroups()))

	reader := parquet.NewGenericReader[Card](pf)
	defer reader.Close()

	var cards []Card
	rows := make([]Card, 128)
	for {
		n, err := reader.Read(rows)
		if n > 0 {
			cards = append(cards, rows[:n]...)
		}
		if limit > 0 && len(cards) >= limit {
			cards = cards[:limit]
			break
		}
		if err != nil {
			break
		}
	}

	slog.Debug("Finished reading Parquet catalog", "cards", len(cards))
	return cards, nil
}
