package cmd

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/cardscan/cardscan/internal/models"
	"gopkg.in/yaml.v3"
)

func testRecords() []models.ScanRecord {
	session := int64(2)
	original := int64(1)
	distance := 0
	return []models.ScanRecord{
		{
			ID:          1,
			SessionID:   &session,
			Fingerprint: "f0f0f0f0f0f0f0f0",
			Candidate:   models.Candidate{ID: "sv3-125", Name: "Charizard ex", Set: "Obsidian Flames", Number: "125"},
			Pricing:     models.Pricing{PriceFinal: 11.5, Currency: "EUR"},
			CreatedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		},
		{
			ID:                2,
			Fingerprint:       "f0f0f0f0f0f0f0f0",
			Candidate:         models.Candidate{ID: "sv3-125", Name: "Charizard ex", Set: "Obsidian Flames", Number: "125"},
			Pricing:           models.Pricing{PriceFinal: 11.5, Currency: "EUR"},
			DuplicateOf:       &original,
			DuplicateDistance: &distance,
			CreatedAt:         time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC),
		},
	}
}

func TestWriteRecordsTable(t *testing.T) {
	var buf bytes.Buffer
	if err := writeRecords(&buf, testRecords(), "table"); err != nil {
		t.Fatalf("writeRecords failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"Charizard ex", "11.50 EUR", "#1 (d=0)", "Duplicate of"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected table to contain %q:\n%s", want, out)
		}
	}
}

func TestWriteRecordsJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := writeRecords(&buf, testRecords(), "json"); err != nil {
		t.Fatalf("writeRecords failed: %v", err)
	}
	var decoded []map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(decoded))
	}
	if decoded[1]["duplicate_of_scan_id"] != float64(1) {
		t.Errorf("Expected duplicate_of_scan_id 1, got %v", decoded[1]["duplicate_of_scan_id"])
	}
	if _, ok := decoded[0]["duplicate_of_scan_id"]; ok {
		t.Error("Expected no duplicate_of_scan_id on the first record")
	}
}

func TestWriteRecordsYAML(t *testing.T) {
	var buf bytes.Buffer
	if err := writeRecords(&buf, testRecords(), "yaml"); err != nil {
		t.Fatalf("writeRecords failed: %v", err)
	}
	var decoded []map[string]any
	if err := yaml.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("Invalid YAML: %v", err)
	}
	if decoded[0]["session_id"] != 2 {
		t.Errorf("Expected session_id 2, got %v", decoded[0]["session_id"])
	}
}

func TestWriteRecordsUnknownFormat(t *testing.T) {
	if err := writeRecords(&bytes.Buffer{}, nil, "csv"); err == nil {
		t.Error("Expected error for unknown format")
	}
}

func TestParseQuery(t *testing.T) {
	tests := map[string][2]string{
		"charizard ex 125/197": {"charizard ex", "125/197"},
		"Pikachu":              {"Pikachu", ""},
		"Mew TG05":             {"Mew", "TG05"},
		"  Mr.  Mime  ":        {"Mr. Mime", ""},
	}
	for in, want := range tests {
		q := parseQuery(in)
		if q.Name != want[0] || q.Number != want[1] {
			t.Errorf("parseQuery(%q): expected %q/%q, got %q/%q", in, want[0], want[1], q.Name, q.Number)
		}
	}
}
