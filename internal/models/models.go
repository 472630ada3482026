package models

import "time"

// OverlayBox is a detected card region in frame-relative coordinates.
// Every field is in [0,1].
type OverlayBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// ScanSession groups a sequence of captures under one user-visible task
type ScanSession struct {
	ID          int64      `json:"id"`
	Label       string     `json:"label,omitempty"`
	Status      string     `json:"status"` // "open", "closed"
	RecordCount int        `json:"record_count"`
	CreatedAt   time.Time  `json:"created_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
}

const (
	SessionOpen   = "open"
	SessionClosed = "closed"
)

// SessionSummary is returned when a session is closed
type SessionSummary struct {
	Session    ScanSession `json:"session"`
	Records    int         `json:"records"`
	Duplicates int         `json:"duplicates"`
	TotalValue float64     `json:"total_value"`
	Currency   string      `json:"currency,omitempty"`
}

// Candidate is a catalog entry proposed by the identity resolver
type Candidate struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Set      string  `json:"set"`
	SetCode  string  `json:"set_code,omitempty"`
	Number   string  `json:"number"`
	Rarity   string  `json:"rarity,omitempty"`
	ImageURL string  `json:"image_url,omitempty"`
	Score    float64 `json:"score"`
	Source   string  `json:"source,omitempty"` // "local", "remote"
}

// Attributes are the raw values read off a card by the vision oracle
type Attributes struct {
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
	Number  string `json:"number,omitempty" yaml:"number,omitempty"`
	Set     string `json:"set,omitempty" yaml:"set,omitempty"`
	Rarity  string `json:"rarity,omitempty" yaml:"rarity,omitempty"`
	RawText string `json:"raw_text,omitempty" yaml:"raw_text,omitempty"`
}

// Quote kinds
const (
	QuoteBase    = "base"
	QuoteVariant = "variant"
	QuoteWindow  = "window"
	QuoteGraded  = "graded"
)

// PriceQuote is a raw price observation from one source
type PriceQuote struct {
	Source     string    `json:"source"`
	Kind       string    `json:"kind"`
	Label      string    `json:"label"`
	Currency   string    `json:"currency"`
	Amount     float64   `json:"amount"`
	ObservedAt time.Time `json:"observed_at"`
}

// PriceResult is a normalized price in the target currency
type PriceResult struct {
	Currency     string  `json:"currency"`
	Amount       float64 `json:"amount"`
	VariantLabel string  `json:"variant_label"`
	Estimated    bool    `json:"estimated"`
}

// Pricing is the wire form of an aggregated price snapshot
type Pricing struct {
	PriceFinal float64                           `json:"price_final"`
	Currency   string                            `json:"currency"`
	Variants   []VariantPrice                    `json:"variants,omitempty"`
	Cardmarket map[string]WindowPrice            `json:"cardmarket,omitempty"`
	Graded     map[string]map[string]GradedPrice `json:"graded,omitempty"`
}

// VariantPrice is one finish of a card
type VariantPrice struct {
	Label      string  `json:"label"`
	PriceFinal float64 `json:"price_final"`
	Estimated  bool    `json:"estimated,omitempty"`
}

// WindowPrice is a time-windowed average surfaced as its own quote
type WindowPrice struct {
	PriceFinal   float64   `json:"price_final"`
	SourceAmount float64   `json:"source_amount"`
	Currency     string    `json:"currency"`
	ObservedAt   time.Time `json:"observed_at"`
}

// GradedPrice is a graded-condition price, converted but otherwise untouched
type GradedPrice struct {
	PriceFinal   float64 `json:"price_final"`
	SourceAmount float64 `json:"source_amount"`
	Currency     string  `json:"currency"`
}

// ScanRecord is the persisted result of a successful commit
type ScanRecord struct {
	ID                int64       `json:"id" yaml:"id"`
	SessionID         *int64      `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	Fingerprint       string      `json:"fingerprint" yaml:"fingerprint"`
	TileFingerprint   string      `json:"tile_fingerprint,omitempty" yaml:"tile_fingerprint,omitempty"`
	ImagePath         string      `json:"image_path,omitempty" yaml:"image_path,omitempty"`
	Candidate         Candidate   `json:"candidate" yaml:"candidate"`
	Candidates        []Candidate `json:"candidates,omitempty" yaml:"candidates,omitempty"`
	Attributes        Attributes  `json:"attributes" yaml:"attributes"`
	Pricing           Pricing     `json:"pricing" yaml:"pricing"`
	DuplicateOf       *int64      `json:"duplicate_of_scan_id,omitempty" yaml:"duplicate_of_scan_id,omitempty"`
	DuplicateDistance *int        `json:"duplicate_distance,omitempty" yaml:"duplicate_distance,omitempty"`
	CreatedAt         time.Time   `json:"created_at" yaml:"created_at"`
}
