// Package vision reads the printed name, collector number and set off a
// committed card still through a vision-capable LLM provider.
package vision

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/cardscan/cardscan/internal/config"
	"github.com/cardscan/cardscan/internal/gemini"
	"github.com/cardscan/cardscan/internal/models"
	"github.com/cardscan/cardscan/internal/ollama"
	"github.com/cardscan/cardscan/internal/openai"
	"github.com/cardscan/cardscan/internal/providers"
)

// Extractor turns a card image into raw attributes
type Extractor interface {
	Extract(ctx context.Context, image []byte, mimeType string) (models.Attributes, error)
}

// Service handles attribute extraction from card images
type Service struct {
	provider    providers.Provider
	name        string
	model       string
	temperature float64
}

// NewService creates a service for the configured provider
func NewService(cfg config.ProviderConfig) (*Service, error) {
	name := cfg.Name
	if name == "" {
		name = "ollama"
	}

	var provider providers.Provider
	switch name {
	case "ollama":
		provider = ollama.New()
	case "openai":
		provider = openai.New()
	case "gemini":
		provider = gemini.New()
	default:
		return nil, fmt.Errorf("unsupported vision provider: %s", name)
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel(name)
	}
	return NewWithProvider(provider, name, model, cfg.Temperature), nil
}

// NewWithProvider wraps an already constructed provider
func NewWithProvider(provider providers.Provider, name, model string, temperature float64) *Service {
	return &Service{
		provider:    provider,
		name:        name,
		model:       model,
		temperature: temperature,
	}
}

func defaultModel(provider string) string {
	switch provider {
	case "openai":
		if model := os.Getenv("OPENAI_MODEL"); model != "" {
			return model
		}
		return "gpt-4o"
	case "gemini":
		if model := os.Getenv("GEMINI_MODEL"); model != "" {
			return model
		}
		return "gemini-1.5-flash"
	default:
		if model := os.Getenv("OLLAMA_MODEL"); model != "" {
			return model
		}
		return "mistral-small3.2:24b"
	}
}

const prompt = `You are reading a single collectible trading card from a photo.

Return a JSON object with exactly these string fields:
- "name": the card name as printed at the top of the card
- "number": the collector number as printed, usually bottom left or right, e.g. "025/165"
- "set": the set name if printed or identifiable from the set symbol, else ""
- "rarity": the rarity if identifiable from the rarity symbol, else ""

Use "" for anything you cannot read. Do not guess numbers.
Respond with the JSON object only.`

// Extract asks the provider for the card's attributes. RawText keeps the
// provider's answer as returned.
func (s *Service) Extract(ctx context.Context, image []byte, mimeType string) (models.Attributes, error) {
	raw, err := s.provider.ExtractText(ctx, providers.Config{
		Model:       s.model,
		Temperature: s.temperature,
		Prompt:      prompt,
		Image:       image,
		MIMEType:    mimeType,
	})
	if err != nil {
		return models.Attributes{}, fmt.Errorf("failed to extract card attributes with %s: %w", s.name, err)
	}

	attrs, err := parseAttributes(raw)
	if err != nil {
		return models.Attributes{}, err
	}

	slog.Info("Extracted card attributes", "provider", s.name, "model", s.model, "name", attrs.Name, "number", attrs.Number)
	return attrs, nil
}

func parseAttributes(raw string) (models.Attributes, error) {
	text := strings.TrimSpace(raw)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	if start, end := strings.IndexByte(text, '{'), strings.LastIndexByte(text, '}'); start >= 0 && end > start {
		text = text[start : end+1]
	}

	var parsed struct {
		Name   string `json:"name"`
		Number string `json:"number"`
		Set    string `json:"set"`
		Rarity string `json:"rarity"`
	}
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return models.Attributes{}, fmt.Errorf("failed to parse provider response: %w", err)
	}

	return models.Attributes{
		Name:    strings.TrimSpace(parsed.Name),
		Number:  strings.TrimSpace(parsed.Number),
		Set:     strings.TrimSpace(parsed.Set),
		Rarity:  strings.TrimSpace(parsed.Rarity),
		RawText: raw,
	}, nil
}
