package providers

import (
	"context"
)

// Config represents one request to a vision-capable LLM provider
type Config struct {
	Model       string
	Temperature float64
	Prompt      string
	// Image is sent alongside the prompt when set
	Image    []byte
	MIMEType string
}

// Provider defines the interface for an LLM provider
type Provider interface {
	ExtractText(ctx context.Context, config Config) (string, error)
}

// ImageFormat returns the short format name for a MIME type, e.g. "jpeg"
func (c Config) ImageFormat() string {
	switch c.MIMEType {
	case "image/png":
		return "png"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	default:
		return "jpeg"
	}
}
