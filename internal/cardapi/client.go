// Package cardapi talks to the remote card database used when the local
// catalog has no confident match. It also supplies market prices.
package cardapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cardscan/cardscan/internal/catalog"
	"github.com/cardscan/cardscan/internal/models"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// ErrCardNotFound is returned by Card for unknown ids
var ErrCardNotFound = errors.New("card not found")

// StatusError is a non-2xx answer from the card API
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("card API returned status %d: %s", e.Code, e.Body)
}

// Temporary reports whether retrying later may succeed
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Client is a rate limited, caching client for the card API
type Client struct {
	BaseURL    string
	APIKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	cache      *cache.Cache
	group      singleflight.Group
}

// NewClient creates a client allowing rps requests per second and caching
// answers for ttl
func NewClient(baseURL, apiKey string, rps float64, ttl time.Duration) *Client {
	if rps <= 0 {
		rps = 1
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		cache:   cache.New(ttl, ttl*2),
	}
}

// SearchCards looks up cards matching q. Concurrent identical searches
// share one request and answers are cached.
func (c *Client) SearchCards(ctx context.Context, q catalog.Query, limit int) ([]catalog.Card, error) {
	query := searchQuery(q)
	if query == "" {
		return nil, nil
	}
	key := fmt.Sprintf("search:%s:%d", query, limit)
	if v, ok := c.cache.Get(key); ok {
		return v.([]catalog.Card), nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		params := url.Values{}
		params.Set("q", query)
		if limit > 0 {
			params.Set("pageSize", fmt.Sprint(limit))
		}

		var resp struct {
			Data []apiCard `json:"data"`
		}
		if err := c.get(ctx, "/v2/cards?"+params.Encode(), &resp); err != nil {
			return nil, err
		}

		cards := make([]catalog.Card, 0, len(resp.Data))
		for _, card := range resp.Data {
			c.cache.SetDefault("card:"+card.ID, card)
			cards = append(cards, card.toCatalog())
		}
		c.cache.SetDefault(key, cards)
		return cards, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]catalog.Card), nil
}

// Quotes returns the market prices known for a candidate. It implements
// pricing.Source.
func (c *Client) Quotes(ctx context.Context, candidate models.Candidate) ([]models.PriceQuote, error) {
	card, err := c.card(ctx, candidate.ID)
	if err != nil {
		return nil, err
	}
	return card.quotes(), nil
}

func (c *Client) card(ctx context.Context, id string) (apiCard, error) {
	key := "card:" + id
	if v, ok := c.cache.Get(key); ok {
		return v.(apiCard), nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		var resp struct {
			Data apiCard `json:"data"`
		}
		err := c.get(ctx, "/v2/cards/"+url.PathEscape(id), &resp)
		var status *StatusError
		if errors.As(err, &status) && status.Code == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrCardNotFound, id)
		}
		if err != nil {
			return nil, err
		}
		c.cache.SetDefault(key, resp.Data)
		return resp.Data, nil
	})
	if err != nil {
		return apiCard{}, err
	}
	return v.(apiCard), nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.APIKey != "" {
		req.Header.Set("X-Api-Key", c.APIKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to query card API: %w", err)
	}
	defer resp.Body.Close()

	slog.Debug("Card API request", "path", path, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode card API response: %w", err)
	}
	return nil
}

// searchQuery builds the API's field query, e.g. name:"charizard ex" number:25
func searchQuery(q catalog.Query) string {
	var parts []string
	if name := catalog.Normalize(q.Name); name != "" {
		parts = append(parts, fmt.Sprintf("name:%q", name))
	}
	if number := catalog.NormalizeNumber(q.Number); number != "" {
		parts = append(parts, "number:"+number)
	}
	return strings.Join(parts, " ")
}
