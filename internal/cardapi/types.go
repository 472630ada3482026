package cardapi

import (
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/cardscan/cardscan/internal/catalog"
	"github.com/cardscan/cardscan/internal/models"
)

const (
	sourceTCGPlayer  = "tcgplayer"
	sourceCardmarket = "cardmarket"
)

type apiCard struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Number string `json:"number"`
	Rarity string `json:"rarity"`
	Set    struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		PtcgoCode string `json:"ptcgoCode"`
	} `json:"set"`
	Images struct {
		Small string `json:"small"`
		Large string `json:"large"`
	} `json:"images"`
	TCGPlayer *struct {
		UpdatedAt string                  `json:"updatedAt"`
		Prices    map[string]tcgplayerFee `json:"prices"`
	} `json:"tcgplayer"`
	Cardmarket *struct {
		UpdatedAt string             `json:"updatedAt"`
		Prices    map[string]float64 `json:"prices"`
	} `json:"cardmarket"`
}

type tcgplayerFee struct {
	Low    float64 `json:"low"`
	Mid    float64 `json:"mid"`
	High   float64 `json:"high"`
	Market float64 `json:"market"`
}

// cardmarket price fields surfaced as named windows
var cardmarketWindows = map[string]string{
	"trendPrice": "trend",
	"avg1":       "1d_average",
	"avg7":       "7d_average",
	"avg30":      "30d_average",
}

func (c apiCard) toCatalog() catalog.Card {
	image := c.Images.Large
	if image == "" {
		image = c.Images.Small
	}
	return catalog.Card{
		ID:       c.ID,
		Name:     c.Name,
		Set:      c.Set.Name,
		SetCode:  c.Set.PtcgoCode,
		Number:   c.Number,
		Rarity:   c.Rarity,
		ImageURL: image,
	}
}

func (c apiCard) quotes() []models.PriceQuote {
	var quotes []models.PriceQuote

	if c.Cardmarket != nil {
		observed := parseUpdatedAt(c.Cardmarket.UpdatedAt)
		if v := c.Cardmarket.Prices["averageSellPrice"]; v > 0 {
			quotes = append(quotes, models.PriceQuote{
				Source: sourceCardmarket, Kind: models.QuoteBase, Label: "normal",
				Currency: "EUR", Amount: v, ObservedAt: observed,
			})
		}
		for field, label := range cardmarketWindows {
			if v := c.Cardmarket.Prices[field]; v > 0 {
				quotes = append(quotes, models.PriceQuote{
					Source: sourceCardmarket, Kind: models.QuoteWindow, Label: label,
					Currency: "EUR", Amount: v, ObservedAt: observed,
				})
			}
		}
	}

	if c.TCGPlayer != nil {
		observed := parseUpdatedAt(c.TCGPlayer.UpdatedAt)
		for variant, fee := range c.TCGPlayer.Prices {
			amount := fee.Market
			if amount <= 0 {
				amount = fee.Mid
			}
			if amount <= 0 {
				continue
			}
			quotes = append(quotes, models.PriceQuote{
				Source: sourceTCGPlayer, Kind: models.QuoteVariant, Label: snakeCase(variant),
				Currency: "USD", Amount: amount, ObservedAt: observed,
			})
		}
	}

	sort.SliceStable(quotes, func(i, j int) bool {
		if quotes[i].Kind != quotes[j].Kind {
			return quotes[i].Kind < quotes[j].Kind
		}
		return quotes[i].Label < quotes[j].Label
	})
	return quotes
}

// snakeCase turns the API's variant keys into labels: "reverseHolofoil"
// becomes "reverse_holofoil" and "1stEditionHolofoil" "1st_edition_holofoil".
func snakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}

func parseUpdatedAt(v string) time.Time {
	t, err := time.Parse("2006/01/02", v)
	if err != nil {
		return time.Time{}
	}
	return t
}
