package catalog

import (
	"context"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/gameshelf/gameshelf-back/internal/config"
)

// ErrUnavailable is the only error Search and Popular return. The upstream
// failure itself is logged, not propagated: it may carry the request URL,
// and the request URL carries the API key.
var ErrUnavailable = errors.New("catalog unavailable")

type (
	// Entry is one normalized upstream search result. Only ExternalID and
	// Title are guaranteed; everything else is best effort.
	Entry struct {
		ExternalID  int64
		Title       string
		ReleaseYear *int
		CoverURL    *string
		Platforms   []string
		Raw         map[string]interface{}
	}

	Client struct {
		rest   *resty.Client
		apiKey string
		logger *zap.SugaredLogger
	}

	upstreamGame struct {
		ID              int64                   `json:"id"`
		Name            string                  `json:"name"`
		Released        string                  `json:"released"`
		BackgroundImage string                  `json:"background_image"`
		Platforms       []upstreamPlatformEntry `json:"platforms"`
	}

	upstreamPlatformEntry struct {
		Platform struct {
			Name string `json:"name"`
		} `json:"platform"`
	}

	searchResponse struct {
		Results []upstreamGame `json:"results"`
	}
)

func NewClient(cfg *config.Config, l *zap.SugaredLogger) *Client {
	rest := resty.New().
		SetBaseURL(cfg.CatalogBaseURL).
		SetTimeout(time.Duration(cfg.CatalogTimeoutSeconds) * time.Second)

	return &Client{
		rest:   rest,
		apiKey: cfg.CatalogAPIKey,
		logger: l,
	}
}

// Search queries the catalog for games matching query. A single attempt is
// made; any transport failure, timeout or non-success status degrades to
// (nil, ErrUnavailable) so the caller can render an empty list with a warning.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]Entry, error) {
	return c.list(ctx, map[string]string{
		"search":    query,
		"page_size": strconv.Itoa(limit),
	})
}

// Popular fetches the currently popular games, used as a landing-page
// fallback when a library is empty. Same soft-failure contract as Search.
func (c *Client) Popular(ctx context.Context, limit int) ([]Entry, error) {
	return c.list(ctx, map[string]string{
		"ordering":  "-added",
		"page_size": strconv.Itoa(limit),
	})
}

func (c *Client) list(ctx context.Context, params map[string]string) ([]Entry, error) {
	resp, err := c.rest.R().
		SetContext(ctx).
		SetQueryParam("key", c.apiKey).
		SetQueryParams(params).
		SetResult(&searchResponse{}).
		Get("/games")
	if err != nil {
		c.logger.Warnw("catalog request failed", "error", err.Error())
		return nil, ErrUnavailable
	}
	if !resp.IsSuccess() {
		c.logger.Warnw("catalog returned non-success status", "status", resp.StatusCode())
		return nil, ErrUnavailable
	}

	body, ok := resp.Result().(*searchResponse)
	if !ok || body == nil {
		c.logger.Warnw("catalog returned unexpected body")
		return nil, ErrUnavailable
	}

	entries := make([]Entry, 0, len(body.Results))
	for i := range body.Results {
		if body.Results[i].ID == 0 || body.Results[i].Name == "" {
			continue
		}
		entries = append(entries, normalize(&body.Results[i]))
	}
	return entries, nil
}

func normalize(g *upstreamGame) Entry {
	e := Entry{
		ExternalID: g.ID,
		Title:      g.Name,
	}

	if year := releaseYear(g.Released); year != nil {
		e.ReleaseYear = year
	}
	if g.BackgroundImage != "" {
		cover := g.BackgroundImage
		e.CoverURL = &cover
	}
	for _, p := range g.Platforms {
		if p.Platform.Name != "" {
			e.Platforms = append(e.Platforms, p.Platform.Name)
		}
	}

	e.Raw = map[string]interface{}{
		"id":   g.ID,
		"name": g.Name,
	}
	if g.Released != "" {
		e.Raw["released"] = g.Released
	}
	if g.BackgroundImage != "" {
		e.Raw["background_image"] = g.BackgroundImage
	}
	if len(e.Platforms) != 0 {
		e.Raw["platforms"] = e.Platforms
	}

	return e
}

// releaseYear extracts the year from an upstream "YYYY-MM-DD" release date.
func releaseYear(released string) *int {
	if len(released) < 4 {
		return nil
	}
	year, err := strconv.Atoi(released[:4])
	if err != nil || year == 0 {
		return nil
	}
	return &year
}
