// Package scraper extracts per-ticker analyst growth estimates from the
// stock details page. It is the plain-HTTP counterpart of the browser-driven
// extraction the data originally came from: the estimates table is rendered
// server-side, so a single GET plus HTML parsing is enough.
package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/umairusmat/cagr-api/internal/models"
)

// Client fetches the analyst-estimates page for one ticker at a time.
// Requests are spaced by an internal rate limiter so that concurrent jobs
// cannot hammer the source site.
type Client struct {
	http    *resty.Client
	limiter *rate.Limiter
	log     *zap.Logger
}

// New builds a Client against baseURL. spacing is the minimum gap between
// requests; pass 0 to disable throttling (tests).
func New(baseURL string, spacing time.Duration, log *zap.Logger) *Client {
	httpClient := resty.New()
	httpClient.SetBaseURL(strings.TrimRight(baseURL, "/"))
	httpClient.SetHeader("User-Agent", "cagr-api/1.0")
	httpClient.SetRedirectPolicy(resty.FlexibleRedirectPolicy(5))

	limiter := rate.NewLimiter(rate.Inf, 1)
	if spacing > 0 {
		limiter = rate.NewLimiter(rate.Every(spacing), 1)
	}

	return &Client{
		http:    httpClient,
		limiter: limiter,
		log:     log,
	}
}

// Fetch retrieves the year→value mapping for ticker. The attempt deadline is
// the caller's context deadline. Failures wrap exactly one of ErrTimeout,
// ErrTransient, or ErrPermanent.
func (c *Client) Fetch(ctx context.Context, ticker string) (models.YearValues, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	resp, err := c.http.R().
		SetContext(ctx).
		Get(fmt.Sprintf("/stockDetails/%s/analyst", ticker))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, ticker)
		}
		return nil, fmt.Errorf("%w: get %s: %v", ErrTransient, ticker, err)
	}

	switch code := resp.StatusCode(); {
	case code == 200:
	case code == 404:
		return nil, fmt.Errorf("%w: unknown ticker %s", ErrPermanent, ticker)
	case code >= 500:
		return nil, fmt.Errorf("%w: %s returned %d", ErrTransient, ticker, code)
	default:
		return nil, fmt.Errorf("%w: %s returned %d", ErrTransient, ticker, code)
	}

	values, err := parseEstimates(resp.Body())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPermanent, ticker, err)
	}

	c.log.Debug("scraped ticker",
		zap.String("ticker", ticker),
		zap.Int("years", len(values)),
	)
	return values, nil
}

// parseEstimates pulls the growth-estimate row out of the page. The year
// labels come from a header row of 4-digit th cells; the values come from
// the first td row containing a percent sign. Short rows are padded with
// "N/A", matching what the page shows for missing years.
func parseEstimates(body []byte) (models.YearValues, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %v", err)
	}

	var years []string
	doc.Find("tr").EachWithBreak(func(_ int, row *goquery.Selection) bool {
		row.Find("th").Each(func(_ int, cell *goquery.Selection) {
			text := strings.TrimSpace(cell.Text())
			if len(text) == 4 && isDigits(text) {
				years = append(years, text)
			}
		})
		return len(years) == 0
	})
	if len(years) == 0 {
		return nil, errors.New("no year headers found")
	}

	var cells []string
	doc.Find("tr").EachWithBreak(func(_ int, row *goquery.Selection) bool {
		tds := row.Find("td")
		if tds.Length() < len(years) {
			return true
		}
		var rowCells []string
		tds.Each(func(_ int, cell *goquery.Selection) {
			rowCells = append(rowCells, strings.TrimSpace(cell.Text()))
		})
		if strings.Contains(strings.Join(rowCells, " "), "%") {
			cells = rowCells
			return false
		}
		return true
	})
	if cells == nil {
		return nil, errors.New("no estimate row found")
	}

	values := make(models.YearValues, len(years))
	for i, year := range years {
		if i < len(cells) && cells[i] != "" {
			values[year] = models.ParseValue(cells[i])
		} else {
			values[year] = models.ParseValue("N/A")
		}
	}
	return values, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
