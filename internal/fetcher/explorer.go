package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"curtailment-reconciler/internal/period"
	"curtailment-reconciler/internal/storage"
)

const adjustmentsPath = "/api/v1/mining/difficulty-adjustments"

// ExplorerOptions parameterise the block explorer fetcher.
type ExplorerOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
	Now       func() time.Time
}

// Explorer reads the difficulty adjustment history from a mempool-style REST API.
type Explorer struct {
	opts    ExplorerOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewExplorer constructs an explorer fetcher.
func NewExplorer(opts ExplorerOptions, logger zerolog.Logger) *Explorer {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://mempool.space"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Explorer{
		opts:    opts,
		logger:  logger.With().Str("component", "explorer_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// FetchDifficulty returns one point per adjustment day on or after since, oldest first.
// Each row of the response is [timestamp, height, difficulty, change].
func (e *Explorer) FetchDifficulty(ctx context.Context, since time.Time) ([]storage.DifficultyPoint, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+adjustmentsPath, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(e.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "curtailrecon/1.0")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError(resp.StatusCode, payload)
	}

	var rows [][]json.Number
	if err := json.Unmarshal(payload, &rows); err != nil {
		return nil, fmt.Errorf("decode difficulty adjustments: %w", err)
	}

	cutoff := period.Day(since)
	recordedAt := e.opts.Now().UTC()
	byDay := make(map[string]storage.DifficultyPoint)
	latest := make(map[string]int64)
	for i, row := range rows {
		if len(row) < 3 {
			return nil, fmt.Errorf("difficulty adjustment row %d: expected at least 3 fields, got %d", i, len(row))
		}
		ts, err := row[0].Int64()
		if err != nil {
			return nil, fmt.Errorf("difficulty adjustment row %d timestamp: %w", i, err)
		}
		difficulty, err := decimal.NewFromString(row[2].String())
		if err != nil {
			return nil, fmt.Errorf("difficulty adjustment row %d difficulty: %w", i, err)
		}
		if difficulty.Sign() <= 0 {
			continue
		}

		day := period.Day(time.Unix(ts, 0))
		if day.Before(cutoff) {
			continue
		}
		key := period.FormatDay(day)
		if prev, ok := latest[key]; ok && prev >= ts {
			continue
		}
		latest[key] = ts
		byDay[key] = storage.DifficultyPoint{
			EffectiveDate: day,
			Difficulty:    difficulty,
			Source:        SourceExplorer,
			RecordedAt:    recordedAt,
		}
	}

	points := make([]storage.DifficultyPoint, 0, len(byDay))
	for _, p := range byDay {
		points = append(points, p)
	}
	sort.Slice(points, func(i, j int) bool { return points[i].EffectiveDate.Before(points[j].EffectiveDate) })

	e.logger.Debug().Int("rows", len(rows)).Int("points", len(points)).Msg("difficulty adjustments fetched")
	return points, nil
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("explorer api error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("explorer api error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("explorer api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("explorer api error (%d)", status)
}

var _ DifficultyFetcher = (*Explorer)(nil)
