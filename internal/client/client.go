package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/circuitbreaker"
	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/models"
	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/observability"
)

// Location identifies what to query. Coordinates take precedence; Name is used with q= when
// HasCoords is false.
type Location struct {
	ID        string
	Name      string
	Lat       float64
	Lon       float64
	HasCoords bool
}

// Observation is one provider snapshot, ready to become a Reading.
type Observation struct {
	ObservedAt time.Time
	Payload    map[string]any
}

// WeatherProvider fetches the current conditions for a location.
type WeatherProvider interface {
	FetchCurrent(ctx context.Context, loc Location, apiKey string) (Observation, error)
}

var (
	ErrInvalidAPIKey    = errors.New("invalid API key")
	ErrLocationNotFound = errors.New("location not found")
	ErrUpstreamFailure  = errors.New("upstream failure")
	ErrRateLimited      = errors.New("rate limited")
	ErrCircuitOpen      = errors.New("weather API circuit open")
)

// RetryConfig controls in-call retries of timeouts, 429 and 5xx responses.
type RetryConfig struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryConfig is 3 attempts, 100ms base, 2s cap.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Attempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}
}

type OpenWeatherClient struct {
	apiURL  string
	timeout time.Duration
	client  *http.Client
	retry   RetryConfig
	breaker *gobreaker.CircuitBreaker
}

// NewOpenWeatherClient creates a client for the OpenWeather current-weather endpoint.
// breaker may be nil.
func NewOpenWeatherClient(apiURL string, timeout time.Duration, retry RetryConfig, breaker *gobreaker.CircuitBreaker) *OpenWeatherClient {
	if retry.Attempts <= 0 {
		retry.Attempts = 1
	}
	return &OpenWeatherClient{
		apiURL:  apiURL,
		timeout: timeout,
		retry:   retry,
		breaker: breaker,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// NewBreaker returns a breaker for the weather API that ignores client errors (bad key,
// unknown location) when judging upstream health.
func NewBreaker(cfg circuitbreaker.Config) *gobreaker.CircuitBreaker {
	if cfg.Component == "" {
		cfg.Component = "weather_api"
	}
	cfg.IsSuccessful = func(err error) bool {
		return errors.Is(err, ErrInvalidAPIKey) || errors.Is(err, ErrLocationNotFound)
	}
	return circuitbreaker.New(cfg)
}

type openWeatherResponse struct {
	Coord *struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	} `json:"coord"`
	Main *struct {
		Temp      *float64 `json:"temp"`
		FeelsLike *float64 `json:"feels_like"`
		Humidity  *float64 `json:"humidity"`
	} `json:"main"`
	Weather []struct {
		Main        string `json:"main"`
		Description string `json:"description"`
	} `json:"weather"`
	Wind *struct {
		Speed *float64 `json:"speed"`
	} `json:"wind"`
	Dt   int64  `json:"dt"`
	Name string `json:"name"`
}

// FetchCurrent implements WeatherProvider.
func (c *OpenWeatherClient) FetchCurrent(ctx context.Context, loc Location, apiKey string) (Observation, error) {
	if err := checkAPIKey(apiKey); err != nil {
		return Observation{}, err
	}

	var lastErr error
	for attempt := 0; attempt < c.retry.Attempts; attempt++ {
		if attempt > 0 {
			observability.WeatherAPIRetriesTotal.Inc()
			delay := c.calculateBackoff(attempt)
			select {
			case <-ctx.Done():
				return Observation{}, ctx.Err()
			case <-time.After(delay):
			}
		}

		result, err := c.execute(ctx, loc, apiKey)
		if err == nil {
			return result, nil
		}

		lastErr = err
		if !c.isRetryable(err) {
			return Observation{}, err
		}
	}

	return Observation{}, fmt.Errorf("exhausted retries: %w", lastErr)
}

func (c *OpenWeatherClient) execute(ctx context.Context, loc Location, apiKey string) (Observation, error) {
	if c.breaker == nil {
		return c.callAPI(ctx, loc, apiKey)
	}
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.callAPI(ctx, loc, apiKey)
	})
	if err != nil {
		if circuitbreaker.IsOpen(err) {
			observability.WeatherAPICallsTotal.WithLabelValues("circuit_open").Inc()
			return Observation{}, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
		}
		return Observation{}, err
	}
	return result.(Observation), nil
}

func (c *OpenWeatherClient) callAPI(ctx context.Context, loc Location, apiKey string) (Observation, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, loc, apiKey)
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues("error").Inc()
		return Observation{}, fmt.Errorf("build request: %w", err)
	}

	if corrID := observability.CorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		duration := time.Since(start).Seconds()
		observability.WeatherAPICallsTotal.WithLabelValues("error").Inc()
		observability.WeatherAPIDuration.WithLabelValues("error").Observe(duration)

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return Observation{}, fmt.Errorf("request timeout: %w", err)
		}
		return Observation{}, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	duration := time.Since(start).Seconds()
	status := statusLabel(resp.StatusCode)
	observability.WeatherAPICallsTotal.WithLabelValues(status).Inc()
	observability.WeatherAPIDuration.WithLabelValues(status).Observe(duration)

	if err := c.handleErrorResponse(resp); err != nil {
		return Observation{}, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Observation{}, fmt.Errorf("read response body: %w", err)
	}

	var apiResp openWeatherResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return Observation{}, fmt.Errorf("parse response: %w", err)
	}

	return c.mapResponse(apiResp, loc)
}

func (c *OpenWeatherClient) isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamFailure) {
		return true
	}

	errStr := err.Error()
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "context deadline exceeded") {
		return true
	}
	return false
}

func (c *OpenWeatherClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retry.BaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retry.MaxDelay) {
		delay = float64(c.retry.MaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func (c *OpenWeatherClient) buildRequest(ctx context.Context, loc Location, apiKey string) (*http.Request, error) {
	baseURL, err := url.Parse(c.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	params := url.Values{}
	if loc.HasCoords {
		params.Set("lat", strconv.FormatFloat(loc.Lat, 'f', -1, 64))
		params.Set("lon", strconv.FormatFloat(loc.Lon, 'f', -1, 64))
	} else {
		params.Set("q", loc.Name)
	}
	params.Set("appid", apiKey)
	params.Set("units", "metric")
	baseURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", baseURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *OpenWeatherClient) handleErrorResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: rejected by provider", ErrInvalidAPIKey)
	case http.StatusNotFound:
		return fmt.Errorf("%w", ErrLocationNotFound)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w", ErrRateLimited)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}

	return nil
}

// mapResponse builds the payload map. Absent provider fields are left out rather than zeroed,
// so validation can tell a missing temperature from 0°C.
func (c *OpenWeatherClient) mapResponse(apiResp openWeatherResponse, loc Location) (Observation, error) {
	if apiResp.Dt == 0 {
		return Observation{}, fmt.Errorf("parse response: missing observation time (dt)")
	}

	displayName := apiResp.Name
	if displayName == "" {
		displayName = loc.Name
	}

	payload := map[string]any{
		models.PayloadLocation: displayName,
	}
	if m := apiResp.Main; m != nil {
		putFloat(payload, models.PayloadTemperature, m.Temp)
		putFloat(payload, models.PayloadFeelsLike, m.FeelsLike)
		putFloat(payload, models.PayloadHumidity, m.Humidity)
	}
	if len(apiResp.Weather) > 0 {
		payload[models.PayloadConditions] = apiResp.Weather[0].Main
		payload[models.PayloadDescription] = apiResp.Weather[0].Description
	}
	if apiResp.Wind != nil {
		putFloat(payload, models.PayloadWindSpeed, apiResp.Wind.Speed)
	}
	switch {
	case apiResp.Coord != nil:
		payload[models.PayloadCoordinates] = map[string]any{"lat": apiResp.Coord.Lat, "lon": apiResp.Coord.Lon}
	case loc.HasCoords:
		payload[models.PayloadCoordinates] = map[string]any{"lat": loc.Lat, "lon": loc.Lon}
	}

	return Observation{
		ObservedAt: time.Unix(apiResp.Dt, 0).UTC(),
		Payload:    payload,
	}, nil
}

func putFloat(payload map[string]any, key string, v *float64) {
	if v != nil {
		payload[key] = *v
	}
}

func checkAPIKey(apiKey string) error {
	if apiKey == "" {
		return fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	if len(apiKey) < 10 {
		return fmt.Errorf("%w: API key appears invalid (too short)", ErrInvalidAPIKey)
	}
	return nil
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}

// ValidateAPIKey makes one request for loc and reports whether the provider accepts apiKey.
func (c *OpenWeatherClient) ValidateAPIKey(ctx context.Context, loc Location, apiKey string) error {
	if err := checkAPIKey(apiKey); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := c.buildRequest(ctx, loc, apiKey)
	if err != nil {
		return fmt.Errorf("build validation request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("validation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: API key is invalid or not activated", ErrInvalidAPIKey)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("validation failed: HTTP %d", resp.StatusCode)
	}

	return nil
}
