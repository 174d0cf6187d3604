//go:build integration
// +build integration

package client

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestOpenWeatherClient_FetchCurrent_Integration(t *testing.T) {
	apiKey := os.Getenv("WEATHER_API_KEY")
	if apiKey == "" {
		t.Skip("WEATHER_API_KEY not set, skipping integration test")
	}

	c := NewOpenWeatherClient("https://api.openweathermap.org/data/2.5/weather", 5*time.Second, DefaultRetryConfig(), nil)
	ctx := context.Background()

	if err := c.ValidateAPIKey(ctx, cluj, apiKey); err != nil {
		t.Fatalf("ValidateAPIKey() error = %v (API key may not be activated yet)", err)
	}

	obs, err := c.FetchCurrent(ctx, cluj, apiKey)
	if err != nil {
		t.Fatalf("FetchCurrent() error = %v", err)
	}
	if obs.ObservedAt.IsZero() {
		t.Error("FetchCurrent() returned zero observation time")
	}
	if _, ok := obs.Payload["temperature"]; !ok {
		t.Error("FetchCurrent() payload has no temperature")
	}
}
