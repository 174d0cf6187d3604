package validation

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/models"
)

func validPayload() map[string]any {
	return map[string]any{
		"location":    "Cluj-Napoca",
		"temperature": 18.2,
		"humidity":    65.0,
		"conditions":  "Clouds",
		"wind_speed":  3.2,
		"coordinates": map[string]any{"lat": 46.77, "lon": 23.62},
	}
}

func TestValidateReading_Valid(t *testing.T) {
	r := models.NewReading("cluj-napoca", time.Unix(1000, 0), validPayload())
	p, err := DecodePayload(r)
	if err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if p.Temperature == nil || *p.Temperature != 18.2 {
		t.Errorf("Temperature = %v, want 18.2", p.Temperature)
	}
	if p.Coordinates == nil || p.Coordinates.Lat != 46.77 {
		t.Errorf("Coordinates = %+v", p.Coordinates)
	}
}

func TestValidateReading_ZeroTemperatureIsValid(t *testing.T) {
	payload := validPayload()
	payload["temperature"] = 0.0
	if err := ValidateReading(models.NewReading("s", time.Unix(1000, 0), payload)); err != nil {
		t.Errorf("ValidateReading() error = %v, want nil for 0°C", err)
	}
}

func TestValidateReading_Invalid(t *testing.T) {
	mutate := func(f func(p map[string]any)) map[string]any {
		p := validPayload()
		f(p)
		return p
	}

	tests := []struct {
		name    string
		reading models.Reading
		wantMsg string
	}{
		{
			name:    "missing source",
			reading: models.Reading{ObservedAt: time.Unix(1000, 0), Payload: validPayload()},
			wantMsg: "source_id",
		},
		{
			name:    "missing observed_at",
			reading: models.Reading{SourceID: "s", Payload: validPayload()},
			wantMsg: "observed_at",
		},
		{
			name: "tampered dedup key",
			reading: func() models.Reading {
				r := models.NewReading("s", time.Unix(1000, 0), validPayload())
				r.DedupKey = "abc"
				return r
			}(),
			wantMsg: "dedup_key",
		},
		{
			name:    "empty payload",
			reading: models.NewReading("s", time.Unix(1000, 0), nil),
			wantMsg: "payload is empty",
		},
		{
			name:    "missing temperature",
			reading: models.NewReading("s", time.Unix(1000, 0), mutate(func(p map[string]any) { delete(p, "temperature") })),
			wantMsg: "Temperature",
		},
		{
			name:    "temperature out of range",
			reading: models.NewReading("s", time.Unix(1000, 0), mutate(func(p map[string]any) { p["temperature"] = 150.0 })),
			wantMsg: "Temperature",
		},
		{
			name:    "temperature wrong type",
			reading: models.NewReading("s", time.Unix(1000, 0), mutate(func(p map[string]any) { p["temperature"] = "hot" })),
			wantMsg: "payload shape",
		},
		{
			name:    "humidity over 100",
			reading: models.NewReading("s", time.Unix(1000, 0), mutate(func(p map[string]any) { p["humidity"] = 120.0 })),
			wantMsg: "Humidity",
		},
		{
			name:    "missing conditions",
			reading: models.NewReading("s", time.Unix(1000, 0), mutate(func(p map[string]any) { delete(p, "conditions") })),
			wantMsg: "Conditions",
		},
		{
			name:    "negative wind",
			reading: models.NewReading("s", time.Unix(1000, 0), mutate(func(p map[string]any) { p["wind_speed"] = -1.0 })),
			wantMsg: "WindSpeed",
		},
		{
			name: "latitude out of range",
			reading: models.NewReading("s", time.Unix(1000, 0), mutate(func(p map[string]any) {
				p["coordinates"] = map[string]any{"lat": 91.0, "lon": 0.0}
			})),
			wantMsg: "Lat",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateReading(tt.reading)
			if !errors.Is(err, ErrInvalidReading) {
				t.Fatalf("ValidateReading() error = %v, want ErrInvalidReading", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("ValidateReading() error = %v, want message containing %q", err, tt.wantMsg)
			}
		})
	}
}
