// Package validation checks Readings before they reach the output sinks.
package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/models"
)

// ErrInvalidReading marks a Reading that can never become valid on redelivery.
var ErrInvalidReading = errors.New("invalid reading")

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateReading checks the envelope fields and the payload shape.
func ValidateReading(r models.Reading) error {
	_, err := DecodePayload(r)
	return err
}

// DecodePayload validates r and returns its typed payload.
func DecodePayload(r models.Reading) (models.WeatherPayload, error) {
	if strings.TrimSpace(r.SourceID) == "" {
		return models.WeatherPayload{}, fmt.Errorf("%w: source_id is required", ErrInvalidReading)
	}
	if r.ObservedAt.IsZero() {
		return models.WeatherPayload{}, fmt.Errorf("%w: observed_at is required", ErrInvalidReading)
	}
	if r.DedupKey != models.DedupKey(r.SourceID, r.ObservedAt) {
		return models.WeatherPayload{}, fmt.Errorf("%w: dedup_key does not match source_id and observed_at", ErrInvalidReading)
	}
	if len(r.Payload) == 0 {
		return models.WeatherPayload{}, fmt.Errorf("%w: payload is empty", ErrInvalidReading)
	}

	// Round-trip through JSON so payloads decoded from any backend land in the typed struct.
	raw, err := json.Marshal(r.Payload)
	if err != nil {
		return models.WeatherPayload{}, fmt.Errorf("%w: encode payload: %v", ErrInvalidReading, err)
	}
	var p models.WeatherPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return models.WeatherPayload{}, fmt.Errorf("%w: payload shape: %v", ErrInvalidReading, err)
	}
	if err := validate.Struct(p); err != nil {
		return models.WeatherPayload{}, fmt.Errorf("%w: %s", ErrInvalidReading, describe(err))
	}
	return p, nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
