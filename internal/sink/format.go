package sink

import (
	"fmt"
	"strings"

	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/models"
)

// FormatMessage renders the notification text for r. Missing payload fields are left out.
func FormatMessage(r models.Reading) string {
	p := r.Payload
	var b strings.Builder

	location := stringField(p, models.PayloadLocation)
	if location == "" {
		location = r.SourceID
	}
	fmt.Fprintf(&b, "**Weather update for %s**\n", location)

	if t, ok := floatField(p, models.PayloadTemperature); ok {
		fmt.Fprintf(&b, "Temperature: %.1f°C", t)
		if fl, ok := floatField(p, models.PayloadFeelsLike); ok {
			fmt.Fprintf(&b, " (feels like %.1f°C)", fl)
		}
		b.WriteString("\n")
	}
	if c := stringField(p, models.PayloadConditions); c != "" {
		fmt.Fprintf(&b, "Conditions: %s", c)
		if d := stringField(p, models.PayloadDescription); d != "" && !strings.EqualFold(d, c) {
			fmt.Fprintf(&b, " (%s)", d)
		}
		b.WriteString("\n")
	}
	if h, ok := floatField(p, models.PayloadHumidity); ok {
		fmt.Fprintf(&b, "Humidity: %.0f%%\n", h)
	}
	if w, ok := floatField(p, models.PayloadWindSpeed); ok {
		fmt.Fprintf(&b, "Wind: %.1f m/s\n", w)
	}
	fmt.Fprintf(&b, "Observed: %s", r.ObservedAt.UTC().Format("2006-01-02 15:04 UTC"))
	return b.String()
}

func stringField(p map[string]any, key string) string {
	s, _ := p[key].(string)
	return s
}

// floatField reads a numeric payload field. Payloads decoded from JSON carry float64; payloads
// built in process may carry ints.
func floatField(p map[string]any, key string) (float64, bool) {
	switch v := p[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// numericFields returns every numeric top-level payload field.
func numericFields(p map[string]any) map[string]float64 {
	out := make(map[string]float64)
	for k := range p {
		if v, ok := floatField(p, k); ok {
			out[k] = v
		}
	}
	return out
}
