package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/circuitbreaker"
	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/models"
	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/secrets"
)

// DiscordConfig controls a DiscordNotifier.
type DiscordConfig struct {
	Username      string
	Timeout       time.Duration
	RatePerMinute int
	Burst         int
}

// DiscordNotifier posts notifications to a Discord webhook. The webhook URL is resolved from
// the secret store on every send.
type DiscordNotifier struct {
	client   *http.Client
	secrets  secrets.Store
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
	username string
	logger   *zap.Logger
}

type discordMessage struct {
	Content  string `json:"content"`
	Username string `json:"username,omitempty"`
}

// NewDiscordNotifier creates a notifier. breaker may be nil.
func NewDiscordNotifier(store secrets.Store, cfg DiscordConfig, breaker *gobreaker.CircuitBreaker, logger *zap.Logger) *DiscordNotifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 30
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DiscordNotifier{
		client:   &http.Client{Timeout: cfg.Timeout},
		secrets:  store,
		limiter:  rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60), cfg.Burst),
		breaker:  breaker,
		username: cfg.Username,
		logger:   logger,
	}
}

// Notify implements Notifier.
func (n *DiscordNotifier) Notify(ctx context.Context, r models.Reading) (err error) {
	start := time.Now()
	defer func() { observe(NameNotification, start, err) }()

	webhookURL, err := n.secrets.Get(ctx, secrets.DiscordWebhookURL)
	if err != nil {
		return fmt.Errorf("resolve webhook URL: %w", err)
	}
	body, err := json.Marshal(discordMessage{Content: FormatMessage(r), Username: n.username})
	if err != nil {
		return fmt.Errorf("encode webhook message: %w", err)
	}
	if err := n.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("webhook rate limit: %w", err)
	}

	if n.breaker == nil {
		err = n.post(ctx, webhookURL, body)
	} else {
		_, err = n.breaker.Execute(func() (interface{}, error) {
			return nil, n.post(ctx, webhookURL, body)
		})
	}
	if circuitbreaker.IsOpen(err) {
		return fmt.Errorf("%w: %s: %v", ErrCircuitOpen, NameNotification, err)
	}
	if err == nil {
		n.logger.Debug("Notification sent", zap.String("source_id", r.SourceID), zap.String("dedup_key", r.DedupKey))
	}
	return err
}

func (n *DiscordNotifier) post(ctx context.Context, webhookURL string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("%w: HTTP %d: %s", ErrWebhookRejected, resp.StatusCode, bytes.TrimSpace(snippet))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
