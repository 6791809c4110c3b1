package subscriptions

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/FairForge/fhirbundle/internal/storage"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Channel delivers notifications for one subscription.
type Channel interface {
	// Publish sends the resources that became visible at visibleDate.
	Publish(ctx context.Context, resources []*storage.Resource, info *Info, visibleDate time.Time) error
	// Handshake checks that the endpoint accepts notifications.
	Handshake(ctx context.Context, info *Info) error
}

// ChannelFactory resolves channel implementations by type.
type ChannelFactory struct {
	channels map[ChannelType]Channel
}

// NewChannelFactory registers the given rest-hook channel.
func NewChannelFactory(restHook *RestHookChannel) *ChannelFactory {
	return &ChannelFactory{
		channels: map[ChannelType]Channel{ChannelRestHook: restHook},
	}
}

// Register adds or replaces the channel for typ.
func (f *ChannelFactory) Register(typ ChannelType, ch Channel) {
	f.channels[typ] = ch
}

// Create returns the channel for typ.
func (f *ChannelFactory) Create(typ ChannelType) (Channel, error) {
	ch, ok := f.channels[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedChannel, typ)
	}
	return ch, nil
}

// RestHookConfig holds delivery settings.
type RestHookConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	RetryInterval  time.Duration `yaml:"retry_interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DefaultRestHookConfig returns sensible defaults.
func DefaultRestHookConfig() RestHookConfig {
	return RestHookConfig{
		MaxRetries:     3,
		RetryInterval:  1 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// RestHookChannel posts notification bundles to an HTTP endpoint.
type RestHookChannel struct {
	config     RestHookConfig
	httpClient *http.Client
	logger     *zap.Logger
}

// NewRestHookChannel creates a rest-hook channel.
func NewRestHookChannel(config RestHookConfig, logger *zap.Logger) *RestHookChannel {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultRestHookConfig().RequestTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RestHookChannel{
		config:     config,
		httpClient: &http.Client{Timeout: config.RequestTimeout},
		logger:     logger,
	}
}

type notificationEntry struct {
	FullURL  string          `json:"fullUrl"`
	Resource json.RawMessage `json:"resource"`
}

type notification struct {
	ResourceType string              `json:"resourceType"`
	Type         string              `json:"type"`
	Timestamp    time.Time           `json:"timestamp"`
	Subscription string              `json:"subscription"`
	Event        string              `json:"event"`
	Entry        []notificationEntry `json:"entry"`
}

const (
	eventNotification = "event-notification"
	eventHandshake    = "handshake"
)

func newNotification(info *Info, event string, at time.Time, resources []*storage.Resource) notification {
	n := notification{
		ResourceType: "Bundle",
		Type:         "history",
		Timestamp:    at.UTC(),
		Subscription: "Subscription/" + info.ID,
		Event:        event,
		Entry:        make([]notificationEntry, 0, len(resources)),
	}
	for _, r := range resources {
		n.Entry = append(n.Entry, notificationEntry{
			FullURL:  r.Location(),
			Resource: r.Payload,
		})
	}
	return n
}

// Publish implements Channel. Delivery is retried up to MaxRetries times;
// the returned error combines every failed attempt.
func (c *RestHookChannel) Publish(ctx context.Context, resources []*storage.Resource, info *Info, visibleDate time.Time) error {
	body, err := json.Marshal(newNotification(info, eventNotification, visibleDate, resources))
	if err != nil {
		return fmt.Errorf("subscriptions: marshal notification: %w", err)
	}

	logger := c.logger.With(zap.String("subscription_id", info.ID))
	var errs error
	for attempt := 1; attempt <= c.config.MaxRetries+1; attempt++ {
		err := c.send(ctx, info, body, attempt)
		if err == nil {
			logger.Debug("notification delivered",
				zap.Int("resources", len(resources)),
				zap.Int("attempt", attempt))
			return nil
		}
		errs = multierr.Append(errs, fmt.Errorf("attempt %d: %w", attempt, err))
		logger.Warn("notification delivery failed", zap.Int("attempt", attempt), zap.Error(err))

		if attempt <= c.config.MaxRetries {
			select {
			case <-ctx.Done():
				return multierr.Append(errs, ctx.Err())
			case <-time.After(c.config.RetryInterval):
			}
		}
	}
	return errs
}

// Handshake implements Channel with a single empty notification.
func (c *RestHookChannel) Handshake(ctx context.Context, info *Info) error {
	body, err := json.Marshal(newNotification(info, eventHandshake, time.Now(), nil))
	if err != nil {
		return fmt.Errorf("subscriptions: marshal handshake: %w", err)
	}
	return c.send(ctx, info, body, 1)
}

func (c *RestHookChannel) send(ctx context.Context, info *Info, body []byte, attempt int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, info.Channel.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/fhir+json")
	req.Header.Set("User-Agent", "fhirbundle-subscriptions/1.0")
	req.Header.Set("X-Subscription-ID", info.ID)
	req.Header.Set("X-Delivery-Attempt", strconv.Itoa(attempt))
	if info.Channel.Secret != "" {
		req.Header.Set("X-Signature", Sign(body, info.Channel.Secret))
	}
	for k, v := range info.Channel.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the HMAC-SHA256 signature of a notification body.
func Sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// VerifySignature reports whether signature matches body.
func VerifySignature(body []byte, signature, secret string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(signature))
}
