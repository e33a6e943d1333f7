// Package actuator talks to the networked feeder that dispenses food.
//
// A Client performs exactly one network call per operation. There are no
// internal retries: a repeated dispense may double-feed, so retry policy
// belongs to the caller.
package actuator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"petfeeder/internal/feeding"
	logx "petfeeder/pkg/logx"
)

const (
	DefaultDispatchTimeout = 10 * time.Second
	DefaultStatusTimeout   = 5 * time.Second
)

type Client interface {
	// Dispatch asks the device to dispense portion and reports how long the
	// call took. Errors wrap feeding.ErrActuatorUnreachable,
	// feeding.ErrActuatorRejected or feeding.ErrInvalidPortion.
	Dispatch(ctx context.Context, portion float64) (time.Duration, error)
	// FoodLevel returns the remaining food as a percentage.
	FoodLevel(ctx context.Context) (float64, error)
}

type Config struct {
	BaseURL         string
	Token           string
	DispatchTimeout time.Duration
	StatusTimeout   time.Duration
	Portion         feeding.PortionBounds
}

// RejectedError is returned when the device answered with a non-2xx status.
type RejectedError struct {
	Status  int
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("actuator rejected dispense: HTTP %d", e.Status)
	}
	return fmt.Sprintf("actuator rejected dispense: HTTP %d: %s", e.Status, e.Message)
}

func (e *RejectedError) Unwrap() error { return feeding.ErrActuatorRejected }

type dispenseRequest struct {
	Portion float64 `json:"portion"`
}

type statusResponse struct {
	FoodLevel *float64 `json:"food_level"`
}

// HTTPClient implements Client over the device's small JSON API:
//
//	POST {base}/dispense {"portion": 1.0}
//	GET  {base}/status   -> {"food_level": 42}
type HTTPClient struct {
	cfg    Config
	client *resty.Client
	log    logx.Logger
}

func NewHTTP(cfg Config, log logx.Logger) (*HTTPClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("%w: actuator base_url is required", feeding.ErrConfiguration)
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = DefaultDispatchTimeout
	}
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = DefaultStatusTimeout
	}
	if cfg.Portion == (feeding.PortionBounds{}) {
		cfg.Portion = feeding.DefaultPortionBounds()
	}
	cfg.BaseURL = base
	if log.IsZero() {
		log = logx.Nop()
	}

	client := resty.New().
		SetBaseURL(base).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "petfeeder")
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}
	return &HTTPClient{cfg: cfg, client: client, log: log.With(logx.Component("actuator"))}, nil
}

func (c *HTTPClient) Dispatch(ctx context.Context, portion float64) (time.Duration, error) {
	if err := c.cfg.Portion.Check(portion); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.DispatchTimeout)
	defer cancel()

	start := time.Now()
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(dispenseRequest{Portion: portion}).
		Post("/dispense")
	latency := time.Since(start)
	if err != nil {
		return latency, fmt.Errorf("%w: %v", feeding.ErrActuatorUnreachable, err)
	}
	if !resp.IsSuccess() {
		return latency, &RejectedError{Status: resp.StatusCode(), Message: deviceMessage(resp.Body())}
	}
	c.log.Debug("dispensed", logx.Float64("portion", portion), logx.Duration("latency", latency))
	return latency, nil
}

func (c *HTTPClient) FoodLevel(ctx context.Context) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StatusTimeout)
	defer cancel()

	var st statusResponse
	resp, err := c.client.R().SetContext(ctx).SetResult(&st).Get("/status")
	if err != nil {
		return 0, fmt.Errorf("%w: %v", feeding.ErrActuatorUnreachable, err)
	}
	if !resp.IsSuccess() {
		return 0, &RejectedError{Status: resp.StatusCode(), Message: deviceMessage(resp.Body())}
	}
	if st.FoodLevel == nil {
		return 0, errors.New("actuator status: missing food_level")
	}
	lvl := *st.FoodLevel
	if lvl < 0 || lvl > 100 {
		return 0, fmt.Errorf("actuator status: food_level %g out of range", lvl)
	}
	return lvl, nil
}

// deviceMessage extracts a human-readable reason from an error body.
func deviceMessage(body []byte) string {
	var m struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &m) == nil {
		if m.Error != "" {
			return m.Error
		}
		if m.Message != "" {
			return m.Message
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
