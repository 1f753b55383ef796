// Package remote talks to the central screening server: per-call reputation
// lookups and the periodic device heartbeat.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jaracil/callwall/screening"
	"github.com/jaracil/callwall/seal"
)

var (
	// ErrConfigRequired is returned when a required configuration parameter is missing
	ErrConfigRequired = errors.New("config required")
	// ErrBadResponse is returned when the server answers with an unusable body
	ErrBadResponse = errors.New("bad server response")
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Op   string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: server returned %d", e.Op, e.Code)
}

const (
	defaultTimeout           = 2 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
	defaultTokenTTL          = 5 * time.Minute
	sealedHeader             = "X-Callwall-Sealed"
)

// Config configures a Client. ServerURL and DeviceID are required.
type Config struct {
	ServerURL string
	DeviceID  string
	AuthToken string
	// SignJWT sends a short-lived HS256 token signed with AuthToken instead
	// of the raw token.
	SignJWT bool
	// TokenTTL is the lifetime of signed tokens (default: 5m)
	TokenTTL time.Duration
	// Seal encrypts request bodies and accepts sealed responses.
	Seal bool
	// Timeout bounds each request (default: 2s)
	Timeout time.Duration
	// HeartbeatInterval is the RunHeartbeat period (default: 30s)
	HeartbeatInterval time.Duration
	HTTPClient        *http.Client
	Now               func() time.Time
	Logger            *slog.Logger
}

// Client is a screening server client.
type Client struct {
	base     string
	deviceID string
	token    string
	signJWT  bool
	tokenTTL time.Duration
	sealer   *seal.Sealer
	interval time.Duration
	http     *http.Client
	now      func() time.Time
	log      *slog.Logger
}

// New creates a client.
func New(cfg *Config) (*Client, error) {
	if cfg == nil || cfg.ServerURL == "" || cfg.DeviceID == "" {
		return nil, ErrConfigRequired
	}
	if _, err := url.Parse(cfg.ServerURL); err != nil {
		return nil, fmt.Errorf("server url: %w", err)
	}
	c := &Client{
		base:     strings.TrimRight(cfg.ServerURL, "/"),
		deviceID: cfg.DeviceID,
		token:    cfg.AuthToken,
		signJWT:  cfg.SignJWT,
		tokenTTL: cfg.TokenTTL,
		interval: cfg.HeartbeatInterval,
		http:     cfg.HTTPClient,
		now:      cfg.Now,
		log:      cfg.Logger,
	}
	if (c.signJWT || cfg.Seal) && c.token == "" {
		return nil, fmt.Errorf("%w: auth token needed to sign or seal", ErrConfigRequired)
	}
	if cfg.Seal {
		s, err := seal.New(c.token)
		if err != nil {
			return nil, err
		}
		c.sealer = s
	}
	if c.tokenTTL == 0 {
		c.tokenTTL = defaultTokenTTL
	}
	if c.interval == 0 {
		c.interval = defaultHeartbeatInterval
	}
	if c.http == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = defaultTimeout
		}
		c.http = &http.Client{Timeout: timeout}
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	c.log = c.log.With("component", "remote", "device", c.deviceID)
	return c, nil
}

func (c *Client) bearer() (string, error) {
	if !c.signJWT {
		return c.token, nil
	}
	now := c.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   c.deviceID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(c.tokenTTL)),
	})
	return token.SignedString([]byte(c.token))
}

type sealedBody struct {
	Sealed string `json:"sealed"`
}

func (c *Client) post(ctx context.Context, op, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if c.sealer != nil {
			var s string
			if s, err = c.sealer.Seal(body); err == nil {
				payload, err = json.Marshal(sealedBody{Sealed: s})
			}
		} else {
			payload, err = json.Marshal(body)
		}
		if err != nil {
			return fmt.Errorf("%s: encode: %w", op, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.sealer != nil {
		req.Header.Set(sealedHeader, "1")
	}
	if c.token != "" {
		tok, err := c.bearer()
		if err != nil {
			return fmt.Errorf("%s: sign token: %w", op, err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return &StatusError{Op: op, Code: resp.StatusCode}
	}
	if out == nil {
		return nil
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s: read: %w", op, err)
	}
	if c.sealer != nil && resp.Header.Get(sealedHeader) == "1" {
		var sb sealedBody
		if err := json.Unmarshal(raw, &sb); err != nil {
			return fmt.Errorf("%s: %w: %v", op, ErrBadResponse, err)
		}
		if err := c.sealer.Open(sb.Sealed, out); err != nil {
			return fmt.Errorf("%s: %w: %v", op, ErrBadResponse, err)
		}
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: %w: %v", op, ErrBadResponse, err)
	}
	return nil
}

// ScreenResult is the server's opinion about a number. RiskScore and
// Confidence are optional; older servers only send Action.
type ScreenResult struct {
	Action     string   `json:"action"`
	RiskScore  *float64 `json:"riskScore,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Reason     string   `json:"reason,omitempty"`
}

// Score converts the result into a signal score.
func (r ScreenResult) Score() (screening.Score, error) {
	a, err := screening.ParseAction(r.Action)
	if err != nil {
		return screening.Score{}, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	s := screening.Score{Source: "reputation:" + string(a)}
	switch a {
	case screening.ActionBlock:
		s.Risk, s.Confidence = 0.95, 0.8
	case screening.ActionChallenge:
		s.Risk, s.Confidence = 0.5, 0.6
	default:
		s.Risk, s.Confidence = 0.05, 0.8
	}
	if r.RiskScore != nil {
		s.Risk = *r.RiskScore
	}
	if r.Confidence != nil {
		s.Confidence = *r.Confidence
	}
	return s, nil
}

// Screen asks the server about number.
func (c *Client) Screen(ctx context.Context, number string) (ScreenResult, error) {
	var res ScreenResult
	err := c.post(ctx, "screen", "/api/devices/"+url.PathEscape(c.deviceID)+"/screen",
		map[string]string{"phoneNumber": number}, &res)
	if err != nil {
		return ScreenResult{}, err
	}
	c.log.Debug("remote screening", "number", number, "action", res.Action)
	return res, nil
}

// Signal exposes the server as the reputation screening signal. Any failure
// makes the signal unavailable for that call.
func (c *Client) Signal() screening.Signal {
	return screening.SignalFunc(screening.SignalReputation, func(ctx context.Context, number string) (screening.Score, error) {
		res, err := c.Screen(ctx, number)
		if err != nil {
			return screening.Score{}, err
		}
		return res.Score()
	})
}

// Heartbeat tells the server the device is alive.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.post(ctx, "heartbeat", "/api/devices/"+url.PathEscape(c.deviceID)+"/heartbeat", nil, nil)
}

// RunHeartbeat sends a heartbeat right away and then every interval until
// ctx is done. Failures are logged and retried on the next tick.
func (c *Client) RunHeartbeat(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		if err := c.Heartbeat(ctx); err != nil && ctx.Err() == nil {
			c.log.Error("heartbeat failed", "err", err)
		} else if err == nil {
			c.log.Debug("heartbeat sent")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
