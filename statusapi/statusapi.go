// Package statusapi serves the small HTTP surface of the daemon: health,
// session state, the recent call log, cache probes and the intake of IVR
// challenge responses.
package statusapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/jaracil/callwall"
	"github.com/jaracil/callwall/cache"
	"github.com/jaracil/callwall/ivr"
	"github.com/jaracil/callwall/store"
)

var (
	// ErrConfigRequired is returned when a required configuration parameter is missing
	ErrConfigRequired = errors.New("config required")
)

// Session is the read-only view of a modem session.
type Session interface {
	Id() string
	Status() callwall.SessionStatus
	Metrics() callwall.Metrics
}

// CallLister lists the call log. *store.Store implements it.
type CallLister interface {
	RecentCalls(ctx context.Context, limit int) ([]store.CallRecord, error)
}

// CacheProbe looks up cached verdicts. *cache.Cache implements it.
type CacheProbe interface {
	Get(number string) (cache.Entry, bool)
}

// Responder takes challenge answers. *ivr.Manager implements it.
type Responder interface {
	Respond(ctx context.Context, number, answer string) ivr.Outcome
	Get(number string) (ivr.Challenge, bool)
}

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

const (
	defaultCallLimit = 50
	maxCallLimit     = 1000
)

// Config configures the API. Every collaborator is optional; the matching
// routes answer 503 when theirs is missing.
type Config struct {
	Sessions   []Session
	Calls      CallLister
	Cache      CacheProbe
	Challenges Responder
	Health     Pinger
	// Secret, when set, requires an HS256 bearer token signed with it on
	// challenge routes.
	Secret string
	Logger *slog.Logger
}

type server struct {
	cfg *Config
	log *slog.Logger
}

// NewRouter builds the gin engine.
func NewRouter(cfg *Config) (*gin.Engine, error) {
	if cfg == nil {
		return nil, ErrConfigRequired
	}
	s := &server{cfg: cfg, log: cfg.Logger}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("component", "statusapi")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.logRequests())

	router.GET("/healthz", s.health)
	router.GET("/sessions", s.sessions)
	router.GET("/calls", s.calls)
	router.GET("/cache/:number", s.cacheEntry)

	challenges := router.Group("/challenges")
	if cfg.Secret != "" {
		challenges.Use(bearerAuth(cfg.Secret, s.log))
	}
	{
		challenges.GET("/:number", s.challenge)
		challenges.POST("/:number/respond", s.respond)
	}
	return router, nil
}

func (s *server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request", "method", c.Request.Method, "path", c.FullPath(),
			"status", c.Writer.Status(), "elapsed", time.Since(start))
	}
}

func bearerAuth(secret string, log *slog.Logger) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		const bearerSchema = "Bearer "
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, bearerSchema) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "bearer token required"})
			return
		}
		token, err := jwt.Parse(authHeader[len(bearerSchema):], func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return key, nil
		})
		if err != nil || !token.Valid {
			log.Warn("rejected token", "path", c.FullPath(), "err", err)
			if errors.Is(err, jwt.ErrTokenExpired) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token expired"})
			} else {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			}
			return
		}
		c.Next()
	}
}

func (s *server) health(c *gin.Context) {
	ready := 0
	for _, sess := range s.cfg.Sessions {
		if sess.Status() == callwall.StatusReady {
			ready++
		}
	}
	body := gin.H{"status": "ok", "sessions": len(s.cfg.Sessions), "ready": ready}
	if s.cfg.Health != nil {
		if err := s.cfg.Health.Ping(c.Request.Context()); err != nil {
			body["status"] = "degraded"
			body["error"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
	}
	c.JSON(http.StatusOK, body)
}

type sessionView struct {
	ID           string    `json:"id"`
	State        string    `json:"state"`
	TxBytes      int64     `json:"txBytes"`
	RxBytes      int64     `json:"rxBytes"`
	Commands     int64     `json:"commands"`
	Timeouts     int64     `json:"timeouts"`
	DeviceErrors int64     `json:"deviceErrors"`
	Recoveries   int64     `json:"recoveries"`
	LastCommand  string    `json:"lastCommand,omitempty"`
	LastCmdTime  time.Time `json:"lastCommandAt,omitempty"`
}

func (s *server) sessions(c *gin.Context) {
	out := make([]sessionView, 0, len(s.cfg.Sessions))
	for _, sess := range s.cfg.Sessions {
		m := sess.Metrics()
		out = append(out, sessionView{
			ID:           sess.Id(),
			State:        m.Status.String(),
			TxBytes:      m.TxBytes,
			RxBytes:      m.RxBytes,
			Commands:     m.Commands,
			Timeouts:     m.Timeouts,
			DeviceErrors: m.DeviceErrors,
			Recoveries:   m.Recoveries,
			LastCommand:  m.LastCommand,
			LastCmdTime:  m.LastCmdTime,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *server) calls(c *gin.Context) {
	if s.cfg.Calls == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "call log disabled"})
		return
	}
	limit := defaultCallLimit
	if q := c.Query("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxCallLimit)
	}
	recs, err := s.cfg.Calls.RecentCalls(c.Request.Context(), limit)
	if err != nil {
		s.log.Error("list calls", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, recs)
}

func (s *server) cacheEntry(c *gin.Context) {
	if s.cfg.Cache == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "cache disabled"})
		return
	}
	number := cache.NormalizeNumber(c.Param("number"))
	e, ok := s.cfg.Cache.Get(number)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not cached", "number": number})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"number":     number,
		"action":     e.Action,
		"riskScore":  e.RiskScore,
		"confidence": e.Confidence,
		"updatedAt":  e.UpdatedAt,
	})
}

func (s *server) challenge(c *gin.Context) {
	if s.cfg.Challenges == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "challenges disabled"})
		return
	}
	ch, ok := s.cfg.Challenges.Get(c.Param("number"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no challenge"})
		return
	}
	// The expected code never leaves the process.
	c.JSON(http.StatusOK, gin.H{
		"id":          ch.ID,
		"number":      ch.Number,
		"promptId":    ch.PromptID,
		"issuedAt":    ch.IssuedAt,
		"expiresAt":   ch.ExpiresAt,
		"attempts":    ch.Attempts,
		"maxAttempts": ch.MaxAttempts,
	})
}

type respondRequest struct {
	Answer string `json:"answer" binding:"required"`
}

func (s *server) respond(c *gin.Context) {
	if s.cfg.Challenges == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "challenges disabled"})
		return
	}
	var req respondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	o := s.cfg.Challenges.Respond(c.Request.Context(), c.Param("number"), req.Answer)
	body := gin.H{"number": o.Number, "outcome": o.Kind.String(), "final": o.Final()}
	if o.Kind == ivr.OutcomeFailed {
		body["remaining"] = o.Remaining
	}
	if o.Reason != nil {
		body["reason"] = o.Reason.Error()
	}
	status := http.StatusOK
	switch o.Kind {
	case ivr.OutcomeNotFound:
		status = http.StatusNotFound
	case ivr.OutcomeExpired:
		status = http.StatusGone
	}
	c.JSON(status, body)
}
