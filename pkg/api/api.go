// Package api serves competition reads and joins over HTTP as JSON.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/daviddao/podium/pkg/clock"
	"github.com/daviddao/podium/pkg/competition"
	"github.com/daviddao/podium/pkg/model"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RequestIDHeader carries the per-request correlation id.
const RequestIDHeader = "X-Request-ID"

// Competitions is the read and join surface the server exposes.
type Competitions interface {
	GetLeaderboard(ctx context.Context, id string) competition.View
	Refresh(ctx context.Context, id string) competition.View
	Join(ctx context.Context, req competition.JoinRequest) competition.JoinResult
	ActiveCompetitions(ctx context.Context, participant string, asOf time.Time) ([]model.Competition, error)
}

// Archive lists frozen competitions.
type Archive interface {
	List() []model.FrozenSnapshot
	Get(id string) (model.FrozenSnapshot, bool)
}

// Server holds the HTTP handlers.
type Server struct {
	competitions Competitions
	archive      Archive
	clock        clock.Clock
	logger       *slog.Logger
}

// New returns a Server.
func New(c Competitions, a Archive, clk clock.Clock, logger *slog.Logger) *Server {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{competitions: c, archive: a, clock: clk, logger: logger}
}

// Router returns the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	v1.GET("/competitions/:id/leaderboard", s.leaderboard)
	v1.POST("/competitions/:id/refresh", s.refresh)
	v1.POST("/competitions/:id/join", s.join)
	v1.GET("/participants/:id/competitions", s.active)
	v1.GET("/frozen", s.frozenList)
	v1.GET("/frozen/:id", s.frozenGet)
	return r
}

// requestLogger tags each request with an id and logs its outcome.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(RequestIDHeader, id)

		started := time.Now()
		c.Next()
		s.logger.Info("http request",
			slog.String("request_id", id),
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("elapsed", time.Since(started)))
	}
}

func viewStatus(v competition.View) int {
	if v.Error == competition.ErrNotFound.Error() {
		return http.StatusNotFound
	}
	return http.StatusOK
}

func (s *Server) leaderboard(c *gin.Context) {
	v := s.competitions.GetLeaderboard(c.Request.Context(), c.Param("id"))
	c.JSON(viewStatus(v), v)
}

func (s *Server) refresh(c *gin.Context) {
	v := s.competitions.Refresh(c.Request.Context(), c.Param("id"))
	c.JSON(viewStatus(v), v)
}

type joinBody struct {
	ParticipantID   string `json:"participant_id"`
	Team            string `json:"team" binding:"max=64"`
	Private         bool   `json:"private"`
	PledgeCommitted bool   `json:"pledge_committed"`
}

func (s *Server) join(c *gin.Context) {
	var body joinBody
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	res := s.competitions.Join(c.Request.Context(), competition.JoinRequest{
		CompetitionID:   c.Param("id"),
		ParticipantID:   body.ParticipantID,
		Team:            body.Team,
		Private:         body.Private,
		PledgeCommitted: body.PledgeCommitted,
	})
	switch {
	case res.Success:
		c.JSON(http.StatusCreated, res)
	case res.CanRetry:
		c.JSON(http.StatusServiceUnavailable, res)
	default:
		c.JSON(http.StatusUnprocessableEntity, res)
	}
}

func (s *Server) active(c *gin.Context) {
	asOf := s.clock.Now()
	if raw := c.Query("as_of"); raw != "" {
		t, ok := parseTime(raw)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "as_of must be RFC 3339 or unix seconds"})
			return
		}
		asOf = t
	}
	list, err := s.competitions.ActiveCompetitions(c.Request.Context(), c.Param("id"), asOf)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"participant": c.Param("id"), "as_of": asOf.UTC(), "competitions": list})
}

func (s *Server) frozenList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"frozen": s.archive.List()})
}

func (s *Server) frozenGet(c *gin.Context) {
	snap, ok := s.archive.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "competition is not frozen"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// parseTime accepts RFC 3339 or unix seconds.
func parseTime(raw string) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, true
	}
	if sec, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC(), true
	}
	return time.Time{}, false
}
