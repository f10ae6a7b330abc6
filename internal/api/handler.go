package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"tickrelay/internal/aggregator"
	"tickrelay/internal/broker"
	"tickrelay/internal/resolver"
	"tickrelay/pkg/exception"
)

const statusUnavailable = "unavailable"

func symbol(c *gin.Context) string {
	return strings.ToUpper(strings.TrimSpace(c.Param("symbol")))
}

func (s *Server) health(c *gin.Context) {
	now := s.deps.Clock()
	c.JSON(http.StatusOK, gin.H{
		"status":             "ok",
		"active_instruments": len(s.deps.Market.ActiveInstruments()),
		"uptime":             now.Sub(s.startedAt).Truncate(time.Second).String(),
		"time":               now,
	})
}

func (s *Server) status(c *gin.Context) {
	if s.deps.Status == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "status not configured"})
		return
	}
	c.JSON(http.StatusOK, s.deps.Status())
}

func (s *Server) listInstruments(c *gin.Context) {
	list := s.deps.Market.ActiveInstruments()
	if list == nil {
		list = []aggregator.Summary{}
	}
	c.JSON(http.StatusOK, gin.H{
		"instruments": list,
		"computed_at": s.deps.Clock(),
	})
}

// snapshot answers 404 unavailable for unknown or stale instruments.
func (s *Server) snapshot(c *gin.Context) (aggregator.InstrumentState, bool) {
	name := symbol(c)
	state, err := s.deps.Market.Snapshot(name)
	if err != nil {
		s.unavailable(c, name, err)
		return state, false
	}
	return state, true
}

func (s *Server) unavailable(c *gin.Context, name string, err error) {
	switch {
	case errors.Is(err, exception.ErrEmptyInstrument):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, exception.ErrInstrumentStale),
		errors.Is(err, exception.ErrInstrumentUnavailable),
		errors.Is(err, exception.ErrNotEnoughOrigins):
		h := s.deps.Market.Health(name)
		c.JSON(http.StatusNotFound, gin.H{
			"status":      statusUnavailable,
			"instrument":  name,
			"reason":      err.Error(),
			"last_update": h.LastUpdate,
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) instrument(c *gin.Context) {
	state, ok := s.snapshot(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) orderFlow(c *gin.Context) {
	state, ok := s.snapshot(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"instrument":  state.Instrument,
		"order_flow":  state.OrderFlow,
		"computed_at": state.ComputedAt,
	})
}

func (s *Server) liquidity(c *gin.Context) {
	state, ok := s.snapshot(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"instrument":  state.Instrument,
		"liquidity":   state.Liquidity,
		"computed_at": state.ComputedAt,
	})
}

func (s *Server) spreads(c *gin.Context) {
	name := symbol(c)
	report, err := s.deps.Market.SpreadDifferential(name)
	if err != nil {
		s.unavailable(c, name, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) instrumentHealth(c *gin.Context) {
	h := s.deps.Market.Health(symbol(c))
	code := http.StatusOK
	if !h.Known {
		code = http.StatusNotFound
	}
	c.JSON(code, h)
}

func (s *Server) signalStats(c *gin.Context) {
	if s.deps.Outcomes == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "resolver not running"})
		return
	}
	horizon := c.DefaultQuery("horizon", resolver.FinalHorizon)
	stats, err := s.deps.Outcomes.Stats(horizon)
	if err != nil {
		if errors.Is(err, exception.ErrUnknownHorizon) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "horizons": s.deps.Outcomes.Horizons()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stats":       stats,
		"computed_at": s.deps.Clock(),
	})
}

func (s *Server) signal(c *gin.Context) {
	if s.deps.Outcomes == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "resolver not running"})
		return
	}
	sig, err := s.deps.Outcomes.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, exception.ErrSignalNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sig)
}

type commandRequest struct {
	Name string            `json:"name" binding:"required"`
	Args map[string]string `json:"args"`
}

func (s *Server) broadcast(c *gin.Context) {
	if s.deps.Commands == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "command channel not running"})
		return
	}
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cmd := broker.NewCommand(req.Name, req.Args)
	n, err := s.deps.Commands.Broadcast(cmd)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, exception.ErrEmptyCommand) {
			code = http.StatusBadRequest
		}
		c.JSON(code, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": cmd.ID, "delivered": n})
}
