// Package api exposes the compliance orchestrator over HTTP. Every handler
// is a thin adapter: start, cancel and the query endpoints map one-to-one
// onto Orchestrator methods.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/OpenTraceLab/OpenTracePCIe/pkg/compliance"
	"github.com/OpenTraceLab/OpenTracePCIe/pkg/device"
	"github.com/OpenTraceLab/OpenTracePCIe/pkg/margin"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error    string   `json:"error"`
	Problems []string `json:"problems,omitempty"`
}

// StartResponse carries the id of a started run.
type StartResponse struct {
	RunID string `json:"run_id"`
}

// TraceRequest asks for an LTSSM retrain trace.
type TraceRequest struct {
	Port      int `json:"port" binding:"gte=0,lte=143"`
	TimeoutMs int `json:"timeout_ms" binding:"omitempty,gte=1,lte=60000"`
}

// SweepRequest asks for a lane margin sweep.
type SweepRequest struct {
	Port int    `json:"port" binding:"gte=0,lte=143"`
	Lane int    `json:"lane" binding:"gte=0,lte=15"`
	Mode string `json:"mode" binding:"omitempty,oneof=single triple nrz pam4"`
}

// SweepResponse pairs the raw sweep with its analysis.
type SweepResponse struct {
	Result     margin.Result     `json:"result"`
	Geometries []margin.Geometry `json:"geometries"`
	Aggregate  margin.Aggregate  `json:"aggregate"`
}

// Handlers serves the orchestrator.
type Handlers struct {
	orch *compliance.Orchestrator
	log  logrus.FieldLogger
}

// NewHandlers creates handlers for orch.
func NewHandlers(orch *compliance.Orchestrator, log logrus.FieldLogger) *Handlers {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handlers{orch: orch, log: log}
}

// fail maps orchestrator errors onto status codes.
func (h *Handlers) fail(c *gin.Context, err error) {
	var cerr *compliance.ConfigError
	switch {
	case errors.As(err, &cerr):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid run config", Problems: cerr.Problems})
	case errors.Is(err, compliance.ErrTargetBusy):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
	case errors.Is(err, compliance.ErrRunNotFound),
		errors.Is(err, compliance.ErrUnknownTarget),
		errors.Is(err, device.ErrNoSuchPort):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
	default:
		h.log.WithError(err).WithField("path", c.FullPath()).Warn("api: request failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
}

// HandleHealth reports liveness.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleCatalog lists every declared test.
func (h *Handlers) HandleCatalog(c *gin.Context) {
	c.JSON(http.StatusOK, compliance.Catalog())
}

// HandleTargets lists targets with a retained run.
func (h *Handlers) HandleTargets(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"targets": h.orch.Targets()})
}

// HandleStart starts a run on :target. The body is a RunConfig; omitted
// fields take their defaults.
func (h *Handlers) HandleStart(c *gin.Context) {
	var cfg compliance.RunConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	id, err := h.orch.Start(c.Request.Context(), c.Param("target"), cfg)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, StartResponse{RunID: id})
}

// HandleProgress returns a run's progress.
func (h *Handlers) HandleProgress(c *gin.Context) {
	p, err := h.orch.Progress(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// HandleResult returns a run as recorded so far.
func (h *Handlers) HandleResult(c *gin.Context) {
	run, err := h.orch.Result(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run, "verdict": run.Verdict()})
}

// HandleCancel requests cancellation of a run.
func (h *Handlers) HandleCancel(c *gin.Context) {
	if err := h.orch.Cancel(c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// HandleLatest returns the retained run of :target.
func (h *Handlers) HandleLatest(c *gin.Context) {
	run, err := h.orch.Latest(c.Param("target"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run, "verdict": run.Verdict()})
}

// HandleClear drops the retained run of :target.
func (h *Handlers) HandleClear(c *gin.Context) {
	if err := h.orch.Clear(c.Param("target")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleTrace retrains a port and returns the trace. It blocks for the
// duration of the retrain.
func (h *Handlers) HandleTrace(c *gin.Context) {
	var req TraceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	trace, err := h.orch.Trace(c.Request.Context(), c.Param("target"), req.Port, time.Duration(req.TimeoutMs)*time.Millisecond)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, trace)
}

// HandleSweep margins one lane and returns the scans and eye geometry.
func (h *Handlers) HandleSweep(c *gin.Context) {
	var req SweepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	mode := margin.ModeSingle
	if req.Mode != "" {
		var err error
		if mode, err = margin.ParseMode(req.Mode); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
			return
		}
	}
	res, geoms, err := h.orch.Sweep(c.Request.Context(), c.Param("target"), req.Port, req.Lane, mode)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, SweepResponse{Result: res, Geometries: geoms, Aggregate: margin.Combine(geoms)})
}

// HandleSnapshot reads a port's link state and counters.
func (h *Handlers) HandleSnapshot(c *gin.Context) {
	port, err := strconv.Atoi(c.Param("port"))
	if err != nil || port < 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid port " + strconv.Quote(c.Param("port"))})
		return
	}
	snap, err := h.orch.Snapshot(c.Param("target"), port)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}
