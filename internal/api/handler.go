// Package api is the operator HTTP surface: synchronous ingest, record
// lookup, pipeline shape and meter snapshots.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"msgflow/internal/constants"
	"msgflow/internal/logger"
	"msgflow/internal/persistence"
	"msgflow/internal/pipeline"
	"msgflow/internal/processor"
	"msgflow/internal/sphere"
	"msgflow/internal/stats"
	pkgerrors "msgflow/pkg/errors"
	"msgflow/pkg/logging"
	"msgflow/pkg/models"
)

type Ingester interface {
	Handle(ctx context.Context, msg models.Message) (processor.Outcome, error)
}

type RecordReader interface {
	Get(ctx context.Context, id string) (*persistence.Record, error)
	Exists(ctx context.Context, id string) (bool, error)
	Count(ctx context.Context) (int64, error)
}

type Snapshotter interface {
	Snapshot() stats.Snapshot
}

type BaseHandler struct {
	Logger logger.Logger
}

// HandleError maps err onto its coded HTTP response. Persistence failures
// become PERSISTENCE_ERROR.
func (h *BaseHandler) HandleError(c *gin.Context, err error) {
	if perr, ok := persistence.AsError(err); ok {
		err = perr.AppError()
	}

	status := pkgerrors.ToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.Logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)
	} else {
		h.Logger.WarnwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)
	}

	c.JSON(status, pkgerrors.ToErrorResponse(err))
}

type Handler struct {
	BaseHandler
	ingest   Ingester
	records  RecordReader
	meter    Snapshotter
	pipeline *pipeline.Pipeline
	newID    func() string
}

func NewHandler(ingest Ingester, records RecordReader, meter Snapshotter, p *pipeline.Pipeline, log logger.Logger) *Handler {
	if log == nil {
		log = logger.NopLogger()
	}
	return &Handler{
		BaseHandler: BaseHandler{Logger: log},
		ingest:      ingest,
		records:     records,
		meter:       meter,
		pipeline:    p,
		newID:       uuid.NewString,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		v1.POST("/messages", h.IngestMessage)
		v1.GET("/pipeline", h.GetPipeline)
		v1.GET("/stats", h.GetStats)

		records := v1.Group("/records")
		{
			records.GET("/:id", h.GetRecord)
			records.HEAD("/:id", h.HeadRecord)
		}
	}
}

// IngestMessage godoc
// @Summary      Process a message
// @Description  Run one message through the pipeline and return its outcome
// @Tags         messages
// @Accept       json
// @Produce      json
// @Param        message  body      IngestRequest  true  "Message to process"
// @Success      200      {object}  OutcomeResponse
// @Failure      400      {object}  errors.ErrorResponse
// @Failure      409      {object}  errors.ErrorResponse
// @Failure      503      {object}  errors.ErrorResponse
// @Router       /messages [post]
func (h *Handler) IngestMessage(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, constants.MaxIngestBodyBytes)

	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, pkgerrors.ToErrorResponse(
				pkgerrors.ErrValidation.WithDetail("message", "request body too large")))
			return
		}
		c.JSON(http.StatusBadRequest, pkgerrors.ToErrorResponse(pkgerrors.ErrValidation.WithCause(err)))
		return
	}

	env := req.envelope()
	if env.ID == "" {
		env.ID = h.newID()
	}
	if err := models.ValidateEnvelope(&env); err != nil {
		c.JSON(http.StatusBadRequest, pkgerrors.ToErrorResponse(pkgerrors.ErrValidation.WithCause(err)))
		return
	}

	ctx := logging.WithMessageID(c.Request.Context(), env.ID)
	outcome, err := h.ingest.Handle(ctx, env.ToMessage())
	if err != nil {
		switch {
		case errors.Is(err, sphere.ErrAlreadyProcessed), persistence.IsError(err):
			h.HandleError(c, err)
		default:
			h.HandleError(c, pkgerrors.ErrServiceUnavailable.WithCause(err))
		}
		return
	}

	c.JSON(http.StatusOK, newOutcomeResponse(outcome))
}

// GetRecord godoc
// @Summary      Get a stored record
// @Description  Get the persisted outcome record for a message id
// @Tags         records
// @Produce      json
// @Param        id   path      string  true  "Message ID"
// @Success      200  {object}  RecordResponse
// @Failure      404  {object}  errors.ErrorResponse
// @Failure      503  {object}  errors.ErrorResponse
// @Router       /records/{id} [get]
func (h *Handler) GetRecord(c *gin.Context) {
	rec, err := h.records.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, newRecordResponse(rec))
}

// HeadRecord godoc
// @Summary      Check a stored record
// @Description  Report whether a record exists for a message id
// @Tags         records
// @Param        id   path  string  true  "Message ID"
// @Success      200
// @Failure      404
// @Failure      503
// @Router       /records/{id} [head]
func (h *Handler) HeadRecord(c *gin.Context) {
	exists, err := h.records.Exists(c.Request.Context(), c.Param("id"))
	switch {
	case err != nil:
		h.Logger.ErrorwCtx(c.Request.Context(), "Record existence check failed", "error", err)
		c.Status(http.StatusServiceUnavailable)
	case exists:
		c.Status(http.StatusOK)
	default:
		c.Status(http.StatusNotFound)
	}
}

// GetPipeline godoc
// @Summary      Describe the pipeline
// @Description  List the configured stages in execution order
// @Tags         pipeline
// @Produce      json
// @Success      200  {object}  PipelineResponse
// @Router       /pipeline [get]
func (h *Handler) GetPipeline(c *gin.Context) {
	c.JSON(http.StatusOK, newPipelineResponse(h.pipeline))
}

// GetStats godoc
// @Summary      Meter snapshot
// @Description  Counters and timing series recorded since startup
// @Tags         stats
// @Produce      json
// @Success      200  {object}  StatsResponse
// @Router       /stats [get]
func (h *Handler) GetStats(c *gin.Context) {
	resp := newStatsResponse(h.meter.Snapshot())

	if n, err := h.records.Count(c.Request.Context()); err != nil {
		h.Logger.WarnwCtx(c.Request.Context(), "Could not count records", "error", err)
	} else {
		resp.Records = &n
	}

	c.JSON(http.StatusOK, resp)
}
