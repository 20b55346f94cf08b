// Package api serves crowdgate over HTTP: unit claims, worker admission,
// record appends, and admin access to the ACL and Data tables.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/celerix-dev/crowdgate/internal/acl"
	"github.com/celerix-dev/crowdgate/internal/admission"
	"github.com/celerix-dev/crowdgate/internal/blob"
	"github.com/celerix-dev/crowdgate/internal/claim"
	"github.com/celerix-dev/crowdgate/internal/metrics"
	"github.com/celerix-dev/crowdgate/internal/records"
	"github.com/celerix-dev/crowdgate/internal/tables"
	"github.com/celerix-dev/crowdgate/pkg/schema"
	"github.com/celerix-dev/crowdgate/pkg/sdk"
)

type Handler struct {
	Tables  *tables.Client
	Claims  *claim.Claimer
	Records *records.Writer
	Blobs   blob.Store
	Metrics *metrics.Metrics
	Log     logr.Logger
}

// NewEngine returns a gin engine with every route registered. Metrics are
// served from reg when it is not nil.
func NewEngine(h *Handler, reg *prometheus.Registry) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(h.Log), cors())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if reg != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))
	}

	apiGroup := r.Group("/api")
	{
		apiGroup.GET("/tables/:table/schema", h.GetSchema)
		apiGroup.GET("/tables/:table/items", h.GetItems)
		apiGroup.DELETE("/tables/:table/items", h.DeleteItem)

		apiGroup.POST("/claims", h.Claim)
		apiGroup.POST("/claims/:identifier/yield", h.Yield)
		apiGroup.POST("/claims/:identifier/release", h.Release)
		apiGroup.POST("/claims/:identifier/paid", h.MarkPaid)
		apiGroup.GET("/units/:unit/holders", h.GetHolders)

		apiGroup.POST("/admission", h.Admit)
		apiGroup.POST("/records", h.AppendRecord)
	}
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return r
}

func (h *Handler) GetSchema(c *gin.Context) {
	t, ok := h.table(c)
	if !ok {
		return
	}
	s, err := h.Tables.Schema(c.Request.Context(), t)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// GetItems scans the table, or queries it when ?key= and ?value= are given.
// ?index= selects a secondary index for either.
func (h *Handler) GetItems(c *gin.Context) {
	t, ok := h.table(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	index := c.Query("index")

	var (
		items []sdk.Item
		err   error
	)
	if key := c.Query("key"); key != "" {
		items, err = h.Tables.QueryAll(ctx, t, index, key, c.Query("value"))
	} else {
		items, err = h.Tables.ScanAll(ctx, t, index)
	}
	if err != nil {
		fail(c, err)
		return
	}
	if items == nil {
		items = []sdk.Item{}
	}
	c.JSON(http.StatusOK, items)
}

// DeleteItem removes the item whose key attributes are in the body.
func (h *Handler) DeleteItem(c *gin.Context) {
	t, ok := h.table(c)
	if !ok {
		return
	}
	var src map[string]any
	if err := c.ShouldBindJSON(&src); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.Tables.Delete(c.Request.Context(), t, src); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (h *Handler) Claim(c *gin.Context) {
	var req schema.ClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.Claims.ClaimUnitIfUnassigned(c.Request.Context(), acl.Record{
		Identifier:  req.Identifier,
		UnitID:      req.UnitID,
		IPAddress:   req.IPAddress,
		TokenInput:  req.TokenInput,
		TokenOutput: req.TokenOutput,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, schema.ClaimResult{Claimed: res.Claimed, Winner: res.Winner, Reason: res.Reason})
}

func (h *Handler) Yield(c *gin.Context) {
	h.finish(c, h.Claims.Yield)
}

func (h *Handler) Release(c *gin.Context) {
	h.finish(c, h.Claims.Release)
}

func (h *Handler) MarkPaid(c *gin.Context) {
	h.finish(c, h.Claims.MarkPaid)
}

func (h *Handler) finish(c *gin.Context, op func(ctx context.Context, identifier string) error) {
	if err := op(c.Request.Context(), c.Param("identifier")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

// GetHolders lists the active unpaid rows of a unit, or every row with ?all=true.
func (h *Handler) GetHolders(c *gin.Context) {
	ctx := c.Request.Context()
	unit := c.Param("unit")

	var (
		rows []acl.Record
		err  error
	)
	if c.Query("all") == "true" {
		rows, err = h.Claims.Rows(ctx, unit)
	} else {
		rows, err = h.Claims.Holders(ctx, unit)
	}
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]schema.Holder, 0, len(rows))
	for _, r := range rows {
		out = append(out, toHolder(r))
	}
	c.JSON(http.StatusOK, out)
}

// Admit runs one worker status check. The API keeps no session, so every
// call starts from Unchecked.
func (h *Handler) Admit(c *gin.Context) {
	var req schema.AdmissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	task, err := admission.Resolve(ctx, h.Blobs, admission.Task{
		Name:          req.Task,
		Batch:         req.Batch,
		Scales:        req.Scales,
		AssignedScale: req.AssignedScale,
	})
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, schema.AdmissionResult{
			State: admission.Indeterminate.String(),
			Error: err.Error(),
		})
		return
	}

	m := admission.NewMachine(h.Blobs, task, req.Identifier, logr.FromContextOrDiscard(ctx), h.Metrics)
	state, err := m.Check(ctx)
	res := schema.AdmissionResult{State: state.String(), Allowed: state == admission.Allowed}
	if err != nil {
		res.Error = err.Error()
		code := http.StatusServiceUnavailable
		if errors.Is(err, admission.ErrAssignedScale) {
			code = http.StatusBadRequest
		}
		c.JSON(code, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

// AppendRecord writes one data record. The caller owns the sequence number
// and sends back the one returned.
func (h *Handler) AppendRecord(c *gin.Context) {
	var req schema.RecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	task := &records.Task{
		Name:           req.Task,
		Batch:          req.Batch,
		UnitID:         req.UnitID,
		TokenInput:     req.TokenInput,
		TokenOutput:    req.TokenOutput,
		TryCurrent:     req.TryCurrent,
		SequenceNumber: req.SequenceNumber,
	}
	var opts []records.AppendOption
	if req.SameSequence {
		opts = append(opts, records.SameSequence())
	}
	seq, err := h.Records.Append(c.Request.Context(),
		records.Worker{Identifier: req.Identifier, IPAddress: req.IPAddress}, task, req.Payload, opts...)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, schema.RecordResult{Sequence: seq, NextSequenceNumber: task.SequenceNumber})
}

func (h *Handler) table(c *gin.Context) (tables.Table, bool) {
	t, err := tables.ParseTable(c.Param("table"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return 0, false
	}
	return t, true
}

func toHolder(r acl.Record) schema.Holder {
	h := schema.Holder{
		Identifier:    r.Identifier,
		UnitID:        r.UnitID,
		IPAddress:     r.IPAddress,
		InProgress:    r.InProgress,
		Paid:          r.Paid,
		AccessCounter: r.AccessCounter,
		ClaimMarker:   r.ClaimMarker,
	}
	if !r.TimeArrival.IsZero() {
		t := r.TimeArrival
		h.TimeArrival = &t
	}
	if !r.TimeRemoval.IsZero() {
		t := r.TimeRemoval
		h.TimeRemoval = &t
	}
	return h
}

// fail maps err onto a status code. Store outages are a bad gateway, not
// the caller's fault.
func fail(c *gin.Context, err error) {
	var (
		schemaErr *sdk.SchemaError
		storeErr  *sdk.StoreError
	)
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, sdk.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, claim.ErrInvalidEntry), errors.Is(err, sdk.ErrTypeMismatch), errors.As(err, &schemaErr):
		code = http.StatusBadRequest
	case errors.As(err, &storeErr):
		code = http.StatusBadGateway
	}
	logr.FromContextOrDiscard(c.Request.Context()).Error(err, "request failed", "status", code)
	c.JSON(code, gin.H{"error": err.Error()})
}

// requestLogger puts a request-scoped logger into the request context.
func requestLogger(log logr.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		l := log.WithValues("method", c.Request.Method, "path", c.Request.URL.Path)
		c.Request = c.Request.WithContext(logr.NewContext(c.Request.Context(), l))
		c.Next()
		l.V(1).Info("request", "status", c.Writer.Status(), "duration", time.Since(start).String())
	}
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
