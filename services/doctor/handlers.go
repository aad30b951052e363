// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package doctor

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianDoctor/services/doctor/datatypes"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/pipeline"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/telemetry"
)

const (
	defaultQuarantineLimit = 50
	maxQuarantineLimit     = 500
	maxQuestionLen         = 2000
)

// DiagnoseRequest is the body of POST /v1/doctor/diagnose.
type DiagnoseRequest struct {
	Event    datatypes.ErrorEvent `json:"event"`
	Question string               `json:"question"`
	Stream   bool                 `json:"stream"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string           `json:"error"`
	Message string           `json:"message"`
	Output  *pipeline.Output `json:"output,omitempty"`
}

// Router builds the gin engine serving the doctor API.
//
// # Description
//
// Routes:
//
//	GET  /metrics
//	GET  /v1/doctor/health
//	POST /v1/doctor/analyze
//	POST /v1/doctor/diagnose
//	GET  /v1/doctor/provider
//	GET  /v1/doctor/plugins
//	POST /v1/doctor/plugins/reload
//	POST /v1/doctor/patterns/reload
//	GET  /v1/doctor/quarantine
//	GET  /v1/doctor/runs/:id
func (s *Service) Router() *gin.Engine {
	if !s.cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(telemetry.ServiceName))
	r.Use(telemetry.GinMetrics(s.metrics))

	r.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))

	v1 := r.Group("/v1/doctor")
	{
		v1.GET("/health", s.handleHealth)
		v1.POST("/analyze", s.handleAnalyze)
		v1.POST("/diagnose", s.handleDiagnose)
		v1.GET("/provider", s.handleProvider)
		v1.GET("/plugins", s.handlePlugins)
		v1.POST("/plugins/reload", s.handleReloadPlugins)
		v1.POST("/patterns/reload", s.handleReloadPatterns)
		v1.GET("/quarantine", s.handleQuarantine)
		v1.GET("/runs/:id", s.handleRun)
	}
	return r
}

// HTTPServer wraps the router with the configured timeouts.
func (s *Service) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.Router(),
		ReadTimeout:       s.cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.Server.WriteTimeout,
	}
}

func (s *Service) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, s.Health())
}

func (s *Service) handleAnalyze(c *gin.Context) {
	event, err := datatypes.DecodeEvent(c.Request.Body)
	if err != nil {
		s.writeError(c, err, nil)
		return
	}
	rc, err := s.Analyze(c.Request.Context(), event)
	if err != nil {
		s.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, rc.Output())
}

func (s *Service) handleDiagnose(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, datatypes.MaxEventBytes)
	var req DiagnoseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(c, err, nil)
			return
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: CodeInvalidEvent, Message: "invalid request body"})
		return
	}
	if len(req.Question) > maxQuestionLen {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: CodeInvalidEvent, Message: "question too long"})
		return
	}
	if req.Event.Timestamp.IsZero() {
		req.Event.Timestamp = time.Now().UTC()
	}

	ctx := c.Request.Context()
	rc, err := s.Analyze(ctx, req.Event)
	if err != nil {
		s.writeError(c, err, nil)
		return
	}
	out := rc.Output()
	if err := Sendable(rc); err != nil {
		s.writeError(c, err, &out)
		return
	}

	if req.Stream || strings.Contains(c.GetHeader("Accept"), "text/event-stream") {
		s.streamDiagnosis(c, rc, out, req.Question)
		return
	}

	answer, err := s.Ask(ctx, rc, req.Question, nil)
	if err != nil {
		s.writeError(c, err, &out)
		return
	}
	c.JSON(http.StatusOK, Diagnosis{Output: out, Answer: answer, Provider: s.provider.Name()})
}

// streamDiagnosis answers over server-sent events: one "analysis" event
// with the run output, "token" events as the reply arrives, then "done" or
// "error".
func (s *Service) streamDiagnosis(c *gin.Context, rc *pipeline.Context, out pipeline.Output, question string) {
	sse, err := newSSEWriter(c.Writer)
	if err != nil {
		s.writeError(c, err, &out)
		return
	}
	setSSEHeaders(c.Writer)
	c.Status(http.StatusOK)

	if err := sse.WriteEvent("analysis", out); err != nil {
		return
	}
	_, err = s.Ask(c.Request.Context(), rc, question, func(chunk string) error {
		return sse.WriteEvent("token", gin.H{"content": chunk})
	})
	if err != nil {
		_, code := classify(err)
		_ = sse.WriteEvent("error", gin.H{"error": code, "message": err.Error()})
		return
	}
	_ = sse.WriteEvent("done", gin.H{"run_id": rc.RunID, "provider": s.provider.Name()})
}

func (s *Service) handleProvider(c *gin.Context) {
	status, err := s.ProviderStatus(c.Request.Context())
	if err != nil {
		s.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Service) handlePlugins(c *gin.Context) {
	c.JSON(http.StatusOK, s.Plugins())
}

func (s *Service) handleReloadPlugins(c *gin.Context) {
	loaded, err := s.ReloadPlugins(c.Request.Context())
	if err != nil {
		s.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plugins": loaded})
}

func (s *Service) handleReloadPatterns(c *gin.Context) {
	snap, err := s.ReloadPatterns(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: "invalid_rules", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"generation": snap.Generation, "patterns": snap.Len()})
}

func (s *Service) handleQuarantine(c *gin.Context) {
	limit := defaultQuarantineLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_limit", Message: "limit must be a positive integer"})
			return
		}
		limit = min(n, maxQuarantineLimit)
	}
	records, err := s.Quarantined(limit)
	if err != nil {
		s.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": records, "count": len(records)})
}

func (s *Service) handleRun(c *gin.Context) {
	rec, err := s.Run(c.Param("id"))
	if err != nil {
		s.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Service) writeError(c *gin.Context, err error, out *pipeline.Output) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		telemetry.LoggerWithTrace(c.Request.Context(), s.logger).Error("request failed",
			slog.String("path", c.FullPath()),
			slog.String("code", code),
			slog.String("error", err.Error()))
	}
	c.JSON(status, ErrorResponse{Error: code, Message: err.Error(), Output: out})
}
