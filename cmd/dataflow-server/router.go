package main

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/flowgraph/dataflow/internal/app/dto"
	"github.com/flowgraph/dataflow/internal/components"
	"github.com/flowgraph/dataflow/internal/core/flow"
	"github.com/flowgraph/dataflow/internal/core/graph"
	"github.com/flowgraph/dataflow/pkg/dataflow"
	"github.com/flowgraph/dataflow/pkg/validation"
)

type server struct {
	rt     *dataflow.Runtime
	logger logrus.FieldLogger
}

// newRouter wires every route onto a fresh engine.
func newRouter(rt *dataflow.Runtime, logger logrus.FieldLogger) *gin.Engine {
	s := &server{rt: rt, logger: logger}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))
	if tp := rt.TracerProvider(); tp != nil {
		router.Use(otelgin.Middleware(rt.Config().Tracing.ServiceName, otelgin.WithTracerProvider(tp)))
	}

	router.GET("/healthz", s.health)
	if m := rt.Metrics(); m != nil {
		router.GET("/metrics", gin.WrapH(m.Handler()))
	}

	v1 := router.Group("/v1")
	v1.GET("/components", s.listComponents)
	v1.POST("/run", validation.BindJSON[validation.RunRequest](), s.run)
	v1.POST("/validate", s.validate)

	v1.GET("/flows", s.listFlows)
	v1.PUT("/flows/:id", s.saveFlow)
	v1.GET("/flows/:id", s.getFlow)
	v1.DELETE("/flows/:id", s.deleteFlow)
	v1.POST("/flows/:id/resume", s.resumeFlow)

	v1.GET("/executions", s.listExecutions)
	v1.GET("/executions/:id", s.getExecution)
	v1.DELETE("/executions/:id", s.stopExecution)

	wl := router.Group("/workload")
	wl.POST("/start", wm.start(rt))
	wl.POST("/stop", func(c *gin.Context) {
		wm.stop()
		c.Status(http.StatusNoContent)
	})
	return router
}

// requestLogger logs one line per request.
func requestLogger(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		}).Debug("request")
	}
}

func (s *server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": dataflow.Version})
}

func (s *server) listComponents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"components": s.rt.Registry().Types()})
}

func (s *server) run(c *gin.Context) {
	body, ok := validation.Validated[validation.RunRequest](c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing request body"})
		return
	}
	req := &dto.ExecutionRequest{
		FlowID:  body.FlowID,
		Payload: body.Payload,
		Inputs:  body.Inputs,
		Context: body.Context,
		Config: dto.ExecutionConfig{
			Mode:          body.Mode,
			StartVertexID: body.StartVertexID,
			StopVertexID:  body.StopVertexID,
			MaxIterations: body.MaxIterations,
			ValidateFlow:  true,
		},
	}
	if req.Config.Mode == dto.ModeStream {
		s.stream(c, req)
		return
	}

	resp, err := s.rt.Run(c.Request.Context(), req)
	if err != nil {
		s.fail(c, resp, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// stream answers with server-sent events: one "step" per built vertex and a
// final "result", preceded by "error" when the run failed.
func (s *server) stream(c *gin.Context, req *dto.ExecutionRequest) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	resp, err := s.rt.Stream(c.Request.Context(), req, func(step dto.StepResult) error {
		c.SSEvent("step", step)
		c.Writer.Flush()
		return nil
	})
	if err != nil {
		c.SSEvent("error", gin.H{"error": err.Error()})
	}
	if resp != nil {
		c.SSEvent("result", resp)
	}
	c.Writer.Flush()
}

func (s *server) validate(c *gin.Context) {
	data, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	maxIterations, _ := strconv.Atoi(c.Query("max_iterations"))
	layers, cycle, err := s.rt.Layers(data, maxIterations)
	if err != nil {
		s.fail(c, nil, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true, "layers": layers, "cycle_vertices": cycle})
}

func (s *server) listFlows(c *gin.Context) {
	filter := flow.Filter{Tags: c.QueryArray("tag")}
	filter.Limit, _ = strconv.Atoi(c.Query("limit"))
	filter.Offset, _ = strconv.Atoi(c.Query("offset"))

	flows, err := s.rt.Flows().List(c.Request.Context(), filter)
	if err != nil {
		s.fail(c, nil, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"flows": flows})
}

func (s *server) saveFlow(c *gin.Context) {
	data, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	dump, err := graph.ParsePayload(data)
	if err != nil {
		s.fail(c, nil, err)
		return
	}
	err = validation.ValidatePayload(dump.Data, validation.PayloadOptions{
		Types:                s.rt.Registry(),
		AllowUnboundedCycles: true,
	})
	if err != nil {
		s.fail(c, nil, err)
		return
	}
	f, err := s.rt.SaveFlow(c.Request.Context(), c.Param("id"), data)
	if err != nil {
		s.fail(c, nil, err)
		return
	}
	c.JSON(http.StatusOK, f)
}

func (s *server) getFlow(c *gin.Context) {
	f, err := s.rt.Flows().Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, nil, err)
		return
	}
	c.JSON(http.StatusOK, f)
}

func (s *server) deleteFlow(c *gin.Context) {
	if err := s.rt.Flows().Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, nil, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *server) resumeFlow(c *gin.Context) {
	resp, err := s.rt.Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, resp, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *server) listExecutions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"executions": s.rt.Executor().Running()})
}

func (s *server) getExecution(c *gin.Context) {
	resp, err := s.rt.Executor().GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, nil, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *server) stopExecution(c *gin.Context) {
	if err := s.rt.Executor().Stop(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, nil, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// fail answers with the status matching err. A partial execution response
// is returned as the body when there is one.
func (s *server) fail(c *gin.Context, resp *dto.ExecutionResponse, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).WithField("path", c.FullPath()).Error("request failed")
	}

	var verrs validation.ValidationErrors
	switch {
	case resp != nil:
		c.JSON(status, resp)
	case errors.As(err, &verrs):
		c.JSON(status, gin.H{"error": "validation failed", "details": verrs})
	default:
		c.JSON(status, gin.H{"error": err.Error()})
	}
}

func errorStatus(err error) int {
	var verrs validation.ValidationErrors
	var buildErr *graph.BuildError
	switch {
	case errors.As(err, &verrs),
		errors.Is(err, dto.ErrMissingFlow),
		errors.Is(err, dto.ErrInvalidConfig),
		errors.Is(err, flow.ErrInvalidFlowID),
		errors.Is(err, flow.ErrEmptyPayload),
		errors.Is(err, flow.ErrInvalidLimit),
		errors.Is(err, flow.ErrInvalidOffset),
		errors.Is(err, graph.ErrInvalidPayload),
		errors.Is(err, graph.ErrMaxIterationsRequired),
		errors.Is(err, graph.ErrStartAndStop),
		errors.Is(err, graph.ErrVertexNotFound),
		errors.Is(err, validation.ErrUnboundedCycle),
		errors.Is(err, components.ErrUnknownComponent):
		return http.StatusBadRequest
	case errors.Is(err, flow.ErrFlowNotFound),
		errors.Is(err, dto.ErrExecutionNotFound),
		errors.Is(err, dto.ErrNothingToResume):
		return http.StatusNotFound
	case errors.Is(err, dto.ErrExecutionTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, graph.ErrMaxIterationsReached),
		errors.As(err, &buildErr):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
