package main

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/flowgraph/dataflow/internal/app/dto"
	"github.com/flowgraph/dataflow/pkg/dataflow"
)

// workloadManager replays a stored flow on a ticker so the metrics endpoint
// has something to show.
type workloadManager struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

var wm workloadManager

func (m *workloadManager) start(rt *dataflow.Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		flowID := c.Query("flow_id")
		if flowID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "flow_id is required"})
			return
		}
		if _, err := rt.Flows().Get(c.Request.Context(), flowID); err != nil {
			c.JSON(errorStatus(err), gin.H{"error": err.Error()})
			return
		}
		rate := 200 * time.Millisecond
		if v := c.Query("rate_ms"); v != "" {
			if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
				rate = time.Duration(ms) * time.Millisecond
			}
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.cancel != nil {
			c.JSON(http.StatusConflict, gin.H{"error": "workload already running"})
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		m.cancel = cancel
		m.done = make(chan struct{})
		go func(done chan struct{}) {
			defer close(done)
			runWorkload(ctx, rt, flowID, rate)
		}(m.done)

		c.JSON(http.StatusAccepted, gin.H{"flow_id": flowID, "rate": rate.String()})
	}
}

// stop cancels the running workload, if any, and waits for it to exit.
func (m *workloadManager) stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func runWorkload(ctx context.Context, rt *dataflow.Runtime, flowID string, rate time.Duration) {
	ticker := time.NewTicker(rate)
	defer ticker.Stop()
	log := rt.Logger().WithField("flow_id", flowID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := rt.Run(ctx, &dto.ExecutionRequest{FlowID: flowID})
			if err != nil && ctx.Err() == nil {
				log.WithError(err).Warn("workload run failed")
			}
		}
	}
}
