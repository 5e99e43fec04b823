package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"github.com/weibaohui/opensheets/internal/domain"
	"github.com/weibaohui/opensheets/internal/service"
	"github.com/weibaohui/opensheets/internal/service/orchestrator"
)

type GenerationHandler struct {
	service   *service.GenerationService
	datasets  *service.DatasetService
	heartbeat time.Duration
}

func NewGenerationHandler(service *service.GenerationService, datasets *service.DatasetService) *GenerationHandler {
	return &GenerationHandler{
		service:   service,
		datasets:  datasets,
		heartbeat: 15 * time.Second,
	}
}

type generateRequest struct {
	Offset *int `json:"offset"`
	Limit  *int `json:"limit"`
}

// Generate 生成整列，以 SSE 返回增量事件。客户端断开即停止调度新的行
func (h *GenerationHandler) Generate(c *gin.Context) {
	var req generateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	var rng *domain.RowRange
	if req.Offset != nil || req.Limit != nil {
		rng = &domain.RowRange{}
		if req.Offset != nil {
			rng.Offset = *req.Offset
		}
		if req.Limit != nil {
			rng.Limit = *req.Limit
		}
		if rng.Offset < 0 || rng.Limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "offset and limit must not be negative"})
			return
		}
	}

	events, err := h.service.Generate(c.Request.Context(), c.Param("id"), c.Param("cid"), rng, accessToken(c))
	if err != nil {
		writeError(c, err)
		return
	}
	streamEvents(c, events)
}

// Regenerate 重新生成单个单元格（SSE）
func (h *GenerationHandler) Regenerate(c *gin.Context) {
	idx, ok := idxParam(c)
	if !ok {
		return
	}
	events, err := h.service.Regenerate(c.Request.Context(), c.Param("id"), c.Param("cid"), idx, accessToken(c))
	if err != nil {
		writeError(c, err)
		return
	}
	streamEvents(c, events)
}

// Enqueue 提交后台生成任务，进度通过 /events 订阅
func (h *GenerationHandler) Enqueue(c *gin.Context) {
	err := h.service.Enqueue(c.Request.Context(), c.Param("id"), c.Param("cid"), accessToken(c))
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"message": "generation enqueued"})
	case errors.Is(err, orchestrator.ErrJobExists):
		c.JSON(http.StatusAccepted, gin.H{"message": "already generating"})
	case errors.Is(err, orchestrator.ErrQueueFull),
		errors.Is(err, orchestrator.ErrOrchestratorStopped),
		errors.Is(err, service.ErrOrchestratorUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		writeError(c, err)
	}
}

func (h *GenerationHandler) Cancel(c *gin.Context) {
	cancelled := h.service.Cancel(c.Param("id"), c.Param("cid"))
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
}

// Events 订阅数据集上的全部生成事件（包括后台任务）
func (h *GenerationHandler) Events(c *gin.Context) {
	datasetID := c.Param("id")
	if _, err := h.datasets.Get(c.Request.Context(), datasetID); err != nil {
		writeError(c, err)
		return
	}

	ctx := c.Request.Context()
	updates := make(chan domain.Event, 64)
	unsubscribe := h.service.Subscribe(datasetID, func(pubCtx context.Context, ev domain.Event) error {
		select {
		case updates <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	defer unsubscribe()

	setSSEHeaders(c)
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			klog.V(6).Infof("事件订阅已断开: dataset=%s", datasetID)
			return
		case <-ticker.C:
			c.SSEvent("ping", gin.H{"time": time.Now().Unix()})
			c.Writer.Flush()
		case ev := <-updates:
			c.SSEvent(eventName(ev), ev)
			c.Writer.Flush()
		}
	}
}

// Status 后台任务队列状态
func (h *GenerationHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.Status())
}

func setSSEHeaders(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
}

// streamEvents 把事件流写成 SSE，流结束时发送 end
func streamEvents(c *gin.Context, events <-chan domain.Event) {
	setSSEHeaders(c)
	for ev := range events {
		c.SSEvent(eventName(ev), ev)
		c.Writer.Flush()
	}
	c.SSEvent("end", gin.H{})
	c.Writer.Flush()
}

func eventName(ev domain.Event) string {
	switch {
	case ev.Done:
		return "done"
	case ev.Partial:
		return "partial"
	case ev.Cell != nil:
		return "cell"
	default:
		return "column"
	}
}
