package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"github.com/weibaohui/opensheets/internal/domain"
	"github.com/weibaohui/opensheets/internal/service/statemachine"
	"github.com/weibaohui/opensheets/internal/service/store"
)

// statusOf 把领域错误映射为 HTTP 状态码
func statusOf(err error) int {
	var transition *statemachine.InvalidStateTransitionError
	switch {
	case errors.Is(err, domain.ErrDatasetNotFound),
		errors.Is(err, domain.ErrColumnNotFound),
		errors.Is(err, domain.ErrCellNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case domain.IsConfigError(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrPlaceholder), errors.As(err, &transition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		klog.Errorf("请求处理失败: %s %s, err=%v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// writeEntity 持久化失败时内存中的修改仍然有效，实体上带有 sync_error，返回 200
func writeEntity(c *gin.Context, status int, entity any, err error) {
	if err != nil && !store.IsPersistError(err) {
		writeError(c, err)
		return
	}
	if err != nil {
		klog.Warningf("实体已更新但未能持久化: %s %s, err=%v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(status, entity)
}

func accessToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

func idxParam(c *gin.Context) (int, bool) {
	idx, err := strconv.Atoi(c.Param("idx"))
	if err != nil || idx < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid row index"})
		return 0, false
	}
	return idx, true
}
