package llm

import (
	"context"
	"errors"
	"strings"
)

var rateLimitKeywords = []string{
	"rate limit",
	"quota exceeded",
	"too many requests",
	"rate-limited",
	"request rate exceeded",
	"请求次数超过限制",
	"超过限制",
	"每分钟请求次数",
}

// IsRateLimitError 判断错误是否为 Rate Limit 错误
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	errMsg := strings.ToLower(err.Error())
	if strings.Contains(errMsg, "429") {
		return true
	}
	for _, keyword := range rateLimitKeywords {
		if strings.Contains(errMsg, keyword) {
			return true
		}
	}
	return false
}

// NormalizeError 把模型调用的错误转成稳定、可展示的消息
func NormalizeError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return "request timed out"
	case errors.Is(err, context.Canceled):
		return "request canceled"
	case IsRateLimitError(err):
		return "rate limit exceeded: " + err.Error()
	default:
		return err.Error()
	}
}
