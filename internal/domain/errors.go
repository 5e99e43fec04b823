package domain

import (
	"errors"
	"fmt"
)

// PlaceholderColumnID 正在配置中、尚未持久化的列使用的保留 ID
const PlaceholderColumnID = "__temporal__"

var (
	// ErrMissingDependency 引用列在该行没有可用的值
	ErrMissingDependency = errors.New("missing dependency value")
	ErrColumnNotFound    = errors.New("column not found")
	ErrCellNotFound      = errors.New("cell not found")
	ErrDatasetNotFound   = errors.New("dataset not found")
	ErrPlaceholder       = errors.New("column is still being configured")
	ErrInvalidArgument   = errors.New("invalid argument")
)

// ConfigError 任务级配置错误，在生成开始前整体返回，不会尝试任何一行
type ConfigError struct {
	ColumnID string
	Reason   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid generation config for column %s: %s", e.ColumnID, e.Reason)
}

func NewConfigError(columnID, format string, args ...any) *ConfigError {
	return &ConfigError{ColumnID: columnID, Reason: fmt.Sprintf(format, args...)}
}

// IsConfigError 判断是否为配置错误
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
