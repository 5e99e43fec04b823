package domain

import (
	"context"
	"fmt"
	"time"
)

// Task 生成任务的类型，封闭的和类型：只能是本包定义的几种。
// 新增一种模态时需要在 TaskHandler 上加方法，所有实现者都会编译失败，从而不会遗漏。
type Task interface {
	Name() string
	// IsImageOutput 输出是否为二进制图片
	IsImageOutput() bool
	// NeedsImageInput 是否需要图片列作为输入
	NeedsImageInput() bool
	dispatch(ctx context.Context, h TaskHandler, req ProviderRequest) RowOutcome
}

// TaskHandler 按任务类型分别处理请求
type TaskHandler interface {
	TextGeneration(ctx context.Context, req ProviderRequest) RowOutcome
	TextToImage(ctx context.Context, req ProviderRequest) RowOutcome
	ImageTextToText(ctx context.Context, req ProviderRequest) RowOutcome
	ImageToImage(ctx context.Context, req ProviderRequest) RowOutcome
}

type TextGeneration struct{}
type TextToImage struct{}
type ImageTextToText struct{}
type ImageToImage struct{}

func (TextGeneration) Name() string           { return "text-generation" }
func (TextGeneration) IsImageOutput() bool    { return false }
func (TextGeneration) NeedsImageInput() bool  { return false }
func (TextToImage) Name() string              { return "text-to-image" }
func (TextToImage) IsImageOutput() bool       { return true }
func (TextToImage) NeedsImageInput() bool     { return false }
func (ImageTextToText) Name() string          { return "image-text-to-text" }
func (ImageTextToText) IsImageOutput() bool   { return false }
func (ImageTextToText) NeedsImageInput() bool { return true }
func (ImageToImage) Name() string             { return "image-to-image" }
func (ImageToImage) IsImageOutput() bool      { return true }
func (ImageToImage) NeedsImageInput() bool    { return true }

func (TextGeneration) dispatch(ctx context.Context, h TaskHandler, req ProviderRequest) RowOutcome {
	return h.TextGeneration(ctx, req)
}

func (TextToImage) dispatch(ctx context.Context, h TaskHandler, req ProviderRequest) RowOutcome {
	return h.TextToImage(ctx, req)
}

func (ImageTextToText) dispatch(ctx context.Context, h TaskHandler, req ProviderRequest) RowOutcome {
	return h.ImageTextToText(ctx, req)
}

func (ImageToImage) dispatch(ctx context.Context, h TaskHandler, req ProviderRequest) RowOutcome {
	return h.ImageToImage(ctx, req)
}

// Dispatch 把请求交给 handler 上与任务类型对应的方法
func Dispatch(ctx context.Context, task Task, h TaskHandler, req ProviderRequest) RowOutcome {
	return task.dispatch(ctx, h, req)
}

// ParseTask 解析持久化的任务名，空字符串视为文本生成
func ParseTask(name string) (Task, error) {
	switch name {
	case "", "text-generation":
		return TextGeneration{}, nil
	case "text-to-image":
		return TextToImage{}, nil
	case "image-text-to-text":
		return ImageTextToText{}, nil
	case "image-to-image":
		return ImageToImage{}, nil
	default:
		return nil, fmt.Errorf("unsupported task %q", name)
	}
}

// ProviderRequest 一次模型调用的输入
type ProviderRequest struct {
	Idx           int
	ModelName     string
	ModelProvider string
	EndpointURL   string
	AccessToken   string
	Instruction   string
	Image         []byte
	Timeout       time.Duration
	Task          Task
	// OnPartial 非空时文本任务以流式方式调用，并回调累计的中间结果
	OnPartial func(value string)
}
