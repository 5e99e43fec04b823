package main

import (
	"context"

	"github.com/weibaohui/opensheets/internal/service"
	"github.com/weibaohui/opensheets/internal/service/orchestrator"
)

// jobExecutorAdapter 将GenerationService适配为JobExecutor接口
// 避免orchestrator和service之间的循环依赖
type jobExecutorAdapter struct {
	generationService *service.GenerationService
}

// ExecuteJob 执行后台列生成
// 实现orchestrator.JobExecutor接口
func (a *jobExecutorAdapter) ExecuteJob(ctx context.Context, job *orchestrator.Job) error {
	return a.generationService.ExecuteJob(ctx, job)
}
