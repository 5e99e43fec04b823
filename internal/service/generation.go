package service

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/weibaohui/opensheets/internal/domain"
	"github.com/weibaohui/opensheets/internal/eventbus"
	"github.com/weibaohui/opensheets/internal/service/generation"
	"github.com/weibaohui/opensheets/internal/service/orchestrator"
)

var ErrOrchestratorUnavailable = errors.New("background generation is not available")

// GenerationService 前台（事件流）与后台（任务队列）两种列生成入口
type GenerationService struct {
	dispatcher   *generation.Dispatcher
	bus          *eventbus.DatasetEventBus
	orchestrator *orchestrator.Orchestrator
}

func NewGenerationService(dispatcher *generation.Dispatcher, bus *eventbus.DatasetEventBus) *GenerationService {
	return &GenerationService{
		dispatcher: dispatcher,
		bus:        bus,
	}
}

// SetOrchestrator 设置任务编排器
// 用于解决循环依赖问题
func (s *GenerationService) SetOrchestrator(o *orchestrator.Orchestrator) {
	s.orchestrator = o
}

// Generate 生成整列（或指定区间），事件同时广播到该数据集的订阅者
func (s *GenerationService) Generate(ctx context.Context, datasetID, columnID string, rng *domain.RowRange, accessToken string) (<-chan domain.Event, error) {
	events, err := s.dispatcher.GenerateColumn(ctx, generation.Request{
		DatasetID:   datasetID,
		ColumnID:    columnID,
		Range:       rng,
		AccessToken: accessToken,
	})
	if err != nil {
		return nil, err
	}
	return s.tee(ctx, datasetID, events), nil
}

// Regenerate 重新生成单个单元格
func (s *GenerationService) Regenerate(ctx context.Context, datasetID, columnID string, idx int, accessToken string) (<-chan domain.Event, error) {
	events, err := s.dispatcher.RegenerateCell(ctx, datasetID, columnID, idx, accessToken)
	if err != nil {
		return nil, err
	}
	return s.tee(ctx, datasetID, events), nil
}

// Enqueue 提交后台列生成任务，配置错误在入队前返回
func (s *GenerationService) Enqueue(ctx context.Context, datasetID, columnID, accessToken string) error {
	if s.orchestrator == nil {
		return ErrOrchestratorUnavailable
	}
	if err := s.dispatcher.Validate(ctx, datasetID, columnID); err != nil {
		return err
	}
	if s.dispatcher.IsRunning(datasetID, columnID) {
		return orchestrator.ErrJobExists
	}
	return s.orchestrator.EnqueueJob(orchestrator.NewColumnJob(datasetID, columnID, accessToken))
}

// Cancel 取消该列排队中或正在进行的生成
func (s *GenerationService) Cancel(datasetID, columnID string) bool {
	cancelled := false
	if s.orchestrator != nil && s.orchestrator.CancelJob(datasetID, columnID) {
		cancelled = true
	}
	if s.dispatcher.Cancel(datasetID, columnID) {
		cancelled = true
	}
	return cancelled
}

// Subscribe 订阅数据集上的生成事件，返回取消订阅函数
func (s *GenerationService) Subscribe(datasetID string, handler eventbus.DatasetEventHandler) func() {
	return s.bus.Subscribe(datasetID, handler)
}

func (s *GenerationService) Status() *orchestrator.QueueStatus {
	if s.orchestrator == nil {
		return &orchestrator.QueueStatus{}
	}
	return s.orchestrator.GetQueueStatus()
}

// ExecuteJob 在后台执行列生成，事件只通过事件总线分发
// 实现 orchestrator.JobExecutor 接口
func (s *GenerationService) ExecuteJob(ctx context.Context, job *orchestrator.Job) error {
	events, err := s.dispatcher.GenerateColumn(ctx, generation.Request{
		DatasetID:   job.DatasetID,
		ColumnID:    job.ColumnID,
		AccessToken: job.AccessToken,
	})
	if err != nil {
		return fmt.Errorf("generate column %s: %w", job.ColumnID, err)
	}
	cells := 0
	for ev := range events {
		if ev.Cell != nil && !ev.Partial {
			cells++
		}
		s.publish(ctx, job.DatasetID, ev)
	}
	klog.V(6).Infof("后台列生成结束: dataset=%s, column=%s, events=%d", job.DatasetID, job.ColumnID, cells)
	return ctx.Err()
}

// tee 把事件转发给调用方并广播；调用方离开后继续读完上游，保证调度器能正常收尾
func (s *GenerationService) tee(ctx context.Context, datasetID string, in <-chan domain.Event) <-chan domain.Event {
	out := make(chan domain.Event)
	go func() {
		defer close(out)
		gone := false
		for ev := range in {
			s.publish(ctx, datasetID, ev)
			if gone {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				gone = true
			}
		}
	}()
	return out
}

func (s *GenerationService) publish(ctx context.Context, datasetID string, ev domain.Event) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(context.WithoutCancel(ctx), datasetID, ev); err != nil {
		klog.V(6).Infof("事件分发失败: dataset=%s, err=%v", datasetID, err)
	}
}
