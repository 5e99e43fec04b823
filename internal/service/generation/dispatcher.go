package generation

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/weibaohui/opensheets/config"
	"github.com/weibaohui/opensheets/internal/domain"
	"github.com/weibaohui/opensheets/internal/model"
	"github.com/weibaohui/opensheets/internal/service/prompt"
	"github.com/weibaohui/opensheets/internal/service/provider"
	"github.com/weibaohui/opensheets/internal/service/resolver"
	"github.com/weibaohui/opensheets/internal/service/store"
)

// Request 一次列生成请求
type Request struct {
	DatasetID string
	ColumnID  string
	// Range 为空时使用列配置中的 offset/limit
	Range *domain.RowRange
	// IncludeValidated 为 true 时已校验的单元格也会重新生成（单元格重新生成）
	IncludeValidated bool
	AccessToken      string
}

// Dispatcher 列生成调度器：同一列同一时刻最多一次生成，按页串行、页内并发
type Dispatcher struct {
	store   *store.Store
	adapter provider.Adapter
	cfg     config.GenerationConfig

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func NewDispatcher(st *store.Store, adapter provider.Adapter, cfg config.GenerationConfig) *Dispatcher {
	// 页大小或并发为 0 时调度会卡死
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = cfg.Concurrency
	}
	return &Dispatcher{
		store:   st,
		adapter: adapter,
		cfg:     cfg,
		running: make(map[string]context.CancelFunc),
	}
}

func runKey(datasetID, columnID string) string {
	return datasetID + "/" + columnID
}

// GenerateColumn 启动一次列生成，返回事件流。
// 配置错误同步返回且不会调用模型；列已在生成中、静态列、占位列返回已关闭的空事件流。
// ctx 取消（调用方离开）或 Cancel 后不再调度新的行，已持有的单元格和列锁都会释放。
func (d *Dispatcher) GenerateColumn(ctx context.Context, req Request) (<-chan domain.Event, error) {
	table, err := d.store.Table(ctx, req.DatasetID)
	if err != nil {
		return nil, err
	}
	if req.ColumnID == domain.PlaceholderColumnID {
		return closed(), nil
	}
	column, err := table.Column(req.ColumnID)
	if err != nil {
		return nil, err
	}
	if column.Kind != model.ColumnKindDynamic || column.Generating {
		klog.V(6).Infof("列不可生成，忽略请求: dataset=%s, column=%s, kind=%s, generating=%v",
			req.DatasetID, req.ColumnID, column.Kind, column.Generating)
		return closed(), nil
	}

	columns := table.Columns()
	recipe, err := resolver.Validate(column, columns)
	if err != nil {
		klog.Warningf("列生成配置错误: dataset=%s, column=%s, err=%v", req.DatasetID, req.ColumnID, err)
		return nil, err
	}

	locked, ok, err := table.TryLockColumn(req.ColumnID)
	if err != nil {
		return nil, err
	}
	if !ok {
		klog.V(6).Infof("列已在生成中，忽略请求: dataset=%s, column=%s", req.DatasetID, req.ColumnID)
		return closed(), nil
	}

	rng := d.rowRange(recipe, req.Range, table.RowCount())
	runCtx, cancel := context.WithCancel(ctx)
	key := runKey(req.DatasetID, req.ColumnID)
	d.mu.Lock()
	d.running[key] = cancel
	d.mu.Unlock()

	r := &run{
		d:       d,
		req:     req,
		table:   table,
		recipe:  recipe,
		columns: columns,
		rng:     rng,
		ctx:     runCtx,
		cancel:  cancel,
		key:     key,
		out:     make(chan domain.Event, d.cfg.PageSize+1),
	}
	klog.V(6).Infof("开始列生成: dataset=%s, column=%s, task=%s, offset=%d, limit=%d",
		req.DatasetID, req.ColumnID, recipe.Task.Name(), rng.Offset, rng.Limit)

	go r.start(locked)
	return r.out, nil
}

// Validate 只做生成前的配置检查，不加锁也不调用模型
func (d *Dispatcher) Validate(ctx context.Context, datasetID, columnID string) error {
	table, err := d.store.Table(ctx, datasetID)
	if err != nil {
		return err
	}
	if columnID == domain.PlaceholderColumnID {
		return domain.ErrPlaceholder
	}
	column, err := table.Column(columnID)
	if err != nil {
		return err
	}
	if column.Kind != model.ColumnKindDynamic {
		return nil
	}
	_, err = resolver.Validate(column, table.Columns())
	return err
}

// RegenerateCell 重新生成单个单元格，已校验的单元格也会被重新生成
func (d *Dispatcher) RegenerateCell(ctx context.Context, datasetID, columnID string, idx int, accessToken string) (<-chan domain.Event, error) {
	return d.GenerateColumn(ctx, Request{
		DatasetID:        datasetID,
		ColumnID:         columnID,
		Range:            &domain.RowRange{Offset: idx, Limit: 1},
		IncludeValidated: true,
		AccessToken:      accessToken,
	})
}

// Cancel 取消某列正在进行的生成（例如列被删除），返回是否存在该生成
func (d *Dispatcher) Cancel(datasetID, columnID string) bool {
	d.mu.Lock()
	cancel, ok := d.running[runKey(datasetID, columnID)]
	d.mu.Unlock()
	if ok {
		klog.V(6).Infof("取消列生成: dataset=%s, column=%s", datasetID, columnID)
		cancel()
	}
	return ok
}

// IsRunning 某列是否正在生成
func (d *Dispatcher) IsRunning(datasetID, columnID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.running[runKey(datasetID, columnID)]
	return ok
}

// rowRange limit 为 0 时生成到表尾；空表且不依赖其他列时生成默认行数
func (d *Dispatcher) rowRange(recipe *domain.Recipe, override *domain.RowRange, rows int) domain.RowRange {
	rng := domain.RowRange{Offset: recipe.Offset, Limit: recipe.Limit}
	if override != nil {
		rng = *override
	}
	if rng.Offset < 0 {
		rng.Offset = 0
	}
	if rng.Limit <= 0 {
		rng.Limit = rows - rng.Offset
		if rng.Limit <= 0 && len(recipe.Dependencies()) == 0 {
			rng.Limit = d.cfg.DefaultLimit
		}
	}
	if rng.Limit < 0 {
		rng.Limit = 0
	}
	return rng
}

func closed() <-chan domain.Event {
	ch := make(chan domain.Event)
	close(ch)
	return ch
}

// run 一次列生成的执行状态
type run struct {
	d       *Dispatcher
	req     Request
	table   *store.Table
	recipe  *domain.Recipe
	columns []*model.Column
	rng     domain.RowRange
	ctx     context.Context
	cancel  context.CancelFunc
	key     string
	out     chan domain.Event

	examplesMu sync.Mutex
	examples   []prompt.Example
	// feedback 无引用且没有已校验示例时，把本次生成的结果作为后续行的示例
	feedback bool
}

func (r *run) start(locked *model.Column) {
	defer r.finish()

	r.emit(domain.Event{Column: locked})
	r.examples = r.collectExamples()
	r.feedback = len(r.recipe.References) == 0 && len(r.examples) == 0 && !r.recipe.Task.IsImageOutput()

	concurrency := r.d.cfg.Concurrency
	if r.feedback {
		// 需要上一行的结果作为示例，只能串行
		concurrency = 1
	}
	pageSize := r.d.cfg.PageSize
	end := r.rng.Offset + r.rng.Limit

	for pageStart := r.rng.Offset; pageStart < end; pageStart += pageSize {
		if r.ctx.Err() != nil {
			return
		}
		pageEnd := pageStart + pageSize
		if pageEnd > end {
			pageEnd = end
		}

		// 先占用本页所有单元格，再并发调度
		var idxs []int
		for idx := pageStart; idx < pageEnd; idx++ {
			cell, ok, err := r.table.BeginCell(r.persistCtx(), r.req.ColumnID, idx, r.req.IncludeValidated)
			if err != nil && !store.IsPersistError(err) {
				klog.Warningf("占用单元格失败: column=%s, idx=%d, err=%v", r.req.ColumnID, idx, err)
				if errors.Is(err, domain.ErrColumnNotFound) {
					return
				}
				continue
			}
			if !ok {
				continue
			}
			idxs = append(idxs, idx)
			r.emit(domain.Event{Cell: cell})
		}

		g := new(errgroup.Group)
		g.SetLimit(concurrency)
		for _, idx := range idxs {
			g.Go(func() error {
				r.generateRow(idx)
				return nil
			})
		}
		_ = g.Wait()
		klog.V(6).Infof("列生成完成一页: column=%s, rows=[%d,%d), dispatched=%d", r.req.ColumnID, pageStart, pageEnd, len(idxs))
	}
}

// finish 释放仍被持有的单元格和列锁，发送列完成事件并关闭事件流
func (r *run) finish() {
	ctx := r.persistCtx()
	for _, idx := range r.table.GeneratingCells(r.req.ColumnID) {
		cell, err := r.table.ReleaseCell(ctx, r.req.ColumnID, idx)
		if err != nil && !store.IsPersistError(err) {
			continue
		}
		r.tryEmit(domain.Event{Cell: cell})
	}

	// 先注销再释放列锁，否则紧接着开始的新生成会被这里误删
	r.d.mu.Lock()
	delete(r.d.running, r.key)
	r.d.mu.Unlock()

	col := r.table.UnlockColumn(r.req.ColumnID)
	if col != nil {
		r.tryEmit(domain.Event{Column: col, Done: true})
	}
	if r.ctx.Err() != nil {
		klog.V(6).Infof("列生成已中断: dataset=%s, column=%s", r.req.DatasetID, r.req.ColumnID)
	} else {
		klog.V(6).Infof("列生成结束: dataset=%s, column=%s", r.req.DatasetID, r.req.ColumnID)
	}
	close(r.out)
	r.cancel()
}

func (r *run) generateRow(idx int) {
	if r.ctx.Err() != nil {
		return
	}

	outcome := r.execute(idx)
	if r.ctx.Err() != nil {
		// 取消之后到达的结果直接丢弃
		klog.V(6).Infof("丢弃取消后到达的结果: column=%s, idx=%d", r.req.ColumnID, idx)
		return
	}

	cell, err := r.table.ApplyOutcome(r.persistCtx(), r.req.ColumnID, outcome)
	if err != nil {
		if errors.Is(err, store.ErrStaleOutcome) || errors.Is(err, domain.ErrColumnNotFound) {
			klog.V(6).Infof("丢弃过期结果: column=%s, idx=%d, err=%v", r.req.ColumnID, idx, err)
			return
		}
		if !store.IsPersistError(err) {
			klog.Errorf("合并生成结果失败: column=%s, idx=%d, err=%v", r.req.ColumnID, idx, err)
			return
		}
	}
	r.emit(domain.Event{Cell: cell})

	if r.feedback && cell.Value != "" {
		r.examplesMu.Lock()
		r.examples = append(r.examples, prompt.Example{Output: cell.Value})
		r.examplesMu.Unlock()
	}
}

// execute 渲染并调用模型，依赖缺失等行级问题都转换为失败结果
func (r *run) execute(idx int) domain.RowOutcome {
	in, err := resolver.RowInputs(r.recipe, r.columns, r.table.Lookup(r.persistCtx()), idx)
	if err != nil {
		return domain.Failed(idx, err.Error())
	}
	rendered, err := prompt.Render(r.recipe.Prompt, in.Data)
	if err != nil {
		return domain.Failed(idx, err.Error())
	}

	instruction := rendered
	if !r.recipe.Task.IsImageOutput() {
		r.examplesMu.Lock()
		examples := append([]prompt.Example(nil), r.examples...)
		r.examplesMu.Unlock()
		instruction = prompt.BuildInstruction(rendered, len(r.recipe.References) > 0, examples)
	}

	preq := domain.ProviderRequest{
		Idx:           idx,
		ModelName:     r.recipe.ModelName,
		ModelProvider: r.recipe.ModelProvider,
		EndpointURL:   r.recipe.EndpointURL,
		AccessToken:   r.req.AccessToken,
		Instruction:   instruction,
		Image:         in.Image,
		Timeout:       r.d.cfg.Timeout,
		Task:          r.recipe.Task,
	}
	if r.d.cfg.StreamPartials && !r.recipe.Task.IsImageOutput() {
		preq.OnPartial = func(value string) {
			r.emit(domain.Event{
				Cell:    &model.Cell{ColumnID: r.req.ColumnID, Idx: idx, Value: value, Generating: true},
				Partial: true,
			})
		}
	}
	return r.d.adapter.Execute(r.ctx, preq)
}

// collectExamples 已校验的单元格作为示例；有引用时带上该行的输入
func (r *run) collectExamples() []prompt.Example {
	limit := r.d.cfg.ExampleLimit
	var examples []prompt.Example
	for _, cell := range r.table.ColumnCells(r.req.ColumnID) {
		if limit > 0 && len(examples) >= limit {
			break
		}
		if !cell.Validated || cell.Value == "" || (r.req.IncludeValidated && r.inRange(cell.Idx)) {
			continue
		}
		ex := prompt.Example{Output: cell.Value}
		if len(r.recipe.References) > 0 {
			in, err := resolver.RowInputs(r.recipe, r.columns, r.table.Lookup(r.persistCtx()), cell.Idx)
			if err != nil {
				continue
			}
			ex.Inputs = in.Data
		}
		examples = append(examples, ex)
	}
	return examples
}

func (r *run) inRange(idx int) bool {
	return idx >= r.rng.Offset && idx < r.rng.Offset+r.rng.Limit
}

// persistCtx 持久化不随调用方取消而中断，避免内存与数据库状态不一致
func (r *run) persistCtx() context.Context {
	return context.WithoutCancel(r.ctx)
}

// emit 调用方已离开时丢弃事件
func (r *run) emit(ev domain.Event) {
	ev.DatasetID = r.req.DatasetID
	select {
	case r.out <- ev:
	case <-r.ctx.Done():
	}
}

// tryEmit 用于收尾阶段，调用方可能已经不再读取
func (r *run) tryEmit(ev domain.Event) {
	ev.DatasetID = r.req.DatasetID
	select {
	case r.out <- ev:
	case <-r.ctx.Done():
		select {
		case r.out <- ev:
		default:
		}
	}
}
