package store

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/weibaohui/opensheets/internal/domain"
	"github.com/weibaohui/opensheets/internal/model"
	"github.com/weibaohui/opensheets/internal/repository"
	"github.com/weibaohui/opensheets/internal/service/resolver"
	"github.com/weibaohui/opensheets/internal/service/statemachine"
)

const writeStripes = 32

type cellKey struct {
	column string
	idx    int
}

// Table 一个数据集在内存中的权威状态，所有列和单元格的修改都经过这里。
// 修改在 mu 保护下完成，单元格的写库在 mu 之外进行，返回值都是拷贝。
type Table struct {
	id      string
	name    string
	gateway repository.Gateway
	sm      *statemachine.CellStateMachine

	mu          sync.Mutex
	columns     []*model.Column
	cells       map[string]map[int]*model.Cell
	placeholder *model.Column
	rows        int
	// loaded 加载时被截断的列，idx >= loaded[col] 的单元格可能只在数据库中
	loaded map[string]int
	// seq 单元格的修改序号，只有最新一次修改的快照会写库
	seq     map[cellKey]uint64
	deleted bool

	// writes 同一单元格的写库按条带锁串行
	writes [writeStripes]sync.Mutex
}

func newTable(ds *model.Dataset, gateway repository.Gateway, sm *statemachine.CellStateMachine, cellLimit int) *Table {
	t := &Table{
		id:      ds.ID,
		name:    ds.Name,
		gateway: gateway,
		sm:      sm,
		cells:   make(map[string]map[int]*model.Cell),
		rows:    ds.Rows,
		loaded:  make(map[string]int),
		seq:     make(map[cellKey]uint64),
	}
	for i := range ds.Columns {
		col := ds.Columns[i].Clone()
		col.Generating = false
		t.columns = append(t.columns, col)
		byIdx := make(map[int]*model.Cell, len(ds.Columns[i].Cells))
		bound := 0
		for j := range ds.Columns[i].Cells {
			cell := ds.Columns[i].Cells[j].Clone()
			// 上次进程退出时残留的占用标记
			cell.Generating = false
			byIdx[cell.Idx] = cell
			if cell.Idx+1 > bound {
				bound = cell.Idx + 1
			}
		}
		if bound > t.rows {
			t.rows = bound
		}
		if cellLimit > 0 && len(ds.Columns[i].Cells) >= cellLimit {
			t.loaded[col.ID] = bound
		}
		t.cells[col.ID] = byIdx
	}
	return t
}

func (t *Table) ID() string { return t.id }

func (t *Table) Name() string { return t.name }

// Snapshot 整表拷贝，占位列（如有）排在最后
func (t *Table) Snapshot() *model.Dataset {
	t.mu.Lock()
	defer t.mu.Unlock()

	ds := &model.Dataset{ID: t.id, Name: t.name, Rows: t.rows}
	for _, c := range t.columns {
		col := *c.Clone()
		for _, cell := range t.sortedCellsLocked(c.ID) {
			col.Cells = append(col.Cells, *cell)
		}
		ds.Columns = append(ds.Columns, col)
	}
	if t.placeholder != nil {
		ds.Columns = append(ds.Columns, *t.placeholder.Clone())
	}
	return ds
}

// Columns 已持久化的列（不含占位列）
func (t *Table) Columns() []*model.Column {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.columnsLocked()
}

func (t *Table) columnsLocked() []*model.Column {
	out := make([]*model.Column, 0, len(t.columns))
	for _, c := range t.columns {
		out = append(out, c.Clone())
	}
	return out
}

func (t *Table) Column(id string) (*model.Column, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id == domain.PlaceholderColumnID && t.placeholder != nil {
		return t.placeholder.Clone(), nil
	}
	c, _ := t.findLocked(id)
	if c == nil {
		return nil, domain.ErrColumnNotFound
	}
	return c.Clone(), nil
}

// Cell 读取单元格，签名与 resolver.CellLookup 一致
func (t *Table) Cell(columnID string, idx int) (*model.Cell, bool) {
	return t.Lookup(context.Background())(columnID, idx)
}

// Lookup 返回带 ctx 的单元格读取函数，未加载的单元格从数据库补载
func (t *Table) Lookup(ctx context.Context) resolver.CellLookup {
	return func(columnID string, idx int) (*model.Cell, bool) {
		t.loadCell(ctx, columnID, idx)
		t.mu.Lock()
		defer t.mu.Unlock()
		cell, ok := t.cells[columnID][idx]
		if !ok {
			return nil, false
		}
		return cell.Clone(), true
	}
}

// loadCell 截断列中超出已加载范围的单元格按需从数据库读取
func (t *Table) loadCell(ctx context.Context, columnID string, idx int) {
	t.mu.Lock()
	bound, truncated := t.loaded[columnID]
	_, present := t.cells[columnID][idx]
	t.mu.Unlock()
	if !truncated || present || idx < bound {
		return
	}

	cell, err := t.gateway.GetCell(ctx, columnID, idx)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			klog.Warningf("读取单元格失败: dataset=%s, column=%s, idx=%d, err=%v", t.id, columnID, idx, err)
		}
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	byIdx, ok := t.cells[columnID]
	if !ok {
		return
	}
	if _, exists := byIdx[idx]; exists {
		return
	}
	cell.Generating = false
	cell.SyncError = ""
	byIdx[idx] = cell
	if idx+1 > t.rows {
		t.rows = idx + 1
	}
}

// ColumnCells 按 idx 排序的单元格拷贝
func (t *Table) ColumnCells(columnID string) []*model.Cell {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sortedCellsLocked(columnID)
}

func (t *Table) sortedCellsLocked(columnID string) []*model.Cell {
	byIdx := t.cells[columnID]
	out := make([]*model.Cell, 0, len(byIdx))
	for _, c := range byIdx {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Idx < out[j].Idx })
	return out
}

// RowCount 行数，等于所有列中最大 idx + 1
func (t *Table) RowCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rows
}

func (t *Table) findLocked(id string) (*model.Column, int) {
	for i, c := range t.columns {
		if c.ID == id {
			return c, i
		}
	}
	return nil, -1
}

// validateLocked 动态列在保存时就检查配置，避免把环写入数据库
func (t *Table) validateLocked(col *model.Column) error {
	if col.Kind != model.ColumnKindDynamic {
		return nil
	}
	set := make([]*model.Column, 0, len(t.columns)+1)
	replaced := false
	for _, c := range t.columns {
		if c.ID == col.ID {
			set = append(set, col)
			replaced = true
			continue
		}
		set = append(set, c)
	}
	if !replaced {
		set = append(set, col)
	}
	_, err := resolver.Validate(col, set)
	return err
}

// AddColumn 新增列并持久化
func (t *Table) AddColumn(ctx context.Context, col *model.Column) (*model.Column, error) {
	if col.ID == domain.PlaceholderColumnID {
		return nil, domain.ErrPlaceholder
	}
	col = col.Clone()
	if col.ID == "" {
		col.ID = uuid.NewString()
	}
	col.DatasetID = t.id
	col.Generating = false
	col.SyncError = ""
	if col.Kind == "" {
		col.Kind = model.ColumnKindStatic
	}
	if col.Kind == model.ColumnKindStatic {
		col.Process = nil
	}
	if col.Process != nil {
		col.Process.ID = 0
		col.Process.ColumnID = col.ID
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if c, _ := t.findLocked(col.ID); c != nil {
		return nil, fmt.Errorf("column %s already exists: %w", col.ID, domain.ErrInvalidArgument)
	}
	if err := t.validateLocked(col); err != nil {
		return nil, err
	}
	col.SortOrder = len(t.columns)
	t.columns = append(t.columns, col)
	t.cells[col.ID] = make(map[int]*model.Cell)

	if err := t.gateway.CreateColumn(ctx, col.Clone()); err != nil {
		col.SyncError = err.Error()
		klog.Errorf("保存列失败: dataset=%s, column=%s, err=%v", t.id, col.ID, err)
		return col.Clone(), &PersistError{Entity: "column", ID: col.ID, Err: err}
	}
	klog.V(6).Infof("新增列: dataset=%s, column=%s, kind=%s", t.id, col.ID, col.Kind)
	return col.Clone(), nil
}

// UpdateColumn 更新列的元信息和 Process，不影响单元格和 generating 标记
func (t *Table) UpdateColumn(ctx context.Context, col *model.Column) (*model.Column, error) {
	if col.ID == domain.PlaceholderColumnID {
		return t.UpdatePlaceholder(col)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	current, i := t.findLocked(col.ID)
	if current == nil {
		return nil, domain.ErrColumnNotFound
	}
	next := col.Clone()
	next.DatasetID = t.id
	next.Generating = current.Generating
	next.SortOrder = current.SortOrder
	next.CreatedAt = current.CreatedAt
	next.SyncError = ""
	if next.Kind == "" {
		next.Kind = current.Kind
	}
	if next.Kind == model.ColumnKindStatic {
		next.Process = nil
	}
	if next.Process != nil {
		next.Process.ColumnID = next.ID
	}
	if err := t.validateLocked(next); err != nil {
		return nil, err
	}
	t.columns[i] = next

	if err := t.gateway.UpdateColumnPartially(ctx, next.Clone()); err != nil {
		next.SyncError = err.Error()
		klog.Errorf("更新列失败: dataset=%s, column=%s, err=%v", t.id, next.ID, err)
		return next.Clone(), &PersistError{Entity: "column", ID: next.ID, Err: err}
	}
	return next.Clone(), nil
}

// RemoveColumn 删除列及其单元格。正在进行的生成由调用方取消，之后到达的结果会因列不存在被丢弃
func (t *Table) RemoveColumn(ctx context.Context, id string) error {
	if id == domain.PlaceholderColumnID {
		t.RemovePlaceholder()
		return nil
	}

	// 等待进行中的单元格写入结束，避免删除后再写入孤立的单元格
	release := t.quiesce()
	defer release()
	t.mu.Lock()
	defer t.mu.Unlock()

	current, i := t.findLocked(id)
	if current == nil {
		return domain.ErrColumnNotFound
	}
	t.columns = append(t.columns[:i], t.columns[i+1:]...)
	delete(t.cells, id)
	delete(t.loaded, id)
	for key := range t.seq {
		if key.column == id {
			delete(t.seq, key)
		}
	}

	if err := t.gateway.DeleteColumn(ctx, id); err != nil {
		klog.Errorf("删除列失败: dataset=%s, column=%s, err=%v", t.id, id, err)
		return &PersistError{Entity: "column", ID: id, Err: err}
	}
	klog.V(6).Infof("删除列: dataset=%s, column=%s", t.id, id)
	return nil
}

// DuplicateColumn 复制列配置（包括引用的列 ID），新列没有任何单元格
func (t *Table) DuplicateColumn(ctx context.Context, id string) (*model.Column, error) {
	src, err := t.Column(id)
	if err != nil {
		return nil, err
	}
	if src.ID == domain.PlaceholderColumnID {
		return nil, domain.ErrPlaceholder
	}
	dup := src.Clone()
	dup.ID = ""
	dup.Name = src.Name + " copy"
	dup.CreatedAt = time.Time{}
	dup.UpdatedAt = time.Time{}
	return t.AddColumn(ctx, dup)
}

// AddPlaceholder 设置正在配置中的列，不持久化
func (t *Table) AddPlaceholder(col *model.Column) (*model.Column, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.placeholder != nil {
		return nil, fmt.Errorf("dataset %s already has a column being configured: %w", t.id, domain.ErrPlaceholder)
	}
	t.placeholder = placeholderOf(col, t.id)
	return t.placeholder.Clone(), nil
}

func (t *Table) UpdatePlaceholder(col *model.Column) (*model.Column, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.placeholder == nil {
		return nil, domain.ErrColumnNotFound
	}
	t.placeholder = placeholderOf(col, t.id)
	return t.placeholder.Clone(), nil
}

func (t *Table) RemovePlaceholder() {
	t.mu.Lock()
	t.placeholder = nil
	t.mu.Unlock()
}

// ConfirmPlaceholder 给占位列分配真实 ID 并持久化
func (t *Table) ConfirmPlaceholder(ctx context.Context) (*model.Column, error) {
	t.mu.Lock()
	ph := t.placeholder
	t.mu.Unlock()
	if ph == nil {
		return nil, domain.ErrColumnNotFound
	}

	col := ph.Clone()
	col.ID = uuid.NewString()
	col, err := t.AddColumn(ctx, col)
	if err != nil && !IsPersistError(err) {
		return nil, err
	}
	t.RemovePlaceholder()
	return col, err
}

func placeholderOf(col *model.Column, datasetID string) *model.Column {
	ph := col.Clone()
	ph.ID = domain.PlaceholderColumnID
	ph.DatasetID = datasetID
	ph.Generating = false
	if ph.Kind == "" {
		ph.Kind = model.ColumnKindDynamic
	}
	return ph
}

// AddCell 新增单元格，已存在时原样返回
func (t *Table) AddCell(ctx context.Context, cell *model.Cell) (*model.Cell, error) {
	t.loadCell(ctx, cell.ColumnID, cell.Idx)
	t.mu.Lock()
	byIdx, ok := t.cells[cell.ColumnID]
	if !ok {
		t.mu.Unlock()
		return nil, domain.ErrColumnNotFound
	}
	if existing, ok := byIdx[cell.Idx]; ok {
		t.mu.Unlock()
		return existing.Clone(), nil
	}
	c := cell.Clone()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.Generating = false
	byIdx[c.Idx] = c
	if c.Idx+1 > t.rows {
		t.rows = c.Idx + 1
	}
	snap, seq := t.stageLocked(c)
	t.mu.Unlock()
	return t.persist(ctx, snap, seq, true)
}

// ReplaceCell 覆盖单元格内容，不存在时创建
func (t *Table) ReplaceCell(ctx context.Context, cell *model.Cell) (*model.Cell, error) {
	t.loadCell(ctx, cell.ColumnID, cell.Idx)
	t.mu.Lock()
	byIdx, ok := t.cells[cell.ColumnID]
	if !ok {
		t.mu.Unlock()
		return nil, domain.ErrColumnNotFound
	}
	c := cell.Clone()
	if existing, ok := byIdx[c.Idx]; ok {
		c.ID = existing.ID
		c.CreatedAt = existing.CreatedAt
	} else if c.ID == "" {
		c.ID = uuid.NewString()
	}
	byIdx[c.Idx] = c
	if c.Idx+1 > t.rows {
		t.rows = c.Idx + 1
	}
	snap, seq := t.stageLocked(c)
	t.mu.Unlock()
	return t.persist(ctx, snap, seq, false)
}

// AppendRow 在表尾追加一行，为每一列创建单元格；values 为列 ID -> 值
func (t *Table) AppendRow(ctx context.Context, values map[string]string) (int, []*model.Cell, error) {
	type staged struct {
		snap *model.Cell
		seq  uint64
	}
	t.mu.Lock()
	idx := t.rows
	t.rows++
	pending := make([]staged, 0, len(t.columns))
	for _, col := range t.columns {
		c := &model.Cell{ID: uuid.NewString(), ColumnID: col.ID, Idx: idx, Value: values[col.ID]}
		t.cells[col.ID][idx] = c
		snap, seq := t.stageLocked(c)
		pending = append(pending, staged{snap: snap, seq: seq})
	}
	t.mu.Unlock()

	var (
		out      []*model.Cell
		firstErr error
	)
	for _, p := range pending {
		saved, err := t.persist(ctx, p.snap, p.seq, true)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		out = append(out, saved)
	}
	return idx, out, firstErr
}

// ValidateCell 用户确认单元格内容：写入 value，validated=true，清除 error 和 generating
func (t *Table) ValidateCell(ctx context.Context, columnID string, idx int, value string) (*model.Cell, error) {
	t.loadCell(ctx, columnID, idx)
	t.mu.Lock()
	byIdx, ok := t.cells[columnID]
	if !ok {
		t.mu.Unlock()
		return nil, domain.ErrColumnNotFound
	}
	c, ok := byIdx[idx]
	if !ok {
		c = &model.Cell{ID: uuid.NewString(), ColumnID: columnID, Idx: idx}
		byIdx[idx] = c
		if idx+1 > t.rows {
			t.rows = idx + 1
		}
	}
	from := statemachine.StatusOf(c)
	if from != statemachine.CellStatusValidated {
		if err := t.sm.Transition(from, statemachine.CellStatusValidated, columnID, idx); err != nil {
			t.mu.Unlock()
			return nil, err
		}
	}
	c.Value = value
	c.Blob = nil
	c.Error = ""
	c.PreviousValue = ""
	c.Validated = true
	c.Generating = false
	snap, seq := t.stageLocked(c)
	t.mu.Unlock()
	return t.persist(ctx, snap, seq, false)
}

// BeginCell 对单元格做 check-and-set，成功时标记 generating 并返回 true。
// 单元格不存在时先创建；已被占用，或已校验且 includeValidated=false 时返回 false。
func (t *Table) BeginCell(ctx context.Context, columnID string, idx int, includeValidated bool) (*model.Cell, bool, error) {
	t.loadCell(ctx, columnID, idx)
	t.mu.Lock()
	byIdx, ok := t.cells[columnID]
	if !ok {
		t.mu.Unlock()
		return nil, false, domain.ErrColumnNotFound
	}
	c, ok := byIdx[idx]
	if !ok {
		c = &model.Cell{ID: uuid.NewString(), ColumnID: columnID, Idx: idx}
		byIdx[idx] = c
		if idx+1 > t.rows {
			t.rows = idx + 1
		}
	}
	from := statemachine.StatusOf(c)
	if from == statemachine.CellStatusValidated && !includeValidated {
		t.mu.Unlock()
		return c.Clone(), false, nil
	}
	if err := t.sm.Transition(from, statemachine.CellStatusGenerating, columnID, idx); err != nil {
		t.mu.Unlock()
		return c.Clone(), false, nil
	}
	c.Generating = true
	c.Validated = false
	snap, seq := t.stageLocked(c)
	t.mu.Unlock()
	saved, err := t.persist(ctx, snap, seq, false)
	return saved, true, err
}

// ApplyOutcome 合并一行的最终结果。只有仍被生成持有的单元格才会被修改，
// 因此同一结果重复合并与合并一次的状态相同。
func (t *Table) ApplyOutcome(ctx context.Context, columnID string, outcome domain.RowOutcome) (*model.Cell, error) {
	t.mu.Lock()
	byIdx, ok := t.cells[columnID]
	if !ok {
		t.mu.Unlock()
		return nil, domain.ErrColumnNotFound
	}
	c, ok := byIdx[outcome.Idx]
	if !ok || !c.Generating {
		t.mu.Unlock()
		if ok {
			return c.Clone(), ErrStaleOutcome
		}
		return nil, ErrStaleOutcome
	}

	if outcome.Error != "" {
		if err := t.sm.Transition(statemachine.CellStatusGenerating, statemachine.CellStatusFailed, columnID, outcome.Idx); err != nil {
			t.mu.Unlock()
			return nil, err
		}
		if c.Value != "" {
			c.PreviousValue = c.Value
		}
		c.Value = ""
		c.Blob = nil
		c.Error = outcome.Error
	} else {
		if err := t.sm.Transition(statemachine.CellStatusGenerating, statemachine.CellStatusDone, columnID, outcome.Idx); err != nil {
			t.mu.Unlock()
			return nil, err
		}
		c.Value = outcome.Value
		c.Blob = outcome.Blob
		c.Error = ""
		c.PreviousValue = ""
	}
	c.Validated = false
	c.Generating = false
	snap, seq := t.stageLocked(c)
	t.mu.Unlock()
	return t.persist(ctx, snap, seq, false)
}

// ReleaseCell 释放本次生成持有的单元格而不写入结果（取消、中断）
func (t *Table) ReleaseCell(ctx context.Context, columnID string, idx int) (*model.Cell, error) {
	t.mu.Lock()
	c, ok := t.cells[columnID][idx]
	if !ok {
		t.mu.Unlock()
		return nil, domain.ErrCellNotFound
	}
	if !c.Generating {
		t.mu.Unlock()
		return c.Clone(), nil
	}
	c.Generating = false
	snap, seq := t.stageLocked(c)
	t.mu.Unlock()
	return t.persist(ctx, snap, seq, false)
}

// GeneratingCells 列中仍处于 generating 的行
func (t *Table) GeneratingCells(columnID string) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var idxs []int
	for idx, c := range t.cells[columnID] {
		if c.Generating {
			idxs = append(idxs, idx)
		}
	}
	sort.Ints(idxs)
	return idxs
}

// TryLockColumn 列级 check-and-set，已在生成中或不可生成时返回 false
func (t *Table) TryLockColumn(columnID string) (*model.Column, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if columnID == domain.PlaceholderColumnID {
		return nil, false, nil
	}
	c, _ := t.findLocked(columnID)
	if c == nil {
		return nil, false, domain.ErrColumnNotFound
	}
	if !resolver.CanGenerate(c) {
		return c.Clone(), false, nil
	}
	c.Generating = true
	return c.Clone(), true, nil
}

// UnlockColumn 释放列锁，列已被删除时返回 nil
func (t *Table) UnlockColumn(columnID string) *model.Column {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, _ := t.findLocked(columnID)
	if c == nil {
		return nil
	}
	c.Generating = false
	return c.Clone()
}

// stageLocked 记录一次修改并返回待写库的快照
func (t *Table) stageLocked(c *model.Cell) (*model.Cell, uint64) {
	c.SyncError = ""
	key := cellKey{column: c.ColumnID, idx: c.Idx}
	t.seq[key]++
	return c.Clone(), t.seq[key]
}

func (t *Table) writeLock(key cellKey) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.column))
	return &t.writes[(h.Sum32()+uint32(key.idx))%writeStripes]
}

// quiesce 持有全部条带锁，期间没有单元格在写库
func (t *Table) quiesce() func() {
	for i := range t.writes {
		t.writes[i].Lock()
	}
	return func() {
		for i := len(t.writes) - 1; i >= 0; i-- {
			t.writes[i].Unlock()
		}
	}
}

// markDeleted 数据集已删除，之后的单元格修改不再写库
func (t *Table) markDeleted() {
	release := t.quiesce()
	defer release()
	t.mu.Lock()
	t.deleted = true
	t.mu.Unlock()
}

// persist 在 mu 之外写库。已有更新的修改时跳过本次写入，由更新的那次负责；
// create 为 true 时直接插入，否则先更新、不存在再插入。失败记录在单元格的 SyncError 上
func (t *Table) persist(ctx context.Context, snap *model.Cell, seq uint64, create bool) (*model.Cell, error) {
	key := cellKey{column: snap.ColumnID, idx: snap.Idx}
	w := t.writeLock(key)
	w.Lock()
	defer w.Unlock()

	t.mu.Lock()
	_, live := t.cells[key.column][key.idx]
	latest := live && !t.deleted && t.seq[key] == seq
	t.mu.Unlock()
	if !latest {
		return snap, nil
	}

	var err error
	if create {
		err = t.gateway.CreateCell(ctx, snap.Clone())
	} else {
		err = repository.SaveCell(ctx, t.gateway, snap.Clone())
	}
	if err == nil {
		return snap, nil
	}

	snap.SyncError = err.Error()
	t.mu.Lock()
	if c, ok := t.cells[key.column][key.idx]; ok && t.seq[key] == seq {
		c.SyncError = snap.SyncError
	}
	t.mu.Unlock()
	klog.Errorf("保存单元格失败: dataset=%s, column=%s, idx=%d, err=%v", t.id, snap.ColumnID, snap.Idx, err)
	return snap.Clone(), &PersistError{Entity: "cell", ID: snap.ID, Err: err}
}
