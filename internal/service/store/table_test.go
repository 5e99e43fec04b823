package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/weibaohui/opensheets/internal/domain"
	"github.com/weibaohui/opensheets/internal/model"
	"github.com/weibaohui/opensheets/internal/pkg/database"
	"github.com/weibaohui/opensheets/internal/repository"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, database.Migrate(db))
	return db
}

// failingGateway 指定行的单元格写入失败
type failingGateway struct {
	repository.Gateway
	failIdx int
}

func (g *failingGateway) CreateCell(ctx context.Context, cell *model.Cell) error {
	if cell.Idx == g.failIdx {
		return errors.New("disk full")
	}
	return g.Gateway.CreateCell(ctx, cell)
}

func (g *failingGateway) UpdateCell(ctx context.Context, cell *model.Cell) error {
	if cell.Idx == g.failIdx {
		return errors.New("disk full")
	}
	return g.Gateway.UpdateCell(ctx, cell)
}

// blockingGateway 指定行的下一次 summary 单元格更新阻塞，直到 release 关闭
type blockingGateway struct {
	repository.Gateway
	mu       sync.Mutex
	blockIdx int
	entered  chan struct{}
	release  chan struct{}
}

func (g *blockingGateway) UpdateCell(ctx context.Context, cell *model.Cell) error {
	g.mu.Lock()
	block := cell.ColumnID == "summary" && cell.Idx == g.blockIdx
	if block {
		g.blockIdx = -1
	}
	g.mu.Unlock()
	if block {
		close(g.entered)
		<-g.release
	}
	return g.Gateway.UpdateCell(ctx, cell)
}

// newTestTable 创建包含 title(static) 和 summary(dynamic) 两列、3 行数据的表
func newTestTable(t *testing.T, gateway repository.Gateway) *Table {
	t.Helper()
	ctx := context.Background()
	s := New(gateway, 100)
	table, err := s.CreateDataset(ctx, "reviews", "tester")
	require.NoError(t, err)

	_, err = table.AddColumn(ctx, &model.Column{ID: "title", Name: "title", Kind: model.ColumnKindStatic, Type: "text", Visible: true})
	require.NoError(t, err)
	_, err = table.AddColumn(ctx, &model.Column{
		ID: "summary", Name: "summary", Kind: model.ColumnKindDynamic, Type: "text", Visible: true,
		Process: &model.Process{
			ModelName:         "meta-llama/Llama-3.3-70B-Instruct",
			ModelProvider:     "hf-inference",
			Prompt:            "Summarize: {{title}}",
			ColumnsReferences: []string{"title"},
		},
	})
	require.NoError(t, err)

	for _, v := range []string{"Cats are great", "Dogs too", "Birds sing"} {
		_, _, err := table.AppendRow(ctx, map[string]string{"title": v})
		require.NoError(t, err)
	}
	return table
}

func TestValidateCellResetsGeneration(t *testing.T) {
	table := newTestTable(t, repository.NewGormGateway(newTestDB(t)))
	ctx := context.Background()

	_, err := table.ReplaceCell(ctx, &model.Cell{ColumnID: "summary", Idx: 0, Value: "draft"})
	require.NoError(t, err)
	_, ok, err := table.BeginCell(ctx, "summary", 0, false)
	require.NoError(t, err)
	require.True(t, ok)

	cell, err := table.ValidateCell(ctx, "summary", 0, "final")
	require.NoError(t, err)
	assert.Equal(t, "final", cell.Value)
	assert.True(t, cell.Validated)
	assert.False(t, cell.Generating)
	assert.Empty(t, cell.Error)

	// 用户确认之后到达的生成结果被丢弃
	_, err = table.ApplyOutcome(ctx, "summary", domain.RowOutcome{Idx: 0, Value: "late", Done: true})
	assert.ErrorIs(t, err, ErrStaleOutcome)
	got, _ := table.Cell("summary", 0)
	assert.Equal(t, "final", got.Value)
}

func TestApplyOutcomeIsIdempotent(t *testing.T) {
	table := newTestTable(t, repository.NewGormGateway(newTestDB(t)))
	ctx := context.Background()

	_, ok, err := table.BeginCell(ctx, "summary", 1, false)
	require.NoError(t, err)
	require.True(t, ok)

	outcome := domain.RowOutcome{Idx: 1, Value: "A dog summary", Done: true}
	first, err := table.ApplyOutcome(ctx, "summary", outcome)
	require.NoError(t, err)

	_, err = table.ApplyOutcome(ctx, "summary", outcome)
	assert.ErrorIs(t, err, ErrStaleOutcome)
	second, _ := table.Cell("summary", 1)

	assert.Equal(t, first.Value, second.Value)
	assert.Equal(t, first.Error, second.Error)
	assert.False(t, second.Generating)
	assert.False(t, second.Validated)
}

func TestApplyOutcomeFailureKeepsPreviousValue(t *testing.T) {
	table := newTestTable(t, repository.NewGormGateway(newTestDB(t)))
	ctx := context.Background()

	_, err := table.ValidateCell(ctx, "summary", 2, "Birds summary")
	require.NoError(t, err)

	_, ok, err := table.BeginCell(ctx, "summary", 2, false)
	require.NoError(t, err)
	assert.False(t, ok, "已校验的单元格默认跳过")

	_, ok, err = table.BeginCell(ctx, "summary", 2, true)
	require.NoError(t, err)
	require.True(t, ok)

	cell, err := table.ApplyOutcome(ctx, "summary", domain.Failed(2, "timeout"))
	require.NoError(t, err)
	assert.Equal(t, "timeout", cell.Error)
	assert.Empty(t, cell.Value)
	assert.Equal(t, "Birds summary", cell.PreviousValue)
	assert.False(t, cell.Generating)
	assert.False(t, cell.Validated)
}

func TestBeginCellIsCheckAndSet(t *testing.T) {
	table := newTestTable(t, repository.NewGormGateway(newTestDB(t)))
	ctx := context.Background()

	_, ok, err := table.BeginCell(ctx, "summary", 0, false)
	require.NoError(t, err)
	assert.True(t, ok)

	_, ok, err = table.BeginCell(ctx, "summary", 0, true)
	require.NoError(t, err)
	assert.False(t, ok, "同一单元格不能被占用两次")
	assert.Equal(t, []int{0}, table.GeneratingCells("summary"))

	cell, err := table.ReleaseCell(ctx, "summary", 0)
	require.NoError(t, err)
	assert.False(t, cell.Generating)
	assert.Empty(t, table.GeneratingCells("summary"))

	_, _, err = table.BeginCell(ctx, "missing", 0, false)
	assert.ErrorIs(t, err, domain.ErrColumnNotFound)
}

func TestTryLockColumn(t *testing.T) {
	table := newTestTable(t, repository.NewGormGateway(newTestDB(t)))

	_, ok, err := table.TryLockColumn("summary")
	require.NoError(t, err)
	assert.True(t, ok)

	col, ok, err := table.TryLockColumn("summary")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, col.Generating)

	_, ok, _ = table.TryLockColumn("title")
	assert.False(t, ok, "静态列不能生成")

	_, ok, _ = table.TryLockColumn(domain.PlaceholderColumnID)
	assert.False(t, ok)

	col = table.UnlockColumn("summary")
	require.NotNil(t, col)
	assert.False(t, col.Generating)
	_, ok, _ = table.TryLockColumn("summary")
	assert.True(t, ok)
}

func TestPersistenceErrorDoesNotRollbackSiblings(t *testing.T) {
	gateway := &failingGateway{Gateway: repository.NewGormGateway(newTestDB(t)), failIdx: -1}
	table := newTestTable(t, gateway)
	ctx := context.Background()
	gateway.failIdx = 1

	for idx := 0; idx < 3; idx++ {
		_, ok, _ := table.BeginCell(ctx, "summary", idx, false)
		require.True(t, ok)
	}
	var errs []error
	for idx := 0; idx < 3; idx++ {
		_, err := table.ApplyOutcome(ctx, "summary", domain.RowOutcome{Idx: idx, Value: "ok", Done: true})
		errs = append(errs, err)
	}

	assert.NoError(t, errs[0])
	assert.True(t, IsPersistError(errs[1]))
	assert.NoError(t, errs[2])

	for idx := 0; idx < 3; idx++ {
		cell, ok := table.Cell("summary", idx)
		require.True(t, ok)
		assert.Equal(t, "ok", cell.Value, "内存中的结果不回滚")
		assert.False(t, cell.Generating)
	}
	failed, _ := table.Cell("summary", 1)
	assert.Contains(t, failed.SyncError, "disk full")
	ok0, _ := table.Cell("summary", 0)
	assert.Empty(t, ok0.SyncError)
}

func TestAddColumnRejectsCycle(t *testing.T) {
	table := newTestTable(t, repository.NewGormGateway(newTestDB(t)))
	ctx := context.Background()

	_, err := table.AddColumn(ctx, &model.Column{
		ID: "tags", Name: "tags", Kind: model.ColumnKindDynamic,
		Process: &model.Process{ModelName: "m", Prompt: "{{summary}}", ColumnsReferences: []string{"summary"}},
	})
	require.NoError(t, err)

	// summary -> tags -> summary
	summary, err := table.Column("summary")
	require.NoError(t, err)
	summary.Process.ColumnsReferences = append(summary.Process.ColumnsReferences, "tags")
	_, err = table.UpdateColumn(ctx, summary)
	assert.True(t, domain.IsConfigError(err))

	got, _ := table.Column("summary")
	assert.Equal(t, []string{"title"}, []string(got.Process.ColumnsReferences), "非法配置不会写入")
}

func TestPlaceholderLifecycle(t *testing.T) {
	table := newTestTable(t, repository.NewGormGateway(newTestDB(t)))
	ctx := context.Background()

	ph, err := table.AddPlaceholder(&model.Column{Name: "draft", Kind: model.ColumnKindDynamic,
		Process: &model.Process{ModelName: "m", Prompt: "{{title}}", ColumnsReferences: []string{"title"}}})
	require.NoError(t, err)
	assert.Equal(t, domain.PlaceholderColumnID, ph.ID)
	assert.Len(t, table.Columns(), 2, "占位列不在列集合中")

	_, ok, _ := table.TryLockColumn(domain.PlaceholderColumnID)
	assert.False(t, ok)

	_, err = table.AddPlaceholder(&model.Column{Name: "another"})
	assert.Error(t, err)

	col, err := table.ConfirmPlaceholder(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, domain.PlaceholderColumnID, col.ID)
	assert.Equal(t, col.ID, col.Process.ColumnID)
	assert.Len(t, table.Columns(), 3)

	_, err = table.Column(domain.PlaceholderColumnID)
	assert.ErrorIs(t, err, domain.ErrColumnNotFound)
}

func TestDuplicateAndRemoveColumn(t *testing.T) {
	table := newTestTable(t, repository.NewGormGateway(newTestDB(t)))
	ctx := context.Background()

	_, err := table.ValidateCell(ctx, "summary", 0, "kept")
	require.NoError(t, err)

	dup, err := table.DuplicateColumn(ctx, "summary")
	require.NoError(t, err)
	assert.NotEqual(t, "summary", dup.ID)
	assert.Equal(t, []string{"title"}, []string(dup.Process.ColumnsReferences))
	assert.Empty(t, table.ColumnCells(dup.ID), "复制的列没有单元格")

	require.NoError(t, table.RemoveColumn(ctx, "summary"))
	_, err = table.Column("summary")
	assert.ErrorIs(t, err, domain.ErrColumnNotFound)

	_, err = table.ApplyOutcome(ctx, "summary", domain.RowOutcome{Idx: 0, Value: "late", Done: true})
	assert.ErrorIs(t, err, domain.ErrColumnNotFound)
}

func TestStoreReloadsTableFromDatabase(t *testing.T) {
	db := newTestDB(t)
	gateway := repository.NewGormGateway(db)
	table := newTestTable(t, gateway)
	ctx := context.Background()

	_, ok, err := table.BeginCell(ctx, "summary", 0, false)
	require.NoError(t, err)
	require.True(t, ok)

	// 新的 Store 模拟进程重启
	reloaded, err := New(gateway, 100).Table(ctx, table.ID())
	require.NoError(t, err)
	assert.Equal(t, 3, reloaded.RowCount())
	assert.Len(t, reloaded.Columns(), 2)
	cell, ok := reloaded.Cell("title", 2)
	require.True(t, ok)
	assert.Equal(t, "Birds sing", cell.Value)
	assert.Empty(t, reloaded.GeneratingCells("summary"), "残留的 generating 标记在加载时清除")

	_, err = New(gateway, 100).Table(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrDatasetNotFound)
}

func TestAddCellKeepsExisting(t *testing.T) {
	table := newTestTable(t, repository.NewGormGateway(newTestDB(t)))
	ctx := context.Background()

	cell, err := table.AddCell(ctx, &model.Cell{ColumnID: "title", Idx: 5, Value: "Fish swim"})
	require.NoError(t, err)
	assert.NotEmpty(t, cell.ID)
	assert.Equal(t, 6, table.RowCount(), "追加到更后面的行会扩展行数")

	again, err := table.AddCell(ctx, &model.Cell{ColumnID: "title", Idx: 5, Value: "ignored"})
	require.NoError(t, err)
	assert.Equal(t, cell.ID, again.ID)
	assert.Equal(t, "Fish swim", again.Value)

	_, err = table.AddCell(ctx, &model.Cell{ColumnID: "nope", Idx: 0})
	assert.ErrorIs(t, err, domain.ErrColumnNotFound)
}

func TestTableLoadsCellsBeyondCellLimit(t *testing.T) {
	db := newTestDB(t)
	gateway := repository.NewGormGateway(db)
	table := newTestTable(t, gateway)
	ctx := context.Background()
	original, ok := table.Cell("title", 2)
	require.True(t, ok)

	// 每列只加载前 2 个单元格
	reloaded, err := New(gateway, 2).Table(ctx, table.ID())
	require.NoError(t, err)
	assert.Equal(t, 3, reloaded.RowCount(), "行数来自数据库而不是已加载的单元格")
	assert.Len(t, reloaded.ColumnCells("title"), 2)

	cell, ok := reloaded.Cell("title", 2)
	require.True(t, ok, "未加载的单元格按需读取")
	assert.Equal(t, "Birds sing", cell.Value)
	assert.Equal(t, original.ID, cell.ID)

	validated, err := reloaded.ValidateCell(ctx, "title", 2, "Birds fly")
	require.NoError(t, err)
	assert.Equal(t, original.ID, validated.ID)

	_, ok, err = reloaded.BeginCell(ctx, "summary", 2, false)
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = reloaded.ApplyOutcome(ctx, "summary", domain.RowOutcome{Idx: 2, Value: "About birds", Done: true})
	require.NoError(t, err)

	idx, _, err := reloaded.AppendRow(ctx, map[string]string{"title": "Fish swim"})
	require.NoError(t, err)
	assert.Equal(t, 3, idx, "追加的行不会与未加载的行冲突")

	again, err := New(gateway, 100).Table(ctx, table.ID())
	require.NoError(t, err)
	assert.Equal(t, 4, again.RowCount())
	title, _ := again.Cell("title", 2)
	assert.Equal(t, "Birds fly", title.Value)
	assert.True(t, title.Validated)
	summary, _ := again.Cell("summary", 2)
	assert.Equal(t, "About birds", summary.Value)
	assert.Len(t, again.ColumnCells("summary"), 4)
}

func TestCellWritesDoNotBlockOtherRows(t *testing.T) {
	db := newTestDB(t)
	gateway := &blockingGateway{
		Gateway:  repository.NewGormGateway(db),
		blockIdx: -1,
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	table := newTestTable(t, gateway)
	ctx := context.Background()

	for idx := 0; idx < 2; idx++ {
		_, ok, err := table.BeginCell(ctx, "summary", idx, false)
		require.NoError(t, err)
		require.True(t, ok)
	}

	gateway.mu.Lock()
	gateway.blockIdx = 0
	gateway.mu.Unlock()

	applied := make(chan error, 1)
	go func() {
		_, err := table.ApplyOutcome(ctx, "summary", domain.RowOutcome{Idx: 0, Value: "first", Done: true})
		applied <- err
	}()
	select {
	case <-gateway.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("write of row 0 never started")
	}

	// 第 0 行写库阻塞期间，其他行的读取和合并照常进行
	title, ok := table.Cell("title", 1)
	require.True(t, ok)
	assert.Equal(t, "Dogs too", title.Value)
	_, err := table.ApplyOutcome(ctx, "summary", domain.RowOutcome{Idx: 1, Value: "second", Done: true})
	require.NoError(t, err)
	inMemory, _ := table.Cell("summary", 0)
	assert.Equal(t, "first", inMemory.Value)

	edited := make(chan error, 1)
	go func() {
		_, err := table.ValidateCell(ctx, "summary", 0, "edited")
		edited <- err
	}()
	close(gateway.release)
	require.NoError(t, <-applied)
	require.NoError(t, <-edited)

	// 同一单元格的写入按修改顺序落库
	reloaded, err := New(repository.NewGormGateway(db), 100).Table(ctx, table.ID())
	require.NoError(t, err)
	cell, _ := reloaded.Cell("summary", 0)
	assert.Equal(t, "edited", cell.Value)
	assert.True(t, cell.Validated)
	second, _ := reloaded.Cell("summary", 1)
	assert.Equal(t, "second", second.Value)
}

func TestRemovedColumnIsNotWrittenBack(t *testing.T) {
	db := newTestDB(t)
	gateway := repository.NewGormGateway(db)
	table := newTestTable(t, gateway)
	ctx := context.Background()

	require.NoError(t, table.RemoveColumn(ctx, "summary"))
	_, _, err := table.AppendRow(ctx, map[string]string{"title": "Fish swim"})
	require.NoError(t, err)

	reloaded, err := New(gateway, 100).Table(ctx, table.ID())
	require.NoError(t, err)
	assert.Len(t, reloaded.Columns(), 1)
	assert.Len(t, reloaded.ColumnCells("title"), 4)
	assert.Equal(t, 4, reloaded.RowCount())
}
