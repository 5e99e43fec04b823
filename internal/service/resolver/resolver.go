package resolver

import (
	"fmt"
	"strings"

	"github.com/weibaohui/opensheets/internal/domain"
	"github.com/weibaohui/opensheets/internal/model"
	"github.com/weibaohui/opensheets/internal/pkg/dag"
	"github.com/weibaohui/opensheets/internal/service/prompt"
)

// CellLookup 按 (列, 行) 读取单元格
type CellLookup func(columnID string, idx int) (*model.Cell, bool)

// RowInput 某一行渲染所需的数据
type RowInput struct {
	// Data 引用列名 -> 值
	Data  map[string]string
	Image []byte
}

// CanGenerate 列级别的可生成判断：占位列、静态列、无 process、正在生成都返回 false。
// 行级别的就绪状态在渲染时逐行检查。
func CanGenerate(column *model.Column) bool {
	if column == nil {
		return false
	}
	if column.ID == domain.PlaceholderColumnID {
		return false
	}
	if column.Kind != model.ColumnKindDynamic || column.Process == nil {
		return false
	}
	return !column.Generating
}

// Validate 生成开始前的配置检查，返回 *domain.ConfigError
func Validate(column *model.Column, columns []*model.Column) (*domain.Recipe, error) {
	if column.ID == domain.PlaceholderColumnID {
		return nil, domain.NewConfigError(column.ID, "placeholder column cannot generate")
	}
	if column.Kind != model.ColumnKindDynamic {
		return nil, domain.NewConfigError(column.ID, "static column cannot generate")
	}
	recipe, err := domain.ParseRecipe(column)
	if err != nil {
		return nil, err
	}
	if err := prompt.Validate(column.ID, recipe.Prompt); err != nil {
		return nil, err
	}

	byID := indexColumns(columns)
	for _, id := range recipe.Dependencies() {
		if id == domain.PlaceholderColumnID {
			return nil, domain.NewConfigError(column.ID, "references a column that is still being configured")
		}
		if _, ok := byID[id]; !ok {
			return nil, domain.NewConfigError(column.ID, "references unknown column %s", id)
		}
	}

	g, err := BuildGraph(columns)
	if err != nil {
		return nil, domain.NewConfigError(column.ID, "%v", err)
	}
	if cyclic, path := g.HasCycle(); cyclic {
		return nil, domain.NewConfigError(column.ID, "cyclic column references: %s", strings.Join(namesOf(path, byID), " -> "))
	}
	return recipe, nil
}

// BuildGraph 用所有已持久化列的引用关系建图，占位列不参与
func BuildGraph(columns []*model.Column) (*dag.Graph, error) {
	g := dag.NewGraph()
	for _, c := range columns {
		if c.ID == domain.PlaceholderColumnID {
			continue
		}
		g.AddNode(c.ID)
	}
	for _, c := range columns {
		if c.ID == domain.PlaceholderColumnID || c.Process == nil {
			continue
		}
		deps := append([]string(nil), c.Process.ColumnsReferences...)
		if c.Process.ImageColumnID != "" {
			deps = append(deps, c.Process.ImageColumnID)
		}
		for _, dep := range deps {
			// 自引用和指向不存在列的引用由 ParseRecipe / Validate 单独报告
			if dep == c.ID || !g.Has(dep) {
				continue
			}
			if err := g.AddEdge(dep, c.ID); err != nil {
				return nil, err
			}
		}
	}
	return g, nil
}

// RowInputs 读取某一行所有依赖的值，任一依赖不可用都返回 ErrMissingDependency
func RowInputs(recipe *domain.Recipe, columns []*model.Column, lookup CellLookup, idx int) (RowInput, error) {
	byID := indexColumns(columns)
	in := RowInput{Data: make(map[string]string, len(recipe.References))}

	var missing []string
	for _, id := range recipe.References {
		col, ok := byID[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		cell, ok := lookup(id, idx)
		if !usable(cell, ok) || cell.Value == "" {
			missing = append(missing, col.Name)
			continue
		}
		in.Data[col.Name] = cell.Value
	}

	if recipe.ImageColumnID != "" {
		name := recipe.ImageColumnID
		if col, ok := byID[recipe.ImageColumnID]; ok {
			name = col.Name
		}
		cell, ok := lookup(recipe.ImageColumnID, idx)
		switch {
		case !usable(cell, ok):
			missing = append(missing, name)
		case len(cell.Blob) > 0:
			in.Image = cell.Blob
		default:
			in.Image = []byte(cell.Value)
		}
	}

	if len(missing) > 0 {
		return in, fmt.Errorf("%w: %s", domain.ErrMissingDependency, strings.Join(missing, ", "))
	}
	return in, nil
}

// CanGenerateRow 行级就绪判断
func CanGenerateRow(recipe *domain.Recipe, columns []*model.Column, lookup CellLookup, idx int) bool {
	_, err := RowInputs(recipe, columns, lookup, idx)
	return err == nil
}

// usable 单元格存在、有值、没有错误且不在生成中
func usable(cell *model.Cell, ok bool) bool {
	return ok && cell != nil && cell.HasValue() && cell.Error == "" && !cell.Generating
}

func indexColumns(columns []*model.Column) map[string]*model.Column {
	byID := make(map[string]*model.Column, len(columns))
	for _, c := range columns {
		byID[c.ID] = c
	}
	return byID
}

func namesOf(ids []string, byID map[string]*model.Column) []string {
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			names = append(names, c.Name)
		} else {
			names = append(names, id)
		}
	}
	return names
}
