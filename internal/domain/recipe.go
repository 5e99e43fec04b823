package domain

import (
	"strings"

	"github.com/weibaohui/opensheets/internal/model"
)

// Recipe 从 model.Process 解析出的结构化生成配置
type Recipe struct {
	ColumnID      string
	ModelName     string
	ModelProvider string
	EndpointURL   string
	Prompt        string
	Task          Task
	References    []string
	ImageColumnID string
	Offset        int
	Limit         int
}

// ParseRecipe 校验并转换列上的 Process，不检查引用是否存在（由 resolver 负责）
func ParseRecipe(column *model.Column) (*Recipe, error) {
	if column.Process == nil {
		return nil, NewConfigError(column.ID, "dynamic column has no process")
	}
	p := column.Process
	task, err := ParseTask(p.Task)
	if err != nil {
		return nil, NewConfigError(column.ID, "%v", err)
	}
	endpoint := strings.TrimSpace(p.EndpointURL)
	if endpoint == "" && strings.TrimSpace(p.ModelName) == "" {
		return nil, NewConfigError(column.ID, "model name or endpoint url is required")
	}
	if p.Offset < 0 || p.Limit < 0 {
		return nil, NewConfigError(column.ID, "offset and limit must not be negative")
	}

	refs := make([]string, 0, len(p.ColumnsReferences))
	seen := make(map[string]bool, len(p.ColumnsReferences))
	for _, id := range p.ColumnsReferences {
		if id == "" || seen[id] {
			continue
		}
		if id == column.ID {
			return nil, NewConfigError(column.ID, "column references itself")
		}
		seen[id] = true
		refs = append(refs, id)
	}
	if p.ImageColumnID == column.ID {
		return nil, NewConfigError(column.ID, "image column references itself")
	}
	if task.NeedsImageInput() && p.ImageColumnID == "" {
		return nil, NewConfigError(column.ID, "task %s requires an image column", task.Name())
	}

	return &Recipe{
		ColumnID:      column.ID,
		ModelName:     strings.TrimSpace(p.ModelName),
		ModelProvider: strings.TrimSpace(p.ModelProvider),
		EndpointURL:   endpoint,
		Prompt:        p.Prompt,
		Task:          task,
		References:    refs,
		ImageColumnID: p.ImageColumnID,
		Offset:        p.Offset,
		Limit:         p.Limit,
	}, nil
}

// Dependencies 列依赖的所有列 ID（引用列 + 图片列）
func (r *Recipe) Dependencies() []string {
	deps := append([]string(nil), r.References...)
	if r.ImageColumnID != "" {
		found := false
		for _, id := range deps {
			if id == r.ImageColumnID {
				found = true
				break
			}
		}
		if !found {
			deps = append(deps, r.ImageColumnID)
		}
	}
	return deps
}
