package resolver

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weibaohui/opensheets/internal/domain"
	"github.com/weibaohui/opensheets/internal/model"
)

func staticColumn(id, name string) *model.Column {
	return &model.Column{ID: id, Name: name, Kind: model.ColumnKindStatic, Type: "text"}
}

func dynamicColumn(id, name, prompt string, refs ...string) *model.Column {
	return &model.Column{
		ID:   id,
		Name: name,
		Kind: model.ColumnKindDynamic,
		Type: "text",
		Process: &model.Process{
			ModelName:         "meta-llama/Llama-3.3-70B-Instruct",
			ModelProvider:     "hf-inference",
			Prompt:            prompt,
			ColumnsReferences: refs,
			Limit:             5,
		},
	}
}

type cells map[string]map[int]*model.Cell

func (c cells) lookup(columnID string, idx int) (*model.Cell, bool) {
	cell, ok := c[columnID][idx]
	return cell, ok
}

func TestCanGenerate(t *testing.T) {
	assert.False(t, CanGenerate(nil))
	assert.False(t, CanGenerate(staticColumn("c1", "title")), "静态列不能生成")

	placeholder := dynamicColumn(domain.PlaceholderColumnID, "draft", "x")
	assert.False(t, CanGenerate(placeholder), "占位列不能生成")

	noProcess := dynamicColumn("c2", "summary", "x")
	noProcess.Process = nil
	assert.False(t, CanGenerate(noProcess))

	col := dynamicColumn("c3", "summary", "Summarize: {{title}}", "c1")
	assert.True(t, CanGenerate(col))

	col.Generating = true
	assert.False(t, CanGenerate(col), "生成中的列不能再次生成")
}

func TestValidateAcceptsAcyclicReferences(t *testing.T) {
	title := staticColumn("c1", "title")
	summary := dynamicColumn("c2", "summary", "Summarize: {{title}}", "c1")
	tags := dynamicColumn("c3", "tags", "Tags for {{summary}}", "c2")

	recipe, err := Validate(tags, []*model.Column{title, summary, tags})
	require.NoError(t, err)
	assert.Equal(t, []string{"c2"}, recipe.References)
	assert.Equal(t, "text-generation", recipe.Task.Name())
}

func TestValidateRejectsCycles(t *testing.T) {
	a := dynamicColumn("a", "A", "{{C}}", "c")
	b := dynamicColumn("b", "B", "{{A}}", "a")
	c := dynamicColumn("c", "C", "{{B}}", "b")

	_, err := Validate(a, []*model.Column{a, b, c})
	require.Error(t, err)
	assert.True(t, domain.IsConfigError(err))
	assert.Contains(t, err.Error(), "cyclic")
}

func TestValidateRejectsSelfReference(t *testing.T) {
	a := dynamicColumn("a", "A", "{{A}}", "a")
	_, err := Validate(a, []*model.Column{a})
	require.Error(t, err)
	assert.True(t, domain.IsConfigError(err))
}

func TestValidateRejectsMalformedConfig(t *testing.T) {
	title := staticColumn("c1", "title")

	unknownRef := dynamicColumn("c2", "summary", "{{title}}", "missing")
	_, err := Validate(unknownRef, []*model.Column{title, unknownRef})
	assert.True(t, domain.IsConfigError(err))

	badTemplate := dynamicColumn("c3", "summary", "{{title", "c1")
	_, err = Validate(badTemplate, []*model.Column{title, badTemplate})
	assert.True(t, domain.IsConfigError(err))

	noProcess := dynamicColumn("c4", "summary", "x")
	noProcess.Process = nil
	_, err = Validate(noProcess, []*model.Column{noProcess})
	assert.True(t, domain.IsConfigError(err))

	badTask := dynamicColumn("c5", "summary", "x")
	badTask.Process.Task = "video-generation"
	_, err = Validate(badTask, []*model.Column{badTask})
	assert.True(t, domain.IsConfigError(err))

	_, err = Validate(title, []*model.Column{title})
	assert.True(t, domain.IsConfigError(err), "静态列不能生成")

	needsImage := dynamicColumn("c6", "caption", "Describe")
	needsImage.Process.Task = "image-text-to-text"
	_, err = Validate(needsImage, []*model.Column{needsImage})
	assert.True(t, domain.IsConfigError(err), "图片任务必须指定图片列")
}

func TestRowInputs(t *testing.T) {
	title := staticColumn("c1", "title")
	summary := dynamicColumn("c2", "summary", "Summarize: {{title}}", "c1")
	columns := []*model.Column{title, summary}
	recipe, err := Validate(summary, columns)
	require.NoError(t, err)

	data := cells{"c1": {
		0: {ColumnID: "c1", Idx: 0, Value: "Cats are great"},
		1: {ColumnID: "c1", Idx: 1},
		2: {ColumnID: "c1", Idx: 2, Error: "boom"},
		3: {ColumnID: "c1", Idx: 3, Value: "old", Generating: true},
	}}

	in, err := RowInputs(recipe, columns, data.lookup, 0)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"title": "Cats are great"}, in.Data)
	assert.True(t, CanGenerateRow(recipe, columns, data.lookup, 0))

	for _, idx := range []int{1, 2, 3, 4} {
		_, err := RowInputs(recipe, columns, data.lookup, idx)
		assert.True(t, errors.Is(err, domain.ErrMissingDependency), "row %d", idx)
		assert.False(t, CanGenerateRow(recipe, columns, data.lookup, idx))
	}
}

func TestRowInputsReadsImageColumn(t *testing.T) {
	photo := staticColumn("img", "photo")
	caption := dynamicColumn("cap", "caption", "Describe the image")
	caption.Process.Task = "image-text-to-text"
	caption.Process.ImageColumnID = "img"
	columns := []*model.Column{photo, caption}

	recipe, err := Validate(caption, columns)
	require.NoError(t, err)

	data := cells{"img": {0: {ColumnID: "img", Idx: 0, Blob: []byte{0x89, 'P', 'N', 'G'}}}}
	in, err := RowInputs(recipe, columns, data.lookup, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, in.Image)

	_, err = RowInputs(recipe, columns, data.lookup, 1)
	assert.True(t, errors.Is(err, domain.ErrMissingDependency))
}
