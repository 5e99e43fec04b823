package prompt

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/weibaohui/opensheets/internal/domain"
)

// placeholderRe 匹配 {{ name }}，名称允许包含空格
var placeholderRe = regexp.MustCompile(`\{\{\s*([^{}]*?)\s*\}\}`)

// Render 用行数据替换模板中的占位符。
// 占位符对应的列在该行没有值时返回 ErrMissingDependency，而不是把残缺的指令交给模型。
func Render(template string, row map[string]string) (string, error) {
	var missing []string
	out := placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		name := strings.TrimSpace(placeholderRe.FindStringSubmatch(m)[1])
		value, ok := row[name]
		if !ok || value == "" {
			missing = append(missing, name)
			return m
		}
		return value
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: %s", domain.ErrMissingDependency, strings.Join(unique(missing), ", "))
	}
	return out, nil
}

// Placeholders 返回模板中出现的占位符名称（去重，保持出现顺序）
func Placeholders(template string) []string {
	var names []string
	for _, m := range placeholderRe.FindAllStringSubmatch(template, -1) {
		names = append(names, strings.TrimSpace(m[1]))
	}
	return unique(names)
}

// Validate 检查模板本身是否合法，错误属于任务级配置错误
func Validate(columnID, template string) error {
	if strings.TrimSpace(template) == "" {
		return domain.NewConfigError(columnID, "prompt is empty")
	}
	for _, m := range placeholderRe.FindAllStringSubmatch(template, -1) {
		if strings.TrimSpace(m[1]) == "" {
			return domain.NewConfigError(columnID, "prompt contains an empty placeholder")
		}
	}
	rest := placeholderRe.ReplaceAllString(template, "")
	if strings.Contains(rest, "{{") || strings.Contains(rest, "}}") {
		return domain.NewConfigError(columnID, "prompt has unbalanced braces")
	}
	return nil
}

func unique(list []string) []string {
	seen := make(map[string]bool, len(list))
	out := make([]string, 0, len(list))
	for _, s := range list {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
