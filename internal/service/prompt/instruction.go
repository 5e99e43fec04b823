package prompt

import (
	"sort"
	"strings"
)

// Example 作为少样本示例的一行
type Example struct {
	Output string
	Inputs map[string]string
}

const preamble = "Generate a new response based on the following instruction. Be clear and concise in the response and do not generate any introductory text. Only the response is required."

// BuildInstruction 把渲染好的指令包装成最终发给模型的提示词。
// hasData 为 true 表示指令来自引用列，示例按输入/输出对给出；否则示例用于避免重复。
func BuildInstruction(rendered string, hasData bool, examples []Example) string {
	var b strings.Builder
	b.WriteString(preamble)
	b.WriteString("\n\n## Instruction:\n")
	b.WriteString(rendered)
	b.WriteString("\n")

	if len(examples) > 0 {
		if hasData {
			b.WriteString("\n## Examples:\n")
			for _, ex := range examples {
				b.WriteString("### Input\n")
				keys := make([]string, 0, len(ex.Inputs))
				for k := range ex.Inputs {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					b.WriteString("- " + k + ": " + ex.Inputs[k] + "\n")
				}
				b.WriteString("### Output\n" + ex.Output + "\n")
			}
		} else {
			b.WriteString("\nFind a way to generate the new response that is not similar to the examples below.\n## Examples:\n")
			for _, ex := range examples {
				b.WriteString("- " + ex.Output + "\n")
			}
		}
	}

	b.WriteString("\n## Response:\n")
	return b.String()
}
