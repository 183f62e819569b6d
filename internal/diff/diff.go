// Package diff 对比两个版本的源码文本，产出升级分析需要的
// 行级变更清单和统一 diff 文本。
package diff

import (
	"fmt"
	"sort"
	"strings"
)

// Change 记录一处行级变更。
type Change struct {
	OldLine int    `json:"old_line,omitempty"`
	NewLine int    `json:"new_line,omitempty"`
	Text    string `json:"text"`
}

// Result 汇总一个文件的全部变更。
type Result struct {
	Path    string   `json:"path"`
	Added   []Change `json:"added,omitempty"`
	Removed []Change `json:"removed,omitempty"`
}

// HasChanges 判断该文件是否有任何变更。
func (r *Result) HasChanges() bool {
	return len(r.Added) > 0 || len(r.Removed) > 0
}

// Compare 逐行对比旧文本和新文本。
func Compare(path, oldText, newText string) *Result {
	oldLines := splitLines(oldText)
	newLines := splitLines(newText)
	result := &Result{Path: path}

	for _, op := range opcodes(oldLines, newLines) {
		switch op.tag {
		case tagDelete, tagReplace:
			for i := op.i1; i < op.i2; i++ {
				result.Removed = append(result.Removed, Change{OldLine: i + 1, Text: oldLines[i]})
			}
		}
		switch op.tag {
		case tagInsert, tagReplace:
			for j := op.j1; j < op.j2; j++ {
				result.Added = append(result.Added, Change{NewLine: j + 1, Text: newLines[j]})
			}
		}
	}
	return result
}

// CompareSources 对比两组文件映射，返回有变更的文件结果。
// 只在旧版本或新版本一侧存在的文件按整文件增删处理。
func CompareSources(oldSources, newSources map[string]string) []*Result {
	paths := make([]string, 0, len(oldSources)+len(newSources))
	seen := make(map[string]bool, len(oldSources)+len(newSources))
	for path := range oldSources {
		paths = append(paths, path)
		seen[path] = true
	}
	for path := range newSources {
		if !seen[path] {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)

	var results []*Result
	for _, path := range paths {
		result := Compare(path, oldSources[path], newSources[path])
		if result.HasChanges() {
			results = append(results, result)
		}
	}
	return results
}

// ToUnifiedDiff 渲染统一 diff 文本，供 LLM 分析和告警正文使用。
func (r *Result) ToUnifiedDiff() string {
	if !r.HasChanges() {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "--- a/%s\n", r.Path)
	fmt.Fprintf(&b, "+++ b/%s\n", r.Path)
	for _, change := range r.Removed {
		fmt.Fprintf(&b, "-%s\n", change.Text)
	}
	for _, change := range r.Added {
		fmt.Fprintf(&b, "+%s\n", change.Text)
	}
	return b.String()
}

// Summary 给出变更规模的一句话描述。
func (r *Result) Summary() string {
	return fmt.Sprintf("%s: +%d/-%d 行", r.Path, len(r.Added), len(r.Removed))
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
}

type tag int

const (
	tagEqual tag = iota
	tagDelete
	tagInsert
	tagReplace
)

type opcode struct {
	tag    tag
	i1, i2 int
	j1, j2 int
}

// opcodes 基于最长公共子序列把两个行序列切成 equal/delete/insert/replace 段。
func opcodes(a, b []string) []opcode {
	n, m := len(a), len(b)
	// lcs[i][j] 为 a[i:] 与 b[j:] 的最长公共子序列长度。
	lcs := make([][]int, n+1)
	for i := range lcs {
		lcs[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if a[i] == b[j] {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else if lcs[i+1][j] >= lcs[i][j+1] {
				lcs[i][j] = lcs[i+1][j]
			} else {
				lcs[i][j] = lcs[i][j+1]
			}
		}
	}

	var ops []opcode
	i, j := 0, 0
	for i < n && j < m {
		if a[i] == b[j] {
			start := opcode{tag: tagEqual, i1: i, j1: j}
			for i < n && j < m && a[i] == b[j] {
				i++
				j++
			}
			start.i2, start.j2 = i, j
			ops = append(ops, start)
			continue
		}
		i1, j1 := i, j
		for i < n && j < m && a[i] != b[j] {
			if lcs[i+1][j] >= lcs[i][j+1] {
				i++
			} else {
				j++
			}
		}
		ops = append(ops, classify(i1, i, j1, j))
	}
	if i < n || j < m {
		ops = append(ops, classify(i, n, j, m))
	}
	return ops
}

func classify(i1, i2, j1, j2 int) opcode {
	op := opcode{i1: i1, i2: i2, j1: j1, j2: j2}
	switch {
	case i1 == i2:
		op.tag = tagInsert
	case j1 == j2:
		op.tag = tagDelete
	default:
		op.tag = tagReplace
	}
	return op
}
