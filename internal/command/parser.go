// Package command 把 LLM 规划器产出的 `<action> <参数串>` 文本解析、
// 绑定到已登记的动作并裁剪执行结果。解析启发式集中在本文件，
// 便于独立测试。
package command

import (
	"strings"

	xerrors "ChainSentry/internal/errors"
)

// ParseCommand 把一条完整命令消息拆成命令名与原始参数串。
// 只在第一处空白分割，保证参数串中的引号原样保留；
// 前导的 "/" 会被剥掉，方便聊天入口直接透传。
func ParseCommand(message string) (string, string) {
	message = strings.TrimLeft(message, "/")
	message = strings.TrimSpace(message)
	if message == "" {
		return "", ""
	}
	idx := strings.IndexFunc(message, isSpace)
	if idx < 0 {
		return message, ""
	}
	return message[:idx], strings.TrimSpace(message[idx:])
}

// SplitArgs 按空白切分参数串，单双引号内的空白不参与切分。
// 引号本身被剥除，未闭合的引号视为格式错误。
func SplitArgs(raw string) ([]string, error) {
	var (
		parts   []string
		current strings.Builder
		quote   rune
		inToken bool
	)
	for _, r := range raw {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
				continue
			}
			current.WriteRune(r)
		case r == '\'' || r == '"':
			quote = r
			inToken = true
		case isSpace(r):
			if inToken {
				parts = append(parts, current.String())
				current.Reset()
				inToken = false
			}
		default:
			current.WriteRune(r)
			inToken = true
		}
	}
	if quote != 0 {
		return nil, xerrors.New(CodeParameterFormat, "参数串中的引号未闭合")
	}
	if inToken {
		parts = append(parts, current.String())
	}
	return parts, nil
}

// trimQuotes 去掉整体包裹参数串的一层引号。
func trimQuotes(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return strings.TrimSpace(s[1 : len(s)-1])
		}
	}
	return s
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}
