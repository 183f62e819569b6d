package llm

import "context"

// 对话角色，与 Chat Completions 协议保持一致。
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message 是一轮对话中的单条消息。
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SystemMessage 构造 system 角色消息。
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage 构造 user 角色消息。
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// Client 定义了调用大模型的统一接口。规划器只依赖原始文本补全，
// 结构化解析由调用方完成。
type Client interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}
