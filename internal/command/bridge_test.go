package command

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"ChainSentry/internal/action"
)

type capturedCall struct {
	args   []string
	kwargs map[string]string
}

func newTestBridge(t *testing.T) (*Bridge, map[string]*capturedCall) {
	t.Helper()
	registry := action.NewRegistry()
	calls := make(map[string]*capturedCall)

	record := func(name string) action.Func {
		return func(_ context.Context, args []string, kwargs map[string]string) (string, error) {
			calls[name] = &capturedCall{args: args, kwargs: kwargs}
			return "ok", nil
		}
	}

	mustRegister := func(name string, fn action.Func, spec action.Spec) {
		t.Helper()
		if err := registry.Register(name, fn, spec); err != nil {
			t.Fatalf("注册动作 %s 失败: %v", name, err)
		}
	}

	mustRegister("ping", record("ping"), action.Spec{Name: "ping", Description: "health check"})
	mustRegister("lookup", record("lookup"), action.Spec{
		Name:      "lookup",
		AgentHint: "Use the address as the first argument.",
		Arguments: []action.Argument{{Name: "address", Required: true}},
	})
	mustRegister("grep", record("grep"), action.Spec{
		Name: "grep",
		Arguments: []action.Argument{
			{Name: "pattern", Required: true},
			{Name: "path", Required: false},
		},
	})
	mustRegister("db_query", record("db_query"), action.Spec{
		Name:      "db_query",
		Arguments: []action.Argument{{Name: "query", Required: true}},
	})
	return NewBridge(registry), calls
}

func TestBridgeUnknownAction(t *testing.T) {
	bridge, _ := newTestBridge(t)
	if _, err := bridge.Execute(context.Background(), "no_such_action", ""); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("期望 ErrUnknownAction，实际 %v", err)
	}
}

func TestBridgePositionalHintBindsWholeString(t *testing.T) {
	bridge, calls := newTestBridge(t)
	if _, err := bridge.Execute(context.Background(), "lookup", "0xABCDEF"); err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	call := calls["lookup"]
	if call == nil || len(call.args) != 1 || call.args[0] != "0xABCDEF" {
		t.Fatalf("位置参数绑定错误: %+v", call)
	}
}

func TestBridgePositionalHintKeepsSpaces(t *testing.T) {
	bridge, calls := newTestBridge(t)
	if _, err := bridge.Execute(context.Background(), "lookup", "proxy admin slot"); err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	call := calls["lookup"]
	if len(call.args) != 1 || call.args[0] != "proxy admin slot" {
		t.Fatalf("带提示的动作应整体绑定参数串: %+v", call.args)
	}
}

func TestBridgeKeywordBinding(t *testing.T) {
	bridge, calls := newTestBridge(t)
	if _, err := bridge.Execute(context.Background(), "grep", `pattern="delegatecall" path=src`); err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	call := calls["grep"]
	if call.kwargs["pattern"] != "delegatecall" || call.kwargs["path"] != "src" {
		t.Fatalf("关键字参数绑定错误: %+v", call.kwargs)
	}
}

func TestBridgeMissingRequiredKeyword(t *testing.T) {
	bridge, _ := newTestBridge(t)
	if _, err := bridge.Execute(context.Background(), "grep", "path=src"); !errors.Is(err, ErrParameterFormat) {
		t.Fatalf("期望 ErrParameterFormat，实际 %v", err)
	}
}

func TestBridgeUnknownKeyword(t *testing.T) {
	bridge, _ := newTestBridge(t)
	if _, err := bridge.Execute(context.Background(), "grep", "pattern=x bogus=1"); !errors.Is(err, ErrParameterFormat) {
		t.Fatalf("期望 ErrParameterFormat，实际 %v", err)
	}
}

func TestBridgePositionalSplit(t *testing.T) {
	bridge, calls := newTestBridge(t)
	if _, err := bridge.Execute(context.Background(), "grep", "needle src"); err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	call := calls["grep"]
	if len(call.args) != 2 || call.args[0] != "needle" || call.args[1] != "src" {
		t.Fatalf("无提示的动作应按空白切分: %+v", call.args)
	}
}

func TestBridgeTooManyPositional(t *testing.T) {
	bridge, _ := newTestBridge(t)
	if _, err := bridge.Execute(context.Background(), "grep", "a b c"); !errors.Is(err, ErrParameterFormat) {
		t.Fatalf("期望 ErrParameterFormat，实际 %v", err)
	}
}

func TestBridgeNoArgActionIgnoresParams(t *testing.T) {
	bridge, calls := newTestBridge(t)
	if _, err := bridge.Execute(context.Background(), "ping", "these are ignored"); err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	call := calls["ping"]
	if len(call.args) != 0 || len(call.kwargs) != 0 {
		t.Fatalf("无参动作不应收到参数: %+v", call)
	}
}

func TestBridgeStructuredQueryInjectsLimit(t *testing.T) {
	bridge, calls := newTestBridge(t)
	if _, err := bridge.Execute(context.Background(), "db_query", `query={"from": "projects"}`); err != nil {
		t.Fatalf("执行失败: %v", err)
	}

	var query map[string]any
	if err := json.Unmarshal([]byte(calls["db_query"].kwargs["query"]), &query); err != nil {
		t.Fatalf("查询参数不是合法 JSON: %v", err)
	}
	if query["from"] != "projects" {
		t.Fatalf("查询内容被改写: %+v", query)
	}
	if limit, ok := query["limit"].(float64); !ok || limit != 10 {
		t.Fatalf("缺省 limit 未注入: %+v", query["limit"])
	}
}

func TestBridgeStructuredQueryKeepsExplicitLimit(t *testing.T) {
	bridge, calls := newTestBridge(t)
	if _, err := bridge.Execute(context.Background(), "db_query", `'{"from": "assets", "limit": 3}'`); err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	var query map[string]any
	if err := json.Unmarshal([]byte(calls["db_query"].kwargs["query"]), &query); err != nil {
		t.Fatalf("查询参数不是合法 JSON: %v", err)
	}
	if limit := query["limit"].(float64); limit != 3 {
		t.Fatalf("显式 limit 被覆盖: %v", limit)
	}
}

func TestBridgeStructuredQueryRejectsBadJSON(t *testing.T) {
	bridge, calls := newTestBridge(t)
	_, err := bridge.Execute(context.Background(), "db_query", `query={"from": projects}`)
	if !errors.Is(err, ErrParameterFormat) {
		t.Fatalf("期望 ErrParameterFormat，实际 %v", err)
	}
	if calls["db_query"] != nil {
		t.Fatal("校验失败时不应调用动作")
	}
}

func TestBridgeExecuteMessage(t *testing.T) {
	bridge, calls := newTestBridge(t)
	if _, err := bridge.ExecuteMessage(context.Background(), "/lookup 0xDEAD"); err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	if calls["lookup"] == nil || calls["lookup"].args[0] != "0xDEAD" {
		t.Fatalf("消息入口绑定错误: %+v", calls["lookup"])
	}
}
