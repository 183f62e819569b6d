package action

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
)

func noopFunc(context.Context, []string, map[string]string) (string, error) {
	return "", nil
}

type fakeProvider struct {
	name    string
	actions []string
	err     error
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) RegisterActions(r *Registry) error {
	if p.err != nil {
		return p.err
	}
	for _, name := range p.actions {
		if err := r.Register(name, noopFunc, Spec{Name: name}); err != nil {
			return err
		}
	}
	return nil
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	spec := Spec{
		Name:      "lookup",
		AgentHint: "Pass the address as the first argument.",
		Arguments: []Argument{{Name: "address", Required: true}},
	}
	if err := r.Register("lookup", noopFunc, spec); err != nil {
		t.Fatalf("注册失败: %v", err)
	}

	registration, ok := r.Get("lookup")
	if !ok {
		t.Fatal("已注册的动作查不到")
	}
	if registration.Spec.Name != "lookup" {
		t.Fatalf("规格不匹配: %+v", registration.Spec)
	}
	if !registration.Spec.PositionalHint() {
		t.Fatal("AgentHint 应触发位置参数提示")
	}
	if got := registration.Spec.RequiredArguments(); !reflect.DeepEqual(got, []string{"address"}) {
		t.Fatalf("必填参数列表不对: %v", got)
	}
}

func TestRegistryRejectsDuplicate(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("ping", noopFunc, Spec{Name: "ping"}); err != nil {
		t.Fatalf("首次注册失败: %v", err)
	}
	err := r.Register("ping", noopFunc, Spec{Name: "ping"})
	if !errors.Is(err, ErrDuplicateAction) {
		t.Fatalf("期望 ErrDuplicateAction，实际 %v", err)
	}
}

func TestRegistryRejectsInvalidRegistration(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("", noopFunc, Spec{}); err == nil {
		t.Fatal("空命令名应当被拒绝")
	}
	if err := r.Register("x", nil, Spec{Name: "x"}); err == nil {
		t.Fatal("空处理函数应当被拒绝")
	}
}

func TestRegistryInitializeIsIdempotent(t *testing.T) {
	r := NewRegistry()
	provider := &fakeProvider{name: "builtin", actions: []string{"ping", "help"}}
	if err := r.Initialize(provider); err != nil {
		t.Fatalf("初始化失败: %v", err)
	}
	// 二次初始化不应重复注册。
	if err := r.Initialize(provider); err != nil {
		t.Fatalf("重复初始化不应报错: %v", err)
	}
	if got := r.Names(); !reflect.DeepEqual(got, []string{"help", "ping"}) {
		t.Fatalf("动作清单不对: %v", got)
	}
}

func TestRegistryInitializeWrapsProviderError(t *testing.T) {
	r := NewRegistry()
	provider := &fakeProvider{name: "broken", err: errors.New("bad wiring")}
	if err := r.Initialize(provider); err == nil {
		t.Fatal("扩展注册失败应当向上传播")
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("action-%d", i)
			if err := r.Register(name, noopFunc, Spec{Name: name}); err != nil {
				t.Errorf("并发注册失败: %v", err)
			}
			if _, ok := r.Get(name); !ok {
				t.Errorf("刚注册的 %s 查不到", name)
			}
			_ = r.Actions()
		}(i)
	}
	wg.Wait()
	if got := len(r.Names()); got != 32 {
		t.Fatalf("期望 32 个动作，实际 %d", got)
	}
}

func TestSpecPositionalHint(t *testing.T) {
	cases := []struct {
		hint string
		want bool
	}{
		{"Pass the address as the first argument.", true},
		{"The first parameter is the query.", true},
		{"Use key=value pairs.", false},
		{"", false},
	}
	for _, tc := range cases {
		spec := Spec{AgentHint: tc.hint}
		if got := spec.PositionalHint(); got != tc.want {
			t.Errorf("PositionalHint(%q) = %v，期望 %v", tc.hint, got, tc.want)
		}
	}
}
