package monitor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"ChainSentry/internal/chain"
	"ChainSentry/internal/event"
	"ChainSentry/internal/handler"
	"ChainSentry/pkg/logger"
)

// UpgradeLogRelay 订阅原始链上事件，识别其中的 EIP-1967
// Upgraded(address) 日志并转发为 contract-upgraded 事件。
// Webhook 入口投递的原始日志经由它归一化，与巡检任务产出
// 的升级事件走同一条分析链路。
type UpgradeLogRelay struct {
	producer event.Producer
	log      *slog.Logger
}

// NewUpgradeLogRelay 创建日志转发处理器。
func NewUpgradeLogRelay(producer event.Producer) *UpgradeLogRelay {
	return &UpgradeLogRelay{
		producer: producer,
		log:      logger.Named("upgrade-log-relay"),
	}
}

// Name 实现 handler.Handler。
func (r *UpgradeLogRelay) Name() string { return "upgrade-log-relay" }

// Triggers 实现 handler.Handler。
func (r *UpgradeLogRelay) Triggers() []handler.Trigger {
	return []handler.Trigger{handler.TriggerBlockchainEvent}
}

// Handle 实现 handler.Handler。非 Upgraded 日志视为成功跳过。
func (r *UpgradeLogRelay) Handle(ctx context.Context, evt handler.Event) handler.Result {
	topics, err := topicsFromPayload(evt.Payload)
	if err != nil {
		return failure(r.Name(), err.Error())
	}

	impl, err := chain.ParseUpgradedLog(topics)
	if err != nil {
		return handler.Result{
			Handler: r.Name(),
			Success: true,
			Data:    map[string]any{"message": "非 Upgraded 日志，跳过"},
		}
	}

	proxy, _ := evt.Payload["address"].(string)
	chainName, _ := evt.Payload["chain"].(string)
	block := evt.Payload["block"]

	upgraded := handler.Event{
		Trigger: handler.TriggerContractUpgraded,
		Source:  r.Name(),
		Payload: map[string]any{
			"chain":              chainName,
			"proxy":              proxy,
			"old_implementation": "",
			"new_implementation": impl.Hex(),
			"block":              block,
		},
	}
	if err := r.producer.Publish(ctx, upgraded); err != nil {
		return failure(r.Name(), fmt.Sprintf("转发升级事件失败: %v", err))
	}

	r.log.Info("转发 Upgraded 日志",
		slog.String("proxy", proxy),
		slog.String("implementation", impl.Hex()),
	)
	return handler.Result{
		Handler: r.Name(),
		Success: true,
		Data: map[string]any{
			"proxy":              proxy,
			"new_implementation": impl.Hex(),
		},
	}
}

// topicsFromPayload 解析事件载荷中的 topics 字段。队列传输后
// 载荷经过 JSON 往返，字符串数组到达时是 []any。
func topicsFromPayload(payload map[string]any) ([]common.Hash, error) {
	raw, ok := payload["topics"]
	if !ok {
		return nil, fmt.Errorf("事件缺少 topics 字段")
	}

	switch value := raw.(type) {
	case []common.Hash:
		return value, nil
	case []string:
		topics := make([]common.Hash, len(value))
		for i, s := range value {
			topics[i] = common.HexToHash(s)
		}
		return topics, nil
	case []any:
		topics := make([]common.Hash, 0, len(value))
		for _, item := range value {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("topics 含非字符串元素")
			}
			topics = append(topics, common.HexToHash(s))
		}
		return topics, nil
	default:
		return nil, fmt.Errorf("topics 字段类型不支持")
	}
}
