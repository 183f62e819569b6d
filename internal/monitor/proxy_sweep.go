// Package monitor 实现链上安全监控的观察者与响应逻辑：
// 代理合约巡检任务发现实现地址变更后发布升级事件，
// 升级分析处理器拉取源码、对比差异并交给 LLM 评估安全影响。
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"ChainSentry/internal/chain"
	"ChainSentry/internal/event"
	"ChainSentry/internal/handler"
	"ChainSentry/internal/job"
	"ChainSentry/pkg/logger"
)

// ImplementationReader 是巡检任务对链客户端的最小依赖。
type ImplementationReader interface {
	Name() string
	ImplementationAt(ctx context.Context, proxy common.Address) (common.Address, error)
	FetchSnapshot(ctx context.Context) (chain.Snapshot, error)
}

// ProxySweepConfig 描述一次代理巡检任务的参数。
// Interval 为零时任务只巡检一轮即完成，交给调度器重新提交；
// 大于零时任务常驻，按间隔循环巡检直到收到停止请求。
type ProxySweepConfig struct {
	Chain    ImplementationReader
	Proxies  []common.Address
	Producer event.Producer
	Interval time.Duration
}

// ProxySweep 轮询一组代理合约的 EIP-1967 实现槽。
// 实现地址相对上一轮发生变化时发布 contract-upgraded 事件；
// 首次观察到的地址只记录基线，不触发事件。
type ProxySweep struct {
	chain    ImplementationReader
	proxies  []common.Address
	producer event.Producer
	interval time.Duration

	mu       sync.Mutex
	known    map[common.Address]common.Address
	stopOnce sync.Once
	stop     chan struct{}

	log *slog.Logger
}

// NewProxySweep 创建代理巡检任务。
func NewProxySweep(cfg ProxySweepConfig) *ProxySweep {
	return &ProxySweep{
		chain:    cfg.Chain,
		proxies:  cfg.Proxies,
		producer: cfg.Producer,
		interval: cfg.Interval,
		known:    make(map[common.Address]common.Address, len(cfg.Proxies)),
		stop:     make(chan struct{}),
		log:      logger.Named("proxy-sweep"),
	}
}

// Name 实现 job.Job。
func (s *ProxySweep) Name() string {
	return fmt.Sprintf("proxy-sweep:%s", s.chain.Name())
}

// RequestStop 实现协作式停止：关闭停止通道，任务在当前轮次结束后退出。
func (s *ProxySweep) RequestStop(_ context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

// Start 实现 job.Job。
func (s *ProxySweep) Start(ctx context.Context) (*job.Result, error) {
	sweeps, upgrades, err := s.sweepOnce(ctx)
	if err != nil {
		return nil, err
	}
	if s.interval <= 0 {
		return s.result(1, sweeps, upgrades), nil
	}

	rounds := 1
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return s.result(rounds, sweeps, upgrades), nil
		case <-s.stop:
			s.log.Info("巡检任务收到停止请求", slog.String("chain", s.chain.Name()))
			return s.result(rounds, sweeps, upgrades), nil
		case <-ticker.C:
			checked, changed, err := s.sweepOnce(ctx)
			if err != nil {
				s.log.Warn("本轮巡检失败", slog.String("chain", s.chain.Name()), slog.Any("error", err))
				continue
			}
			rounds++
			sweeps += checked
			upgrades += changed
		}
	}
}

func (s *ProxySweep) result(rounds, sweeps, upgrades int) *job.Result {
	return &job.Result{
		Success: true,
		Message: fmt.Sprintf("巡检 %d 轮，检查 %d 次，发现 %d 次升级", rounds, sweeps, upgrades),
		Data: map[string]any{
			"chain":    s.chain.Name(),
			"rounds":   rounds,
			"checked":  sweeps,
			"upgrades": upgrades,
		},
	}
}

// sweepOnce 检查全部代理一轮。单个代理读取失败只记日志，不会中断本轮。
func (s *ProxySweep) sweepOnce(ctx context.Context) (checked, upgrades int, err error) {
	snapshot, err := s.chain.FetchSnapshot(ctx)
	if err != nil {
		return 0, 0, err
	}

	for _, proxy := range s.proxies {
		select {
		case <-ctx.Done():
			return checked, upgrades, ctx.Err()
		case <-s.stop:
			return checked, upgrades, nil
		default:
		}

		impl, err := s.chain.ImplementationAt(ctx, proxy)
		if err != nil {
			s.log.Warn("读取实现槽失败",
				slog.String("proxy", proxy.Hex()),
				slog.Any("error", err),
			)
			continue
		}
		checked++

		previous, seen := s.remember(proxy, impl)
		if !seen {
			s.log.Info("记录代理实现基线",
				slog.String("proxy", proxy.Hex()),
				slog.String("implementation", impl.Hex()),
			)
			continue
		}
		if previous == impl {
			continue
		}

		upgrades++
		logger.Audit().Info("发现代理实现变更",
			slog.String("chain", s.chain.Name()),
			slog.String("proxy", proxy.Hex()),
			slog.String("old_implementation", previous.Hex()),
			slog.String("new_implementation", impl.Hex()),
			slog.Uint64("block", snapshot.BlockNumber),
		)
		if err := s.publishUpgrade(ctx, proxy, previous, impl, snapshot.BlockNumber); err != nil {
			s.log.Warn("发布升级事件失败",
				slog.String("proxy", proxy.Hex()),
				slog.Any("error", err),
			)
		}
	}
	return checked, upgrades, nil
}

// remember 更新某个代理的已知实现地址，返回旧值与是否已有基线。
func (s *ProxySweep) remember(proxy, impl common.Address) (common.Address, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, seen := s.known[proxy]
	s.known[proxy] = impl
	return previous, seen
}

func (s *ProxySweep) publishUpgrade(ctx context.Context, proxy, oldImpl, newImpl common.Address, block uint64) error {
	return s.producer.Publish(ctx, handler.Event{
		Trigger: handler.TriggerContractUpgraded,
		Source:  s.Name(),
		Payload: map[string]any{
			"chain":              s.chain.Name(),
			"proxy":              proxy.Hex(),
			"old_implementation": oldImpl.Hex(),
			"new_implementation": newImpl.Hex(),
			"block":              block,
		},
	})
}
