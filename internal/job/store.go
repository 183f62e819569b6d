package job

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "ChainSentry/internal/errors"
)

// Record 是任务记录的持久化形态，时间戳使用 Unix 秒以便跨存储实现统一。
type Record struct {
	ID          string
	Name        string
	Status      Status
	SubmittedAt int64
	FinishedAt  int64
	Result      *Result
	Error       string
}

// Store 定义任务记录的持久化契约。Manager 本身以内存记账为准，
// Store 只负责留痕与重启后的排查，不参与运行期状态判定。
type Store interface {
	Create(ctx context.Context, record Record) error
	Finish(ctx context.Context, id string, status Status, result *Result, errMsg string) error
	Get(ctx context.Context, id string) (*Record, error)
	List(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

// MemoryStore 以内存方式保存任务记录，主要用于测试与单机运行。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, record Record) error {
	if strings.TrimSpace(record.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[record.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "任务记录已存在")
	}
	if record.SubmittedAt == 0 {
		record.SubmittedAt = time.Now().Unix()
	}
	clone := cloneRecord(&record)
	m.records[record.ID] = clone
	return nil
}

// Finish 写入终态。重复写入保持首个终态不变。
func (m *MemoryStore) Finish(_ context.Context, id string, status Status, result *Result, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return ErrJobNotFound
	}
	if record.Status.Terminal() {
		return nil
	}
	record.Status = status
	record.Error = errMsg
	record.FinishedAt = time.Now().Unix()
	if result != nil {
		resultCopy := *result
		record.Result = &resultCopy
	}
	return nil
}

// Get 返回任务记录。
func (m *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return cloneRecord(record), nil
}

// List 按提交时间倒序返回最多 limit 条记录，limit <= 0 表示不限。
func (m *MemoryStore) List(_ context.Context, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	records := make([]Record, 0, len(m.records))
	for _, record := range m.records {
		records = append(records, *cloneRecord(record))
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].SubmittedAt == records[j].SubmittedAt {
			return records[i].ID < records[j].ID
		}
		return records[i].SubmittedAt > records[j].SubmittedAt
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }

func cloneRecord(record *Record) *Record {
	clone := *record
	if record.Result != nil {
		resultCopy := *record.Result
		clone.Result = &resultCopy
	}
	return &clone
}

func marshalResult(result *Result) (string, error) {
	if result == nil {
		return "", nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func unmarshalResult(raw string) (*Result, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var result Result
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, err
	}
	return &result, nil
}
