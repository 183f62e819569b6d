package chain

import (
	"context"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

type fakeReader struct {
	chainID *big.Int
	block   uint64
	storage map[common.Address]map[common.Hash][]byte
	code    map[common.Address][]byte
	balance map[common.Address]*big.Int
}

func (f *fakeReader) ChainID(context.Context) (*big.Int, error) { return f.chainID, nil }
func (f *fakeReader) BlockNumber(context.Context) (uint64, error) {
	return f.block, nil
}

func (f *fakeReader) StorageAt(_ context.Context, account common.Address, key common.Hash, _ *big.Int) ([]byte, error) {
	return f.storage[account][key], nil
}

func (f *fakeReader) CodeAt(_ context.Context, account common.Address, _ *big.Int) ([]byte, error) {
	return f.code[account], nil
}

func (f *fakeReader) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	return f.balance[account], nil
}

func TestFetchSnapshot(t *testing.T) {
	client := NewClientWithReader("mainnet", &fakeReader{chainID: big.NewInt(1), block: 19_000_000})
	snapshot, err := client.FetchSnapshot(context.Background())
	if err != nil {
		t.Fatalf("获取快照失败: %v", err)
	}
	if snapshot.ChainID != "1" || snapshot.BlockNumber != 19_000_000 {
		t.Fatalf("快照不对: %+v", snapshot)
	}
}

func TestImplementationAt(t *testing.T) {
	proxy := common.HexToAddress("0x1111111111111111111111111111111111111111")
	impl := common.HexToAddress("0x2222222222222222222222222222222222222222")

	reader := &fakeReader{storage: map[common.Address]map[common.Hash][]byte{
		proxy: {ImplementationSlot: common.BytesToHash(impl.Bytes()).Bytes()},
	}}
	client := NewClientWithReader("mainnet", reader)

	got, err := client.ImplementationAt(context.Background(), proxy)
	if err != nil {
		t.Fatalf("读取实现槽失败: %v", err)
	}
	if got != impl {
		t.Fatalf("实现地址不对: %s", got.Hex())
	}
}

func TestImplementationAtEmptySlot(t *testing.T) {
	proxy := common.HexToAddress("0x1111111111111111111111111111111111111111")
	client := NewClientWithReader("mainnet", &fakeReader{storage: map[common.Address]map[common.Hash][]byte{}})

	got, err := client.ImplementationAt(context.Background(), proxy)
	if err != nil {
		t.Fatalf("读取实现槽失败: %v", err)
	}
	if got != (common.Address{}) {
		t.Fatalf("空槽应返回零地址: %s", got.Hex())
	}
}

func TestParseUpgradedLog(t *testing.T) {
	impl := common.HexToAddress("0x3333333333333333333333333333333333333333")
	got, err := ParseUpgradedLog([]common.Hash{UpgradedTopic, common.BytesToHash(impl.Bytes())})
	if err != nil {
		t.Fatalf("解析 Upgraded 日志失败: %v", err)
	}
	if got != impl {
		t.Fatalf("实现地址不对: %s", got.Hex())
	}
}

func TestParseUpgradedLogRejectsOtherEvents(t *testing.T) {
	other := common.HexToHash("0xdeadbeef00000000000000000000000000000000000000000000000000000000")
	if _, err := ParseUpgradedLog([]common.Hash{other, {}}); err == nil {
		t.Fatal("非 Upgraded 事件应当报错")
	}
	if _, err := ParseUpgradedLog(nil); err == nil {
		t.Fatal("缺 topic 应当报错")
	}
}

func TestLoadDefinitionsEmptyPath(t *testing.T) {
	defs, err := LoadDefinitions("")
	if err != nil {
		t.Fatalf("空路径应返回空定义: %v", err)
	}
	if defs.Chains == nil || len(defs.Chains) != 0 {
		t.Fatalf("定义不为空: %+v", defs)
	}
}

func TestLoadDefinitionsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.yaml")
	content := []byte(`
chains:
  mainnet:
    type: evm
    rpc_url: https://rpc.example.org
    proxies:
      - "0x1111111111111111111111111111111111111111"
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("写入测试文件失败: %v", err)
	}

	defs, err := LoadDefinitions(path)
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	def, ok := defs.Chains["mainnet"]
	if !ok || def.RPCURL != "https://rpc.example.org" || len(def.Proxies) != 1 {
		t.Fatalf("定义不对: %+v", defs)
	}
}
