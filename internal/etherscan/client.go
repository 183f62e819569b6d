// Package etherscan 封装区块浏览器的合约源码查询接口，
// 用于升级分析时拉取已验证的合约源码。
package etherscan

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ChainSentry/internal/errors"
	"ChainSentry/pkg/logger"
)

// CodeExplorerFailure 表示区块浏览器接口调用失败。
const CodeExplorerFailure errors.Code = "EXPLORER_FAILURE"

func init() {
	errors.Register(CodeExplorerFailure, errors.Attributes{
		Message:   "区块浏览器接口调用失败",
		Severity:  errors.SeverityWarning,
		Retryable: true,
	})
}

// Config 描述一个 Etherscan 兼容接口的连接参数。
type Config struct {
	APIURL  string
	APIKey  string
	Timeout time.Duration
}

// Client 拉取已验证的合约源码。
type Client struct {
	apiURL     string
	apiKey     string
	httpClient *http.Client
	log        *slog.Logger
}

// NewClient 创建区块浏览器客户端。
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIURL == "" {
		return nil, errors.New(errors.CodeInvalidArgument, "缺少浏览器接口地址")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		apiURL:     cfg.APIURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		log:        logger.Named("etherscan"),
	}, nil
}

// VerifiedSource 是一次 getsourcecode 查询的结果。
// Sources 按文件名索引源码文本；单文件合约只有一个条目。
type VerifiedSource struct {
	ContractName string
	Compiler     string
	Sources      map[string]string
}

type sourceEnvelope struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Result  []struct {
		SourceCode   string `json:"SourceCode"`
		ContractName string `json:"ContractName"`
		CompilerVer  string `json:"CompilerVersion"`
	} `json:"result"`
}

// FetchVerifiedSource 拉取一个地址的已验证源码。
// 标准 JSON 输入（双大括号包裹）会被展开为多文件列表，
// 普通单文件源码归入以合约名命名的条目。
func (c *Client) FetchVerifiedSource(ctx context.Context, address string) (*VerifiedSource, error) {
	if address == "" {
		return nil, errors.New(errors.CodeInvalidArgument, "缺少合约地址")
	}

	query := url.Values{}
	query.Set("module", "contract")
	query.Set("action", "getsourcecode")
	query.Set("address", address)
	if c.apiKey != "" {
		query.Set("apikey", c.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"?"+query.Encode(), nil)
	if err != nil {
		return nil, errors.Wrap(CodeExplorerFailure, err, "构造源码查询请求失败")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(CodeExplorerFailure, err, "源码查询请求失败")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, errors.Wrap(CodeExplorerFailure, err, "读取源码查询响应失败")
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, errors.New(CodeExplorerFailure, fmt.Sprintf("源码查询返回 HTTP %d", resp.StatusCode))
	}

	var envelope sourceEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, errors.Wrap(CodeExplorerFailure, err, "解析源码查询响应失败")
	}
	if envelope.Status != "1" {
		return nil, errors.New(CodeExplorerFailure, fmt.Sprintf("源码查询失败: %s", envelope.Message))
	}
	if len(envelope.Result) == 0 {
		return nil, errors.New(errors.CodeNotFound, fmt.Sprintf("地址 %s 没有已验证源码", address))
	}

	entry := envelope.Result[0]
	if entry.SourceCode == "" {
		return nil, errors.New(errors.CodeNotFound, fmt.Sprintf("地址 %s 没有已验证源码", address))
	}

	sources, err := expandSources(entry.ContractName, entry.SourceCode)
	if err != nil {
		return nil, err
	}

	c.log.Debug("拉取到已验证源码",
		"address", address,
		"contract", entry.ContractName,
		"files", len(sources),
	)
	return &VerifiedSource{
		ContractName: entry.ContractName,
		Compiler:     entry.CompilerVer,
		Sources:      sources,
	}, nil
}

// expandSources 处理三种源码格式：双大括号包裹的标准 JSON 输入、
// 裸 JSON 文件映射以及单文件源码文本。
func expandSources(contractName, raw string) (map[string]string, error) {
	trimmed := strings.TrimSpace(raw)

	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") {
		trimmed = trimmed[1 : len(trimmed)-1]
	}

	if strings.HasPrefix(trimmed, "{") {
		if sources, err := parseJSONSources(trimmed); err == nil {
			return sources, nil
		}
	}

	name := contractName
	if name == "" {
		name = "Contract"
	}
	return map[string]string{name + ".sol": raw}, nil
}

func parseJSONSources(raw string) (map[string]string, error) {
	// 标准 JSON 输入把文件放在 sources 字段下。
	var standard struct {
		Sources map[string]struct {
			Content string `json:"content"`
		} `json:"sources"`
	}
	if err := json.Unmarshal([]byte(raw), &standard); err == nil && len(standard.Sources) > 0 {
		out := make(map[string]string, len(standard.Sources))
		for path, file := range standard.Sources {
			out[path] = file.Content
		}
		return out, nil
	}

	// 旧格式直接给文件名到 {content} 的映射。
	var flat map[string]struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal([]byte(raw), &flat); err != nil {
		return nil, errors.Wrap(CodeExplorerFailure, err, "解析多文件源码失败")
	}
	out := make(map[string]string, len(flat))
	for path, file := range flat {
		if file.Content == "" {
			return nil, errors.New(CodeExplorerFailure, "多文件源码缺少内容字段")
		}
		out[path] = file.Content
	}
	if len(out) == 0 {
		return nil, errors.New(CodeExplorerFailure, "多文件源码为空")
	}
	return out, nil
}
