package loan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "LoanSolver-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

const defaultOracleTimeout = 10 * time.Second

// ReputationConfig 描述信誉查询服务的调用方式。
type ReputationConfig struct {
	BaseURL string
	Timeout time.Duration
}

// ReputationClient 通过 HTTP 查询借款人信誉评分。
type ReputationClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewReputationClient 根据配置创建信誉查询客户端。
func NewReputationClient(cfg ReputationConfig) (*ReputationClient, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, errors.New("未提供信誉服务地址")
	}
	baseURL = strings.TrimRight(baseURL, "/")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultOracleTimeout
	}

	return &ReputationClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Rating 查询指定借款人的信誉评分。任何非 2xx 响应、超时或无法解析的
// 响应体都视为硬失败，由调用方决定拒绝。
func (c *ReputationClient) Rating(ctx context.Context, borrower common.Address) (float64, error) {
	endpoint := fmt.Sprintf("%s/rating/%s", c.baseURL, borrower.Hex())
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, xerrors.Wrap(CodeOracleUnavailable, err, "构建信誉查询请求失败")
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, xerrors.Wrap(CodeOracleUnavailable, err, "请求信誉服务失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return 0, xerrors.New(CodeOracleUnavailable,
			fmt.Sprintf("信誉服务返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var decoded struct {
		Rating *float64 `json:"rating"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return 0, xerrors.Wrap(CodeOracleUnavailable, err, "解析信誉服务响应失败")
	}
	if decoded.Rating == nil {
		return 0, xerrors.New(CodeOracleUnavailable, "信誉服务响应中缺少 rating 字段")
	}
	return *decoded.Rating, nil
}

var _ ReputationSource = (*ReputationClient)(nil)
