package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cast"

	"quantflow/internal/model"
	"quantflow/pkg/logger"
)

// okx的公开接口，不需要apikey

// PublicClient 封装了与 OKX 公开 REST API 通信所需的一切
type PublicClient struct {
	httpClient *http.Client
	baseURL    string
}

func NewPublicClient() *PublicClient {
	return &PublicClient{
		// OKX V5 基础公共 API 地址
		baseURL: "https://www.okx.com/api/v5",
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

const maxRetries = 3

// GetInstrumentWithRetry 封装了 GetInstrument，并添加了重试逻辑
func (c *PublicClient) GetInstrumentWithRetry(ctx context.Context, instType, instId string) (*model.Instrument, error) {
	var inst *model.Instrument
	var err error

	backoffTime := 2 * time.Second

	for i := 0; i < maxRetries; i++ {
		inst, err = c.GetInstrument(ctx, instType, instId)
		if err == nil {
			return inst, nil
		}

		logger.Warn("获取交易对元数据失败，准备重试",
			logger.Pair("instId", instId),
			logger.Pair("attempt", i+1),
			logger.Pair("err", err))

		if i == maxRetries-1 {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoffTime):
		}

		// 指数退避
		backoffTime *= 3
	}

	return nil, fmt.Errorf("在 %d 次尝试后，无法获取 %s 元数据，最终错误: %w", maxRetries, instId, err)
}

// GetInstrument 获取单个交易产品的精度信息
// instType: SPOT, SWAP, FUTURES 等
func (c *PublicClient) GetInstrument(ctx context.Context, instType, instId string) (*model.Instrument, error) {
	endpoint := fmt.Sprintf("/public/instruments?instType=%s&instId=%s", instType, instId)

	var raws []InstrumentRaw
	if err := c.doPublicGet(ctx, endpoint, &raws); err != nil {
		return nil, fmt.Errorf("获取 %s 元数据失败: %w", instId, err)
	}
	if len(raws) == 0 {
		return nil, fmt.Errorf("OKX未返回 %s 的元数据", instId)
	}

	raw := raws[0]
	minSz := cast.ToFloat64(raw.MinSz)
	// OKX的合约没有最小名义金额约束，数量约束已经由lotSz/minSz表达
	return &model.Instrument{
		Symbol:       instId,
		LotSize:      cast.ToFloat64(raw.LotSz),
		MinOrderSize: minSz,
		TickSize:     cast.ToFloat64(raw.TickSz),
	}, nil
}

// doPublicGet 执行通用的 GET 请求，处理 JSON 解析和错误
func (c *PublicClient) doPublicGet(ctx context.Context, endpoint string, result interface{}) error {
	url := fmt.Sprintf("%s%s", c.baseURL, endpoint)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API返回非成功状态码: %d", resp.StatusCode)
	}

	// OKX API 的标准 JSON 格式：{"code":"0", "msg":"", "data":[...]}
	var apiResponse struct {
		Code string          `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&apiResponse); err != nil {
		return fmt.Errorf("解析API响应JSON失败: %w", err)
	}

	if apiResponse.Code != "0" {
		return fmt.Errorf("OKX API错误, Code: %s, Msg: %s", apiResponse.Code, apiResponse.Msg)
	}

	if err := json.Unmarshal(apiResponse.Data, result); err != nil {
		return fmt.Errorf("解析Data字段失败: %w", err)
	}

	return nil
}

// InstrumentRaw 对应 OKX API 返回的单个交易对信息
type InstrumentRaw struct {
	InstId   string `json:"instId"`   // 交易对 ID (如 BTC-USDT-SWAP)
	InstType string `json:"instType"` // 交易对类型 (SPOT/SWAP/FUTURES)
	State    string `json:"state"`    // 交易状态 (如 live)

	// 精度/步长信息
	TickSz string `json:"tickSz"` // 价格步长
	MinSz  string `json:"minSz"`  // 最小下单数量
	LotSz  string `json:"lotSz"`  // 数量步长
	CtVal  string `json:"ctVal"`  // 合约面值
}
