package okx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	goexv2 "github.com/nntaoli-project/goex/v2"
	goexm "github.com/nntaoli-project/goex/v2/model"
	"github.com/nntaoli-project/goex/v2/okx/futures"
	"github.com/nntaoli-project/goex/v2/options"

	"quantflow/internal/model"
	"quantflow/pkg/logger"
)

// 永续合约服务，基于goex v2封装OKX的下单/撤单/持仓查询。
// 普通单走goex的CreateOrder，条件止损单走OKX的algo order接口。

type Swap struct {
	prv goexv2.IPrvRest
	pub futures.Swap
}

func NewSwap(apiKey, apiSecret, passphrase string) *Swap {
	// okxv5 api 如果要使用模拟交易，需要切换到模拟交易下创建apikey
	opts := []options.ApiOption{
		options.WithApiKey(apiKey),
		options.WithApiSecretKey(apiSecret),
		options.WithPassphrase(passphrase),
	}
	pub := goexv2.OKx.Swap
	return &Swap{
		prv: pub.NewPrvApi(opts...),
		pub: *pub,
	}
}

func (e *Swap) getPub() goexv2.IPubRest {
	return &e.pub
}

// symbol 格式转换: "BTC/USDT" -> goex 需要的 CurrencyPair
func (e *Swap) toCurrencyPair(symbol string) (goexm.CurrencyPair, error) {
	parts := strings.Split(symbol, "/")
	if len(parts) == 1 { // 防止BTC-USDT-SWAP
		parts = strings.Split(symbol, "-")
	}
	if len(parts) > 2 { // 取前两个，防止BTC-USDT-SWAP
		parts = parts[:2]
	}
	return e.getPub().NewCurrencyPair(parts[0], parts[1])
}

// InstID symbol对应的OKX instId（如 BTC-USDT-SWAP）
func (e *Swap) InstID(symbol string) (string, error) {
	pair, err := e.toCurrencyPair(symbol)
	if err != nil {
		return "", err
	}
	return pair.Symbol, nil
}

// 获取最新价格
func (e *Swap) GetLastPrice(symbol string) (float64, error) {
	pair, err := e.toCurrencyPair(symbol)
	if err != nil {
		return 0, err
	}
	ticker, _, _ := e.getPub().GetTicker(pair)
	if ticker == nil {
		return 0, errors.New("failed to get ticker")
	}
	return ticker.Last, nil
}

// side+reduceOnly -> goex的合约方向
// 开仓：buy开多、sell开空；平仓：sell平多、buy平空
func toFuturesSide(side model.OrderSide, reduceOnly bool) (goexm.OrderSide, string, error) {
	switch side {
	case model.Buy:
		if reduceOnly {
			return goexm.Futures_CloseSell, "short", nil
		}
		return goexm.Futures_OpenBuy, "long", nil
	case model.Sell:
		if reduceOnly {
			return goexm.Futures_CloseBuy, "long", nil
		}
		return goexm.Futures_OpenSell, "short", nil
	default:
		return "", "", fmt.Errorf("invalid order side: %s", side)
	}
}

// CreateOrder 提交普通订单（市价/限价）
func (e *Swap) CreateOrder(ctx context.Context, req *model.OrderRequest) (*model.OrderResponse, error) {
	pair, err := e.toCurrencyPair(req.Symbol)
	if err != nil {
		return nil, err
	}

	side, posSide, err := toFuturesSide(req.Side, req.ReduceOnly)
	if err != nil {
		return nil, err
	}

	var orderType goexm.OrderType
	switch req.OrderType {
	case model.Limit:
		orderType = goexm.OrderType_Limit
	case model.Market:
		orderType = goexm.OrderType_Market
	default:
		return nil, fmt.Errorf("unsupported order type: %s", req.OrderType)
	}

	// 合约交易需要设置tdMode，这里统一使用逐仓模式
	opts := []goexm.OptionParameter{
		{Key: "tdMode", Value: "isolated"},
		{Key: "posSide", Value: posSide},
	}
	if req.ReduceOnly {
		opts = append(opts, goexm.OptionParameter{Key: "reduceOnly", Value: "true"})
	}

	createdOrder, _, err := e.prv.CreateOrder(pair, req.Size, req.Price, side, orderType, opts...)
	if err != nil {
		logger.Error("CreateOrder失败",
			logger.Pair("symbol", req.Symbol),
			logger.Pair("side", string(req.Side)),
			logger.Pair("err", err))
		return nil, err
	}

	return &model.OrderResponse{OrderID: createdOrder.Id}, nil
}

// PlaceAlgoOrder 挂交易所端条件止损单（触发后市价成交）。
// goex没有封装algo order接口，借用其签名通道直接请求OKX v5。
// 返回algoId，撤单时必须走CancelAlgoOrder。
func (e *Swap) PlaceAlgoOrder(ctx context.Context, req *model.OrderRequest) (*model.OrderResponse, error) {
	pair, err := e.toCurrencyPair(req.Symbol)
	if err != nil {
		return nil, err
	}
	prv, ok := e.prv.(*futures.PrvApi)
	if !ok {
		return nil, errors.New("PlaceAlgoOrder需要合约私有接口")
	}

	_, posSide, err := toFuturesSide(req.Side, req.ReduceOnly)
	if err != nil {
		return nil, err
	}

	reqUrl := fmt.Sprintf("%s%s", prv.UriOpts.Endpoint, "/api/v5/trade/order-algo")

	params := url.Values{}
	params.Set("instId", pair.Symbol)
	params.Set("tdMode", "isolated")
	params.Set("side", string(req.Side))
	params.Set("posSide", posSide)
	params.Set("ordType", "conditional")
	params.Set("sz", strconv.FormatFloat(req.Size, 'f', -1, 64))
	// 触发价=req.Price，slOrdPx=-1表示触发后按市价成交
	params.Set("slTriggerPx", strconv.FormatFloat(req.Price, 'f', -1, 64))
	params.Set("slOrdPx", "-1")
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}

	_, resp, err := prv.DoAuthRequest(http.MethodPost, reqUrl, &params, nil)
	if err != nil {
		logger.Error("PlaceAlgoOrder失败",
			logger.Pair("symbol", req.Symbol),
			logger.Pair("resp", string(resp)),
			logger.Pair("err", err))
		return nil, err
	}

	var body struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
		Data []struct {
			AlgoId string `json:"algoId"`
			SMsg   string `json:"sMsg"`
		} `json:"data"`
	}
	if err = json.Unmarshal(resp, &body); err != nil {
		return nil, fmt.Errorf("解析algo order响应失败: %w", err)
	}
	if body.Code != "0" || len(body.Data) == 0 {
		return nil, fmt.Errorf("OKX algo order错误, Code: %s, Msg: %s", body.Code, body.Msg)
	}

	return &model.OrderResponse{OrderID: body.Data[0].AlgoId, Raw: resp}, nil
}

// CancelOrder 撤销普通订单
func (e *Swap) CancelOrder(orderID, symbol string) error {
	pair, err := e.toCurrencyPair(symbol)
	if err != nil {
		return err
	}
	_, err = e.prv.CancelOrder(pair, orderID)
	return err
}

// CancelAlgoOrder 撤销条件单
func (e *Swap) CancelAlgoOrder(algoId, symbol string) error {
	pair, err := e.toCurrencyPair(symbol)
	if err != nil {
		return err
	}
	prv, ok := e.prv.(*futures.PrvApi)
	if !ok {
		return errors.New("CancelAlgoOrder需要合约私有接口")
	}

	reqUrl := fmt.Sprintf("%s%s", prv.UriOpts.Endpoint, "/api/v5/trade/cancel-algos")
	params := url.Values{}
	params.Set("instId", pair.Symbol)
	params.Set("algoId", algoId)

	_, resp, err := prv.DoAuthRequest(http.MethodPost, reqUrl, &params, nil)
	if err != nil {
		logger.Error("CancelAlgoOrder失败",
			logger.Pair("algoId", algoId),
			logger.Pair("resp", string(resp)),
			logger.Pair("err", err))
	}
	return err
}

// GetPositions 查询交易所真实持仓，long为正、short为负
func (e *Swap) GetPositions(symbol string) ([]model.ExchangePosition, error) {
	pair, err := e.toCurrencyPair(symbol)
	if err != nil {
		return nil, err
	}

	prv, ok := e.prv.(*futures.PrvApi)
	if !ok {
		return nil, errors.New("GetPositions需要合约私有接口")
	}

	res, data, err := prv.GetPositions(pair)
	if err != nil {
		return nil, err
	}

	// goex没有透出杠杆和未实现盈亏，从原始响应补
	var jsonData struct {
		Data []struct {
			Lever string `json:"lever"`
			Upl   string `json:"upl"`
		} `json:"data"`
	}
	if err = json.Unmarshal(data, &jsonData); err != nil {
		return nil, err
	}

	var items []model.ExchangePosition
	for i, re := range res {
		if re.Qty == 0 {
			// 没有张数的仓位忽略
			continue
		}
		size := re.Qty
		switch re.PosSide {
		case goexm.Futures_OpenSell, goexm.Spot_Sell:
			size = -size
		}
		item := model.ExchangePosition{
			Symbol:     symbol,
			Size:       size,
			EntryPrice: re.AvgPx,
		}
		if i < len(jsonData.Data) {
			item.Leverage, _ = strconv.Atoi(jsonData.Data[i].Lever)
			item.UnrealizedPnl, _ = strconv.ParseFloat(jsonData.Data[i].Upl, 64)
		}
		items = append(items, item)
	}

	return items, nil
}

// SetLeverage 设置合约杠杆
// marginMode 保证金模式：isolated（逐仓）或 cross（全仓）
// posSide    持仓方向：long、short，全仓模式下可为空
func (e *Swap) SetLeverage(symbol string, leverage int, marginMode, posSide string) error {
	pair, err := e.toCurrencyPair(symbol)
	instId := symbol
	if err == nil {
		instId = pair.Symbol
	}
	prv, ok := e.prv.(*futures.PrvApi)
	if !ok {
		return errors.New("无法设置杠杆，必须是合约私有接口")
	}

	if marginMode != "isolated" && marginMode != "cross" {
		return fmt.Errorf("不支持的保证金模式: %s", marginMode)
	}
	if marginMode == "isolated" && posSide != "long" && posSide != "short" {
		return errors.New("逐仓模式下必须指定 posSide（long 或 short）")
	}

	opts := []goexm.OptionParameter{
		{Key: "mgnMode", Value: marginMode},
		{Key: "posSide", Value: posSide},
	}
	resp, err := prv.SetLeverage(instId, strconv.Itoa(leverage), opts...)
	if err != nil {
		return fmt.Errorf("设置杠杆失败: %w", err)
	}
	logger.Debug("杠杆设置响应", logger.Pair("resp", string(resp)))
	return nil
}
