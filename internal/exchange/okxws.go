package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/spf13/cast"

	"quantflow/internal/event"
	"quantflow/pkg/logger"
)

// OKX私有频道监听器：订阅orders频道，把交易所推送的订单状态变化
// 转成ORDER_UPDATE事件发到总线上。成交确认以这里为准，不靠下单响应。

type OkxUserStream struct {
	sync.RWMutex
	url        string
	apiKey     string
	apiSecret  string
	passphrase string

	conn    *websocket.Conn
	bus     *event.Bus
	closeCh chan struct{}
	started bool
}

func NewOkxUserStream(apiKey, apiSecret, passphrase string, bus *event.Bus) *OkxUserStream {
	return &OkxUserStream{
		url:        "wss://ws.okx.com:8443/ws/v5/private",
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		passphrase: passphrase,
		bus:        bus,
		closeCh:    make(chan struct{}),
	}
}

// Start 启动连接/重连主循环
func (s *OkxUserStream) Start() {
	s.Lock()
	if s.started {
		s.Unlock()
		return
	}
	s.started = true
	s.Unlock()
	go s.run()
}

func (s *OkxUserStream) Close() error {
	s.Lock()
	defer s.Unlock()
	close(s.closeCh)
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *OkxUserStream) run() {
	logger.Info("OKX私有频道连接管理器启动")
	for {
		select {
		case <-s.closeCh:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
		if err != nil {
			logger.Warn("OKX私有频道连接失败，2s后重试", logger.Pair("err", err))
			time.Sleep(2 * time.Second)
			continue
		}

		s.Lock()
		s.conn = conn
		s.Unlock()

		if err = s.login(conn); err != nil {
			logger.Error("OKX私有频道登录失败", logger.Pair("err", err))
			_ = conn.Close()
			time.Sleep(2 * time.Second)
			continue
		}
		if err = s.subscribeOrders(conn); err != nil {
			logger.Error("订阅orders频道失败", logger.Pair("err", err))
			_ = conn.Close()
			time.Sleep(2 * time.Second)
			continue
		}

		go s.startPingLoop(conn)
		s.runListen(conn) // 阻塞直到连接断开

		logger.Warn("OKX私有频道连接断开，准备重连")
		time.Sleep(2 * time.Second)
	}
}

// 登录私有频道：sign = base64(hmac-sha256(ts + "GET" + "/users/self/verify"))
func (s *OkxUserStream) login(conn *websocket.Conn) error {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	h := hmac.New(sha256.New, []byte(s.apiSecret))
	h.Write([]byte(ts + "GET" + "/users/self/verify"))
	sign := base64.StdEncoding.EncodeToString(h.Sum(nil))

	loginMsg := map[string]interface{}{
		"op": "login",
		"args": []map[string]string{{
			"apiKey":     s.apiKey,
			"passphrase": s.passphrase,
			"timestamp":  ts,
			"sign":       sign,
		}},
	}
	if err := conn.WriteJSON(loginMsg); err != nil {
		return err
	}

	// 登录响应必须确认成功后才能订阅
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	var resp struct {
		Event string `json:"event"`
		Code  string `json:"code"`
		Msg   string `json:"msg"`
	}
	if err = json.Unmarshal(msg, &resp); err != nil {
		return err
	}
	if resp.Event == "error" || (resp.Code != "" && resp.Code != "0") {
		return fmt.Errorf("login rejected, code=%s msg=%s", resp.Code, resp.Msg)
	}
	return nil
}

func (s *OkxUserStream) subscribeOrders(conn *websocket.Conn) error {
	subMsg := map[string]interface{}{
		"op": "subscribe",
		"args": []map[string]string{
			{"channel": "orders", "instType": "SWAP"},
		},
	}
	return conn.WriteJSON(subMsg)
}

func (s *OkxUserStream) startPingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(time.Second * 15)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
				logger.Warn("私有频道ping失败", logger.Pair("err", err))
				return
			}
		case <-s.closeCh:
			return
		}
	}
}

func (s *OkxUserStream) runListen(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			logger.Warn("私有频道ReadMessage失败", logger.Pair("err", err))
			return // 退出，触发 run() 重连
		}
		s.handleMessage(message)
	}
}

func (s *OkxUserStream) handleMessage(msg []byte) {
	if string(msg) == "pong" {
		return
	}

	var raw struct {
		Event string `json:"event"`
		Code  string `json:"code"`
		Msg   string `json:"msg"`
		Arg   struct {
			Channel string `json:"channel"`
		} `json:"arg"`
		Data []map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		logger.Warn("私有频道消息解析失败", logger.Pair("err", err))
		return
	}

	if raw.Event == "error" {
		logger.Error("OKX私有频道错误",
			logger.Pair("code", raw.Code),
			logger.Pair("msg", raw.Msg))
		return
	}
	if raw.Arg.Channel != "orders" || len(raw.Data) == 0 {
		return
	}

	for _, d := range raw.Data {
		update := event.OrderUpdateData{
			OrderID:    cast.ToString(d["ordId"]),
			Symbol:     cast.ToString(d["instId"]),
			State:      cast.ToString(d["state"]),
			FilledSize: cast.ToFloat64(d["accFillSz"]),
			AvgPrice:   cast.ToFloat64(d["avgPx"]),
		}
		s.bus.Publish(event.New(event.OrderUpdate, update, "okx_user_stream"))
	}
}
