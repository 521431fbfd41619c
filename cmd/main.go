package main

import (
	"log"

	api "quantflow/cmd/quantflow"
	"quantflow/conf"
	"quantflow/internal/engine"
	"quantflow/pkg/logger"
)

/*
本地验证

curl http://localhost:8090/api/v1/status

BODY='{"symbol":"BTC/USDT","side":"buy","order_type":"market","stop_loss_price":49000,"strategy_id":"trend-v1"}'
curl -X POST http://localhost:8090/api/v1/orders/submit \
  -H "Content-Type: application/json" \
  -d "$BODY"
*/

func main() {
	// 加载配置文件
	err := conf.LoadConfig("conf/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	appCfg := conf.AppConfig

	logger.Init(logger.Config{
		Level:      appCfg.Log.Level,
		FileName:   appCfg.Log.FileName,
		MaxSize:    appCfg.Log.MaxSize,
		MaxBackups: appCfg.Log.MaxBackups,
		MaxAge:     appCfg.Log.MaxAge,
		Compress:   appCfg.Log.Compress,
		Console:    appCfg.Log.Console,
	})
	defer logger.Sync()

	eng, err := engine.New(&appCfg)
	if err != nil {
		logger.Fatal("引擎构建失败", logger.Pair("err", err))
	}
	if err := eng.Start(); err != nil {
		logger.Fatal("引擎启动失败", logger.Pair("err", err))
	}

	srv := api.NewServer(&appCfg)
	srv.RegisterOnShutdown(func() {
		eng.Stop()
	})

	srv.Run(api.InitRouter(eng))
}
