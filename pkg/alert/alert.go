package alert

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"quantflow/pkg/logger"
)

// 运维告警通道：风控和执行层的严重事件写入kafka，
// 下游的值班系统消费后触发通知。
// 告警失败只记日志，绝不把下单主链路拖死。

// Service 定义告警接口，方便测试和替换
type Service interface {
	SendAlert(ctx context.Context, level, code, message string)
	Close()
}

type Message struct {
	Level     string    `json:"level"` // INFO / WARN / CRITICAL
	Code      string    `json:"code"`  // 事件代码，如 EMERGENCY_CLOSE_FAILED
	Message   string    `json:"message"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

type kafkaAlerter struct {
	writer *kafka.Writer
}

func NewKafkaAlerter(brokerURL, topic string) Service {
	return &kafkaAlerter{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokerURL),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
	}
}

func (a *kafkaAlerter) SendAlert(ctx context.Context, level, code, message string) {
	msg := Message{
		Level:     level,
		Code:      code,
		Message:   message,
		Source:    "quantflow",
		Timestamp: time.Now(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		logger.Error("告警序列化失败", logger.Pair("err", err))
		return
	}

	// code作为Key，同类告警进入同一分区保证顺序
	err = a.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(code),
		Value: payload,
	})
	if err != nil {
		logger.Error("告警写入kafka失败",
			logger.Pair("code", code),
			logger.Pair("err", err))
		return
	}
	logger.Info("告警已发出", logger.Pair("level", level), logger.Pair("code", code))
}

func (a *kafkaAlerter) Close() {
	_ = a.writer.Close()
}

// NopAlerter 本地联调用的空实现
type NopAlerter struct{}

func (NopAlerter) SendAlert(ctx context.Context, level, code, message string) {
	logger.Warn("告警(未接kafka)",
		logger.Pair("level", level),
		logger.Pair("code", code),
		logger.Pair("message", message))
}

func (NopAlerter) Close() {}
