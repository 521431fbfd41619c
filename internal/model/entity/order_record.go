package entity

import "time"

// OrderRecord 订单执行记录表，复盘和审计用
type OrderRecord struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID   string    `gorm:"column:order_id;size:64;index" json:"order_id"`
	ClOrdID   string    `gorm:"column:cl_ord_id;size:64;uniqueIndex" json:"cl_ord_id"`
	Symbol    string    `gorm:"column:symbol;size:32;index" json:"symbol"`
	Side      string    `gorm:"column:side;size:8" json:"side"`
	OrderType string    `gorm:"column:order_type;size:16" json:"order_type"`
	Size      float64   `gorm:"column:size" json:"size"`
	Price     float64   `gorm:"column:price" json:"price"`
	Status    string    `gorm:"column:status;size:16;index" json:"status"`
	Strategy  string    `gorm:"column:strategy;size:32;index" json:"strategy"`
	StopLoss  float64   `gorm:"column:stop_loss" json:"stop_loss"`
	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (OrderRecord) TableName() string {
	return "order_records"
}
