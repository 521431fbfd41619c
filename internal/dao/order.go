package dao

import (
	"context"

	"gorm.io/gorm"

	"quantflow/internal/model"
	"quantflow/internal/model/entity"
)

type OrderDao struct {
	db *gorm.DB
}

func NewOrderDao(db *gorm.DB) *OrderDao {
	return &OrderDao{db: db}
}

// SaveOrder 插入订单执行记录
func (d *OrderDao) SaveOrder(ctx context.Context, o *model.Order) error {
	record := &entity.OrderRecord{
		OrderID:   o.OrderID,
		ClOrdID:   o.ClOrdID,
		Symbol:    o.Symbol,
		Side:      string(o.Side),
		OrderType: string(o.OrderType),
		Size:      o.Size,
		Price:     o.Price,
		Status:    string(o.Status),
		Strategy:  o.StrategyID,
		StopLoss:  o.StopLossPrice,
		CreatedAt: o.CreatedAt,
	}
	return d.db.WithContext(ctx).Create(record).Error
}

// UpdateOrderStatus 按客户端订单id更新状态
func (d *OrderDao) UpdateOrderStatus(ctx context.Context, clOrdID string, status model.OrderStatus) error {
	return d.db.WithContext(ctx).Model(&entity.OrderRecord{}).
		Where("cl_ord_id = ?", clOrdID).
		Update("status", string(status)).Error
}

// GetRecent 查最近n条订单记录，监控接口用
func (d *OrderDao) GetRecent(ctx context.Context, limit int) ([]entity.OrderRecord, error) {
	var records []entity.OrderRecord
	err := d.db.WithContext(ctx).Model(&entity.OrderRecord{}).
		Order("created_at DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// GetByStrategy 查某策略在指定交易对下的最后一条记录
func (d *OrderDao) GetByStrategy(ctx context.Context, strategy, symbol string) (entity.OrderRecord, error) {
	var record entity.OrderRecord
	err := d.db.WithContext(ctx).Model(&entity.OrderRecord{}).
		Where("strategy = ?", strategy).
		Where("symbol = ?", symbol).
		Order("created_at DESC").
		Limit(1).
		Find(&record).Error
	return record, err
}
