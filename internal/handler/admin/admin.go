package admin

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"quantflow/internal/capital"
	"quantflow/internal/dao"
	"quantflow/internal/event"
	"quantflow/internal/model"
	"quantflow/internal/order"
	"quantflow/internal/position"
	"quantflow/internal/risk"
)

// 运行状态查询接口，给运维面板和值班脚本用。
// 只读为主，唯一的写操作是全量撤单（人工干预入口）。

type Handler struct {
	commander *capital.Commander
	positions *position.Manager
	orders    *order.Manager
	guardian  *risk.Guardian
	bus       *event.Bus
	orderDao  *dao.OrderDao // 未启用数据库时为nil
}

func NewHandler(
	commander *capital.Commander,
	positions *position.Manager,
	orders *order.Manager,
	guardian *risk.Guardian,
	bus *event.Bus,
	orderDao *dao.OrderDao,
) *Handler {
	return &Handler{
		commander: commander,
		positions: positions,
		orders:    orders,
		guardian:  guardian,
		bus:       bus,
		orderDao:  orderDao,
	}
}

// Status 总览：资金、风控计数、事件总线
func (h *Handler) Status() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		riskStats := h.guardian.GetStats()
		busStats := h.bus.GetStats()
		ctx.JSON(http.StatusOK, gin.H{
			"capital": h.commander.GetSummary(),
			"risk": gin.H{
				"total_checks":     riskStats.TotalChecks,
				"total_rejections": riskStats.TotalRejections,
			},
			"bus": gin.H{
				"published": busStats.Published,
				"processed": busStats.Processed,
				"dropped":   busStats.Dropped,
				"errors":    busStats.Errors,
				"handlers":  busStats.Handlers,
			},
			"total_exposure": h.positions.GetTotalExposure(),
		})
	}
}

func (h *Handler) PositionsGet() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, h.positions.GetAllPositions())
	}
}

func (h *Handler) CapitalGet() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{
			"summary":    h.commander.GetSummary(),
			"strategies": h.commander.GetAllCapitals(),
		})
	}
}

func (h *Handler) OpenOrdersGet() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, h.orders.GetOpenOrders())
	}
}

// RecentOrdersGet 查库里的历史执行记录，默认50条
func (h *Handler) RecentOrdersGet() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if h.orderDao == nil {
			ctx.JSON(http.StatusServiceUnavailable, gin.H{"error": "数据库未启用"})
			return
		}
		limit, err := strconv.Atoi(ctx.DefaultQuery("limit", "50"))
		if err != nil || limit <= 0 || limit > 500 {
			limit = 50
		}
		records, err := h.orderDao.GetRecent(ctx, limit)
		if err != nil {
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		ctx.JSON(http.StatusOK, records)
	}
}

func (h *Handler) RiskStatsGet() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		stats := h.guardian.GetStats()
		ctx.JSON(http.StatusOK, gin.H{
			"total_checks":     stats.TotalChecks,
			"total_rejections": stats.TotalRejections,
		})
	}
}

type submitOrderReq struct {
	Symbol        string  `json:"symbol" binding:"required"`
	Side          string  `json:"side" binding:"required,oneof=buy sell"`
	OrderType     string  `json:"order_type" binding:"required,oneof=market limit stop_market"`
	Size          float64 `json:"size" binding:"gte=0"`
	Price         float64 `json:"price" binding:"gte=0"`
	StopLossPrice float64 `json:"stop_loss_price" binding:"gte=0"`
	StrategyID    string  `json:"strategy_id" binding:"required"`
	ReduceOnly    bool    `json:"reduce_only"`
}

// OrderSubmit 人工/外部策略下单入口，走完整风控链路
func (h *Handler) OrderSubmit() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		var req submitOrderReq
		if err := ctx.ShouldBindJSON(&req); err != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		o, err := h.orders.SubmitOrder(ctx, &model.OrderRequest{
			Symbol:        req.Symbol,
			Side:          model.OrderSide(req.Side),
			OrderType:     model.OrderType(req.OrderType),
			Size:          req.Size,
			Price:         req.Price,
			StopLossPrice: req.StopLossPrice,
			StrategyID:    req.StrategyID,
			ReduceOnly:    req.ReduceOnly,
		})
		if err != nil {
			ctx.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		ctx.JSON(http.StatusOK, o)
	}
}

// OrdersCancelAll 全量撤单，symbol参数为空时撤所有交易对
func (h *Handler) OrdersCancelAll() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		symbol := ctx.Query("symbol")
		cancelled := h.orders.CancelAllOrders(ctx, symbol)
		ctx.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
	}
}
