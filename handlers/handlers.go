package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"polymarket-copytrader/config"
	"polymarket-copytrader/metrics"
	"polymarket-copytrader/middleware"
	"polymarket-copytrader/models"
	"polymarket-copytrader/storage"
	"polymarket-copytrader/syncer"
)

const maxPendingLimit = 500

// CopyStatus is the part of the copy trader the API reads
type CopyStatus interface {
	GetMetrics() syncer.CopyTraderMetrics
	AggregationGroups() []syncer.AggregationGroup
	GetStats(ctx context.Context) (*storage.CopyTradeStats, error)
}

// MonitorStatus is the part of the trade monitor the API reads
type MonitorStatus interface {
	GetMetrics() syncer.MonitorMetrics
	Accounts() []string
	StreamStats() (seen, matched int64)
}

// SnapshotReader reads persisted metrics snapshots
type SnapshotReader interface {
	GetMetrics(ctx context.Context) (*syncer.SystemMetrics, error)
}

// Handler handles HTTP requests
type Handler struct {
	cfg       *config.Config
	copier    CopyStatus
	monitor   MonitorStatus
	ledger    storage.Ledger
	snapshots SnapshotReader
	started   time.Time
}

// NewHandler creates a new handler. snapshots may be nil.
func NewHandler(cfg *config.Config, copier CopyStatus, monitor MonitorStatus, ledger storage.Ledger, snapshots SnapshotReader) *Handler {
	return &Handler{
		cfg:       cfg,
		copier:    copier,
		monitor:   monitor,
		ledger:    ledger,
		snapshots: snapshots,
		started:   time.Now(),
	}
}

// Register mounts every route on r
func (h *Handler) Register(r *gin.Engine) {
	r.Use(middleware.RequestMetrics())

	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group("/api", middleware.BasicAuth())
	api.GET("/stats", h.GetStats)
	api.GET("/metrics", h.GetMetrics)
	api.GET("/aggregation", h.GetAggregation)
	api.GET("/accounts/:id/pending", middleware.ValidateAccount(), middleware.ValidateLimit(maxPendingLimit), h.GetPendingTrades)
	api.POST("/sizing/preview", h.PreviewSizing)
}

// Health reports liveness
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"uptime":   time.Since(h.started).Round(time.Second).String(),
		"accounts": len(h.monitor.Accounts()),
	})
}

// GetStats returns the copy-trade log summary
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.copier.GetStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// GetMetrics returns live metrics and, when available, the last persisted
// snapshot
func (h *Handler) GetMetrics(c *gin.Context) {
	live := syncer.SystemMetrics{
		CopyTrader: h.copier.GetMetrics(),
		Monitor:    h.monitor.GetMetrics(),
		UpdatedAt:  time.Now(),
	}
	seen, matched := h.monitor.StreamStats()

	resp := gin.H{
		"live":    live,
		"latency": live.Latency(),
		"websocket": gin.H{
			"seen":    seen,
			"matched": matched,
		},
	}
	if h.snapshots != nil {
		if persisted, err := h.snapshots.GetMetrics(c.Request.Context()); err == nil {
			resp["persisted"] = persisted
		}
	}
	c.JSON(http.StatusOK, resp)
}

type aggregationView struct {
	Key             string    `json:"key"`
	SourceAccount   string    `json:"source_account"`
	AssetID         string    `json:"asset_id"`
	Side            string    `json:"side"`
	TradeIDs        []string  `json:"trade_ids"`
	TotalUsdSize    float64   `json:"total_usd_size"`
	AvgPrice        float64   `json:"avg_price"`
	WindowStartedAt time.Time `json:"window_started_at"`
	ClosesAt        time.Time `json:"closes_at"`
}

// GetAggregation lists the open aggregation groups
func (h *Handler) GetAggregation(c *gin.Context) {
	window := time.Duration(h.cfg.Aggregation.WindowSeconds) * time.Second
	groups := h.copier.AggregationGroups()

	views := make([]aggregationView, 0, len(groups))
	for _, g := range groups {
		ids := make([]string, 0, len(g.Trades))
		for _, t := range g.Trades {
			ids = append(ids, t.ID)
		}
		views = append(views, aggregationView{
			Key:             g.Key.String(),
			SourceAccount:   g.Key.SourceAccount,
			AssetID:         g.Key.AssetID,
			Side:            string(g.Key.Side),
			TradeIDs:        ids,
			TotalUsdSize:    g.TotalUsdSize,
			AvgPrice:        g.AvgPrice,
			WindowStartedAt: g.WindowStartedAt,
			ClosesAt:        g.WindowStartedAt.Add(window),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"enabled":        h.cfg.Aggregation.Enabled,
		"window_seconds": h.cfg.Aggregation.WindowSeconds,
		"min_total_usd":  h.cfg.Aggregation.MinTotalUsd,
		"groups":         views,
		"count":          len(views),
	})
}

// GetPendingTrades lists trades of an account that are not closed out yet
func (h *Handler) GetPendingTrades(c *gin.Context) {
	account := c.GetString("account")
	limit := 100
	if l, err := strconv.Atoi(c.Query("limit")); err == nil {
		limit = l
	}

	trades, err := h.ledger.FetchUnprocessedTrades(c.Request.Context(), account, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load trades"})
		return
	}
	if trades == nil {
		trades = []models.SourceTrade{}
	}
	c.JSON(http.StatusOK, gin.H{
		"account": account,
		"trades":  trades,
		"count":   len(trades),
	})
}

type sizingRequest struct {
	SourceUsd float64 `json:"source_usd" binding:"required,gt=0"`
	Balance   float64 `json:"balance" binding:"gte=0"`
	Exposure  float64 `json:"exposure" binding:"gte=0"`
}

// PreviewSizing runs the configured sizing strategy on a hypothetical trade
func (h *Handler) PreviewSizing(c *gin.Context) {
	var req sizingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := syncer.ComputeSize(h.cfg.Copy, req.SourceUsd, req.Balance, req.Exposure)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"strategy": h.cfg.Copy.Strategy,
		"result":   result,
	})
}
