package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/yanun0323/logs"
)

const (
	metricsKey = "copytrader:metrics"
	metricsTTL = 24 * time.Hour
)

// SystemMetrics represents combined system metrics
type SystemMetrics struct {
	CopyTrader CopyTraderMetrics `json:"copy_trader"`
	Monitor    MonitorMetrics    `json:"monitor"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// MetricsStore snapshots in-process metrics to Redis so they survive
// restarts and can be read by other processes.
type MetricsStore struct {
	redis *redis.Client
}

// NewMetricsStore creates a new metrics store
func NewMetricsStore(redisClient *redis.Client) *MetricsStore {
	return &MetricsStore{redis: redisClient}
}

// SaveCopyTraderMetrics saves copy trader metrics to Redis
func (m *MetricsStore) SaveCopyTraderMetrics(ctx context.Context, metrics CopyTraderMetrics) error {
	return m.update(ctx, func(s *SystemMetrics) { s.CopyTrader = metrics })
}

// SaveMonitorMetrics saves trade monitor metrics to Redis
func (m *MetricsStore) SaveMonitorMetrics(ctx context.Context, metrics MonitorMetrics) error {
	return m.update(ctx, func(s *SystemMetrics) { s.Monitor = metrics })
}

// Save writes both snapshots at once
func (m *MetricsStore) Save(ctx context.Context, copyTrader CopyTraderMetrics, monitor MonitorMetrics) error {
	return m.update(ctx, func(s *SystemMetrics) {
		s.CopyTrader = copyTrader
		s.Monitor = monitor
	})
}

func (m *MetricsStore) update(ctx context.Context, fn func(s *SystemMetrics)) error {
	system, err := m.GetMetrics(ctx)
	if err != nil {
		// a corrupt snapshot is replaced rather than blocking new ones
		system = &SystemMetrics{}
	}
	fn(system)
	system.UpdatedAt = time.Now()

	data, err := json.Marshal(system)
	if err != nil {
		return err
	}
	return m.redis.Set(ctx, metricsKey, data, metricsTTL).Err()
}

// GetMetrics retrieves all metrics from Redis
func (m *MetricsStore) GetMetrics(ctx context.Context) (*SystemMetrics, error) {
	data, err := m.redis.Get(ctx, metricsKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return &SystemMetrics{}, nil
		}
		return nil, err
	}

	var metrics SystemMetrics
	if err := json.Unmarshal([]byte(data), &metrics); err != nil {
		return nil, err
	}
	return &metrics, nil
}

// LatencyStats provides detailed latency statistics
type LatencyStats struct {
	DetectionAvg  time.Duration `json:"detection_avg_ns"`
	DetectionFast time.Duration `json:"detection_fastest_ns"`
	DetectionSlow time.Duration `json:"detection_slowest_ns"`
	CopyAvg       time.Duration `json:"copy_avg_ns"`
	CopyFast      time.Duration `json:"copy_fastest_ns"`
	CopySlow      time.Duration `json:"copy_slowest_ns"`
	TotalAvg      time.Duration `json:"total_avg_ns"`
	TotalFast     time.Duration `json:"total_fastest_ns"`
	TotalSlow     time.Duration `json:"total_slowest_ns"`
}

// Latency combines detection and copy latency of a snapshot
func (s SystemMetrics) Latency() LatencyStats {
	return LatencyStats{
		DetectionAvg:  s.Monitor.AvgDetectionLatency,
		DetectionFast: s.Monitor.FastestDetection,
		DetectionSlow: s.Monitor.SlowestDetection,
		CopyAvg:       s.CopyTrader.AvgCopyLatency,
		CopyFast:      s.CopyTrader.FastestCopy,
		CopySlow:      s.CopyTrader.SlowestCopy,
		TotalAvg:      s.Monitor.AvgDetectionLatency + s.CopyTrader.AvgCopyLatency,
		TotalFast:     s.Monitor.FastestDetection + s.CopyTrader.FastestCopy,
		TotalSlow:     s.Monitor.SlowestDetection + s.CopyTrader.SlowestCopy,
	}
}

// GetLatencyStats computes latency statistics from the stored snapshot
func (m *MetricsStore) GetLatencyStats(ctx context.Context) (*LatencyStats, error) {
	metrics, err := m.GetMetrics(ctx)
	if err != nil {
		return nil, err
	}
	stats := metrics.Latency()
	return &stats, nil
}

// RunSnapshots saves the copy trader and monitor metrics every interval
// until ctx is done, with a final save on the way out.
func (m *MetricsStore) RunSnapshots(ctx context.Context, interval time.Duration, ct *CopyTrader, mon *TradeMonitor) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	save := func(ctx context.Context) {
		var monitor MonitorMetrics
		if mon != nil {
			monitor = mon.GetMetrics()
		}
		if err := m.Save(ctx, ct.GetMetrics(), monitor); err != nil {
			logs.Errorf("[Metrics] snapshot failed: %v", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			save(final)
			cancel()
			return
		case <-ticker.C:
			save(ctx)
		}
	}
}
