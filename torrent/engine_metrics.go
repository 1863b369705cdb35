package torrent

import (
	"time"

	"github.com/rcrowley/go-metrics"
)

type engineMetrics struct {
	registry metrics.Registry

	Uptime        metrics.Gauge
	Torrents      metrics.Gauge
	Peers         metrics.Counter
	WritesActive  metrics.Gauge
	WriteTime     metrics.Timer
	BytesWasted   metrics.Counter
	SpeedDownload metrics.Meter
	SpeedUpload   metrics.Meter
}

func (e *Engine) initMetrics() {
	r := metrics.NewRegistry()
	e.metrics = &engineMetrics{
		registry: r,

		Uptime: metrics.NewRegisteredFunctionalGauge("uptime", r, func() int64 { return int64(time.Since(e.createdAt) / time.Second) }),
		Torrents: metrics.NewRegisteredFunctionalGauge("torrents", r, func() int64 {
			e.mTorrents.RLock()
			defer e.mTorrents.RUnlock()
			return int64(len(e.torrents))
		}),
		Peers: metrics.NewRegisteredCounter("peers", r),

		WritesActive: metrics.NewRegisteredFunctionalGauge("writes_active", r, func() int64 { return int64(e.writeSem.Len()) }),
		WriteTime:    metrics.NewRegisteredTimer("write_time", r),
		BytesWasted:  metrics.NewRegisteredCounter("bytes_wasted", r),

		SpeedDownload: metrics.NewRegisteredMeter("speed_download", r),
		SpeedUpload:   metrics.NewRegisteredMeter("speed_upload", r),
	}
}

func (m *engineMetrics) Close() {
	m.WriteTime.Stop()
	m.SpeedDownload.Stop()
	m.SpeedUpload.Stop()
}

// EngineStats contains statistics about the Engine.
type EngineStats struct {
	Uptime   time.Duration
	Torrents int
	Peers    int
	// Block writes running at the moment.
	WritesActive int
	// Average time of a block write, including the hash check of completed pieces.
	WriteTimeMean time.Duration
	BytesWasted   int64
	// Bytes per second, averaged over one minute.
	SpeedDownload int
	SpeedUpload   int
}

// Stats returns statistics about the Engine.
func (e *Engine) Stats() EngineStats {
	m := e.metrics
	return EngineStats{
		Uptime:        time.Duration(m.Uptime.Value()) * time.Second,
		Torrents:      int(m.Torrents.Value()),
		Peers:         int(m.Peers.Count()),
		WritesActive:  int(m.WritesActive.Value()),
		WriteTimeMean: time.Duration(m.WriteTime.Mean()),
		BytesWasted:   m.BytesWasted.Count(),
		SpeedDownload: int(m.SpeedDownload.Rate1()),
		SpeedUpload:   int(m.SpeedUpload.Rate1()),
	}
}
