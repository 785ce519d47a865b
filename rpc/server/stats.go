package server

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/ValentinKolb/ctxd/lib/worker"
	"github.com/VictoriaMetrics/metrics"
)

// Worker names as reported by WorkerStats and the ctxd_worker_* gauges
const (
	WorkerDB         = "db"
	WorkerDBDispatch = "db-dispatch"
)

// WorkerStats returns the counters of the background workers of the server:
// the database query worker (while the database is open) and the loop its
// callbacks run on.
func (s *RPCServer) WorkerStats() map[string]worker.Stats {
	stats := make(map[string]worker.Stats, 2)
	if s.dbLoop != nil {
		stats[WorkerDBDispatch] = s.dbLoop.Stats()
	}
	if s.shared != nil {
		if st, ok := s.shared.Stats(); ok {
			stats[WorkerDB] = st
		}
	}
	return stats
}

// WritePrometheus writes the worker gauges of the server in Prometheus text format
func (s *RPCServer) WritePrometheus(w io.Writer) {
	s.metrics.WritePrometheus(w)
}

// registerWorkerGauges exposes the worker counters as gauges of the server's metric set
func (s *RPCServer) registerWorkerGauges() {
	s.metrics = metrics.NewSet()
	if s.dbLoop == nil {
		return
	}

	for _, name := range []string{WorkerDB, WorkerDBDispatch} {
		name := name
		get := func(f func(worker.Stats) float64) func() float64 {
			return func() float64 {
				st, ok := s.WorkerStats()[name]
				if !ok {
					return 0
				}
				return f(st)
			}
		}
		s.metrics.NewGauge(fmt.Sprintf(`ctxd_worker_processed{worker=%q}`, name), get(func(st worker.Stats) float64 { return float64(st.Processed) }))
		s.metrics.NewGauge(fmt.Sprintf(`ctxd_worker_discarded{worker=%q}`, name), get(func(st worker.Stats) float64 { return float64(st.Discarded) }))
		s.metrics.NewGauge(fmt.Sprintf(`ctxd_worker_pending{worker=%q}`, name), get(func(st worker.Stats) float64 { return float64(st.Pending) }))
		s.metrics.NewGauge(fmt.Sprintf(`ctxd_worker_handle_mean_seconds{worker=%q}`, name), get(func(st worker.Stats) float64 { return st.MeanHandle.Seconds() }))
		s.metrics.NewGauge(fmt.Sprintf(`ctxd_worker_handle_max_seconds{worker=%q}`, name), get(func(st worker.Stats) float64 { return st.MaxHandle.Seconds() }))
	}
}

// LogStats logs the worker counters every interval until ctx is done
func (s *RPCServer) LogStats(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for name, st := range s.WorkerStats() {
				Logger.Infof("worker %s: processed=%d discarded=%d pending=%d mean=%s max=%s",
					name, st.Processed, st.Discarded, st.Pending, st.MeanHandle, st.MaxHandle)
			}
		}
	}
}
