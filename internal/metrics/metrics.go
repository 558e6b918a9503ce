package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	RxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uds_rx_frames_total",
		Help: "Total CAN frames fed into the diagnostic stack.",
	})
	DroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uds_dropped_frames_total",
		Help: "Total CAN frames dropped because the receive queue was full.",
	})
	RequestsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uds_requests_dispatched_total",
		Help: "Total UDS requests dispatched to service handlers.",
	})
	NegativeResponses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uds_negative_responses_total",
		Help: "Total negative responses sent.",
	})
	SessionTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uds_session_timeouts_total",
		Help: "Total S3 session timeouts.",
	})
)

var serveOnce sync.Once

// Serve exposes /metrics on addr. Errors are returned through errCh once.
func Serve(addr string, errCh chan<- error) {
	serveOnce.Do(func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			err := http.ListenAndServe(addr, mux)
			if errCh != nil {
				errCh <- err
			}
		}()
	})
}
