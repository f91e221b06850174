package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	streamConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "carepulse_stream_connected",
		Help: "1 while the notification stream is open, 0 otherwise.",
	})

	reconnectsScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "carepulse_stream_reconnects_scheduled_total",
		Help: "Total number of reconnect timers armed.",
	})

	eventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carepulse_stream_events_total",
		Help: "Total number of notification events delivered, by kind.",
	}, []string{"kind"})

	frameErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "carepulse_stream_frame_errors_total",
		Help: "Total number of frames dropped because their body was not valid JSON.",
	})

	streamHalts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "carepulse_stream_halts_total",
		Help: "Total number of times reconnection stopped for lack of a usable token.",
	})
)
