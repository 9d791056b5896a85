package session

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	roomEntries     *prometheus.CounterVec
	enterDuration   prometheus.Histogram
	itemsAppended   *prometheus.CounterVec
	duplicates      prometheus.Counter
	reconciliations *prometheus.CounterVec
	unconfirmed     prometheus.Counter
	channelStates   *prometheus.CounterVec
}

func newMetrics() *metrics {
	return &metrics{
		roomEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomsync",
			Subsystem: "session",
			Name:      "room_entries",
			Help:      "Number of times a room was entered, by outcome.",
		}, []string{"outcome"}),
		enterDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "roomsync",
			Subsystem: "session",
			Name:      "enter_room_duration_secs",
			Help:      "Time taken to load history and join the live channel.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		itemsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomsync",
			Subsystem: "session",
			Name:      "items_appended",
			Help:      "Number of timeline items appended, by source.",
		}, []string{"source"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "roomsync",
			Subsystem: "session",
			Name:      "duplicates_dropped",
			Help:      "Number of live items dropped because they were already in the timeline.",
		}),
		reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomsync",
			Subsystem: "session",
			Name:      "reconciliations",
			Help:      "Number of optimistic messages replaced by their server echo, by match method.",
		}, []string{"method"}),
		unconfirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "roomsync",
			Subsystem: "session",
			Name:      "sends_unconfirmed",
			Help:      "Number of optimistic messages which failed to send or were never echoed back.",
		}),
		channelStates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomsync",
			Subsystem: "session",
			Name:      "channel_state_changes",
			Help:      "Number of live channel state transitions, by new state.",
		}, []string{"state"}),
	}
}

func (m *metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.roomEntries, m.enterDuration, m.itemsAppended, m.duplicates, m.reconciliations, m.unconfirmed, m.channelStates,
	}
}

func (m *metrics) register(reg prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			m.unregister(reg)
			return err
		}
	}
	return nil
}

func (m *metrics) unregister(reg prometheus.Registerer) {
	for _, c := range m.collectors() {
		reg.Unregister(c)
	}
}
