package chatsync

import "github.com/prometheus/client_golang/prometheus"

// Metrics are optional; a nil *Metrics records nothing.
type Metrics struct {
	sends         *prometheus.CounterVec
	eventsDropped *prometheus.CounterVec
	readAcks      *prometheus.CounterVec
	polls         *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "send_total",
			Help:      "Outgoing sends by resolution path.",
		}, []string{"path"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "events_dropped_total",
			Help:      "Inbound events discarded by reason.",
		}, []string{"reason"}),
		readAcks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "read_acks_total",
			Help:      "mark_read emissions by result.",
		}, []string{"result"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "polls_total",
			Help:      "Periodic refreshes by source and result.",
		}, []string{"source", "result"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.sends, m.eventsDropped, m.readAcks, m.polls} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) send(path SendPath) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(path.String()).Inc()
}

func (m *Metrics) dropped(reason string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) readAck(result string) {
	if m == nil {
		return
	}
	m.readAcks.WithLabelValues(result).Inc()
}

func (m *Metrics) poll(source string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.polls.WithLabelValues(source, result).Inc()
}
