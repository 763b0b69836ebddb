package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"fwdbot/internal/eventbus"
	"fwdbot/internal/forward"
	"fwdbot/internal/notifier"
	"fwdbot/internal/task/engine"
	logx "fwdbot/pkg/logx"
)

const namespace = "fwdbot"

// Collectors holds every fwdbot metric on a private registry, so tests and
// multiple instances never collide on the global one.
type Collectors struct {
	Registry *prometheus.Registry

	Deliveries      *prometheus.CounterVec
	DeliveryAttempt prometheus.Histogram
	Runs            *prometheus.CounterVec
	RunDuration     prometheus.Histogram
	RunItems        *prometheus.CounterVec
	Watchdog        *prometheus.CounterVec
	Tasks           *prometheus.CounterVec
	TaskQueueDelay  prometheus.Histogram
	Notifications   *prometheus.CounterVec
	BusDropped      prometheus.GaugeFunc
}

// NewCollectors registers all metrics. bus may be nil.
func NewCollectors(bus eventbus.Bus) *Collectors {
	reg := prometheus.NewRegistry()
	c := &Collectors{
		Registry: reg,
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Item deliveries by group and outcome",
		}, []string{"group", "outcome"}),
		DeliveryAttempt: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_attempts",
			Help:      "Attempts needed per delivery",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		}),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Dispatch runs by group and result",
		}, []string{"group", "result"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Dispatch run wall time",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		RunItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_items_total",
			Help:      "Items claimed and deleted by dispatch runs",
		}, []string{"group", "kind"}),
		Watchdog: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watchdog_events_total",
			Help:      "Watchdog arm, disarm and reminder events",
		}, []string{"event"}),
		Tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Task engine lifecycle events",
		}, []string{"event"}),
		TaskQueueDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_queue_delay_seconds",
			Help:      "Delay between trigger fire and task start",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Operator notifications by result",
		}, []string{"result"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.Deliveries,
		c.DeliveryAttempt,
		c.Runs,
		c.RunDuration,
		c.RunItems,
		c.Watchdog,
		c.Tasks,
		c.TaskQueueDelay,
		c.Notifications,
	)
	if bus != nil {
		c.BusDropped = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "eventbus_dropped",
			Help:      "Events dropped because a subscriber was slow",
		}, func() float64 { return float64(bus.Dropped()) })
		reg.MustRegister(c.BusDropped)
	}
	return c
}

// Consume feeds bus events into the collectors until ctx is done.
func (c *Collectors) Consume(ctx context.Context, bus eventbus.Bus, log logx.Logger) error {
	if bus == nil {
		<-ctx.Done()
		return nil
	}
	ch, unsub := bus.Subscribe(512, "forward.", "watchdog.", "task.", "notify.")
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if !c.Observe(ev) && !log.IsZero() {
				log.Debug("metrics: unhandled event", logx.String("type", ev.Type))
			}
		}
	}
}

// Observe records one event. It reports false for unknown payloads.
func (c *Collectors) Observe(ev eventbus.Event) bool {
	switch d := ev.Data.(type) {
	case forward.Delivery:
		c.Deliveries.WithLabelValues(d.GroupID, string(d.Outcome)).Inc()
		if d.Attempts > 0 {
			c.DeliveryAttempt.Observe(float64(d.Attempts))
		}
	case forward.Report:
		result := "ok"
		if d.Interrupted {
			result = "interrupted"
		} else if d.Error != "" {
			result = "error"
		} else if d.Failed > 0 {
			result = "partial"
		}
		c.Runs.WithLabelValues(d.GroupID, result).Inc()
		c.RunDuration.Observe(d.Duration.Seconds())
		c.RunItems.WithLabelValues(d.GroupID, "claimed").Add(float64(d.Items))
		c.RunItems.WithLabelValues(d.GroupID, "deleted").Add(float64(d.Deleted))
	case eventbus.GroupEvent:
		c.Watchdog.WithLabelValues(suffix(ev.Type)).Inc()
	case engine.TaskEvent:
		c.Tasks.WithLabelValues(suffix(ev.Type)).Inc()
		if ev.Type == eventbus.TypeTaskStarted {
			c.TaskQueueDelay.Observe(d.QueueDelay.Seconds())
		}
	case notifier.NotificationEvent:
		c.Notifications.WithLabelValues(suffix(ev.Type)).Inc()
	default:
		return false
	}
	return true
}

// suffix returns "armed" for "watchdog.armed".
func suffix(typ string) string {
	for i := len(typ) - 1; i >= 0; i-- {
		if typ[i] == '.' {
			return typ[i+1:]
		}
	}
	return typ
}
