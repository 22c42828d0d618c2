package agent

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics счетчики сигнального агента
type metrics struct {
	registrations       prometheus.Counter
	registrationRetries prometheus.Counter
	calls               *prometheus.CounterVec
	activeCalls         prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		registrations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "softphone",
			Subsystem: "agent",
			Name:      "registrations_total",
			Help:      "Успешные регистрации на сигнальном сервере",
		}),
		registrationRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "softphone",
			Subsystem: "agent",
			Name:      "registration_retries_total",
			Help:      "Автоматические повторные попытки регистрации",
		}),
		calls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "softphone",
			Subsystem: "agent",
			Name:      "calls_total",
			Help:      "Созданные сессии вызовов по направлению",
		}, []string{"direction"}),
		activeCalls: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "softphone",
			Subsystem: "agent",
			Name:      "calls_active",
			Help:      "Текущее количество активных сессий",
		}),
	}
}

var (
	sharedMetricsOnce sync.Once
	sharedMetricsInst *metrics
)

// sharedMetrics метрики в реестре по умолчанию. Агент пересоздается при
// миграции edge-домена, поэтому коллекторы регистрируются один раз на процесс.
func sharedMetrics() *metrics {
	sharedMetricsOnce.Do(func() {
		sharedMetricsInst = newMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetricsInst
}
