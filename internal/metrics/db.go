package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// dbUp is 1 when the last ping to the database succeeded, else 0.
	dbUp = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mailcampaign",
		Subsystem: "db",
		Name:      "up",
		Help:      "Database availability (1=up, 0=down).",
	})

	// redisUp is 1 when the last ping to Redis succeeded, else 0.
	redisUp = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mailcampaign",
		Subsystem: "redis",
		Name:      "up",
		Help:      "Redis availability (1=up, 0=down).",
	})
)

func SetDBUp(up bool)    { setGauge(dbUp, up) }
func SetRedisUp(up bool) { setGauge(redisUp, up) }

func setGauge(g prometheus.Gauge, up bool) {
	if up {
		g.Set(1)
		return
	}
	g.Set(0)
}
