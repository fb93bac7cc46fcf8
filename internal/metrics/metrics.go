// Package metrics exposes Prometheus metrics for the pipeline binary.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type BuildInfo struct {
	Version   string
	Revision  string
	BuildDate string
}

type Provider struct {
	reg       *prometheus.Registry
	buildInfo *prometheus.GaugeVec
}

// Init sets up a registry carrying build info and ad-hoc collectors.
// Pipeline counters and the runtime collectors live in the default
// registry (promauto), which the handler gathers as well; registering
// them here too would make the merged gather fail on duplicates.
func Init(build BuildInfo) *Provider {
	reg := prometheus.NewRegistry()

	bi := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_build_info",
			Help: "Build info for this binary (value is always 1).",
		},
		[]string{"version", "revision", "build_date"},
	)
	reg.MustRegister(bi)
	if build.Version == "" {
		build.Version = "dev"
	}
	bi.WithLabelValues(build.Version, build.Revision, build.BuildDate).Set(1)

	return &Provider{reg: reg, buildInfo: bi}
}

func (p *Provider) Handler() http.Handler {
	gatherers := prometheus.Gatherers{p.reg, prometheus.DefaultGatherer}
	return promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{})
}

func (p *Provider) Register(cs ...prometheus.Collector) {
	for _, c := range cs {
		p.reg.MustRegister(c)
	}
}

func (p *Provider) Registerer() prometheus.Registerer { return p.reg }
