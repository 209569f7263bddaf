package gridmap

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	rasterDecodes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "navdash",
		Subsystem: "gridmap",
		Name:      "raster_decodes_total",
		Help:      "Raster decodes by the strategy that produced the result",
	}, []string{"strategy"})

	rasterDegraded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "navdash",
		Subsystem: "gridmap",
		Name:      "raster_degraded_total",
		Help:      "Raster decodes that were degraded, by reason",
	}, []string{"reason"})

	metadataFallbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "navdash",
		Subsystem: "gridmap",
		Name:      "metadata_fallbacks_total",
		Help:      "Metadata fields filled from defaults, by field",
	}, []string{"field"})
)

// RegisterMetrics registers the package collectors with reg.
// Registering twice with the same registry is not an error.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{rasterDecodes, rasterDegraded, metadataFallbacks} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}

func observeRaster(r RasterReport) {
	rasterDecodes.WithLabelValues(r.Strategy).Inc()
	switch {
	case r.Reason != ReasonNone:
		rasterDegraded.WithLabelValues(r.Reason.String()).Inc()
	case r.Padded > 0:
		rasterDegraded.WithLabelValues("padded").Inc()
	}
}
