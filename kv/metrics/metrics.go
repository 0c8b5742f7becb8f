package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	PlaneCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinyobj",
			Subsystem: "plane",
			Name:      "total",
			Help:      "Counter of planes by what happened to them.",
		}, []string{"type"})

	PatchCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinyobj",
			Subsystem: "callout",
			Name:      "patch_total",
			Help:      "Counter of callout patches by what happened to them.",
		}, []string{"type"})

	RecordCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinyobj",
			Subsystem: "swap",
			Name:      "record_total",
			Help:      "Counter of records read, written and deleted.",
		}, []string{"type"})

	SectorCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinyobj",
			Subsystem: "swap",
			Name:      "sector_written_total",
			Help:      "Counter of sectors written to the block store.",
		})

	ExportCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinyobj",
			Subsystem: "dataspace",
			Name:      "export_total",
			Help:      "Counter of imported values re-homed or cloned by export.",
		}, []string{"type"})
)

func init() {
	prometheus.MustRegister(PlaneCounter)
	prometheus.MustRegister(PatchCounter)
	prometheus.MustRegister(RecordCounter)
	prometheus.MustRegister(SectorCounter)
	prometheus.MustRegister(ExportCounter)
}
