package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	KernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "groupnorm_kernel_duration_seconds",
		Help:    "Histogram of kernel execution times",
		Buckets: prometheus.ExponentialBuckets(1e-6, 4, 12),
	}, []string{"kernel"})

	KernelInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groupnorm_invocations_total",
		Help: "Total number of kernel invocations by result",
	}, []string{"kernel", "result"})

	GroupsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "groupnorm_groups_processed_total",
		Help: "Total number of (batch, group) pairs normalized",
	})

	ElementsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "groupnorm_elements_processed_total",
		Help: "Total number of output elements written",
	})

	GroupSampleSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "groupnorm_sample_size_elements",
		Help:    "Distribution of per-group sample sizes",
		Buckets: []float64{1, 16, 256, 1024, 4096, 16384, 65536, 262144},
	})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groupnorm_validation_errors_total",
		Help: "Total number of validation errors",
	}, []string{"operation", "error_type"})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groupnorm_numerical_instability_total",
		Help: "Total number of NaN/Inf values detected",
	}, []string{"tensor", "type"})

	HostMemoryAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "groupnorm_host_memory_allocated_bytes",
		Help: "Current bytes held by host tensor pools",
	})

	FlightExchanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flight_exchanges_total",
		Help: "Total number of Flight exchange requests by status",
	}, []string{"status"})
)

func RecordKernelDuration(name string, duration time.Duration) {
	KernelDuration.WithLabelValues(name).Observe(duration.Seconds())
}

func RecordInvocation(name, result string) {
	KernelInvocations.WithLabelValues(name, result).Inc()
}

// RecordWork records the size of one successful invocation.
func RecordWork(groups, sampleSize int) {
	GroupsProcessed.Add(float64(groups))
	ElementsProcessed.Add(float64(groups * sampleSize))
	GroupSampleSize.Observe(float64(sampleSize))
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}

func RecordNumericalInstability(name string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(name, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(name, "inf").Add(float64(infCount))
	}
}

func RecordHostMemory(bytes int64) {
	HostMemoryAllocated.Set(float64(bytes))
}

func RecordFlightExchange(status string) {
	FlightExchanges.WithLabelValues(status).Inc()
}
