package metrics

import (
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	metricPrefix = "iclock_"

	resultSuccess = "success"
	resultError   = "error"

	pollResultCommands = "commands"
	pollResultEmpty    = "empty"
)

var (
	registerOnce sync.Once

	pollRequests *prometheus.CounterVec

	uploadRequests *prometheus.CounterVec
	uploadLines    *prometheus.CounterVec
	uploadLatency  *prometheus.HistogramVec

	commandsQueued    *prometheus.CounterVec
	commandsDelivered prometheus.Counter
	commandsStale     prometheus.Counter

	biometricOutcomes *prometheus.CounterVec
	punchOutcomes     *prometheus.CounterVec

	exportTotal   *prometheus.CounterVec
	exportLatency *prometheus.HistogramVec
)

// Init registers protocol metrics and DB-backed gauges.
func Init(db *sql.DB, logger *zap.Logger, tables Tables) {
	registerOnce.Do(func() {
		pollRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "poll_requests_total",
				Help: "Total terminal polls by result",
			},
			[]string{"result"},
		)

		uploadRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "upload_requests_total",
				Help: "Total terminal uploads by table",
			},
			[]string{"table"},
		)
		uploadLines = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "upload_lines_total",
				Help: "Total upload lines by record type",
			},
			[]string{"type"},
		)
		uploadLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "upload_latency_seconds",
				Help:    "Upload processing latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		commandsQueued = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "commands_queued_total",
				Help: "Total queued terminal commands by origin",
			},
			[]string{"origin"},
		)
		commandsDelivered = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "commands_delivered_total",
				Help: "Total commands delivered to terminals",
			},
		)
		commandsStale = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "commands_stale_total",
				Help: "Total delivered commands flagged stale",
			},
		)

		biometricOutcomes = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "biometric_items_total",
				Help: "Total biometric items by outcome",
			},
			[]string{"outcome"},
		)
		punchOutcomes = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "attendance_punches_total",
				Help: "Total attendance punches by outcome",
			},
			[]string{"outcome"},
		)

		exportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "history_export_total",
				Help: "Total command history exports by format and result",
			},
			[]string{"format", "result"},
		)
		exportLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "history_export_latency_seconds",
				Help:    "Command history export latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"format", "result"},
		)

		prometheus.MustRegister(
			pollRequests,
			uploadRequests,
			uploadLines,
			uploadLatency,
			commandsQueued,
			commandsDelivered,
			commandsStale,
			biometricOutcomes,
			punchOutcomes,
			exportTotal,
			exportLatency,
		)

		if db != nil {
			registerDBMetrics(db, logger, tables)
		}
	})
}

// RegisterDeviceGauge exposes the number of known terminals.
func RegisterDeviceGauge(count func() int) {
	if count == nil {
		return
	}
	_ = prometheus.Register(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "devices_known",
			Help: "Terminals with session state in this process",
		},
		func() float64 { return float64(count()) },
	))
}

// IncPoll counts a poll that returned commands or an empty OK.
func IncPoll(delivered int) {
	result := pollResultEmpty
	if delivered > 0 {
		result = pollResultCommands
	}
	if pollRequests != nil {
		pollRequests.WithLabelValues(result).Inc()
	}
	if delivered > 0 && commandsDelivered != nil {
		commandsDelivered.Add(float64(delivered))
	}
}

// ObserveUpload records upload duration and result.
func ObserveUpload(table, result string, duration time.Duration) {
	if table == "" {
		table = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if uploadRequests != nil {
		uploadRequests.WithLabelValues(table).Inc()
	}
	if uploadLatency != nil {
		uploadLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// AddUploadLines counts parsed lines of a record type.
func AddUploadLines(recordType string, count int) {
	if count <= 0 {
		return
	}
	if recordType == "" {
		recordType = "unknown"
	}
	if uploadLines != nil {
		uploadLines.WithLabelValues(recordType).Add(float64(count))
	}
}

// IncCommandQueued increments the queued command counter.
func IncCommandQueued(origin string) {
	if origin == "" {
		origin = "unknown"
	}
	if commandsQueued != nil {
		commandsQueued.WithLabelValues(origin).Inc()
	}
}

// AddStaleCommands increments the stale counter by count.
func AddStaleCommands(count int) {
	if count <= 0 {
		return
	}
	if commandsStale != nil {
		commandsStale.Add(float64(count))
	}
}

// AddBiometricOutcome counts biometric items by outcome.
func AddBiometricOutcome(outcome string, count int) {
	if count <= 0 {
		return
	}
	if biometricOutcomes != nil {
		biometricOutcomes.WithLabelValues(outcome).Add(float64(count))
	}
}

// AddPunchOutcome counts attendance punches by outcome.
func AddPunchOutcome(outcome string, count int) {
	if count <= 0 {
		return
	}
	if punchOutcomes != nil {
		punchOutcomes.WithLabelValues(outcome).Add(float64(count))
	}
}

// ObserveExport records export latency and result.
func ObserveExport(format, result string, duration time.Duration) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if exportTotal != nil {
		exportTotal.WithLabelValues(format, result).Inc()
	}
	if exportLatency != nil {
		exportLatency.WithLabelValues(format, result).Observe(duration.Seconds())
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
)
