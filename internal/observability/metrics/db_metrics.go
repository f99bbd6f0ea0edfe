package metrics

import (
	"database/sql"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Tables names the tables behind the DB gauges; empty fields use the hr schema defaults.
type Tables struct {
	Biometric string
	Devices   string
}

func (t Tables) withDefaults() Tables {
	if t.Biometric == "" {
		t.Biometric = "hr.employee_biometric"
	}
	if t.Devices == "" {
		t.Devices = "hr.device_list"
	}
	return t
}

func registerDBMetrics(db *sql.DB, logger *zap.Logger, tables Tables) {
	tables = tables.withDefaults()
	biometricQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s", tables.Biometric)
	deviceQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s", tables.Devices)

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "biometric_templates",
			Help: "Stored biometric templates",
		},
		func() float64 {
			return queryCount(db, logger, biometricQuery)
		},
	))

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "registered_devices",
			Help: "Terminals registered in the device list",
		},
		func() float64 {
			return queryCount(db, logger, deviceQuery)
		},
	))
}

func queryCount(db *sql.DB, logger *zap.Logger, query string) float64 {
	if db == nil {
		return 0
	}
	var count int64
	if err := db.QueryRow(query).Scan(&count); err != nil {
		if logger != nil {
			logger.Warn("metrics query failed", zap.Error(err))
		}
		return 0
	}
	if count < 0 {
		return 0
	}
	return float64(count)
}
