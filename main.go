package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"iclock-cloud/internal/audit"
	"iclock-cloud/internal/auth"
	"iclock-cloud/internal/iclock/application"
	"iclock-cloud/internal/iclock/infrastructure/memory"
	iclockpostgres "iclock-cloud/internal/iclock/infrastructure/postgres"
	iclockredis "iclock-cloud/internal/iclock/infrastructure/redis"
	iclockhttp "iclock-cloud/internal/iclock/interfaces/http"
	"iclock-cloud/internal/observability/logging"
	"iclock-cloud/internal/observability/metrics"
	"iclock-cloud/internal/observability/tracing"
)

const serviceName = "iclock-cloud"

func main() {
	_ = godotenv.Load(".env")
	cfg := loadConfig()

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, serviceName)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.DatabaseURL == "" {
		logger.Fatal("DATABASE_URL is required")
	}
	protocolCfg, err := application.LoadConfig()
	if err != nil {
		logger.Fatal("protocol config error", zap.Error(err))
	}

	shutdownTracing := tracing.Setup(serviceName, logger)

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db open error", zap.Error(err))
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		logger.Fatal("db ping error", zap.Error(err))
	}

	employees := iclockpostgres.NewEmployeeDirectory(db, iclockpostgres.WithEmployeeTable(cfg.EmployeeTable))
	devices := iclockpostgres.NewDeviceRegistry(db, iclockpostgres.WithDeviceTable(cfg.DeviceTable))
	punches := iclockpostgres.NewPunchLogRepository(db, iclockpostgres.WithPunchLogTable(cfg.PunchLogTable))
	templates := iclockpostgres.NewBiometricRepository(db, iclockpostgres.WithBiometricTable(cfg.BiometricTable))
	metrics.Init(db, logger, metrics.Tables{Biometric: templates.Table(), Devices: devices.Table()})
	store := memory.NewStore(protocolCfg.Limits())
	metrics.RegisterDeviceGauge(store.Len)

	if registered, err := devices.List(context.Background()); err != nil {
		logger.Warn("device registry unavailable", zap.Error(err))
	} else {
		logger.Info("device registry loaded", zap.Int("terminals", len(registered)))
	}

	queue, err := application.NewCommandQueue(store, protocolCfg, logger)
	if err != nil {
		logger.Fatal("command queue error", zap.Error(err))
	}
	users, err := application.NewUserCache(store, queue, protocolCfg, logger)
	if err != nil {
		logger.Fatal("user cache error", zap.Error(err))
	}
	biometrics, err := application.NewBiometricPipeline(employees, templates, protocolCfg, logger)
	if err != nil {
		logger.Fatal("biometric pipeline error", zap.Error(err))
	}
	attendance, err := application.NewAttendanceIngestor(store, queue, devices, employees, punches, protocolCfg, logger)
	if err != nil {
		logger.Fatal("attendance ingestor error", zap.Error(err))
	}

	var protocolOpts []application.ProtocolOption
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Warn("redis ping failed, session mirror disabled", zap.Error(err))
		} else {
			mirror, err := iclockredis.NewSessionMirror(redisClient, protocolCfg.SessionMirrorTTL)
			if err != nil {
				logger.Fatal("session mirror error", zap.Error(err))
			}
			protocolOpts = append(protocolOpts, application.WithSessionMirror(mirror))
		}
	}
	protocol, err := application.NewProtocol(store, queue, users, biometrics, attendance, protocolCfg, logger, protocolOpts...)
	if err != nil {
		logger.Fatal("protocol error", zap.Error(err))
	}

	deviceHandler, err := iclockhttp.NewDeviceHandler(protocol, logger)
	if err != nil {
		logger.Fatal("device handler error", zap.Error(err))
	}
	var auditLogger audit.Logger
	if repo := audit.NewRepository(db); repo != nil {
		auditLogger = repo
	}
	adminHandler, err := iclockhttp.NewAdminHandler(protocol, queue, users, attendance, auditLogger, logger)
	if err != nil {
		logger.Fatal("admin handler error", zap.Error(err))
	}

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics", "/iclock"}, []string{"/iclock/"})
	if cfg.JWTSecret == "" {
		logger.Warn("AUTH_JWT_SECRET not set, operator API is unauthenticated")
	}
	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), policy)

	mux := http.NewServeMux()
	mux.Handle("/iclock/", deviceHandler)
	mux.Handle("/iclock", deviceHandler)
	mux.Handle("/api/v1/iclock/", adminHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:        cfg.HTTPAddr,
		Handler:     otelhttp.NewHandler(loggingMiddleware(authMiddleware.Wrap(mux), logger), serviceName),
		ReadTimeout: 2 * time.Minute,
		IdleTimeout: 2 * time.Minute,
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go runStaleSweep(sweepCtx, queue, cfg.SweepInterval, logger)

	go func() {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	stopSweep()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	if err := shutdownTracing(ctx); err != nil {
		logger.Warn("tracing shutdown error", zap.Error(err))
	}
}

// runStaleSweep flags delivered commands that terminals never answered, even
// for terminals that stopped polling.
func runStaleSweep(ctx context.Context, queue *application.CommandQueue, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if marked := queue.SweepAll(now.UTC()); marked > 0 {
				logger.Info("stale commands flagged", zap.Int("count", marked))
			}
		}
	}
}

type config struct {
	DatabaseURL    string
	HTTPAddr       string
	LogLevel       string
	LogFormat      string
	JWTSecret      string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	SweepInterval  time.Duration
	EmployeeTable  string
	DeviceTable    string
	PunchLogTable  string
	BiometricTable string
}

func loadConfig() config {
	return config{
		DatabaseURL:    getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		HTTPAddr:       getenvDefault("HTTP_ADDR", ":8080"),
		LogLevel:       getenvDefault("LOG_LEVEL", "info"),
		LogFormat:      getenvDefault("LOG_FORMAT", "json"),
		JWTSecret:      getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", "")),
		RedisAddr:      getenvDefault("REDIS_ADDR", ""),
		RedisPassword:  getenvDefault("REDIS_PASSWORD", ""),
		RedisDB:        getenvIntDefault("REDIS_DB", 0),
		SweepInterval:  getenvDuration("ICLOCK_SWEEP_INTERVAL", 30*time.Second),
		EmployeeTable:  getenvDefault("ICLOCK_EMPLOYEE_TABLE", ""),
		DeviceTable:    getenvDefault("ICLOCK_DEVICE_TABLE", ""),
		PunchLogTable:  getenvDefault("ICLOCK_PUNCH_LOG_TABLE", ""),
		BiometricTable: getenvDefault("ICLOCK_BIOMETRIC_TABLE", ""),
	}
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func loggingMiddleware(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", resp.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
