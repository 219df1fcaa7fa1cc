// Package config loads process configuration from environment variables. Flux deliberately
// has no config-file parser: the packaging/upload and CLI-wiring layers that would consume
// one are out of scope (spec.md §1), so every value here is a thin env-var lookup exactly
// like the teacher's getEnvDefault helper in task_executor.go.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Server holds the orchestrator process's tunables.
type Server struct {
	Host                  string
	Port                  int
	ExecutorsPoolSize     int
	WorkerLivenessSeconds int
	RetryDispatchSeconds  int
	NATSURL               string
	DBPath                string
	JWTSecret             string
}

// ServerFromEnv builds a Server config from FLUX_SERVER_* / FLUX_* environment variables.
func ServerFromEnv() Server {
	return Server{
		Host:                  getEnv("FLUX_SERVER_HOST", "0.0.0.0"),
		Port:                  getEnvInt("FLUX_SERVER_PORT", 8080),
		ExecutorsPoolSize:     getEnvInt("FLUX_EXECUTORS_POOL_SIZE", 16),
		WorkerLivenessSeconds: getEnvInt("FLUX_WORKER_LIVENESS_SECONDS", 30),
		RetryDispatchSeconds:  getEnvInt("FLUX_RETRY_DISPATCH_SECONDS", 10),
		NATSURL:               getEnv("FLUX_NATS_URL", "nats://127.0.0.1:4222"),
		DBPath:                getEnv("FLUX_DB_PATH", "./flux-data"),
		JWTSecret:             getEnv("FLUX_JWT_SECRET", "dev-insecure-secret-change-me"),
	}
}

// WorkerLiveness returns the configured liveness window as a Duration.
func (s Server) WorkerLiveness() time.Duration {
	return time.Duration(s.WorkerLivenessSeconds) * time.Second
}

// RetryDispatch returns the configured dispatch-retry cadence as a Duration.
func (s Server) RetryDispatch() time.Duration {
	return time.Duration(s.RetryDispatchSeconds) * time.Second
}

// Worker holds a worker process's tunables.
type Worker struct {
	Name           string
	ServerURL      string
	NATSURL        string
	BootstrapToken string
	Concurrency    int
	MemoryBytes    int64
	CPUShares      int64
	HasGPU         bool
	Packages       []string
	// DBPath is local-only storage for this worker: task-result caching and the
	// secrets a task's secret_requests resolve against. It is never the execution
	// store — see internal/worker.Store's doc comment for why.
	DBPath string
}

// WorkerFromEnv builds a Worker config from FLUX_* environment variables.
func WorkerFromEnv() Worker {
	return Worker{
		Name:           getEnv("FLUX_WORKER_NAME", "worker"),
		ServerURL:      getEnv("FLUX_SERVER_URL", "http://127.0.0.1:8080"),
		NATSURL:        getEnv("FLUX_NATS_URL", "nats://127.0.0.1:4222"),
		BootstrapToken: getEnv("FLUX_BOOTSTRAP_TOKEN", ""),
		Concurrency:    getEnvInt("FLUX_WORKER_CONCURRENCY", 4),
		MemoryBytes:    getEnvInt64("FLUX_WORKER_MEMORY_BYTES", 1<<30),
		CPUShares:      getEnvInt64("FLUX_WORKER_CPU_SHARES", 1000),
		HasGPU:         getEnvBool("FLUX_WORKER_HAS_GPU", false),
		Packages:       splitCSV(getEnv("FLUX_WORKER_PACKAGES", "")),
		DBPath:         getEnv("FLUX_WORKER_DB_PATH", "./flux-worker-data"),
	}
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
