package repo

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/resilstack/resilience-engine/internal/models"
)

const probeUserAgent = "resilience-engine-deploy/1.0"

// ProbeRunner executes deployment health checks. URL checks are plain HTTP
// GETs with optional expected-substring matching; command checks are routed
// through the operations endpoint as exec probes.
type ProbeRunner struct {
	httpClient *http.Client
	monitor    *MonitorClient
	logger     *slog.Logger
}

// NewProbeRunner constructs a probe runner backed by the monitor client for
// command-style checks.
func NewProbeRunner(monitor *MonitorClient, logger *slog.Logger) *ProbeRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProbeRunner{
		httpClient: &http.Client{},
		monitor:    monitor,
		logger:     logger,
	}
}

// RunCheck executes one health check and reports its outcome. Probe failures
// are reported in the result, not as errors.
func (r *ProbeRunner) RunCheck(ctx context.Context, check models.HealthCheck) models.CheckResult {
	start := time.Now()
	result := models.CheckResult{RunAt: start}

	switch {
	case check.URL != "":
		result = r.runHTTPCheck(ctx, check)
	case check.Command != "":
		result = r.runCommandCheck(ctx, check)
	default:
		result.Error = fmt.Sprintf("health check %q has no url or command", check.Name)
	}
	result.ResponseTime = time.Since(start)
	result.RunAt = start
	return result
}

func (r *ProbeRunner) runHTTPCheck(ctx context.Context, check models.HealthCheck) models.CheckResult {
	var result models.CheckResult

	timeout := check.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, check.URL, nil)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	req.Header.Set("User-Agent", probeUserAgent)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	result.Output = string(body)

	if resp.StatusCode >= 300 {
		result.Error = fmt.Sprintf("http status %s", resp.Status)
		return result
	}
	if check.Expected != "" && !strings.Contains(result.Output, check.Expected) {
		result.Error = fmt.Sprintf("response does not contain %q", check.Expected)
		return result
	}
	result.Success = true
	return result
}

func (r *ProbeRunner) runCommandCheck(ctx context.Context, check models.HealthCheck) models.CheckResult {
	var result models.CheckResult

	timeout := check.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := r.monitor.ExecuteOperation(ctx, "exec_probe", check.Command, nil)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Success = true
	result.Output = output
	return result
}
