package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/resilstack/resilience-engine/internal/cache"
	"github.com/resilstack/resilience-engine/internal/models"
)

// MonitorClient wraps the monitoring backend's metric, alert, and health APIs.
type MonitorClient struct {
	baseURL     string
	metricsPath string
	alertsPath  string
	healthPath  string
	opsPath     string
	httpClient  *http.Client
	cache       cache.Provider
	snapshotTTL time.Duration
}

// NewMonitorClient constructs a client targeting the configured monitoring backend.
func NewMonitorClient(baseURL, metricsPath, alertsPath, healthPath, opsPath string, timeout time.Duration, cacheProvider cache.Provider, snapshotTTL time.Duration) *MonitorClient {
	if cacheProvider == nil {
		cacheProvider = cache.NoopProvider{}
	}
	return &MonitorClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		metricsPath: metricsPath,
		alertsPath:  alertsPath,
		healthPath:  healthPath,
		opsPath:     opsPath,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		cache:       cacheProvider,
		snapshotTTL: snapshotTTL,
	}
}

// LatestMetric returns the most recent value recorded for a metric name.
func (c *MonitorClient) LatestMetric(ctx context.Context, name string) (float64, error) {
	if c == nil {
		return 0, fmt.Errorf("monitor client not initialised")
	}
	if c.baseURL == "" {
		return 0, fmt.Errorf("monitor base URL not configured")
	}

	payload := map[string]interface{}{
		"name":   name,
		"latest": true,
	}

	var response struct {
		Value     float64   `json:"value"`
		Timestamp time.Time `json:"timestamp"`
		Found     bool      `json:"found"`
	}

	if err := c.postJSON(ctx, c.resolvePath(c.metricsPath), payload, &response); err != nil {
		return 0, fmt.Errorf("monitor latest metric request failed: %w", err)
	}
	if !response.Found {
		return 0, fmt.Errorf("monitor has no samples for metric %s", name)
	}
	return response.Value, nil
}

// MetricSeries returns samples for a metric name within a time range.
func (c *MonitorClient) MetricSeries(ctx context.Context, name string, start, end time.Time) ([]models.MetricSample, error) {
	if c == nil {
		return nil, fmt.Errorf("monitor client not initialised")
	}
	if c.baseURL == "" {
		return nil, fmt.Errorf("monitor base URL not configured")
	}

	payload := map[string]interface{}{
		"name":  name,
		"start": start.Format(time.RFC3339),
		"end":   end.Format(time.RFC3339),
	}

	var response struct {
		Samples []models.MetricSample `json:"samples"`
	}

	if err := c.postJSON(ctx, c.resolvePath(c.metricsPath), payload, &response); err != nil {
		return nil, fmt.Errorf("monitor metric series request failed: %w", err)
	}
	return response.Samples, nil
}

// ActiveAlerts returns alerts currently in active status, newest first.
func (c *MonitorClient) ActiveAlerts(ctx context.Context) ([]models.Alert, error) {
	if c == nil {
		return nil, fmt.Errorf("monitor client not initialised")
	}
	if c.baseURL == "" {
		return nil, fmt.Errorf("monitor base URL not configured")
	}

	payload := map[string]interface{}{"status": string(models.AlertActive)}

	var response struct {
		Alerts []models.Alert `json:"alerts"`
	}

	if err := c.postJSON(ctx, c.resolvePath(c.alertsPath)+"/query", payload, &response); err != nil {
		return nil, fmt.Errorf("monitor alerts request failed: %w", err)
	}
	return response.Alerts, nil
}

// Alert fetches a single alert by id.
func (c *MonitorClient) Alert(ctx context.Context, alertID string) (models.Alert, error) {
	if c == nil || c.baseURL == "" {
		return models.Alert{}, fmt.Errorf("monitor client not configured")
	}
	var alert models.Alert
	endpoint := c.resolvePath(c.alertsPath) + "/" + url.PathEscape(alertID)
	if err := c.getJSON(ctx, endpoint, &alert); err != nil {
		return models.Alert{}, fmt.Errorf("monitor alert lookup failed: %w", err)
	}
	return alert, nil
}

// CreateAlert raises a new alert in the monitoring backend.
func (c *MonitorClient) CreateAlert(ctx context.Context, alert models.Alert) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("monitor client not configured")
	}
	if err := c.postJSON(ctx, c.resolvePath(c.alertsPath), alert, nil); err != nil {
		return fmt.Errorf("monitor create alert failed: %w", err)
	}
	return nil
}

// ResolveAlert transitions an alert to resolved status.
func (c *MonitorClient) ResolveAlert(ctx context.Context, alertID string) error {
	return c.mutateAlert(ctx, alertID, "resolve")
}

// EscalateAlert flags an alert as escalated.
func (c *MonitorClient) EscalateAlert(ctx context.Context, alertID string) error {
	return c.mutateAlert(ctx, alertID, "escalate")
}

func (c *MonitorClient) mutateAlert(ctx context.Context, alertID, verb string) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("monitor client not configured")
	}
	endpoint := c.resolvePath(c.alertsPath) + "/" + url.PathEscape(alertID) + "/" + verb
	if err := c.postJSON(ctx, endpoint, struct{}{}, nil); err != nil {
		return fmt.Errorf("monitor %s alert failed: %w", verb, err)
	}
	return nil
}

// SystemHealth returns the current host health snapshot. Snapshots are cached
// briefly so the healing and overview loops do not hammer the backend.
func (c *MonitorClient) SystemHealth(ctx context.Context) (models.SystemHealth, error) {
	if c == nil {
		return models.SystemHealth{}, fmt.Errorf("monitor client not initialised")
	}
	if c.baseURL == "" {
		return models.SystemHealth{}, fmt.Errorf("monitor base URL not configured")
	}

	const cacheKey = "resilience:health-snapshot"
	if cached, err := c.cache.Get(ctx, cacheKey); err == nil {
		var snapshot models.SystemHealth
		if err := json.Unmarshal(cached, &snapshot); err == nil {
			return snapshot, nil
		}
	}

	var snapshot models.SystemHealth
	if err := c.getJSON(ctx, c.resolvePath(c.healthPath), &snapshot); err != nil {
		return models.SystemHealth{}, fmt.Errorf("monitor health request failed: %w", err)
	}

	if payload, err := json.Marshal(snapshot); err == nil {
		_ = c.cache.Set(ctx, cacheKey, payload, c.snapshotTTL)
	}
	return snapshot, nil
}

// ServiceStatus probes one managed service.
func (c *MonitorClient) ServiceStatus(ctx context.Context, service string) (models.ServiceStatus, error) {
	snapshot, err := c.SystemHealth(ctx)
	if err != nil {
		return models.ServiceStatus{}, err
	}
	for _, svc := range snapshot.Services {
		if strings.EqualFold(svc.Name, service) {
			return svc, nil
		}
	}
	return models.ServiceStatus{}, fmt.Errorf("service %s not reported by monitor", service)
}

// AcquireLock takes a short-lived distributed lock through the cache layer.
// With caching disabled the noop provider grants every request, degrading to
// per-instance serialization only.
func (c *MonitorClient) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.cache.SetNX(ctx, "resilience:lock:"+key, []byte("1"), ttl)
}

// ReleaseLock releases a lock taken by AcquireLock.
func (c *MonitorClient) ReleaseLock(ctx context.Context, key string) error {
	return c.cache.Del(ctx, "resilience:lock:"+key)
}

// ExecuteOperation invokes a named side-effecting remediation operation
// (restart, clear-cache, reset-connections, scale, probe) against a target.
func (c *MonitorClient) ExecuteOperation(ctx context.Context, operation, target string, params map[string]string) (string, error) {
	if c == nil || c.baseURL == "" {
		return "", fmt.Errorf("monitor client not configured")
	}

	payload := map[string]interface{}{
		"operation": operation,
		"target":    target,
	}
	if len(params) > 0 {
		payload["parameters"] = params
	}

	var response struct {
		Success bool   `json:"success"`
		Output  string `json:"output"`
		Message string `json:"message"`
	}

	endpoint := c.resolvePath(c.opsPath) + "/" + url.PathEscape(operation)
	if err := c.postJSON(ctx, endpoint, payload, &response); err != nil {
		return "", fmt.Errorf("operation %s on %s failed: %w", operation, target, err)
	}
	if !response.Success {
		msg := response.Message
		if msg == "" {
			msg = "operation reported failure"
		}
		return response.Output, fmt.Errorf("operation %s on %s: %s", operation, target, msg)
	}
	return response.Output, nil
}

func (c *MonitorClient) resolvePath(p string) string {
	if c.baseURL == "" {
		return ""
	}
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}

func (c *MonitorClient) postJSON(ctx context.Context, endpoint string, payload any, out any) error {
	if endpoint == "" {
		return fmt.Errorf("empty endpoint")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doJSON(req, out)
}

func (c *MonitorClient) getJSON(ctx context.Context, endpoint string, out any) error {
	if endpoint == "" {
		return fmt.Errorf("empty endpoint")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.doJSON(req, out)
}

func (c *MonitorClient) doJSON(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("monitor returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
