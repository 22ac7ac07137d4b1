package main

import (
	"encoding/json"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"time"
)

type metricSample struct {
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

type alert struct {
	ID             string  `json:"id"`
	Type           string  `json:"type"`
	Severity       string  `json:"severity"`
	Status         string  `json:"status"`
	Source         string  `json:"source"`
	MetricName     string  `json:"metricName"`
	ThresholdValue float64 `json:"thresholdValue"`
	Operator       string  `json:"comparisonOperator"`
}

type serviceStatus struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
}

// baseValue gives each metric a plausible resting level to jitter around.
func baseValue(name string) float64 {
	switch name {
	case "memory_usage", "memory_percent":
		return 62
	case "cpu_usage":
		return 35
	case "error_rate":
		return 1.5
	case "response_time":
		return 180
	case "database_connections":
		return 40
	case "disk_usage":
		return 55
	case "service_availability":
		return 1
	default:
		return 10
	}
}

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/api/v1/monitoring/metrics", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		var req struct {
			Name   string `json:"name"`
			Latest bool   `json:"latest"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		base := baseValue(req.Name)
		if req.Latest {
			writeJSON(w, map[string]any{
				"value":     base + rand.Float64()*base*0.1,
				"timestamp": time.Now(),
				"found":     true,
			})
			return
		}
		var samples []metricSample
		for i := 10; i > 0; i-- {
			samples = append(samples, metricSample{
				Name:      req.Name,
				Value:     base + rand.Float64()*base*0.1,
				Timestamp: time.Now().Add(-time.Duration(i) * time.Minute),
			})
		}
		writeJSON(w, map[string]any{"samples": samples})
	})

	mux.HandleFunc("/api/v1/monitoring/alerts/query", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		writeJSON(w, map[string]any{
			"alerts": []alert{{
				ID:             "alert-demo-1",
				Type:           "high_memory_usage",
				Severity:       "high",
				Status:         "active",
				Source:         "api-server",
				MetricName:     "memory_usage",
				ThresholdValue: 85,
				Operator:       ">",
			}},
		})
	})

	mux.HandleFunc("/api/v1/monitoring/alerts/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/api/v1/monitoring/alerts/")
		if r.Method == http.MethodGet {
			writeJSON(w, alert{
				ID:         id,
				Type:       "high_memory_usage",
				Severity:   "high",
				Status:     "active",
				Source:     "api-server",
				MetricName: "memory_usage",
			})
			return
		}
		// resolve / escalate / create
		writeJSON(w, map[string]any{})
	})

	mux.HandleFunc("/api/v1/monitoring/alerts", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		writeJSON(w, map[string]any{})
	})

	mux.HandleFunc("/api/v1/monitoring/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{
			"timestamp":     time.Now(),
			"memoryPercent": 62.0 + rand.Float64()*5,
			"cpuPercent":    35.0 + rand.Float64()*10,
			"diskPercent":   55.0,
			"services": []serviceStatus{
				{Name: "api-server", Running: true},
				{Name: "database", Running: true},
				{Name: "web-app", Running: true},
			},
			"connections": map[string]any{"database": 40, "databaseMax": 100},
		})
	})

	mux.HandleFunc("/api/v1/operations/", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		op := strings.TrimPrefix(r.URL.Path, "/api/v1/operations/")
		var req struct {
			Target string `json:"target"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		writeJSON(w, map[string]any{
			"success": true,
			"output":  op + " executed against " + req.Target,
		})
	})

	logger := log.New(log.Writer(), "monitor-mock ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:    ":4000",
		Handler: logRequests(logger, mux),
	}

	logger.Println("listening on :4000")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
