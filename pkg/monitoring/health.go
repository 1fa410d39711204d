package monitoring

import (
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status    string                 `json:"status"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Timestamp int64                  `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// CheckResult represents the result of an individual health check
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// HealthCheck is a function that performs a health check
type HealthCheck func() CheckResult

// HealthChecker manages and executes health checks
type HealthChecker struct {
	service string
	version string
	checks  map[string]HealthCheck
}

// NewHealthChecker creates a new health checker instance
func NewHealthChecker(service, version string) *HealthChecker {
	return &HealthChecker{
		service: service,
		version: version,
		checks:  make(map[string]HealthCheck),
	}
}

// AddCheck adds a health check to the checker
func (hc *HealthChecker) AddCheck(name string, check HealthCheck) {
	hc.checks[name] = check
}

// CheckHealth runs all health checks and returns the overall status
func (hc *HealthChecker) CheckHealth() HealthStatus {
	status := HealthStatus{
		Status:    StatusHealthy,
		Service:   hc.service,
		Version:   hc.version,
		Timestamp: time.Now().Unix(),
		Checks:    make(map[string]CheckResult, len(hc.checks)),
	}

	for name, check := range hc.checks {
		result := check()
		status.Checks[name] = result
		switch result.Status {
		case StatusUnhealthy:
			status.Status = StatusUnhealthy
		case StatusDegraded:
			if status.Status == StatusHealthy {
				status.Status = StatusDegraded
			}
		}
	}

	return status
}

// Handler returns a gin handler serving the health status
func (hc *HealthChecker) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		status := hc.CheckHealth()
		code := http.StatusOK
		if status.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	}
}

// DatabaseHealthCheck verifies database connectivity
func DatabaseHealthCheck(db *sql.DB) HealthCheck {
	return func() CheckResult {
		if db == nil {
			return CheckResult{Status: StatusUnhealthy, Message: "Database connection is nil"}
		}
		start := time.Now()
		if err := db.Ping(); err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("Database ping failed: %v", err),
				Latency: time.Since(start).String(),
			}
		}
		return CheckResult{Status: StatusHealthy, Latency: time.Since(start).String()}
	}
}

// ConfigurationHealthCheck verifies required configuration values are present
func ConfigurationHealthCheck(configs map[string]string) HealthCheck {
	return func() CheckResult {
		var missing []string
		for name, value := range configs {
			if value == "" {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			return CheckResult{
				Status:  StatusDegraded,
				Message: fmt.Sprintf("Missing configuration: %v", missing),
			}
		}
		return CheckResult{Status: StatusHealthy}
	}
}

// ProviderHealthCheck verifies the generation provider responds at all.
// A non-2xx response still counts as reachable; only transport errors degrade.
func ProviderHealthCheck(name, url string) HealthCheck {
	client := &http.Client{Timeout: 5 * time.Second}
	return func() CheckResult {
		if url == "" {
			return CheckResult{Status: StatusDegraded, Message: "Provider URL not configured"}
		}
		start := time.Now()
		resp, err := client.Get(url)
		if err != nil {
			return CheckResult{
				Status:  StatusDegraded,
				Message: fmt.Sprintf("%s unreachable: %v", name, err),
				Latency: time.Since(start).String(),
			}
		}
		defer resp.Body.Close()
		return CheckResult{Status: StatusHealthy, Latency: time.Since(start).String()}
	}
}
