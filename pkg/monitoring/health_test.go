package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthCheckerBasic(t *testing.T) {
	hc := NewHealthChecker("forge", "v1")
	hc.AddCheck("ok", func() CheckResult { return CheckResult{Status: StatusHealthy} })
	status := hc.CheckHealth()
	if status.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %q", status.Status)
	}
}

func TestHealthCheckerDegradedDoesNotMaskUnhealthy(t *testing.T) {
	hc := NewHealthChecker("forge", "v1")
	hc.AddCheck("bad", func() CheckResult { return CheckResult{Status: StatusUnhealthy} })
	hc.AddCheck("meh", func() CheckResult { return CheckResult{Status: StatusDegraded} })
	if got := hc.CheckHealth().Status; got != StatusUnhealthy {
		t.Fatalf("expected unhealthy, got %q", got)
	}
}

func TestDatabaseHealthCheckNilDB(t *testing.T) {
	res := DatabaseHealthCheck(nil)()
	if res.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy for nil db, got %q", res.Status)
	}
}

func TestConfigurationHealthCheckMissing(t *testing.T) {
	res := ConfigurationHealthCheck(map[string]string{"DATABASE_URL": ""})()
	if res.Status != StatusDegraded {
		t.Fatalf("expected degraded, got %q", res.Status)
	}
}

func TestProviderHealthCheck(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) }))
	defer s.Close()
	res := ProviderHealthCheck("provider", s.URL)()
	if res.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %q", res.Status)
	}
}
