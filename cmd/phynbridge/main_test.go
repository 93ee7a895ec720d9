package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/phyn-bridge/internal/auth"
)

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("PHYNBRIDGE_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

// TestRun_MissingToken verifies validation errors stop startup.
func TestRun_MissingToken(t *testing.T) {
	configPath := writeConfig(t, `
site:
  id: test-site
phyn:
  push:
    enabled: false
fleet:
  devices:
    - id: dev-1
      product_code: PC1
mqtt:
  enabled: false
`)
	t.Setenv("PHYNBRIDGE_CONFIG", configPath)
	t.Setenv("PHYNBRIDGE_PHYN_TOKEN", "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil || !strings.Contains(err.Error(), "phyn.api.token") {
		t.Fatalf("run() error = %v, want token validation error", err)
	}
}

// TestRun_StartsAndStops runs the bridge against a fake Phyn API with a
// static device and checks it serves the device before shutting down.
func TestRun_StartsAndStops(t *testing.T) {
	phynAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if strings.Contains(r.URL.Path, "firmware") {
			fmt.Fprint(w, `[]`)
			return
		}
		fmt.Fprint(w, `{"product_code": "PC1", "online_status": {"v": "online"}}`)
	}))
	defer phynAPI.Close()

	port := freePort(t)
	configPath := writeConfig(t, fmt.Sprintf(`
site:
  id: test-site
  timezone: UTC
phyn:
  api:
    base_url: %q
    token: test-token
  push:
    enabled: false
fleet:
  poll_interval: 60
  refresh_timeout: 5
  devices:
    - id: dev-1
      home_id: home-1
      product_code: PC1
database:
  path: %q
mqtt:
  enabled: false
api:
  host: 127.0.0.1
  port: %d
logging:
  level: error
  format: text
`, phynAPI.URL, filepath.Join(t.TempDir(), "bridge.db"), port))
	t.Setenv("PHYNBRIDGE_CONFIG", configPath)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx) }()

	base := fmt.Sprintf("http://127.0.0.1:%d/api/v1", port)
	if err := waitFor(base+"/devices/dev-1", 5*time.Second); err != nil {
		cancel()
		t.Fatalf("bridge did not serve dev-1: %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run() error = %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("run() did not return after cancel")
	}
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("PHYNBRIDGE_CONFIG", "")
	if got := getConfigPath(); got != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", got, defaultConfigPath)
	}
	t.Setenv("PHYNBRIDGE_CONFIG", "/etc/phynbridge.yaml")
	if got := getConfigPath(); got != "/etc/phynbridge.yaml" {
		t.Errorf("getConfigPath() = %q, want env override", got)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func waitFor(url string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		resp, err := http.Get(url) //nolint:gosec,noctx // test URL
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
		} else {
			lastErr = err
		}
		time.Sleep(50 * time.Millisecond)
	}
	return lastErr
}

func TestRunToken(t *testing.T) {
	secret := strings.Repeat("k", 32)
	var out, errOut strings.Builder
	err := runToken([]string{"-subject", "ha", "-role", "operator", "-ttl", "1h", "-secret", secret}, &out, &errOut)
	if err != nil {
		t.Fatalf("runToken() error = %v", err)
	}

	claims, err := auth.ParseToken(strings.TrimSpace(out.String()), secret)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Subject != "ha" || claims.Role != auth.RoleOperator {
		t.Errorf("claims = %+v", claims)
	}
}

func TestRunToken_Errors(t *testing.T) {
	t.Setenv("PHYNBRIDGE_API_JWT_SECRET", "")
	tests := []struct {
		name string
		args []string
	}{
		{"no subject", []string{"-secret", "s"}},
		{"no secret", []string{"-subject", "ha"}},
		{"bad role", []string{"-subject", "ha", "-secret", "s", "-role", "root"}},
		{"bad flag", []string{"-nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := runToken(tt.args, io.Discard, io.Discard); err == nil {
				t.Error("runToken() error = nil, want error")
			}
		})
	}
}
