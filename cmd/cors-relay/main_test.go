package main

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"cors-relay-go/internal/config"
	"cors-relay-go/internal/metrics"
)

func testEcho(t *testing.T, timeoutSeconds int) *echo.Echo {
	t.Helper()
	cfg := &config.Config{
		Server:   config.ServerConfig{BodyMaxBytes: 1 << 20},
		Upstream: config.UpstreamConfig{TimeoutSeconds: timeoutSeconds},
	}
	return newEcho(cfg, metrics.New(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestNewEcho_ReadTimeoutOutlastsUpstreamTimeout(t *testing.T) {
	tests := []struct {
		name    string
		timeout int
	}{
		{"default", 30},
		{"long uploads", 300},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := testEcho(t, tt.timeout)
			forward := time.Duration(tt.timeout) * time.Second
			if e.Server.ReadTimeout <= forward {
				t.Errorf("ReadTimeout = %v, want more than upstream timeout %v", e.Server.ReadTimeout, forward)
			}
			if e.Server.ReadHeaderTimeout != readHeaderTimeout {
				t.Errorf("ReadHeaderTimeout = %v, want %v", e.Server.ReadHeaderTimeout, readHeaderTimeout)
			}
			if e.Server.WriteTimeout != 0 {
				t.Errorf("WriteTimeout = %v, want 0", e.Server.WriteTimeout)
			}
		})
	}
}

func TestNewEcho_SlowUploadCompletes(t *testing.T) {
	e := testEcho(t, 60)
	e.POST("/upload", func(c echo.Context) error {
		n, err := io.Copy(io.Discard, c.Request().Body)
		if err != nil {
			return err
		}
		return c.String(http.StatusOK, strconv.FormatInt(n, 10))
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	go func() { _ = e.Server.Serve(ln) }()
	t.Cleanup(func() { _ = e.Close() })

	pr, pw := io.Pipe()
	go func() {
		for i := 0; i < 3; i++ {
			time.Sleep(200 * time.Millisecond)
			if _, err := pw.Write([]byte("chunk")); err != nil {
				return
			}
		}
		_ = pw.Close()
	}()

	resp, err := http.Post("http://"+ln.Addr().String()+"/upload", "application/octet-stream", pr)
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "15" {
		t.Errorf("response = %d %q, want 200 %q", resp.StatusCode, body, "15")
	}
}
