package config

import (
	"os"
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	t.Run("returns value when set", func(t *testing.T) {
		os.Setenv("TEST_GET_ENV_KEY", "myvalue")
		defer os.Unsetenv("TEST_GET_ENV_KEY")

		if got := getEnv("TEST_GET_ENV_KEY", "default"); got != "myvalue" {
			t.Errorf("got %q, want myvalue", got)
		}
	})

	t.Run("returns default when unset", func(t *testing.T) {
		os.Unsetenv("TEST_GET_ENV_KEY_MISSING")
		if got := getEnv("TEST_GET_ENV_KEY_MISSING", "fallback"); got != "fallback" {
			t.Errorf("got %q, want fallback", got)
		}
	})
}

func TestGetEnvAsInt(t *testing.T) {
	t.Run("valid int", func(t *testing.T) {
		os.Setenv("TEST_INT", "42")
		defer os.Unsetenv("TEST_INT")

		if got := getEnvAsInt("TEST_INT", 10); got != 42 {
			t.Errorf("got %d, want 42", got)
		}
	})

	t.Run("invalid int returns default", func(t *testing.T) {
		os.Setenv("TEST_INT_BAD", "not_a_number")
		defer os.Unsetenv("TEST_INT_BAD")

		if got := getEnvAsInt("TEST_INT_BAD", 99); got != 99 {
			t.Errorf("got %d, want 99", got)
		}
	})

	t.Run("unset returns default", func(t *testing.T) {
		os.Unsetenv("TEST_INT_MISSING")
		if got := getEnvAsInt("TEST_INT_MISSING", 7); got != 7 {
			t.Errorf("got %d, want 7", got)
		}
	})
}

func TestGetRedisAddr(t *testing.T) {
	// Save and clear all redis env vars
	origURL := os.Getenv("REDIS_URL")
	origAddr := os.Getenv("REDIS_ADDR")
	defer func() {
		setOrUnset("REDIS_URL", origURL)
		setOrUnset("REDIS_ADDR", origAddr)
	}()

	t.Run("REDIS_URL with redis:// prefix", func(t *testing.T) {
		os.Setenv("REDIS_URL", "redis://myhost:6380")
		os.Unsetenv("REDIS_ADDR")

		if got := getRedisAddr(); got != "myhost:6380" {
			t.Errorf("got %q, want myhost:6380", got)
		}
	})

	t.Run("REDIS_URL without prefix", func(t *testing.T) {
		os.Setenv("REDIS_URL", "otherhost:1234")
		os.Unsetenv("REDIS_ADDR")

		if got := getRedisAddr(); got != "otherhost:1234" {
			t.Errorf("got %q, want otherhost:1234", got)
		}
	})

	t.Run("REDIS_ADDR fallback", func(t *testing.T) {
		os.Unsetenv("REDIS_URL")
		os.Setenv("REDIS_ADDR", "addr-host:9999")

		if got := getRedisAddr(); got != "addr-host:9999" {
			t.Errorf("got %q, want addr-host:9999", got)
		}
	})

	t.Run("default when nothing set", func(t *testing.T) {
		os.Unsetenv("REDIS_URL")
		os.Unsetenv("REDIS_ADDR")

		if got := getRedisAddr(); got != "localhost:6379" {
			t.Errorf("got %q, want localhost:6379", got)
		}
	})
}

func setOrUnset(key, val string) {
	if val == "" {
		os.Unsetenv(key)
	} else {
		os.Setenv(key, val)
	}
}

func TestGetEnvAsDuration(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"go duration", "2500ms", 2500 * time.Millisecond},
		{"bare millis", "1500", 1500 * time.Millisecond},
		{"garbage", "soon", 3 * time.Second},
		{"unset", "", 3 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_DURATION", tt.value)
			if got := getEnvAsDuration("TEST_DURATION", 3*time.Second); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvAsFloatAndBool(t *testing.T) {
	t.Setenv("TEST_FLOAT", "1.25")
	if got := getEnvAsFloat("TEST_FLOAT", 1); got != 1.25 {
		t.Errorf("got %v, want 1.25", got)
	}
	t.Setenv("TEST_BOOL", "true")
	if !getEnvAsBool("TEST_BOOL", false) {
		t.Error("expected true")
	}
	t.Setenv("TEST_BOOL", "maybe")
	if getEnvAsBool("TEST_BOOL", false) {
		t.Error("invalid bool should return default")
	}
}

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"IMAGE_WAIT_ATTEMPTS", "POLL_INITIAL", "POLL_MULTIPLIER",
		"UPLOAD_MAX_RETRIES", "RENDER_CONCURRENCY", "UPLOAD_CONCURRENCY", "UPLOAD_BASE_URL"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Export.ImageWaitAttempts != 30 {
		t.Errorf("ImageWaitAttempts = %d, want 30", cfg.Export.ImageWaitAttempts)
	}
	if cfg.Export.PollInitial != 2*time.Second {
		t.Errorf("PollInitial = %v, want 2s", cfg.Export.PollInitial)
	}
	if cfg.Export.PollMultiplier != 1.1 {
		t.Errorf("PollMultiplier = %v, want 1.1", cfg.Export.PollMultiplier)
	}
	if cfg.Export.UploadMaxRetries != 3 {
		t.Errorf("UploadMaxRetries = %d, want 3", cfg.Export.UploadMaxRetries)
	}
	if cfg.Remote.UploadBaseURL != "http://localhost:9000/_upload" {
		t.Errorf("UploadBaseURL = %q", cfg.Remote.UploadBaseURL)
	}
}

func TestLoad_InvalidPolicy(t *testing.T) {
	t.Setenv("RENDER_CONCURRENCY", "0")
	if _, err := Load(); err == nil {
		t.Error("expected error for zero render concurrency")
	}
}

func TestLoad_TrimsBaseURLSlash(t *testing.T) {
	t.Setenv("API_BASE_URL", "https://api.example.com/v1/")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Remote.APIBaseURL != "https://api.example.com/v1" {
		t.Errorf("APIBaseURL = %q", cfg.Remote.APIBaseURL)
	}
}
