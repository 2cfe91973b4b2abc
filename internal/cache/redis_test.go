package cache

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
)

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name       string
		key        string
		defaultVal string
		envValue   string
		want       string
	}{
		{
			name:       "Environment variable exists",
			key:        "TEST_KEY_EXISTS",
			defaultVal: "default",
			envValue:   "custom_value",
			want:       "custom_value",
		},
		{
			name:       "Environment variable does not exist",
			key:        "TEST_KEY_NOT_EXISTS",
			defaultVal: "default_value",
			envValue:   "",
			want:       "default_value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}

			got := getEnv(tt.key, tt.defaultVal)
			if got != tt.want {
				t.Errorf("getEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvAsInt(t *testing.T) {
	tests := []struct {
		name       string
		key        string
		defaultVal int
		envValue   string
		want       int
	}{
		{"Valid integer", "TEST_INT_VALID", 0, "42", 42},
		{"Invalid integer", "TEST_INT_INVALID", 10, "not_a_number", 10},
		{"Empty value", "TEST_INT_EMPTY", 5, "", 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}

			got := getEnvAsInt(tt.key, tt.defaultVal)
			if got != tt.want {
				t.Errorf("getEnvAsInt() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClientOptions(t *testing.T) {
	defer func(addr, pwd string) { redisAddr, redisPassword = addr, pwd }(redisAddr, redisPassword)

	redisAddr, redisPassword = "cache:6380", ""
	if opts := clientOptions(); opts.Addr != "cache:6380" || opts.PoolSize != 100 {
		t.Errorf("plain address: got addr %s pool %d", opts.Addr, opts.PoolSize)
	}

	redisAddr, redisPassword = "redis://:secret@cache:6381/2", ""
	opts := clientOptions()
	if opts.Addr != "cache:6381" || opts.DB != 2 || opts.Password != "secret" {
		t.Errorf("url: got addr %s db %d password %q", opts.Addr, opts.DB, opts.Password)
	}
}

func TestNew_NoRedis(t *testing.T) {
	defer func(addr string) { redisAddr = addr }(redisAddr)
	redisAddr = "127.0.0.1:1"

	if service := New(); service != nil {
		service.Close()
		t.Fatal("New() should return nil when Redis is unreachable")
	}
}

func TestService_Interface(t *testing.T) {
	// Verify that service implements Service interface
	var _ Service = (*service)(nil)
}

// testClient connects to a local Redis on a scratch DB or skips.
func testClient(t *testing.T) *redis.Client {
	t.Helper()
	if os.Getenv("SKIP_INTEGRATION") != "" {
		t.Skip("integration tests disabled")
	}

	client := redis.NewClient(&redis.Options{
		Addr: getEnv("REDIS_TEST_ADDR", "localhost:6379"),
		DB:   15,
	})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("redis not available: %v", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("FlushDB() error = %v", err)
	}
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	return client
}
