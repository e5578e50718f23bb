package main

import (
	"testing"

	"github.com/shaunagostinho/envnode/internal/config"
)

func TestNewRedisClient(t *testing.T) {
	tests := []struct {
		addr string
		want string
		ok   bool
	}{
		{"localhost:6379", "localhost:6379", true},
		{"redis://:secret@cache.local:6380/2", "cache.local:6380", true},
		{"redis://cache.local:6380/notadb", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			rdb, err := newRedisClient(config.CollectorConfig{RedisAddr: tt.addr})
			if (err == nil) != tt.ok {
				t.Fatalf("err = %v, want ok=%v", err, tt.ok)
			}
			if !tt.ok {
				return
			}
			defer rdb.Close()
			if got := rdb.Options().Addr; got != tt.want {
				t.Errorf("addr = %q, want %q", got, tt.want)
			}
		})
	}
}
