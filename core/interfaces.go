package core

import (
	"context"
	"time"
)

// Logger is the minimal structured logging interface shared by every
// component. Fields are free-form key/value pairs.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// Memory is the ephemeral TTL key/value store used for execution snapshots,
// checkpoints, progress points and error context. Implementations may be an
// in-process map (development, tests) or Redis (production); the contract is
// identical. A ttl of 0 means no expiration.
type Memory interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// Keys returns all live keys matching a glob-style pattern, e.g.
	// "execution_state:*". Intended for bounded operator queries only.
	Keys(ctx context.Context, pattern string) ([]string, error)
}

// NoOpLogger is the default logger when none is configured.
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}
