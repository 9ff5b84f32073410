// Package retry 对 TransientError 做有上限的指数退避重试，
// 每次尝试带独立的调用超时；调用方取消不重试。
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wisefido-tenant-integrity/internal/datastore"
	"wisefido-tenant-integrity/internal/domain"

	"github.com/cenkalti/backoff/v5"
)

// Config 重试配置
type Config struct {
	MaxAttempts    int           // 含首次，默认 3
	InitialBackoff time.Duration // 默认 500ms
	MaxBackoff     time.Duration // 默认 10s
	BackoffFactor  float64       // 默认 2.0
	JitterFactor   float64       // 0-1，默认 0.2
	CallTimeout    time.Duration // 单次调用超时，0 表示只受父 ctx 约束
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		BackoffFactor:  2.0,
		JitterFactor:   0.2,
		CallTimeout:    30 * time.Second,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.MaxAttempts < 1 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.BackoffFactor < 1.0 {
		c.BackoffFactor = d.BackoffFactor
	}
	if c.JitterFactor < 0 || c.JitterFactor > 1 {
		c.JitterFactor = d.JitterFactor
	}
	return c
}

// newBackOff 间隔上限是 MaxBackoff（抖动前）
func (c Config) newBackOff() *backoff.ExponentialBackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     c.InitialBackoff,
		RandomizationFactor: c.JitterFactor,
		Multiplier:          c.BackoffFactor,
		MaxInterval:         c.MaxBackoff,
	}
}

// Func 一次尝试；ctx 已带调用超时
type Func func(ctx context.Context, attempt int) error

// OnRetry 每次决定重试前回调（用于日志/指标）
type OnRetry func(attempt int, wait time.Duration, err error)

// Do 执行 fn，遇到可重试错误按退避重试
// 重试耗尽后返回的错误同时满足 errors.Is(err, domain.ErrTransient)
func Do(ctx context.Context, cfg Config, fn Func, onRetry OnRetry) (int, error) {
	cfg = cfg.normalized()
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	attempt := 0
	operation := func() (struct{}, error) {
		attempt++
		err := call(ctx, cfg.CallTimeout, attempt, fn)
		if err == nil {
			return struct{}{}, nil
		}
		// 父 ctx 已取消/超时：不再重试
		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(ctx.Err())
		}
		if !retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(cfg.newBackOff()),
		backoff.WithMaxTries(uint(cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(0), // 只按次数封顶
		backoff.WithNotify(func(err error, wait time.Duration) {
			if onRetry != nil {
				onRetry(attempt, wait, err)
			}
		}),
	)
	if err == nil {
		return attempt, nil
	}

	// 最后一次尝试返回的 Permanent 不会被 Retry 拆开
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return attempt, permanent.Err
	}
	if ctx.Err() != nil {
		return attempt, ctx.Err()
	}
	if retryable(err) {
		return attempt, &exhaustedError{attempts: attempt, err: err}
	}
	return attempt, err
}

func retryable(err error) bool {
	return datastore.IsTransient(err) || errors.Is(err, domain.ErrTransient)
}

func call(ctx context.Context, timeout time.Duration, attempt int, fn Func) error {
	if timeout <= 0 {
		return fn(ctx, attempt)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(callCtx, attempt)
}

type exhaustedError struct {
	attempts int
	err      error
}

func (e *exhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.attempts, e.err)
}

func (e *exhaustedError) Unwrap() []error { return []error{domain.ErrTransient, e.err} }
