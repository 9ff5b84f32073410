// Package service 实现租户数据完整性维护：schema 能力探测、孤儿记录认领、
// 级联删除和派生分类初始化。所有存储访问都经过 datastore.Client。
package service

import (
	"context"
	"errors"
	"time"

	"wisefido-tenant-integrity/internal/datastore"
	"wisefido-tenant-integrity/internal/domain"
	"wisefido-tenant-integrity/internal/metrics"
	"wisefido-tenant-integrity/internal/retry"

	"go.uber.org/zap"
)

// executor 对单次存储调用加超时和 Transient 重试
type executor struct {
	retry   retry.Config
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func (e *executor) run(ctx context.Context, operation, entity string, fn func(ctx context.Context) error) error {
	_, err := retry.Do(ctx, e.retry, func(ctx context.Context, _ int) error {
		return fn(ctx)
	}, func(attempt int, wait time.Duration, err error) {
		e.metrics.Retries.WithLabelValues(operation).Inc()
		e.logger.Warn("Transient store error, retrying",
			zap.String("operation", operation),
			zap.String("entity", entity),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
	return err
}

// observe 记录步骤耗时和失败
func (e *executor) observe(operation, entity string, started time.Time, stepErr *domain.StepError) {
	e.metrics.StepDuration.WithLabelValues(operation, entity).Observe(time.Since(started).Seconds())
	if stepErr != nil {
		e.metrics.StepFailures.WithLabelValues(operation, string(stepErr.Kind)).Inc()
	}
}

// toStepError 将存储错误映射为报告分类
func toStepError(err error) *domain.StepError {
	if err == nil {
		return nil
	}
	var se *domain.StepError
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, context.Canceled) {
		return domain.NewStepError(domain.KindCancelled, err)
	}
	switch datastore.KindOf(err) {
	case datastore.KindUnknownAttribute, datastore.KindUnknownEntity:
		return domain.NewStepError(domain.KindSchemaUnsupported, err)
	case datastore.KindPermissionDenied:
		return domain.NewStepError(domain.KindPermissionDenied, err)
	case datastore.KindTransient:
		return domain.NewStepError(domain.KindTransient, err)
	}
	return domain.NewStepError(domain.KindOf(err), err)
}

func normalizeConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
