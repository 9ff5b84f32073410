package service

import (
	"context"
	"fmt"
	"sync"

	"wisefido-tenant-integrity/internal/datastore"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// CapabilityStatus 探测结果
type CapabilityStatus string

const (
	CapabilitySupported        CapabilityStatus = "supported"
	CapabilityUnsupported      CapabilityStatus = "unsupported"
	CapabilityPermissionDenied CapabilityStatus = "permission_denied"
)

// Capability 某实体类型上按某属性过滤的能力
type Capability struct {
	Entity    string           `json:"entity"`
	Attribute string           `json:"attribute"`
	Status    CapabilityStatus `json:"status"`
	Reason    string           `json:"reason,omitempty"`
}

// Supported 是否可用
func (c Capability) Supported() bool { return c.Status == CapabilitySupported }

// Prober 在受限凭据下推断 schema 能力：
// 发出一次只读、limit 1 的过滤查询，根据存储错误分类判断，从不修改 schema。
// 已分类的结果在进程生命周期内缓存。
type Prober struct {
	store  datastore.Client
	exec   *executor
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[string]Capability
	group singleflight.Group
}

func newProber(store datastore.Client, exec *executor) *Prober {
	return &Prober{
		store:  store,
		exec:   exec,
		logger: exec.logger,
		cache:  map[string]Capability{},
	}
}

// Probe 探测 entity 是否支持按 attribute 过滤
// 非分类错误（网络等）作为 error 返回，不缓存。
// 并发的相同探测共享一次查询；查询不随任何一个调用方取消，只受调用超时约束，
// 调用方自己的 ctx 结束时提前返回。
func (p *Prober) Probe(ctx context.Context, entity, attribute string) (Capability, error) {
	key := entity + "." + attribute

	p.mu.RLock()
	c, ok := p.cache[key]
	p.mu.RUnlock()
	if ok {
		return c, nil
	}

	shared := context.WithoutCancel(ctx)
	ch := p.group.DoChan(key, func() (interface{}, error) {
		p.mu.RLock()
		c, ok := p.cache[key]
		p.mu.RUnlock()
		if ok {
			return c, nil
		}
		c, err := p.probe(shared, entity, attribute)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.cache[key] = c
		p.mu.Unlock()
		return c, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Capability{}, res.Err
		}
		return res.Val.(Capability), nil
	case <-ctx.Done():
		return Capability{}, ctx.Err()
	}
}

func (p *Prober) probe(ctx context.Context, entity, attribute string) (Capability, error) {
	c := Capability{Entity: entity, Attribute: attribute}
	if !datastore.ValidIdentifier(entity) || !datastore.ValidIdentifier(attribute) {
		c.Status = CapabilityUnsupported
		c.Reason = "invalid identifier"
		return c, nil
	}

	err := p.exec.run(ctx, "probe", entity, func(ctx context.Context) error {
		_, err := p.store.Select(ctx, entity, datastore.Where(datastore.IsNull(attribute)), datastore.SelectOptions{
			Columns: []string{attribute},
			Limit:   1,
		})
		return err
	})

	switch kind := datastore.KindOf(err); {
	case err == nil:
		c.Status = CapabilitySupported
	case kind == datastore.KindUnknownAttribute || kind == datastore.KindUnknownEntity:
		c.Status = CapabilityUnsupported
		c.Reason = kind.String()
	case kind == datastore.KindPermissionDenied:
		c.Status = CapabilityPermissionDenied
		c.Reason = kind.String()
	default:
		return Capability{}, fmt.Errorf("probe %s.%s: %w", entity, attribute, err)
	}

	p.logger.Debug("Probed capability",
		zap.String("entity", entity),
		zap.String("attribute", attribute),
		zap.String("status", string(c.Status)),
	)
	return c, nil
}
