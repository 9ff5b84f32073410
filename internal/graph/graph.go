// Package graph 描述哪些实体类型引用租户、实体类型之间如何互相引用，
// 并据此给出级联删除的拓扑顺序（子类型在前）。
package graph

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"wisefido-tenant-integrity/internal/datastore"

	"gopkg.in/yaml.v3"
)

//go:embed default_graph.yaml
var defaultGraphYAML []byte

// Edge child -> parent，通过 child 的 Field 列引用 parent 的 References 列
type Edge struct {
	Parent     string `yaml:"entity"`
	Field      string `yaml:"field"`
	References string `yaml:"references"` // 默认 "id"
}

// EntityType 实体类型
type EntityType struct {
	Name        string `yaml:"name"`
	TenantField string `yaml:"tenant_field"` // 为空表示只通过父边间接归属租户
	Parents     []Edge `yaml:"parents"`
}

// DirectlyScoped 是否直接持有租户引用列
func (e *EntityType) DirectlyScoped() bool { return e.TenantField != "" }

type document struct {
	TenantEntity string       `yaml:"tenant_entity"`
	Entities     []EntityType `yaml:"entities"`
}

// Graph 只读依赖图（加载后不再修改，可并发读）
type Graph struct {
	tenantEntity string
	entities     map[string]*EntityType
	children     map[string][]string // parent -> 引用它的实体类型（排序）
	scoped       map[string]bool     // 直接或间接引用租户
	order        []string            // 子类型在前
}

// Default 内置默认依赖图
func Default() *Graph {
	g, err := Parse(defaultGraphYAML)
	if err != nil {
		panic(fmt.Sprintf("graph: invalid built-in graph: %v", err))
	}
	return g
}

// Load 从 YAML 文件加载
func Load(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph file: %w", err)
	}
	g, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("graph file %s: %w", path, err)
	}
	return g, nil
}

// Parse 解析 YAML
func Parse(data []byte) (*Graph, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse graph: %w", err)
	}
	return New(doc.TenantEntity, doc.Entities)
}

// New 校验并构建依赖图：名称唯一、父类型存在、标识符合法、无环
func New(tenantEntity string, entities []EntityType) (*Graph, error) {
	if tenantEntity == "" {
		tenantEntity = "tenants"
	}
	g := &Graph{
		tenantEntity: tenantEntity,
		entities:     make(map[string]*EntityType, len(entities)),
		children:     map[string][]string{},
		scoped:       map[string]bool{},
	}

	for i := range entities {
		e := entities[i]
		if !datastore.ValidIdentifier(e.Name) {
			return nil, fmt.Errorf("invalid entity name %q", e.Name)
		}
		if e.Name == tenantEntity {
			return nil, fmt.Errorf("entity %s: tenant entity is managed by the tenant directory", e.Name)
		}
		if _, dup := g.entities[e.Name]; dup {
			return nil, fmt.Errorf("duplicate entity %q", e.Name)
		}
		if e.TenantField != "" && !datastore.ValidIdentifier(e.TenantField) {
			return nil, fmt.Errorf("entity %s: invalid tenant_field %q", e.Name, e.TenantField)
		}
		parents := make([]Edge, 0, len(e.Parents))
		for _, p := range e.Parents {
			if p.References == "" {
				p.References = "id"
			}
			if !datastore.ValidIdentifier(p.Field) || !datastore.ValidIdentifier(p.References) {
				return nil, fmt.Errorf("entity %s: invalid edge to %s", e.Name, p.Parent)
			}
			parents = append(parents, p)
		}
		e.Parents = parents
		g.entities[e.Name] = &e
	}

	for _, e := range g.entities {
		for _, p := range e.Parents {
			if _, ok := g.entities[p.Parent]; !ok {
				return nil, fmt.Errorf("entity %s: unknown parent %q", e.Name, p.Parent)
			}
			if p.Parent == e.Name {
				return nil, fmt.Errorf("entity %s: self reference", e.Name)
			}
			g.children[p.Parent] = appendUnique(g.children[p.Parent], e.Name)
		}
	}
	for parent := range g.children {
		sort.Strings(g.children[parent])
	}

	order, err := g.topoChildrenFirst()
	if err != nil {
		return nil, err
	}

	// 逆序（父在前）传播“引用租户”
	for i := len(order) - 1; i >= 0; i-- {
		e := g.entities[order[i]]
		if e.DirectlyScoped() {
			g.scoped[e.Name] = true
			continue
		}
		for _, p := range e.Parents {
			if g.scoped[p.Parent] {
				g.scoped[e.Name] = true
				break
			}
		}
	}
	for _, name := range order {
		if g.scoped[name] {
			g.order = append(g.order, name)
		}
	}
	return g, nil
}

// topoChildrenFirst Kahn 算法：一个类型只有在所有引用它的子类型之后才输出；同层按名称排序
func (g *Graph) topoChildrenFirst() ([]string, error) {
	pending := make(map[string]int, len(g.entities)) // 尚未输出的子类型数
	for name := range g.entities {
		pending[name] = len(g.children[name])
	}

	var ready []string
	for name, n := range pending {
		if n == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(g.entities))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)

		var released []string
		for _, parent := range g.parentNames(name) {
			pending[parent]--
			if pending[parent] == 0 {
				released = append(released, parent)
			}
		}
		ready = append(ready, released...)
		sort.Strings(ready)
	}

	if len(order) != len(g.entities) {
		var cyclic []string
		for name, n := range pending {
			if n > 0 {
				cyclic = append(cyclic, name)
			}
		}
		sort.Strings(cyclic)
		return nil, fmt.Errorf("dependency cycle among: %s", strings.Join(cyclic, ", "))
	}
	return order, nil
}

func (g *Graph) parentNames(name string) []string {
	var out []string
	for _, p := range g.entities[name].Parents {
		out = appendUnique(out, p.Parent)
	}
	return out
}

// TenantEntity 租户表名
func (g *Graph) TenantEntity() string { return g.tenantEntity }

// Entity 查找实体类型
func (g *Graph) Entity(name string) (*EntityType, bool) {
	e, ok := g.entities[name]
	return e, ok
}

// Names 所有实体类型（排序）
func (g *Graph) Names() []string {
	names := make([]string, 0, len(g.entities))
	for name := range g.entities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DirectlyScoped 直接持有租户引用列的实体类型（排序），即可被认领的类型
func (g *Graph) DirectlyScoped() []string {
	var out []string
	for _, name := range g.Names() {
		if g.entities[name].DirectlyScoped() {
			out = append(out, name)
		}
	}
	return out
}

// DeletionOrder 直接或间接引用租户的实体类型，子类型在前
func (g *Graph) DeletionOrder() []string {
	return append([]string(nil), g.order...)
}

// Children 引用 name 的实体类型（只含引用租户的类型）
func (g *Graph) Children(name string) []string {
	var out []string
	for _, c := range g.children[name] {
		if g.scoped[c] {
			out = append(out, c)
		}
	}
	return out
}

// Scoped 是否直接或间接引用租户
func (g *Graph) Scoped(name string) bool { return g.scoped[name] }

// ScopeFilter 选出属于 tenantID 的记录的过滤条件
// 直接归属：tenant_field = tenantID；间接归属：fk IN (SELECT key FROM parent WHERE <parent scope>)
func (g *Graph) ScopeFilter(name, tenantID string) (datastore.Filter, error) {
	e, ok := g.entities[name]
	if !ok {
		return nil, fmt.Errorf("unknown entity type %q", name)
	}
	if e.DirectlyScoped() {
		return datastore.Where(datastore.Eq(e.TenantField, tenantID)), nil
	}
	for _, p := range e.Parents {
		if !g.Scoped(p.Parent) {
			continue
		}
		parentFilter, err := g.ScopeFilter(p.Parent, tenantID)
		if err != nil {
			return nil, err
		}
		return datastore.Where(datastore.InSelect(p.Field, p.Parent, p.References, parentFilter)), nil
	}
	return nil, fmt.Errorf("entity type %s does not reference the tenant", name)
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
