// Package entityservice wraps an entity store with transparent ownership
// scoping. When configured, every write stamps the caller's user and node
// identity onto the entity, every read filters by them, and both are
// stripped from results so callers never see the scoping properties.
package entityservice

import (
	"context"

	"github.com/vaultline/entitystore/internal/entity"
)

// Property names the service appends to stored entities.
const (
	UserIdentityProperty = "userIdentity"
	NodeIdentityProperty = "nodeIdentity"
)

// Config controls which identities the service enforces. An enabled
// identity with an empty value fails the operation rather than silently
// widening its scope.
type Config struct {
	IncludeUserIdentity bool   `yaml:"includeUserIdentity"`
	IncludeNodeIdentity bool   `yaml:"includeNodeIdentity"`
	UserIdentity        string `yaml:"userIdentity"`
	NodeIdentity        string `yaml:"nodeIdentity"`
}

// Service is an entity.Store decorator. With both identities disabled it is
// a pass-through.
type Service struct {
	store entity.Store
	cfg   Config
}

// New wraps store with the identity configuration. Schemas used with an
// enabled identity must declare the matching property as an optional string
// so condition compilation accepts it.
func New(store entity.Store, cfg Config) *Service {
	return &Service{store: store, cfg: cfg}
}

// Bootstrap delegates to the backing store. Identity columns are plain
// entity properties, so no extra schema work is needed.
func (s *Service) Bootstrap(ctx context.Context) (bool, error) {
	return s.store.Bootstrap(ctx)
}

// GetSchema returns the backing store schema.
func (s *Service) GetSchema() *entity.Schema { return s.store.GetSchema() }

// Get fetches an entity, adding identity guard conditions when configured.
func (s *Service) Get(ctx context.Context, id string, secondaryIndex string, conditions []entity.Comparator) (map[string]any, error) {
	guarded, err := s.guardConditions("entityservice.get", conditions)
	if err != nil {
		return nil, err
	}
	e, err := s.store.Get(ctx, id, secondaryIndex, guarded)
	if err != nil {
		return nil, err
	}
	return s.strip(e), nil
}

// Set stamps the configured identities onto the entity and writes it.
func (s *Service) Set(ctx context.Context, e map[string]any, conditions []entity.Comparator) error {
	if e == nil {
		return entity.GuardErr("entityservice.set", "entity is required")
	}
	guarded, err := s.guardConditions("entityservice.set", conditions)
	if err != nil {
		return err
	}
	stamped := make(map[string]any, len(e)+2)
	for k, v := range e {
		stamped[k] = v
	}
	if s.cfg.IncludeUserIdentity {
		stamped[UserIdentityProperty] = s.cfg.UserIdentity
	}
	if s.cfg.IncludeNodeIdentity {
		stamped[NodeIdentityProperty] = s.cfg.NodeIdentity
	}
	return s.store.Set(ctx, stamped, guarded)
}

// Remove deletes an entity within the identity scope.
func (s *Service) Remove(ctx context.Context, id string, conditions []entity.Comparator) error {
	guarded, err := s.guardConditions("entityservice.remove", conditions)
	if err != nil {
		return err
	}
	return s.store.Remove(ctx, id, guarded)
}

// Query runs a query with the identity conditions ANDed onto the caller's
// condition tree, stripping identity properties from the results.
func (s *Service) Query(ctx context.Context, cond entity.Condition, sort []entity.SortDirective, properties []string, cursor string, pageSize int) (*entity.QueryResult, error) {
	comparators, err := s.identityComparators("entityservice.query")
	if err != nil {
		return nil, err
	}
	if len(comparators) > 0 {
		g := entity.Group{LogicalOperator: entity.LogicalAnd}
		for _, c := range comparators {
			g.Conditions = append(g.Conditions, c)
		}
		if cond != nil {
			g.Conditions = append(g.Conditions, cond)
		}
		cond = g
	}
	res, err := s.store.Query(ctx, cond, sort, properties, cursor, pageSize)
	if err != nil {
		return nil, err
	}
	for i, e := range res.Entities {
		res.Entities[i] = s.strip(e)
	}
	return res, nil
}

func (s *Service) identityComparators(op string) ([]entity.Comparator, error) {
	var out []entity.Comparator
	if s.cfg.IncludeUserIdentity {
		if s.cfg.UserIdentity == "" {
			return nil, entity.GuardErr(op, "user identity is enabled but not set")
		}
		out = append(out, entity.Comparator{Property: UserIdentityProperty, Comparison: entity.ComparisonEquals, Value: s.cfg.UserIdentity})
	}
	if s.cfg.IncludeNodeIdentity {
		if s.cfg.NodeIdentity == "" {
			return nil, entity.GuardErr(op, "node identity is enabled but not set")
		}
		out = append(out, entity.Comparator{Property: NodeIdentityProperty, Comparison: entity.ComparisonEquals, Value: s.cfg.NodeIdentity})
	}
	return out, nil
}

func (s *Service) guardConditions(op string, conditions []entity.Comparator) ([]entity.Comparator, error) {
	identity, err := s.identityComparators(op)
	if err != nil {
		return nil, err
	}
	if len(identity) == 0 {
		return conditions, nil
	}
	return append(identity, conditions...), nil
}

func (s *Service) strip(e map[string]any) map[string]any {
	if e == nil {
		return nil
	}
	if !s.cfg.IncludeUserIdentity && !s.cfg.IncludeNodeIdentity {
		return e
	}
	out := make(map[string]any, len(e))
	for k, v := range e {
		if (s.cfg.IncludeUserIdentity && k == UserIdentityProperty) ||
			(s.cfg.IncludeNodeIdentity && k == NodeIdentityProperty) {
			continue
		}
		out[k] = v
	}
	return out
}
