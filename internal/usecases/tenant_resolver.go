package usecases

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"svontai_router/internal/entities"
	"svontai_router/internal/interfaces"
)

// TenantResolver maps provider routing keys to tenant routes.
type TenantResolver struct {
	store    interfaces.TenantStore
	defaults entities.TenantAutomationConfig
}

// NewTenantResolver takes the platform timeout used where a tenant has none set.
func NewTenantResolver(store interfaces.TenantStore, defaultTimeoutSeconds int) *TenantResolver {
	return &TenantResolver{
		store:    store,
		defaults: entities.TenantAutomationConfig{TimeoutSeconds: defaultTimeoutSeconds},
	}
}

// Resolve returns ErrTenantNotFound when no tenant owns the routing key.
func (r *TenantResolver) Resolve(ctx context.Context, channel entities.Channel, routingKey string) (*entities.TenantRoute, error) {
	routingKey = strings.TrimSpace(routingKey)
	if routingKey == "" {
		return nil, fmt.Errorf("%w: empty routing key", entities.ErrTenantNotFound)
	}
	route, err := r.store.ResolveRoute(ctx, channel, routingKey)
	if err != nil {
		return nil, err
	}
	return r.withDefaults(route), nil
}

func (r *TenantResolver) Get(ctx context.Context, tenantID string) (*entities.TenantRoute, error) {
	route, err := r.store.GetRoute(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return r.withDefaults(route), nil
}

func (r *TenantResolver) PlanLimits(ctx context.Context, tenantID string) (entities.PlanLimits, error) {
	route, err := r.store.GetRoute(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return route.Limits, nil
}

// SigningSecret satisfies SecretLookup.
func (r *TenantResolver) SigningSecret(ctx context.Context, tenantID string) (string, error) {
	route, err := r.store.GetRoute(ctx, tenantID)
	if errors.Is(err, entities.ErrTenantNotFound) {
		return "", err
	}
	if err != nil {
		return "", fmt.Errorf("load tenant: %w", err)
	}
	return route.Config.SigningSecret, nil
}

func (r *TenantResolver) withDefaults(route *entities.TenantRoute) *entities.TenantRoute {
	out := *route
	if out.Config.TimeoutSeconds == 0 {
		out.Config.TimeoutSeconds = r.defaults.TimeoutSeconds
	}
	out.Config = out.Config.Normalize()
	if out.Config.TenantID == "" {
		out.Config.TenantID = out.TenantID
	}
	return &out
}
