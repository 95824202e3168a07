package authz

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/helm-assets/pkg/assets"
)

// CELAuthorizer admits admins and namespace owners, then evaluates the
// namespace's Rule expression. Anything else is denied.
//
// Rules see four variables:
//
//	caller    {id: string, roles: list(string)}
//	namespace {name: string, prefix: string, tier: string}
//	action    string
//	timestamp int (unix seconds)
type CELAuthorizer struct {
	env      *cel.Env
	prgCache map[string]cel.Program
	mu       sync.RWMutex
	now      func() time.Time
	logger   *slog.Logger
}

// NewCELAuthorizer creates an authorizer with the rule environment.
func NewCELAuthorizer(now func() time.Time) (*CELAuthorizer, error) {
	env, err := cel.NewEnv(
		cel.Variable("caller", cel.DynType),
		cel.Variable("namespace", cel.DynType),
		cel.Variable("action", cel.StringType),
		cel.Variable("timestamp", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	if now == nil {
		now = time.Now
	}
	return &CELAuthorizer{
		env:      env,
		prgCache: make(map[string]cel.Program),
		now:      now,
		logger:   slog.Default().With("component", "authz"),
	}, nil
}

// Check compiles a rule without evaluating it. Namespace loading uses it to
// reject broken rules at startup.
func (a *CELAuthorizer) Check(rule string) error {
	_, err := a.program(rule)
	return err
}

func (a *CELAuthorizer) Authorize(ctx context.Context, caller Caller, ns *assets.Namespace, action Action) error {
	if caller.HasRole(RoleAdmin) {
		return nil
	}
	if ns == nil {
		return fmt.Errorf("%w: %s requires the %s role", assets.ErrPermissionDenied, action, RoleAdmin)
	}
	if action == ActionWrite {
		for _, owner := range ns.Owners {
			if owner == caller.ID {
				return nil
			}
		}
	}
	if ns.Rule == "" {
		return fmt.Errorf("%w: %s may not %s namespace %s", assets.ErrPermissionDenied, caller.ID, action, ns.Name)
	}

	roles := caller.Roles
	if roles == nil {
		roles = []string{}
	}
	input := map[string]any{
		"caller": map[string]any{
			"id":    caller.ID,
			"roles": roles,
		},
		"namespace": map[string]any{
			"name":   ns.Name,
			"prefix": ns.Prefix,
			"tier":   string(ns.Tier),
		},
		"action":    string(action),
		"timestamp": a.now().Unix(),
	}
	allowed, err := a.evaluate(ns.Rule, input)
	if err != nil {
		// Rule errors deny.
		a.logger.WarnContext(ctx, "namespace rule failed", "namespace", ns.Name, "error", err)
		return fmt.Errorf("%w: namespace %s rule: %v", assets.ErrPermissionDenied, ns.Name, err)
	}
	if !allowed {
		return fmt.Errorf("%w: %s may not %s namespace %s", assets.ErrPermissionDenied, caller.ID, action, ns.Name)
	}
	return nil
}

func (a *CELAuthorizer) program(expr string) (cel.Program, error) {
	a.mu.RLock()
	prg, hit := a.prgCache[expr]
	a.mu.RUnlock()
	if hit {
		return prg, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if prg, hit = a.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := a.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	p, err := a.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	a.prgCache[expr] = p
	return p, nil
}

func (a *CELAuthorizer) evaluate(expr string, input map[string]any) (bool, error) {
	prg, err := a.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}
