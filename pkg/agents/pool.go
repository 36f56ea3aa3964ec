package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/meridianhq/meridian/pkg/config"
	"github.com/meridianhq/meridian/pkg/observability"
)

var (
	// ErrPoolExhausted means no instance became available within the
	// configured lease wait. Recoverable: callers may degrade strategy.
	ErrPoolExhausted = errors.New("agent pool exhausted")

	// ErrUnknownAgent means the requested name is not configured.
	ErrUnknownAgent = errors.New("unknown agent")
)

// Factory builds a fresh agent instance for a configured name.
type Factory func(name string, cfg *config.AgentConfig) (Agent, error)

type instance struct {
	agent     Agent
	id        string
	createdAt time.Time
	ops       int
}

type poolEntry struct {
	name string
	cfg  *config.AgentConfig
	sem  *semaphore.Weighted

	mu   sync.Mutex
	idle []*instance
}

// Pool manages bounded, warm, health-checked agent instances per name.
type Pool struct {
	entries map[string]*poolEntry
	factory Factory
}

// NewPool builds a pool over the configured agents. No instances exist
// until Warmup or the first lease.
func NewPool(cfgs map[string]*config.AgentConfig, factory Factory) *Pool {
	entries := make(map[string]*poolEntry, len(cfgs))
	for name, cfg := range cfgs {
		if cfg == nil {
			continue
		}
		entries[name] = &poolEntry{
			name: name,
			cfg:  cfg,
			sem:  semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		}
	}
	return &Pool{entries: entries, factory: factory}
}

// Warmup eagerly creates minIdle instances per agent name.
func (p *Pool) Warmup(ctx context.Context) error {
	for name, entry := range p.entries {
		for i := 0; i < entry.cfg.MinIdle; i++ {
			inst, err := p.newInstance(entry)
			if err != nil {
				return fmt.Errorf("warmup agent '%s': %w", name, err)
			}
			entry.mu.Lock()
			entry.idle = append(entry.idle, inst)
			entry.mu.Unlock()
		}
		if entry.cfg.MinIdle > 0 {
			slog.Info("Warmed agent pool", "agent", name, "instances", entry.cfg.MinIdle)
		}
	}
	return nil
}

// Lease acquires an instance of the named agent, waiting up to the
// configured lease wait. The budget rides the lease to its holder.
func (p *Pool) Lease(ctx context.Context, name string, budget *Budget) (*Lease, error) {
	entry, ok := p.entries[name]
	if !ok {
		return nil, fmt.Errorf("agent '%s': %w", name, ErrUnknownAgent)
	}

	waitCtx, cancel := context.WithTimeout(ctx, time.Duration(entry.cfg.LeaseWaitMS)*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := entry.sem.Acquire(waitCtx, 1)
	observability.GetGlobalMetrics().RecordLeaseWait(ctx, name, time.Since(start), err == nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("agent '%s': lease wait: %w", name, ctx.Err())
		}
		return nil, fmt.Errorf("agent '%s': %w", name, ErrPoolExhausted)
	}

	inst, err := p.checkout(ctx, entry)
	if err != nil {
		entry.sem.Release(1)
		return nil, err
	}

	if budget == nil {
		budget = NewBudget(0, 0)
	}
	return &Lease{
		TraceID: uuid.NewString(),
		Budget:  budget,
		pool:    p,
		entry:   entry,
		inst:    inst,
	}, nil
}

// checkout pops an idle instance or creates one, discarding instances
// that fail their health check. One replacement attempt per lease.
func (p *Pool) checkout(ctx context.Context, entry *poolEntry) (*instance, error) {
	for attempt := 0; attempt < 2; attempt++ {
		inst := entry.takeIdle()
		if inst == nil {
			created, err := p.newInstance(entry)
			if err != nil {
				return nil, fmt.Errorf("agent '%s': create instance: %w", entry.name, err)
			}
			inst = created
		}

		if err := inst.agent.HealthCheck(ctx); err != nil {
			slog.Warn("Discarding unhealthy agent instance", "agent", entry.name, "instance", inst.id, "error", err)
			_ = inst.agent.Close()
			continue
		}
		return inst, nil
	}
	return nil, fmt.Errorf("agent '%s': no healthy instance available", entry.name)
}

func (p *Pool) newInstance(entry *poolEntry) (*instance, error) {
	agent, err := p.factory(entry.name, entry.cfg)
	if err != nil {
		return nil, err
	}
	return &instance{
		agent:     agent,
		id:        uuid.NewString(),
		createdAt: time.Now(),
	}, nil
}

func (e *poolEntry) takeIdle() *instance {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.idle) == 0 {
		return nil
	}
	inst := e.idle[len(e.idle)-1]
	e.idle = e.idle[:len(e.idle)-1]
	return inst
}

// Return releases a lease. The instance is retired when it has served
// enough operations or lived long enough; otherwise it goes back idle.
// Safe to call more than once.
func (p *Pool) Return(lease *Lease) {
	if lease == nil || !lease.markReturned() {
		return
	}
	entry := lease.entry
	inst := lease.inst
	defer entry.sem.Release(1)

	if p.shouldRetire(entry.cfg, inst) {
		slog.Debug("Retiring agent instance", "agent", entry.name, "instance", inst.id, "ops", inst.ops)
		_ = inst.agent.Close()
		return
	}

	entry.mu.Lock()
	entry.idle = append(entry.idle, inst)
	entry.mu.Unlock()
}

func (p *Pool) shouldRetire(cfg *config.AgentConfig, inst *instance) bool {
	if cfg.RetireAfterOps > 0 && inst.ops >= cfg.RetireAfterOps {
		return true
	}
	if cfg.RetireAfterS > 0 && time.Since(inst.createdAt) >= time.Duration(cfg.RetireAfterS)*time.Second {
		return true
	}
	return false
}

// Names returns configured agent names.
func (p *Pool) Names() []string {
	names := make([]string, 0, len(p.entries))
	for name := range p.entries {
		names = append(names, name)
	}
	return names
}

// Kind reports the configured specialization for an agent name.
func (p *Pool) Kind(name string) (Kind, bool) {
	entry, ok := p.entries[name]
	if !ok {
		return "", false
	}
	return Kind(entry.cfg.Kind), true
}

// Close discards all idle instances. Leased instances are closed when
// returned after their entry is drained.
func (p *Pool) Close() error {
	for _, entry := range p.entries {
		entry.mu.Lock()
		for _, inst := range entry.idle {
			_ = inst.agent.Close()
		}
		entry.idle = nil
		entry.mu.Unlock()
	}
	return nil
}

// Lease is a checked-out agent instance with its trace id and budgets.
type Lease struct {
	TraceID string
	Budget  *Budget

	pool  *Pool
	entry *poolEntry
	inst  *instance

	mu       sync.Mutex
	returned bool
}

// Agent exposes the leased instance.
func (l *Lease) Agent() Agent { return l.inst.agent }

// Name reports the agent name this lease belongs to.
func (l *Lease) Name() string { return l.entry.name }

// Execute runs a task on the leased instance, counting the operation
// toward retirement and recording step metrics.
func (l *Lease) Execute(ctx context.Context, task Task) (TaskResult, error) {
	start := time.Now()
	l.inst.ops++
	result, err := l.inst.agent.Execute(ctx, task)
	observability.GetGlobalMetrics().RecordStep(ctx, string(l.inst.agent.Kind()), time.Since(start), err)
	return result, err
}

func (l *Lease) markReturned() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.returned {
		return false
	}
	l.returned = true
	return true
}
