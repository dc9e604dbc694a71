package browser

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/surgecast/surgecast/internal/config"
	"github.com/surgecast/surgecast/internal/events"
	"github.com/surgecast/surgecast/internal/recovery"
)

// AcquireTimeoutError is returned when no instance became available within
// the acquisition timeout. It is fatal to the requesting session only.
type AcquireTimeoutError struct {
	Timeout time.Duration
}

func (e *AcquireTimeoutError) Error() string {
	return fmt.Sprintf("no browser instance available within %s", e.Timeout)
}

// ErrPoolClosed is returned by Acquire after Shutdown.
var ErrPoolClosed = fmt.Errorf("browser pool is shut down")

// PoolStats is a point-in-time view of pool occupancy.
// Available + Active == Total always holds.
type PoolStats struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Available int `json:"available"`
	Max       int `json:"max"`
}

const (
	defaultAcquireTimeout = 30 * time.Second
	monitorInterval       = 5 * time.Second
	// softMemoryFactor and criticalMemoryFactor scale the per-instance
	// memory limit into the cleanup and destroy thresholds.
	softMemoryFactor     = 1.0
	criticalMemoryFactor = 1.5
)

// Pool owns creation, acquisition, release, and destruction of browser
// instances, enforcing resource limits and consulting the recovery manager
// to skip unusable instances.
type Pool struct {
	cfg      config.PoolConfig
	factory  Factory
	recovery *recovery.Manager
	bus      *events.Bus
	logger   *log.Logger

	mu        sync.Mutex
	instances map[string]*Instance
	creating  int
	releaseCh chan struct{}
	closed    bool

	monitorEvery time.Duration
	stopMonitor  chan struct{}
	monitorDone  chan struct{}
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolLogger sets the operational logger.
func WithPoolLogger(l *log.Logger) PoolOption {
	return func(p *Pool) { p.logger = l }
}

// WithMonitorInterval overrides the resource-monitor period, for tests.
func WithMonitorInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.monitorEvery = d }
}

// NewPool creates a Pool. The pool owns its recovery manager; callers make
// no recovery decisions themselves.
func NewPool(cfg config.PoolConfig, factory Factory, bus *events.Bus, opts ...PoolOption) *Pool {
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaultAcquireTimeout
	}
	p := &Pool{
		cfg:          cfg,
		factory:      factory,
		recovery:     recovery.NewManager(cfg.Recovery),
		bus:          bus,
		logger:       log.New(os.Stderr, "pool: ", log.LstdFlags),
		instances:    make(map[string]*Instance),
		releaseCh:    make(chan struct{}),
		monitorEvery: monitorInterval,
		stopMonitor:  make(chan struct{}),
		monitorDone:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Recovery exposes the owned recovery manager for inspection.
func (p *Pool) Recovery() *recovery.Manager { return p.recovery }

// Start prewarms the pool to the configured minimum size and starts the
// resource monitor. A prewarm failure is fatal: the test cannot run without
// a working driver.
func (p *Pool) Start(ctx context.Context) error {
	for i := 0; i < p.cfg.MinInstances; i++ {
		if _, err := p.createInstance(ctx, StateIdle); err != nil {
			return fmt.Errorf("pool initialization: %w", err)
		}
	}
	go p.monitorLoop(ctx)
	return nil
}

// Acquire returns an idle instance whose circuit is usable, creating one
// lazily when the pool has capacity, or waits for a release until the
// acquisition timeout. There is no fairness guarantee across waiters.
func (p *Pool) Acquire(ctx context.Context) (*Instance, error) {
	deadline := time.NewTimer(p.cfg.AcquireTimeout)
	defer deadline.Stop()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if inst := p.pickIdleLocked(); inst != nil {
			inst.setState(StateActive)
			inst.Touch()
			p.mu.Unlock()
			return inst, nil
		}
		canCreate := len(p.instances)+p.creating < p.cfg.MaxInstances
		if canCreate {
			p.creating++
			p.mu.Unlock()
			// Created active: the instance is never visible as idle, so a
			// waiter woken by an unrelated release cannot also claim it.
			inst, err := p.createInstance(ctx, StateActive)
			p.mu.Lock()
			p.creating--
			if err != nil {
				p.mu.Unlock()
				p.logger.Printf("instance creation failed: %v", err)
				// Non-fatal: fall through to waiting for a release.
			} else {
				inst.Touch()
				p.mu.Unlock()
				return inst, nil
			}
		} else {
			release := p.releaseCh
			p.mu.Unlock()
			select {
			case <-release:
			case <-deadline.C:
				return nil, &AcquireTimeoutError{Timeout: p.cfg.AcquireTimeout}
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}

		// After a failed creation, wait for capacity before retrying.
		p.mu.Lock()
		release := p.releaseCh
		p.mu.Unlock()
		select {
		case <-release:
		case <-deadline.C:
			return nil, &AcquireTimeoutError{Timeout: p.cfg.AcquireTimeout}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// pickIdleLocked returns any idle instance the recovery manager allows.
// Map iteration order is intentionally the selection order: no LRU.
func (p *Pool) pickIdleLocked() *Instance {
	for id, inst := range p.instances {
		if inst.State() != StateIdle {
			continue
		}
		if !p.recovery.CanUseInstance(id) {
			continue
		}
		return inst
	}
	return nil
}

// Release returns an instance to the pool after a session. Cleanup failure
// destroys the instance instead of recycling it.
func (p *Pool) Release(ctx context.Context, id string) error {
	p.mu.Lock()
	inst, ok := p.instances[id]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("release: unknown instance %s", id)
	}

	if err := inst.cleanup(ctx); err != nil {
		p.logger.Printf("instance %s: cleanup failed, destroying: %v", id, err)
		p.recovery.RecordFailure(id, err)
		p.removeAndDestroy(ctx, inst)
		return nil
	}

	p.recovery.RecordSuccess(id)
	p.mu.Lock()
	inst.setState(StateIdle)
	inst.Touch()
	p.broadcastLocked()
	p.mu.Unlock()
	return nil
}

// broadcastLocked wakes every waiter. Callers hold p.mu.
func (p *Pool) broadcastLocked() {
	close(p.releaseCh)
	p.releaseCh = make(chan struct{})
}

// createInstance builds an instance and publishes it into the pool already
// in its initial state. An instance created for a waiting caller enters the
// map active so no other waiter can claim it in between.
func (p *Pool) createInstance(ctx context.Context, initial State) (*Instance, error) {
	driver, err := p.factory.New(ctx)
	if err != nil {
		return nil, err
	}
	inst := newInstance(driver)
	inst.setState(initial)
	driver.OnDisconnect(func(cause error) {
		p.handleDisconnect(inst, cause)
	})
	p.mu.Lock()
	p.instances[inst.ID()] = inst
	p.mu.Unlock()
	return inst, nil
}

// removeAndDestroy drops the instance from the pool and closes its browser,
// then wakes waiters since capacity was freed.
func (p *Pool) removeAndDestroy(ctx context.Context, inst *Instance) {
	p.mu.Lock()
	delete(p.instances, inst.ID())
	p.broadcastLocked()
	p.mu.Unlock()
	if err := inst.destroy(ctx); err != nil {
		p.logger.Printf("instance %s: destroy: %v", inst.ID(), err)
	}
}

// handleDisconnect reacts to an unexpected browser disconnect: the failure
// is recorded, an automatic restart is attempted when allowed, and the pool
// is refilled to its minimum size.
func (p *Pool) handleDisconnect(inst *Instance, cause error) {
	if inst.State() == StateDestroyed {
		return // disconnect observed because we closed it
	}
	id := inst.ID()
	p.logger.Printf("instance %s: unexpected disconnect: %v", id, cause)
	p.recovery.RecordFailure(id, cause)
	inst.Metrics().IncrementErrors()

	p.mu.Lock()
	delete(p.instances, id)
	closed := p.closed
	p.broadcastLocked()
	p.mu.Unlock()
	inst.setState(StateDestroyed)
	if closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if p.recovery.ShouldRestartInstance(id) {
		repl, err := p.createInstance(ctx, StateIdle)
		ok := err == nil
		p.recovery.RecordRestart(id, ok)
		ev := events.InstanceRestarted{OldInstanceID: id, Success: ok}
		if ok {
			ev.NewInstanceID = repl.ID()
			p.mu.Lock()
			p.broadcastLocked()
			p.mu.Unlock()
		} else {
			p.logger.Printf("instance %s: restart failed: %v", id, err)
		}
		if p.bus != nil {
			p.bus.Publish(ev)
		}
	}

	p.ensureMinInstances(ctx)
}

// ensureMinInstances creates instances until the pool holds MinInstances.
func (p *Pool) ensureMinInstances(ctx context.Context) {
	for {
		p.mu.Lock()
		need := p.cfg.MinInstances - len(p.instances) - p.creating
		closed := p.closed
		p.mu.Unlock()
		if closed || need <= 0 {
			return
		}
		if _, err := p.createInstance(ctx, StateIdle); err != nil {
			p.logger.Printf("min-size restore failed: %v", err)
			return
		}
		p.mu.Lock()
		p.broadcastLocked()
		p.mu.Unlock()
	}
}

// claimForMaintenance atomically moves an idle instance into the cleaning
// state so Acquire cannot hand it out while the monitor works on it. It
// fails when the instance was acquired or removed in the meantime.
func (p *Pool) claimForMaintenance(inst *Instance) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.instances[inst.ID()]; !ok {
		return false
	}
	if inst.State() != StateIdle {
		return false
	}
	inst.setState(StateCleaning)
	return true
}

// unclaim returns a cleaned instance to the idle set and wakes waiters.
func (p *Pool) unclaim(inst *Instance) {
	p.mu.Lock()
	inst.setState(StateIdle)
	p.broadcastLocked()
	p.mu.Unlock()
}

// CleanupIdle destroys idle instances unused for longer than maxIdle,
// never shrinking the pool below its minimum size. Selection among
// eligible instances is whatever order the instance map yields. Victims
// are claimed under the lock so none can be acquired before destruction.
func (p *Pool) CleanupIdle(ctx context.Context, maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	var victims []*Instance

	p.mu.Lock()
	total := len(p.instances)
	for _, inst := range p.instances {
		if total-len(victims) <= p.cfg.MinInstances {
			break
		}
		if inst.State() == StateIdle && inst.LastUsedAt().Before(cutoff) {
			inst.setState(StateCleaning)
			victims = append(victims, inst)
		}
	}
	p.mu.Unlock()

	for _, inst := range victims {
		p.logger.Printf("instance %s: idle timeout, destroying", inst.ID())
		p.removeAndDestroy(ctx, inst)
	}
	return len(victims)
}

// monitorLoop refreshes resource estimates on a fixed period and enforces
// limits. Destructive actions only ever touch idle instances.
func (p *Pool) monitorLoop(ctx context.Context) {
	defer close(p.monitorDone)
	ticker := time.NewTicker(p.monitorEvery)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopMonitor:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.checkResources(ctx)
		}
	}
}

func (p *Pool) checkResources(ctx context.Context) {
	p.mu.Lock()
	snapshot := make([]*Instance, 0, len(p.instances))
	for _, inst := range p.instances {
		snapshot = append(snapshot, inst)
	}
	p.mu.Unlock()

	limits := p.cfg.ResourceLimits
	softMem := limits.MaxMemoryPerInstanceMB * softMemoryFactor
	critMem := limits.MaxMemoryPerInstanceMB * criticalMemoryFactor

	for _, inst := range snapshot {
		usage, err := inst.Driver().Usage(ctx)
		if err != nil {
			p.logger.Printf("instance %s: usage sample failed: %v", inst.ID(), err)
			continue
		}
		inst.Metrics().SetUsage(usage, p.monitorEvery)
		mem := inst.Metrics().MemoryMB()
		cpu := inst.Metrics().CPUPercent()

		overMem := limits.MaxMemoryPerInstanceMB > 0 && mem > softMem
		overCritMem := limits.MaxMemoryPerInstanceMB > 0 && mem > critMem
		overCPU := limits.MaxCPUPercentage > 0 && cpu > limits.MaxCPUPercentage

		if inst.State() == StateActive {
			// Active work is never killed; alert and move on.
			if overMem || overCPU {
				p.publishResourceAlert(inst, mem, cpu, overMem)
			}
			continue
		}
		if !overCritMem && !overMem && !overCPU {
			continue
		}

		// Claim the instance before anything destructive. A session that
		// acquired it since the snapshot makes the claim fail, and a claimed
		// instance cannot be acquired until it is back to idle.
		if !p.claimForMaintenance(inst) {
			continue
		}

		if overCritMem {
			p.logger.Printf("instance %s: memory %.0fMB over critical threshold, destroying", inst.ID(), mem)
			p.removeAndDestroy(ctx, inst)
			continue
		}
		if err := inst.aggressiveCleanup(ctx); err != nil {
			p.logger.Printf("instance %s: aggressive cleanup failed, destroying: %v", inst.ID(), err)
			p.removeAndDestroy(ctx, inst)
			continue
		}
		// Destroy when cleanup did not bring CPU back under the limit.
		if after, err := inst.Driver().Usage(ctx); err == nil {
			inst.Metrics().SetUsage(after, p.monitorEvery)
			if limits.MaxCPUPercentage > 0 && inst.Metrics().CPUPercent() > limits.MaxCPUPercentage {
				p.logger.Printf("instance %s: CPU still over limit after cleanup, destroying", inst.ID())
				p.removeAndDestroy(ctx, inst)
				continue
			}
		}
		p.unclaim(inst)
	}
}

func (p *Pool) publishResourceAlert(inst *Instance, mem, cpu float64, memory bool) {
	if p.bus == nil {
		return
	}
	limits := p.cfg.ResourceLimits
	alert := events.ResourceAlert{
		Level:      events.LevelWarning,
		InstanceID: inst.ID(),
	}
	if memory {
		alert.Resource = "memory"
		alert.Value = mem
		alert.Limit = limits.MaxMemoryPerInstanceMB
		alert.Message = fmt.Sprintf("active instance %s memory %.0fMB exceeds limit %.0fMB", inst.ID(), mem, limits.MaxMemoryPerInstanceMB)
	} else {
		alert.Resource = "cpu"
		alert.Value = cpu
		alert.Limit = limits.MaxCPUPercentage
		alert.Message = fmt.Sprintf("active instance %s CPU %.1f%% exceeds limit %.1f%%", inst.ID(), cpu, limits.MaxCPUPercentage)
	}
	p.bus.Publish(alert)
}

// Stats returns current pool occupancy.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := PoolStats{Max: p.cfg.MaxInstances}
	for _, inst := range p.instances {
		stats.Total++
		if inst.State() == StateActive {
			stats.Active++
		} else {
			stats.Available++
		}
	}
	return stats
}

// MetricsSnapshots returns per-instance metrics for reporting.
func (p *Pool) MetricsSnapshots() []MetricsSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]MetricsSnapshot, 0, len(p.instances))
	for _, inst := range p.instances {
		out = append(out, inst.MetricsSnapshot())
	}
	return out
}

// Shutdown stops the monitor, destroys every instance, and closes the
// recovery manager. Pending acquisitions fail with ErrPoolClosed.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	instances := make([]*Instance, 0, len(p.instances))
	for _, inst := range p.instances {
		instances = append(instances, inst)
	}
	p.instances = make(map[string]*Instance)
	p.broadcastLocked()
	p.mu.Unlock()

	close(p.stopMonitor)

	var firstErr error
	for _, inst := range instances {
		if err := inst.destroy(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.recovery.Close()
	return firstErr
}
