package config

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/aegis-agents/chatbot/internal/engine"
	"github.com/aegis-agents/chatbot/internal/ratecontrol"
)

// RuntimeFile is the hot-reloadable file inside the config dir.
const RuntimeFile = "runtime.yaml"

// RuntimeEngine holds the engine limits that may change while serving.
type RuntimeEngine struct {
	RecursionLimit      int `yaml:"recursion_limit"`
	WorkerMaxIterations int `yaml:"worker_max_iterations"`
	KeepMessages        int `yaml:"keep_messages"`
}

// Runtime is the typed content of runtime.yaml.
type Runtime struct {
	Engine    RuntimeEngine     `yaml:"engine"`
	RateLimit ratecontrol.Limit `yaml:"ratelimit"`
}

// Validate rejects limits the engine cannot run with.
func (r Runtime) Validate() error {
	if r.Engine.RecursionLimit <= 0 {
		return fmt.Errorf("engine.recursion_limit must be positive, got %d", r.Engine.RecursionLimit)
	}
	if r.Engine.WorkerMaxIterations <= 0 {
		return fmt.Errorf("engine.worker_max_iterations must be positive, got %d", r.Engine.WorkerMaxIterations)
	}
	if r.Engine.KeepMessages <= 0 {
		return fmt.Errorf("engine.keep_messages must be positive, got %d", r.Engine.KeepMessages)
	}
	if r.RateLimit.RPS < 0 || r.RateLimit.Burst < 0 {
		return fmt.Errorf("ratelimit values must not be negative")
	}
	return nil
}

// RuntimeCallback observes an accepted change.
type RuntimeCallback func(old, updated Runtime)

// RuntimeManager exposes runtime.yaml as typed values. Keys missing from the
// file keep their startup value; deleting the file reverts to startup values.
type RuntimeManager struct {
	base      Runtime
	current   Runtime
	callbacks []RuntimeCallback
	mu        sync.RWMutex
	logger    *zap.Logger
}

// RuntimeFromConfig takes the startup values from the static config.
func RuntimeFromConfig(c *Config) Runtime {
	return Runtime{
		Engine: RuntimeEngine{
			RecursionLimit:      c.Engine.RecursionLimit,
			WorkerMaxIterations: c.Engine.WorkerMaxIterations,
			KeepMessages:        c.Engine.KeepMessages,
		},
		RateLimit: c.RateLimit,
	}
}

// NewRuntimeManager creates a manager seeded with base. cm may be nil, in
// which case the values never change.
func NewRuntimeManager(cm *ConfigManager, base Runtime, logger *zap.Logger) *RuntimeManager {
	rm := &RuntimeManager{base: base, current: base, logger: logger}
	if cm != nil {
		cm.RegisterValidator(RuntimeFile, func(m map[string]any) error {
			_, err := rm.decode(m)
			return err
		})
		cm.RegisterHandler(RuntimeFile, rm.onChange)
	}
	return rm
}

// Current returns the active values.
func (rm *RuntimeManager) Current() Runtime {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.current
}

// EngineLimits is the limits provider handed to the engine.
func (rm *RuntimeManager) EngineLimits() engine.Limits {
	e := rm.Current().Engine
	return engine.Limits{
		RecursionLimit:      e.RecursionLimit,
		WorkerMaxIterations: e.WorkerMaxIterations,
		KeepMessages:        e.KeepMessages,
	}
}

// WorkerMaxIterations is the iteration provider handed to the worker runner.
func (rm *RuntimeManager) WorkerMaxIterations() int {
	return rm.Current().Engine.WorkerMaxIterations
}

// RateLimit returns the active per-user limit.
func (rm *RuntimeManager) RateLimit() ratecontrol.Limit {
	return rm.Current().RateLimit
}

// OnChange registers cb for every accepted change.
func (rm *RuntimeManager) OnChange(cb RuntimeCallback) {
	rm.mu.Lock()
	rm.callbacks = append(rm.callbacks, cb)
	rm.mu.Unlock()
}

func (rm *RuntimeManager) decode(m map[string]any) (Runtime, error) {
	raw, err := yaml.Marshal(m)
	if err != nil {
		return Runtime{}, fmt.Errorf("encode %s: %w", RuntimeFile, err)
	}
	out := rm.base
	if err := yaml.Unmarshal(raw, &out); err != nil {
		return Runtime{}, fmt.Errorf("decode %s: %w", RuntimeFile, err)
	}
	if err := out.Validate(); err != nil {
		return Runtime{}, err
	}
	return out, nil
}

func (rm *RuntimeManager) onChange(ev ChangeEvent) error {
	next := rm.base
	if ev.Action != ActionDelete {
		var err error
		if next, err = rm.decode(ev.Config); err != nil {
			return err
		}
	}

	rm.mu.Lock()
	old := rm.current
	rm.current = next
	callbacks := append([]RuntimeCallback(nil), rm.callbacks...)
	rm.mu.Unlock()

	if old == next {
		return nil
	}
	rm.logger.Info("Runtime configuration updated",
		zap.String("action", ev.Action),
		zap.Int("recursion_limit", next.Engine.RecursionLimit),
		zap.Int("worker_max_iterations", next.Engine.WorkerMaxIterations),
		zap.Int("keep_messages", next.Engine.KeepMessages),
		zap.Float64("per_user_rps", next.RateLimit.RPS),
		zap.Int("burst", next.RateLimit.Burst))
	for _, cb := range callbacks {
		cb(old, next)
	}
	return nil
}
