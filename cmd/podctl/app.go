package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/chaz8081/podlink/internal/ble"
	"github.com/chaz8081/podlink/internal/config"
	"github.com/chaz8081/podlink/internal/dosestore"
	"github.com/chaz8081/podlink/internal/pod"
	"github.com/chaz8081/podlink/internal/pod/session"
	"github.com/chaz8081/podlink/internal/podmanager"
	"github.com/chaz8081/podlink/internal/simulator"
	"github.com/chaz8081/podlink/internal/statefile"
)

// app holds what one podctl process builds lazily: config first, then the
// manager and its transport and stores on the first pod command.
type app struct {
	configPath string
	cfg        *config.Config

	mgr   *podmanager.Manager
	sim   *simulator.Pod
	doses *dosestore.Store

	// Overrides used by the demo.
	now      func() time.Time
	recorder session.DoseRecorder
}

func (a *app) setup(path string) error {
	if a.cfg != nil {
		return nil
	}
	cfg, err := loadConfig(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))
	a.cfg = cfg
	return nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, writing it on first use.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	written, err := config.WriteDefault()
	if err != nil {
		slog.Warn("could not write default config", "error", err)
		return config.Default(), nil
	}
	if written != "" {
		slog.Info("wrote default config", "path", written)
	}
	defaultPath := config.DefaultConfigPath()
	cfg, err := config.Load(defaultPath)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
	}
	return cfg, nil
}

func (a *app) sessionOptions() session.Options {
	opts := session.DefaultOptions()
	opts.CommandTimeout = a.cfg.Timing.CommandTimeout
	opts.StatusRetries = a.cfg.Timing.StatusRetries
	opts.SettleWindow = a.cfg.Timing.SettleWindow
	opts.StorageTimeout = a.cfg.Timing.StorageTimeout
	if a.now != nil {
		opts.Now = a.now
	}
	return opts
}

// manager builds the pod manager on first use.
func (a *app) manager(ctx context.Context) (*podmanager.Manager, error) {
	if a.mgr != nil {
		return a.mgr, nil
	}

	var (
		provider session.Provider
		store    podmanager.StateStore
	)
	switch a.cfg.Transport {
	case "simulator":
		opts := simulator.DefaultOptions()
		opts.ReservoirUnits = a.cfg.Simulator.ReservoirUnits
		opts.Latency = a.cfg.Simulator.Latency
		if a.now != nil {
			opts.Now = a.now
		}
		a.sim = simulator.New(opts)
		provider = a.sim
		// The simulated pod lives in this process, so its state does too.
		store = &memoryStore{}
		slog.Info("[SIM] using simulated pod, state kept in memory")
	default:
		key, err := ble.LoadKey(a.cfg.BLE.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("no paired radio link (run \"podctl ble pair\"): %w", err)
		}
		linkOpts := ble.DefaultLinkOptions()
		linkOpts.InterChunkDelay = a.cfg.BLE.InterChunkDelay
		linkOpts.ConnectAttempts = a.cfg.BLE.ConnectAttempts
		link, err := ble.NewLink(ble.NewSystemAdapter(), key.Device, key.LTK, linkOpts)
		if err != nil {
			return nil, err
		}
		provider = link
		store = statefile.New(a.cfg.StatePath)
	}

	recorder := a.recorder
	if recorder == nil && a.cfg.Storage.DSN != "" {
		ds, err := a.doseStore(ctx)
		if err != nil {
			return nil, err
		}
		recorder = ds
	}

	mgr, err := podmanager.New(provider, store, recorder, a.sessionOptions())
	if err != nil {
		return nil, err
	}
	mgr.AddObserver(logObserver{})
	a.mgr = mgr
	return mgr, nil
}

// doseStore opens and migrates the dose database on first use.
func (a *app) doseStore(ctx context.Context) (*dosestore.Store, error) {
	if a.doses != nil {
		return a.doses, nil
	}
	if a.cfg.Storage.DSN == "" {
		return nil, fmt.Errorf("storage.dsn is not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timing.StorageTimeout)
	defer cancel()
	ds, err := dosestore.Open(ctx, a.cfg.Storage.DSN)
	if err != nil {
		return nil, err
	}
	if err := ds.Migrate(ctx); err != nil {
		ds.Close()
		return nil, err
	}
	a.doses = ds
	return ds, nil
}

// withManager runs fn against the manager, bounded by timing.session_wait.
func (a *app) withManager(ctx context.Context, fn func(context.Context, *podmanager.Manager) error) error {
	mgr, err := a.manager(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timing.SessionWait)
	defer cancel()
	return fn(ctx, mgr)
}

func (a *app) close() error {
	var err error
	if a.mgr != nil {
		err = a.mgr.Close()
	}
	if a.doses != nil {
		if cerr := a.doses.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// memoryStore keeps state for a simulated pod.
type memoryStore struct {
	mu    sync.Mutex
	state pod.State
}

var _ podmanager.StateStore = (*memoryStore)(nil)

func (s *memoryStore) Load() (pod.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone(), nil
}

func (s *memoryStore) Save(st pod.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st.Clone()
	return nil
}

// logObserver reports manager notifications on the log.
type logObserver struct{}

func (logObserver) LifecycleStateChanged(s pod.LifecycleState) {
	slog.Info("[POD] lifecycle changed", "state", s)
}

func (logObserver) StatusChanged(s pod.Status) {
	slog.Debug("[POD] status changed", "delivery", s.Delivery, "reservoir", s.Reservoir, "uncertain", s.Uncertain)
}
