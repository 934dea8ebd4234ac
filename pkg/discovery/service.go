// Package discovery scans the local network for devices exposing supported
// storage protocols and maintains the table of known devices, their
// reachability and staleness.
package discovery

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fjordlab/netdrive/pkg/events"
)

// Adapter is one discovery mechanism. Scan produces a finite stream of
// results per invocation and is restartable on each call.
type Adapter interface {
	Name() string
	Scan(ctx context.Context) <-chan ScanResult
}

// Config tunes the discovery service.
type Config struct {
	// Interval between scans while monitoring. Floored at MinInterval.
	Interval time.Duration `json:"interval"`

	// ScanTimeout bounds one scan invocation.
	ScanTimeout time.Duration `json:"scan_timeout"`

	// UnreachableAfter is the number of consecutive scans a device may miss
	// before it is marked unreachable. Missing a single cycle only makes it
	// stale, so bound drives can show a clear offline reason instead of
	// silently losing their target.
	UnreachableAfter int `json:"unreachable_after"`

	// PruneAfter is how long an unreachable device is kept before its
	// record is dropped entirely.
	PruneAfter time.Duration `json:"prune_after"`
}

// MinInterval is the floor for the monitoring interval so continuous
// scanning cannot flood the local network.
const MinInterval = 5 * time.Second

// DefaultConfig returns the standard discovery settings.
func DefaultConfig() Config {
	return Config{
		Interval:         30 * time.Second,
		ScanTimeout:      10 * time.Second,
		UnreachableAfter: 3,
		PruneAfter:       10 * time.Minute,
	}
}

// Validate checks the configuration values.
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return errors.New("interval must be positive")
	}
	if c.ScanTimeout <= 0 {
		return errors.New("scan_timeout must be positive")
	}
	if c.UnreachableAfter <= 0 {
		return errors.New("unreachable_after must be positive")
	}
	if c.PruneAfter <= 0 {
		return errors.New("prune_after must be positive")
	}
	return nil
}

type deviceRecord struct {
	device NetworkDevice
	missed int
}

// Service orchestrates scans across adapters and owns the device table.
type Service struct {
	cfg      Config
	adapters []Adapter
	bus      *events.Bus

	mu      sync.Mutex
	devices map[string]*deviceRecord // keyed by address

	monitorMu sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewService creates a discovery service over the given adapters.
func NewService(bus *events.Bus, cfg Config, adapters ...Adapter) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(adapters) == 0 {
		return nil, errors.New("at least one discovery adapter is required")
	}
	if bus == nil {
		bus = events.NewBus(0)
	}
	return &Service{
		cfg:      cfg,
		adapters: adapters,
		bus:      bus,
		devices:  make(map[string]*deviceRecord),
	}, nil
}

// Scan runs one bounded discovery pass across all adapters and merges the
// results into the device table. Devices not re-observed accumulate missed
// cycles; after UnreachableAfter misses they are marked unreachable, and
// unreachable devices older than PruneAfter are dropped. A pass that finds
// zero devices is not an error.
func (s *Service) Scan(ctx context.Context) ([]NetworkDevice, error) {
	scanCtx, cancel := context.WithTimeout(ctx, s.cfg.ScanTimeout)
	defer cancel()

	seen := make(map[string]bool)
	var scanErrs []error
	var wg sync.WaitGroup
	var resMu sync.Mutex

	for _, a := range s.adapters {
		wg.Add(1)
		go func(a Adapter) {
			defer wg.Done()
			for res := range a.Scan(scanCtx) {
				if res.Err != nil {
					resMu.Lock()
					scanErrs = append(scanErrs, res.Err)
					resMu.Unlock()
					slog.Warn("discovery adapter error", "adapter", a.Name(), "error", res.Err)
					continue
				}
				s.observe(res.Device)
				resMu.Lock()
				seen[res.Device.Addr] = true
				resMu.Unlock()
			}
		}(a)
	}
	wg.Wait()

	s.settle(seen)
	return s.Devices(), errors.Join(scanErrs...)
}

// observe merges one observation into the device table.
func (s *Service) observe(d NetworkDevice) {
	now := time.Now()

	s.mu.Lock()
	rec, ok := s.devices[d.Addr]
	if !ok {
		d.ID = uuid.New().String()
		d.Reachable = true
		d.FirstSeen = now
		d.LastSeen = now
		s.devices[d.Addr] = &deviceRecord{device: d}
		id := d.ID
		s.mu.Unlock()

		slog.Info("device discovered", "addr", d.Addr, "name", d.Name, "type", d.Type)
		s.bus.Publish(events.DeviceEvent{Type: events.DeviceFound, DeviceID: id, Addr: d.Addr})
		return
	}

	wasUnreachable := !rec.device.Reachable
	rec.device.Reachable = true
	rec.device.LastSeen = now
	rec.missed = 0
	if d.Name != "" {
		rec.device.Name = d.Name
	}
	if d.Hostname != "" {
		rec.device.Hostname = d.Hostname
	}
	if rec.device.Type == DeviceTypeUnknown && d.Type != DeviceTypeUnknown {
		rec.device.Type = d.Type
	}
	rec.device.Services = mergeServices(rec.device.Services, d.Services)
	id := rec.device.ID
	s.mu.Unlock()

	if wasUnreachable {
		s.bus.Publish(events.DeviceEvent{Type: events.DeviceFound, DeviceID: id, Addr: d.Addr})
	}
}

// settle updates miss counters for devices absent from this pass.
func (s *Service) settle(seen map[string]bool) {
	now := time.Now()

	s.mu.Lock()
	var lost []events.DeviceEvent
	for addr, rec := range s.devices {
		if seen[addr] {
			continue
		}
		rec.missed++
		if rec.missed >= s.cfg.UnreachableAfter && rec.device.Reachable {
			rec.device.Reachable = false
			slog.Info("device unreachable",
				"addr", addr, "name", rec.device.Name, "missed_cycles", rec.missed)
			lost = append(lost, events.DeviceEvent{
				Type: events.DeviceLost, DeviceID: rec.device.ID, Addr: addr,
			})
		}
		if !rec.device.Reachable && now.Sub(rec.device.LastSeen) > s.cfg.PruneAfter {
			delete(s.devices, addr)
		}
	}
	s.mu.Unlock()

	for _, ev := range lost {
		s.bus.Publish(ev)
	}
}

// Devices returns a snapshot of the device table sorted by address.
func (s *Service) Devices() []NetworkDevice {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]NetworkDevice, 0, len(s.devices))
	for _, rec := range s.devices {
		d := rec.device
		d.Services = append([]ServiceInfo(nil), rec.device.Services...)
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// StartMonitoring begins a background repeating scan. It returns an error if
// monitoring is already running. A failed scan is logged once and the next
// scheduled scan still runs.
func (s *Service) StartMonitoring() error {
	s.monitorMu.Lock()
	defer s.monitorMu.Unlock()

	if s.cancel != nil {
		return errors.New("monitoring already running")
	}

	interval := s.cfg.Interval
	if interval < MinInterval {
		interval = MinInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			if _, err := s.Scan(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("discovery scan failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return nil
}

// StopMonitoring stops the background scan loop and waits for it to exit.
// Safe to call when monitoring is not running.
func (s *Service) StopMonitoring() {
	s.monitorMu.Lock()
	defer s.monitorMu.Unlock()

	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.cancel = nil
}
