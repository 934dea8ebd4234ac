// Package drive manages virtual drives: named bindings between the engine
// and remote storage endpoints, each with a live connection and its own
// transfer queue.
package drive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fjordlab/netdrive/pkg/connector"
	"github.com/fjordlab/netdrive/pkg/events"
	"github.com/fjordlab/netdrive/pkg/fileinfo"
	"github.com/fjordlab/netdrive/pkg/progress"
	"github.com/fjordlab/netdrive/pkg/queue"
)

var (
	// ErrDriveNotFound is returned for operations on unknown drive ids.
	ErrDriveNotFound = errors.New("drive not found")
	// ErrConnectInProgress is returned when a connect for the same
	// (endpoint, protocol) pair is already underway.
	ErrConnectInProgress = errors.New("connect already in progress for this endpoint")
	// ErrDriveOffline is returned for operations that need a connected drive.
	ErrDriveOffline = errors.New("drive is offline")
)

// modTimeTolerance absorbs coarse remote timestamps (FAT and some FTP
// servers round to 2 seconds).
const modTimeTolerance = 2 * time.Second

// Manager owns the lifecycle of virtual drives. Each mounted drive gets its
// own queue so one slow endpoint cannot stall transfers to another.
type Manager struct {
	registry *connector.Registry
	bus      *events.Bus
	tracker  *progress.Tracker

	mu         sync.Mutex
	drives     map[string]*VirtualDrive
	connecting map[string]bool // keyed by addr|protocol
}

// NewManager creates a drive manager. The registry, bus and tracker are
// shared engine services injected by the assembly point.
func NewManager(registry *connector.Registry, bus *events.Bus, tracker *progress.Tracker) *Manager {
	if bus == nil {
		bus = events.NewBus(0)
	}
	if tracker == nil {
		tracker = progress.NewTracker(0)
	}
	return &Manager{
		registry:   registry,
		bus:        bus,
		tracker:    tracker,
		drives:     make(map[string]*VirtualDrive),
		connecting: make(map[string]bool),
	}
}

// Mount validates the config, connects via the matching protocol connector
// and registers the drive online. Authentication failures surface
// immediately and are never retried here: they need a credential change, not
// repetition.
func (m *Manager) Mount(ctx context.Context, cfg Config) (*VirtualDrive, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	conn, err := m.registry.Lookup(cfg.Protocol)
	if err != nil {
		return nil, err
	}

	key := cfg.Params.Address(cfg.Protocol) + "|" + cfg.Protocol.String()
	m.mu.Lock()
	if m.connecting[key] {
		m.mu.Unlock()
		return nil, ErrConnectInProgress
	}
	m.connecting[key] = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.connecting, key)
		m.mu.Unlock()
	}()

	active := &ActiveConnection{
		ID:       uuid.New().String(),
		Addr:     cfg.Params.Address(cfg.Protocol),
		Protocol: cfg.Protocol,
		status:   ConnConnecting,
	}

	sess, err := conn.Connect(ctx, cfg.Params)
	if err != nil {
		active.setStatus(ConnError)
		slog.Warn("mount failed",
			"drive", cfg.Name, "addr", active.Addr,
			"kind", connector.KindOf(err).String(), "error", err)
		m.bus.Publish(events.DriveEvent{Type: events.DriveError, Name: cfg.Name, Err: err.Error()})
		return nil, fmt.Errorf("mount %s: %w", cfg.Name, err)
	}
	active.setConnected(sess)

	qcfg := cfg.Queue
	if qcfg == (queue.Config{}) {
		qcfg = queue.DefaultConfig()
	}
	q, err := queue.New(active, m.bus, m.tracker, qcfg)
	if err != nil {
		_ = active.close()
		return nil, err
	}

	d := &VirtualDrive{
		ID:        uuid.New().String(),
		Name:      cfg.Name,
		Protocol:  cfg.Protocol,
		Params:    cfg.Params,
		LocalRoot: cfg.LocalRoot,
		conn:      active,
		queue:     q,
	}
	q.Start()

	m.mu.Lock()
	m.drives[d.ID] = d
	m.mu.Unlock()

	slog.Info("drive mounted", "drive", d.Name, "id", d.ID, "protocol", d.Protocol, "addr", active.Addr)
	m.bus.Publish(events.DriveEvent{Type: events.DriveMounted, DriveID: d.ID, Name: d.Name})
	return d, nil
}

// Unmount disconnects the drive's session, stops its queue and removes the
// binding. Unmounting an unknown id is a no-op, making the call idempotent.
func (m *Manager) Unmount(driveID string) error {
	m.mu.Lock()
	d, ok := m.drives[driveID]
	if ok {
		delete(m.drives, driveID)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}

	d.queue.Stop()
	err := d.conn.close()

	slog.Info("drive unmounted", "drive", d.Name, "id", d.ID)
	m.bus.Publish(events.DriveEvent{Type: events.DriveUnmounted, DriveID: d.ID, Name: d.Name})
	return err
}

// Drive returns a mounted drive by id.
func (m *Manager) Drive(driveID string) (*VirtualDrive, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drives[driveID]
	return d, ok
}

// Drives returns all mounted drives sorted by name.
func (m *Manager) Drives() []*VirtualDrive {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*VirtualDrive, 0, len(m.drives))
	for _, d := range m.drives {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Browse lists the remote entries under path on the drive.
func (m *Manager) Browse(ctx context.Context, driveID, path string) ([]connector.RemoteEntry, error) {
	d, ok := m.Drive(driveID)
	if !ok {
		return nil, ErrDriveNotFound
	}
	sess, err := d.conn.Session(ctx)
	if err != nil {
		return nil, ErrDriveOffline
	}
	return sess.List(ctx, path)
}

// Sync diffs the local root against the drive's remote root and enqueues the
// resulting transfers. Entries are compared by name, size and modified time
// (within tolerance), not byte-for-byte. It returns the number of transfers
// enqueued.
func (m *Manager) Sync(ctx context.Context, driveID string) (int, error) {
	d, ok := m.Drive(driveID)
	if !ok {
		return 0, ErrDriveNotFound
	}
	if d.LocalRoot == "" {
		return 0, errors.New("drive has no local root configured")
	}

	sess, err := d.conn.Session(ctx)
	if err != nil {
		return 0, ErrDriveOffline
	}

	remote, err := sess.List(ctx, "")
	if err != nil {
		m.bus.Publish(events.DriveEvent{Type: events.DriveError, DriveID: d.ID, Name: d.Name, Err: err.Error()})
		return 0, fmt.Errorf("sync %s: list remote: %w", d.Name, err)
	}
	local, err := fileinfo.ScanDir(d.LocalRoot)
	if err != nil {
		return 0, fmt.Errorf("sync %s: scan local: %w", d.Name, err)
	}

	plan := diff(local, remote)
	enqueued := 0
	for _, req := range plan {
		req.LocalPath = joinLocal(d.LocalRoot, req.Name)
		req.RemotePath = req.Name
		if _, err := d.queue.Enqueue(req); err != nil {
			return enqueued, err
		}
		enqueued++
	}

	d.markSynced(time.Now())
	slog.Info("drive synced", "drive", d.Name, "enqueued", enqueued)
	m.bus.Publish(events.DriveEvent{Type: events.DriveSynced, DriveID: d.ID, Name: d.Name, Queued: enqueued})
	return enqueued, nil
}

// diff produces the transfer plan for one local/remote listing pair:
// local-only or locally newer files upload, remote-only or remotely newer
// files download. Directories are skipped; recursion is the caller's choice
// per sync invocation.
func diff(local []fileinfo.Entry, remote []connector.RemoteEntry) []queue.Request {
	remoteByName := make(map[string]connector.RemoteEntry, len(remote))
	for _, r := range remote {
		if r.IsDir {
			continue
		}
		remoteByName[r.Name] = r
	}

	var plan []queue.Request
	seen := make(map[string]bool, len(local))

	for _, l := range local {
		if l.IsDir {
			continue
		}
		seen[l.Name] = true

		r, exists := remoteByName[l.Name]
		if !exists {
			plan = append(plan, queue.Request{
				Name:       l.Name,
				Direction:  queue.DirectionUpload,
				Priority:   queue.PriorityNormal,
				TotalBytes: l.Size,
				Metadata:   map[string]string{"mime_type": l.MimeType},
			})
			continue
		}
		if inSync(l, r) {
			continue
		}
		if l.ModTime.After(r.ModTime) {
			plan = append(plan, queue.Request{
				Name:       l.Name,
				Direction:  queue.DirectionUpload,
				Priority:   queue.PriorityNormal,
				TotalBytes: l.Size,
				Metadata:   map[string]string{"mime_type": l.MimeType},
			})
		} else {
			plan = append(plan, queue.Request{
				Name:       l.Name,
				Direction:  queue.DirectionDownload,
				Priority:   queue.PriorityNormal,
				TotalBytes: r.Size,
			})
		}
	}

	for _, r := range remote {
		if r.IsDir || seen[r.Name] {
			continue
		}
		plan = append(plan, queue.Request{
			Name:       r.Name,
			Direction:  queue.DirectionDownload,
			Priority:   queue.PriorityNormal,
			TotalBytes: r.Size,
		})
	}

	sort.Slice(plan, func(i, j int) bool { return plan[i].Name < plan[j].Name })
	return plan
}

// joinLocal builds the local path for a sync plan entry.
func joinLocal(root, name string) string {
	return filepath.Join(root, name)
}

// inSync applies the name+size+modtime heuristic.
func inSync(l fileinfo.Entry, r connector.RemoteEntry) bool {
	if l.Size != r.Size {
		return false
	}
	delta := l.ModTime.Sub(r.ModTime)
	if delta < 0 {
		delta = -delta
	}
	return delta <= modTimeTolerance
}
