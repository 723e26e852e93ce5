package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/edward-labs/edward/internal/apperr"
	"github.com/edward-labs/edward/internal/kv"
	"github.com/edward-labs/edward/internal/metrics"
	"github.com/edward-labs/edward/internal/storage"
)

// Config tunes the manager. Zero values fall back to the defaults below.
type Config struct {
	Image          string
	Workspace      string
	PoolSize       int
	FlushDebounce  time.Duration
	MaxBufferBytes int64
	TTL            time.Duration
	ExecTimeout    time.Duration
	MemoryBytes    int64
	NanoCPUs       int64
	PidsLimit      int64
}

const (
	DefaultWorkspace      = "/home/node/edward"
	DefaultPoolSize       = 3
	DefaultFlushDebounce  = 100 * time.Millisecond
	DefaultMaxBufferBytes = 5 << 20
	DefaultTTL            = 15 * time.Minute
	DefaultExecTimeout    = 10 * time.Second
)

func (c *Config) applyDefaults() {
	if c.Workspace == "" {
		c.Workspace = DefaultWorkspace
	}
	if c.PoolSize == 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.FlushDebounce == 0 {
		c.FlushDebounce = DefaultFlushDebounce
	}
	if c.MaxBufferBytes == 0 {
		c.MaxBufferBytes = DefaultMaxBufferBytes
	}
	if c.TTL == 0 {
		c.TTL = DefaultTTL
	}
	if c.ExecTimeout == 0 {
		c.ExecTimeout = DefaultExecTimeout
	}
	if c.MemoryBytes == 0 {
		c.MemoryBytes = 1 << 30
	}
	if c.NanoCPUs == 0 {
		c.NanoCPUs = 1e9
	}
	if c.PidsLimit == 0 {
		c.PidsLimit = 100
	}
}

// Instance is the handle to one active sandbox. Buffer state and container
// access are both guarded so all file operations for a sandbox serialize.
type Instance struct {
	ID          string
	ContainerID string
	UserID      string
	ChatID      string
	Framework   string

	mu        sync.Mutex
	expiresAt time.Time
	buffers   map[string]*bytes.Buffer
	order     []string
	buffered  int64
	timer     *time.Timer
	inflight  *flushOp

	// execMu serializes container commands for this sandbox.
	execMu sync.Mutex
}

type flushOp struct {
	done chan struct{}
	err  error
}

// Manager owns every sandbox container: the warm pool, the active set and
// the write buffers. One instance per process, created in main and closed on
// shutdown.
type Manager struct {
	log   *zap.Logger
	rt    Runtime
	store storage.ObjectStore
	kv    *kv.Store
	cfg   Config

	mu     sync.Mutex
	active map[string]*Instance
	byChat map[string]string
	pool   []string
	closed bool

	refill singleflight.Group
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewManager builds the manager and starts the TTL sweep. Call Reconcile
// before serving traffic and Shutdown on exit.
func NewManager(rt Runtime, store storage.ObjectStore, kvStore *kv.Store, cfg Config, log *zap.Logger) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		log:    log,
		rt:     rt,
		store:  store,
		kv:     kvStore,
		cfg:    cfg,
		active: make(map[string]*Instance),
		byChat: make(map[string]string),
		stop:   make(chan struct{}),
	}
	m.wg.Add(1)
	go m.expiryLoop()
	return m
}

// SetTunables applies hot-reloaded pool and buffer settings.
func (m *Manager) SetTunables(poolSize int, debounce time.Duration, maxBuffer int64) {
	m.mu.Lock()
	if poolSize > 0 {
		m.cfg.PoolSize = poolSize
	}
	if debounce > 0 {
		m.cfg.FlushDebounce = debounce
	}
	if maxBuffer > 0 {
		m.cfg.MaxBufferBytes = maxBuffer
	}
	m.mu.Unlock()
}

// Provision attaches a sandbox to a chat, reusing an active one when present,
// otherwise taking a pool container or creating on demand.
func (m *Manager) Provision(ctx context.Context, userID, chatID, framework string) (*Instance, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, apperr.New(apperr.KindSandbox, "sandbox manager is shut down")
	}
	if id, ok := m.byChat[chatID]; ok {
		inst := m.active[id]
		m.mu.Unlock()
		inst.touch(m.cfg.TTL)
		return inst, nil
	}

	var containerID string
	if n := len(m.pool); n > 0 {
		containerID = m.pool[n-1]
		m.pool = m.pool[:n-1]
		metrics.SandboxPoolSize.Set(float64(len(m.pool)))
	}
	m.mu.Unlock()

	fromPool := containerID != ""
	if fromPool {
		if err := m.rt.Unpause(ctx, containerID); err != nil {
			m.log.Warn("pool container unusable, creating on demand",
				zap.String("container_id", containerID), zap.Error(err))
			_ = m.rt.Remove(ctx, containerID, true)
			fromPool = false
			containerID = ""
		}
	}
	if containerID == "" {
		var err error
		containerID, err = m.createContainer(ctx)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindSandbox, "create sandbox container", err)
		}
	}
	if fromPool {
		if err := m.resetWorkspace(ctx, containerID); err != nil {
			m.log.Warn("workspace reset failed", zap.String("container_id", containerID), zap.Error(err))
		}
	}

	inst := &Instance{
		ID:          "sbx-" + uuid.New().String(),
		ContainerID: containerID,
		UserID:      userID,
		ChatID:      chatID,
		Framework:   framework,
		expiresAt:   time.Now().Add(m.cfg.TTL),
		buffers:     make(map[string]*bytes.Buffer),
	}

	m.mu.Lock()
	// A concurrent Provision for the same chat may have registered while we
	// were creating the container; the chat keeps exactly one sandbox.
	if id, ok := m.byChat[chatID]; ok {
		existing := m.active[id]
		m.mu.Unlock()
		_ = m.rt.Remove(ctx, containerID, true)
		existing.touch(m.cfg.TTL)
		return existing, nil
	}
	m.active[inst.ID] = inst
	m.byChat[chatID] = inst.ID
	m.mu.Unlock()
	metrics.SandboxesActive.Set(float64(m.activeCount()))

	m.refillAsync()
	return inst, nil
}

// GetActiveSandbox returns the sandbox attached to a chat, if any.
func (m *Manager) GetActiveSandbox(chatID string) (*Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byChat[chatID]
	if !ok {
		return nil, false
	}
	return m.active[id], true
}

// Get returns an active sandbox by id.
func (m *Manager) Get(sandboxID string) (*Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.active[sandboxID]
	return inst, ok
}

// Touch extends a sandbox's lifetime.
func (m *Manager) Touch(sandboxID string) {
	if inst, ok := m.Get(sandboxID); ok {
		inst.touch(m.cfg.TTL)
	}
}

func (inst *Instance) touch(ttl time.Duration) {
	inst.mu.Lock()
	inst.expiresAt = time.Now().Add(ttl)
	inst.mu.Unlock()
}

// PrepareFile creates parent directories and truncates the file inside the
// container. Any bytes still buffered for the path are discarded; the write
// stream for the path starts over.
func (m *Manager) PrepareFile(ctx context.Context, sandboxID, relPath string) error {
	inst, ok := m.Get(sandboxID)
	if !ok {
		return apperr.Newf(apperr.KindSandbox, "sandbox %s not active", sandboxID)
	}
	rel, err := NormalizePath(relPath)
	if err != nil {
		return err
	}

	inst.mu.Lock()
	if buf, ok := inst.buffers[rel]; ok {
		inst.buffered -= int64(buf.Len())
		buf.Reset()
	}
	inst.mu.Unlock()

	full := path.Join(m.cfg.Workspace, rel)
	dir := path.Dir(full)

	inst.execMu.Lock()
	defer inst.execMu.Unlock()
	// Paths travel as positional arguments, never interpolated into the
	// script, so they cannot break out of the command.
	cmd := []string{"sh", "-c", `mkdir -p -- "$1" && : > "$2"`, "sh", dir, full}
	if dir == m.cfg.Workspace {
		cmd = []string{"sh", "-c", `: > "$1"`, "sh", full}
	}
	res, err := m.rt.Exec(ctx, inst.ContainerID, cmd, nil, m.cfg.ExecTimeout)
	if err != nil {
		return apperr.Wrap(apperr.KindSandbox, "prepare file "+rel, err)
	}
	if res.ExitCode != 0 {
		return apperr.Newf(apperr.KindSandbox, "prepare file %s: exit %d: %s", rel, res.ExitCode, res.Stderr)
	}
	return nil
}

// WriteFile appends content to the in-memory buffer for the path and arms the
// debounce timer. Crossing the per-sandbox buffer bound flushes synchronously
// instead.
func (m *Manager) WriteFile(ctx context.Context, sandboxID, relPath, content string) error {
	inst, ok := m.Get(sandboxID)
	if !ok {
		return apperr.Newf(apperr.KindSandbox, "sandbox %s not active", sandboxID)
	}
	rel, err := NormalizePath(relPath)
	if err != nil {
		return err
	}

	m.mu.Lock()
	debounce := m.cfg.FlushDebounce
	maxBuffer := m.cfg.MaxBufferBytes
	m.mu.Unlock()

	inst.mu.Lock()
	buf, ok := inst.buffers[rel]
	if !ok {
		buf = &bytes.Buffer{}
		inst.buffers[rel] = buf
		inst.order = append(inst.order, rel)
	}
	buf.WriteString(content)
	inst.buffered += int64(len(content))
	over := inst.buffered >= maxBuffer

	if !over {
		if inst.timer == nil {
			inst.timer = time.AfterFunc(debounce, func() {
				if err := m.Flush(context.Background(), sandboxID, false); err != nil {
					m.log.Warn("debounced flush failed",
						zap.String("sandbox_id", sandboxID), zap.Error(err))
				}
			})
		} else {
			inst.timer.Reset(debounce)
		}
	}
	inst.mu.Unlock()

	if over {
		return m.Flush(ctx, sandboxID, false)
	}
	return nil
}

// Flush drains every buffer into the container. A flush already in progress
// is shared: late callers wait on it and see its result instead of starting a
// second write pass.
func (m *Manager) Flush(ctx context.Context, sandboxID string, final bool) error {
	inst, ok := m.Get(sandboxID)
	if !ok {
		return apperr.Newf(apperr.KindSandbox, "sandbox %s not active", sandboxID)
	}
	return m.flushInstance(ctx, inst, final)
}

func (m *Manager) flushInstance(ctx context.Context, inst *Instance, final bool) error {
	inst.mu.Lock()
	if op := inst.inflight; op != nil {
		inst.mu.Unlock()
		select {
		case <-op.done:
			return op.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if inst.timer != nil {
		inst.timer.Stop()
		inst.timer = nil
	}
	pending := make(map[string][]byte)
	var order []string
	for _, rel := range inst.order {
		buf := inst.buffers[rel]
		if buf.Len() == 0 {
			continue
		}
		pending[rel] = append([]byte(nil), buf.Bytes()...)
		order = append(order, rel)
		buf.Reset()
	}
	inst.buffered = 0
	if final {
		inst.buffers = make(map[string]*bytes.Buffer)
		inst.order = nil
	}
	op := &flushOp{done: make(chan struct{})}
	inst.inflight = op
	inst.mu.Unlock()

	op.err = m.writePending(ctx, inst, order, pending)

	inst.mu.Lock()
	inst.inflight = nil
	inst.mu.Unlock()
	close(op.done)
	return op.err
}

func (m *Manager) writePending(ctx context.Context, inst *Instance, order []string, pending map[string][]byte) error {
	if len(order) == 0 {
		return nil
	}
	inst.execMu.Lock()
	defer inst.execMu.Unlock()

	var total int
	for _, rel := range order {
		data := pending[rel]
		full := path.Join(m.cfg.Workspace, rel)
		cmd := []string{"sh", "-c", `cat >> "$1"`, "sh", full}
		res, err := m.rt.Exec(ctx, inst.ContainerID, cmd, bytes.NewReader(data), m.cfg.ExecTimeout)
		if err != nil {
			return apperr.Wrap(apperr.KindSandbox, "flush "+rel, err)
		}
		if res.ExitCode != 0 {
			return apperr.Newf(apperr.KindSandbox, "flush %s: exit %d: %s", rel, res.ExitCode, res.Stderr)
		}
		total += len(data)
	}
	metrics.SandboxFlushes.Inc()
	metrics.SandboxFlushBytes.Observe(float64(total))
	return nil
}

// Exec runs a command inside the sandbox, serialized with file operations.
func (m *Manager) Exec(ctx context.Context, sandboxID string, cmd []string, timeout time.Duration) (ExecResult, error) {
	inst, ok := m.Get(sandboxID)
	if !ok {
		return ExecResult{}, apperr.Newf(apperr.KindSandbox, "sandbox %s not active", sandboxID)
	}
	if timeout == 0 {
		timeout = m.cfg.ExecTimeout
	}
	inst.execMu.Lock()
	defer inst.execMu.Unlock()
	res, err := m.rt.Exec(ctx, inst.ContainerID, cmd, nil, timeout)
	if err != nil {
		return ExecResult{}, apperr.Wrap(apperr.KindSandbox, "exec", err)
	}
	return res, nil
}

// ExportDir streams an uncompressed tar of a workspace subdirectory, used
// when deploy ships the build output.
func (m *Manager) ExportDir(ctx context.Context, sandboxID, relDir string) (io.ReadCloser, error) {
	inst, ok := m.Get(sandboxID)
	if !ok {
		return nil, apperr.Newf(apperr.KindSandbox, "sandbox %s not active", sandboxID)
	}
	rel, err := NormalizePath(relDir)
	if err != nil {
		return nil, err
	}
	inst.execMu.Lock()
	defer inst.execMu.Unlock()
	rc, err := m.rt.ExportTar(ctx, inst.ContainerID, path.Join(m.cfg.Workspace, rel), nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindSandbox, "export "+rel, err)
	}
	return rc, nil
}

// SetNetwork toggles container network access around install phases.
func (m *Manager) SetNetwork(ctx context.Context, sandboxID string, enabled bool) error {
	inst, ok := m.Get(sandboxID)
	if !ok {
		return apperr.Newf(apperr.KindSandbox, "sandbox %s not active", sandboxID)
	}
	if err := m.rt.SetNetwork(ctx, inst.ContainerID, enabled); err != nil {
		return apperr.Wrap(apperr.KindSandbox, "set network", err)
	}
	return nil
}

// Cleanup flushes, destroys the container and forgets the sandbox. A remove
// failure is logged and the sandbox is forgotten anyway; the reconciler
// sweeps the container later.
func (m *Manager) Cleanup(ctx context.Context, sandboxID string) error {
	m.mu.Lock()
	inst, ok := m.active[sandboxID]
	if ok {
		delete(m.active, sandboxID)
		delete(m.byChat, inst.ChatID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	metrics.SandboxesActive.Set(float64(m.activeCount()))

	if err := m.flushInstance(ctx, inst, true); err != nil {
		m.log.Warn("flush during cleanup failed", zap.String("sandbox_id", sandboxID), zap.Error(err))
	}

	inst.mu.Lock()
	if inst.timer != nil {
		inst.timer.Stop()
		inst.timer = nil
	}
	inst.mu.Unlock()

	if err := m.rt.Remove(ctx, inst.ContainerID, true); err != nil && err != ErrContainerGone {
		m.log.Warn("container remove failed, leaving for reconciler",
			zap.String("container_id", inst.ContainerID), zap.Error(err))
	}
	return nil
}

// Reconcile adopts or removes every labeled container left over from a
// previous process. Must run before any Provision call.
func (m *Manager) Reconcile(ctx context.Context) error {
	infos, err := m.rt.List(ctx, LabelKey)
	if err != nil {
		return apperr.Wrap(apperr.KindSandbox, "list containers", err)
	}
	for _, info := range infos {
		m.mu.Lock()
		adoptable := info.State == "paused" && len(m.pool) < m.cfg.PoolSize
		if adoptable {
			m.pool = append(m.pool, info.ID)
			metrics.SandboxPoolSize.Set(float64(len(m.pool)))
		}
		m.mu.Unlock()

		if adoptable {
			metrics.SandboxesReconciled.WithLabelValues("adopted").Inc()
			m.log.Info("adopted orphan container into pool", zap.String("container_id", info.ID))
			continue
		}
		metrics.SandboxesReconciled.WithLabelValues("removed").Inc()
		if err := m.rt.Remove(ctx, info.ID, true); err != nil && err != ErrContainerGone {
			m.log.Warn("orphan container remove failed", zap.String("container_id", info.ID), zap.Error(err))
		}
	}
	m.refillAsync()
	return nil
}

// Shutdown drains buffers for every active sandbox and stops background work.
// Containers are left in place so a restart can reconcile them.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	instances := make([]*Instance, 0, len(m.active))
	for _, inst := range m.active {
		instances = append(instances, inst)
	}
	m.mu.Unlock()
	close(m.stop)

	for _, inst := range instances {
		if err := m.flushInstance(ctx, inst, true); err != nil {
			m.log.Warn("flush during shutdown failed", zap.String("sandbox_id", inst.ID), zap.Error(err))
		}
		inst.mu.Lock()
		if inst.timer != nil {
			inst.timer.Stop()
			inst.timer = nil
		}
		inst.mu.Unlock()
	}
	m.wg.Wait()
}

func (m *Manager) createContainer(ctx context.Context) (string, error) {
	return m.rt.Create(ctx, CreateSpec{
		Image:       m.cfg.Image,
		Workspace:   m.cfg.Workspace,
		MemoryBytes: m.cfg.MemoryBytes,
		NanoCPUs:    m.cfg.NanoCPUs,
		PidsLimit:   m.cfg.PidsLimit,
		NetworkMode: "none",
		Labels:      map[string]string{LabelKey: "1"},
	})
}

func (m *Manager) resetWorkspace(ctx context.Context, containerID string) error {
	script := fmt.Sprintf("rm -rf %s/* %s/.[!.]* 2>/dev/null || true", m.cfg.Workspace, m.cfg.Workspace)
	_, err := m.rt.Exec(ctx, containerID, []string{"sh", "-c", script}, nil, m.cfg.ExecTimeout)
	return err
}

// refillAsync tops the pool back up to target. Concurrent acquisitions share
// one refill pass.
func (m *Manager) refillAsync() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		_, _, _ = m.refill.Do("refill", func() (interface{}, error) {
			m.refillPool()
			return nil, nil
		})
	}()
}

func (m *Manager) refillPool() {
	for {
		m.mu.Lock()
		need := !m.closed && len(m.pool) < m.cfg.PoolSize
		m.mu.Unlock()
		if !need {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		id, err := m.createContainer(ctx)
		if err == nil {
			err = m.rt.Pause(ctx, id)
			if err != nil {
				_ = m.rt.Remove(ctx, id, true)
			}
		}
		cancel()
		if err != nil {
			m.log.Warn("pool refill failed, falling back to on-demand creates", zap.Error(err))
			return
		}

		m.mu.Lock()
		if m.closed || len(m.pool) >= m.cfg.PoolSize {
			m.mu.Unlock()
			rctx, rcancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = m.rt.Remove(rctx, id, true)
			rcancel()
			return
		}
		m.pool = append(m.pool, id)
		metrics.SandboxPoolSize.Set(float64(len(m.pool)))
		m.mu.Unlock()
	}
}

func (m *Manager) activeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func (m *Manager) expiryLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweepExpired()
		}
	}
}

func (m *Manager) sweepExpired() {
	now := time.Now()
	m.mu.Lock()
	var expired []string
	for id, inst := range m.active {
		inst.mu.Lock()
		if now.After(inst.expiresAt) {
			expired = append(expired, id)
		}
		inst.mu.Unlock()
	}
	m.mu.Unlock()

	for _, id := range expired {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		m.log.Info("sandbox expired, cleaning up", zap.String("sandbox_id", id))
		if err := m.Cleanup(ctx, id); err != nil {
			m.log.Warn("expired sandbox cleanup failed", zap.String("sandbox_id", id), zap.Error(err))
		}
		cancel()
	}
}
