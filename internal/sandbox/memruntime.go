package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemRuntime is an in-memory Runtime used by tests and dev mode. It
// interprets the same command shapes the manager issues against real
// containers, so the write path is exercised end to end.
type MemRuntime struct {
	mu         sync.Mutex
	containers map[string]*memContainer
	nextID     int

	// Responses scripts the result of non-filesystem commands (installs,
	// builds) by command-line prefix.
	Responses map[string]ExecResult
	// Fail forces errors for specific container ids; test hook.
	Fail map[string]error

	// ExecCount tracks completed Exec calls per container.
	ExecCount map[string]int
}

type memContainer struct {
	state     string
	network   bool
	workspace string
	labels    map[string]string
	files     map[string][]byte
}

// NewMemRuntime creates an empty runtime.
func NewMemRuntime() *MemRuntime {
	return &MemRuntime{
		containers: make(map[string]*memContainer),
		Responses:  make(map[string]ExecResult),
		Fail:       make(map[string]error),
		ExecCount:  make(map[string]int),
	}
}

func (m *MemRuntime) Create(ctx context.Context, spec CreateSpec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("ctr-%d", m.nextID)
	labels := make(map[string]string, len(spec.Labels))
	for k, v := range spec.Labels {
		labels[k] = v
	}
	m.containers[id] = &memContainer{
		state:     "running",
		workspace: spec.Workspace,
		labels:    labels,
		files:     make(map[string][]byte),
	}
	return id, nil
}

func (m *MemRuntime) Pause(ctx context.Context, id string) error {
	return m.setState(id, "paused")
}

func (m *MemRuntime) Unpause(ctx context.Context, id string) error {
	return m.setState(id, "running")
}

func (m *MemRuntime) setState(id, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[id]
	if !ok {
		return ErrContainerGone
	}
	c.state = state
	return nil
}

func (m *MemRuntime) Remove(ctx context.Context, id string, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.containers[id]; !ok {
		return ErrContainerGone
	}
	delete(m.containers, id)
	return nil
}

func (m *MemRuntime) List(ctx context.Context, labelKey string) ([]ContainerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ContainerInfo
	for id, c := range m.containers {
		if _, ok := c.labels[labelKey]; ok {
			out = append(out, ContainerInfo{ID: id, State: c.state, Labels: c.labels})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemRuntime) SetNetwork(ctx context.Context, id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[id]
	if !ok {
		return ErrContainerGone
	}
	c.network = enabled
	return nil
}

func (m *MemRuntime) Exec(ctx context.Context, id string, cmd []string, stdin io.Reader, timeout time.Duration) (ExecResult, error) {
	m.mu.Lock()
	if err := m.Fail[id]; err != nil {
		m.mu.Unlock()
		return ExecResult{}, err
	}
	c, ok := m.containers[id]
	if !ok {
		m.mu.Unlock()
		return ExecResult{}, ErrContainerGone
	}
	m.ExecCount[id]++
	m.mu.Unlock()

	var input []byte
	if stdin != nil {
		input, _ = io.ReadAll(stdin)
	}

	line := strings.Join(cmd, " ")
	if len(cmd) >= 3 && cmd[0] == "sh" && cmd[1] == "-c" {
		return m.execShell(c, cmd[2], cmd[3:], input)
	}
	for prefix, res := range m.Responses {
		if strings.HasPrefix(line, prefix) {
			return res, nil
		}
	}
	return m.execTool(c, cmd)
}

// execShell interprets the shell forms the manager issues for file plumbing.
// Paths arrive as positional arguments after the script ($0 $1 $2...).
func (m *MemRuntime) execShell(c *memContainer, script string, args []string, stdin []byte) (ExecResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case script == `mkdir -p -- "$1" && : > "$2"` && len(args) >= 3:
		c.files[args[2]] = nil
		return ExecResult{}, nil

	case script == `: > "$1"` && len(args) >= 2:
		c.files[args[1]] = nil
		return ExecResult{}, nil

	case script == `cat >> "$1"` && len(args) >= 2:
		file := args[1]
		c.files[file] = append(c.files[file], stdin...)
		return ExecResult{}, nil

	case strings.HasPrefix(script, "rm -rf "):
		for p := range c.files {
			if strings.HasPrefix(p, c.workspace+"/") {
				delete(c.files, p)
			}
		}
		return ExecResult{}, nil
	}

	for prefix, res := range m.Responses {
		if strings.HasPrefix(script, prefix) {
			return res, nil
		}
	}
	return ExecResult{}, nil
}

// execTool serves the read-only tool allowlist against the file map.
func (m *MemRuntime) execTool(c *memContainer, cmd []string) (ExecResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(cmd) == 0 {
		return ExecResult{ExitCode: 1}, nil
	}
	switch cmd[0] {
	case "cat":
		if len(cmd) < 2 {
			return ExecResult{ExitCode: 1}, nil
		}
		name := cmd[len(cmd)-1]
		data, ok := c.files[name]
		if !ok {
			// exec runs with the workspace as working directory
			data, ok = c.files[c.workspace+"/"+name]
		}
		if !ok {
			return ExecResult{Stderr: []byte("cat: no such file"), ExitCode: 1}, nil
		}
		return ExecResult{Stdout: append([]byte(nil), data...)}, nil
	case "ls", "find":
		var names []string
		for p := range c.files {
			names = append(names, p)
		}
		sort.Strings(names)
		return ExecResult{Stdout: []byte(strings.Join(names, "\n"))}, nil
	case "wc":
		return ExecResult{Stdout: []byte(fmt.Sprintf("%d", len(c.files)))}, nil
	}
	return ExecResult{}, nil
}

func (m *MemRuntime) ExportTar(ctx context.Context, id, dir string, exclude []string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[id]
	if !ok {
		return nil, ErrContainerGone
	}

	excluded := make(map[string]struct{}, len(exclude))
	for _, e := range exclude {
		excluded[e] = struct{}{}
	}

	var names []string
	for p := range c.files {
		if rel, ok := relTo(dir, p); ok && !isExcluded(rel, excluded) {
			names = append(names, p)
		}
	}
	sort.Strings(names)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, p := range names {
		rel, _ := relTo(dir, p)
		data := c.files[p]
		hdr := &tar.Header{Name: rel, Mode: 0o644, Size: int64(len(data))}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := tw.Write(data); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return io.NopCloser(&buf), nil
}

func (m *MemRuntime) ImportTar(ctx context.Context, id, dir string, r io.Reader) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[id]
	if !ok {
		return ErrContainerGone
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return err
		}
		c.files[path.Join(dir, hdr.Name)] = data
	}
}

// Files returns a copy of a container's file map; test helper.
func (m *MemRuntime) Files(id string) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[id]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(c.files))
	for p, data := range c.files {
		out[p] = string(data)
	}
	return out
}

// State returns a container's state; test helper.
func (m *MemRuntime) State(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[id]
	if !ok {
		return "gone"
	}
	return c.state
}

func relTo(dir, p string) (string, bool) {
	prefix := strings.TrimSuffix(dir, "/") + "/"
	if !strings.HasPrefix(p, prefix) {
		return "", false
	}
	return p[len(prefix):], true
}

func isExcluded(rel string, excluded map[string]struct{}) bool {
	for _, part := range strings.Split(rel, "/") {
		if _, ok := excluded[part]; ok {
			return true
		}
	}
	return false
}
