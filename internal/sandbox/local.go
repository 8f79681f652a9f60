// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/adiadia/agent-orchestrator/internal/domain"
	"github.com/adiadia/agent-orchestrator/internal/metrics"
)

const (
	defaultToolTimeout = 30 * time.Second
	defaultMaxOutput   = 32 * 1024
	maxWorkspacePrefix = 48
)

type LocalOptions struct {
	// BaseDir holds one subdirectory per aggregate.
	BaseDir   string
	Catalogue *Catalogue
	Timeout   time.Duration
	MaxOutput int
	Logger    *slog.Logger
}

// Workspace is an aggregate's directory. File access through Root cannot
// escape it.
type Workspace struct {
	AggregateID string
	Root        *os.Root
}

func (w *Workspace) root(tool string) (*os.Root, error) {
	if w == nil || w.Root == nil {
		return nil, toolErr(tool, "no workspace")
	}
	return w.Root, nil
}

// LocalManager confines every aggregate to its own directory under BaseDir.
type LocalManager struct {
	opts   LocalOptions
	logger *slog.Logger

	mu        sync.Mutex
	sandboxes map[string]*localSandbox
	closed    bool
}

func NewLocalManager(opts LocalOptions) (*LocalManager, error) {
	if opts.BaseDir == "" {
		return nil, fmt.Errorf("sandbox: base dir is required")
	}
	if err := os.MkdirAll(opts.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("sandbox: create base dir: %w", err)
	}
	if opts.Catalogue == nil {
		opts.Catalogue = DefaultCatalogue()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultToolTimeout
	}
	if opts.MaxOutput <= 0 {
		opts.MaxOutput = defaultMaxOutput
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &LocalManager{
		opts:      opts,
		logger:    logger,
		sandboxes: make(map[string]*localSandbox),
	}, nil
}

func (m *LocalManager) Catalogue() *Catalogue {
	return m.opts.Catalogue
}

func (m *LocalManager) Sandbox(ctx context.Context, aggregateID string) (Sandbox, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if sb, ok := m.sandboxes[aggregateID]; ok {
		return sb, nil
	}

	dir := m.Dir(aggregateID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sandbox: create workspace for %s: %w", aggregateID, err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("sandbox: open workspace for %s: %w", aggregateID, err)
	}

	sb := &localSandbox{
		manager: m,
		ws:      &Workspace{AggregateID: aggregateID, Root: root},
	}
	m.sandboxes[aggregateID] = sb
	m.logger.Debug("sandbox created", "aggregate_id", aggregateID, "dir", dir)
	return sb, nil
}

// Dir is the aggregate's workspace directory on disk.
func (m *LocalManager) Dir(aggregateID string) string {
	return filepath.Join(m.opts.BaseDir, workspaceName(aggregateID))
}

// Close releases every workspace handle. Files stay on disk.
func (m *LocalManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	var firstErr error
	for id, sb := range m.sandboxes {
		if err := sb.ws.Root.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.sandboxes, id)
	}
	return firstErr
}

type localSandbox struct {
	manager *LocalManager
	ws      *Workspace
}

func (s *localSandbox) CallTool(ctx context.Context, name string, args json.RawMessage) (string, error) {
	opts := s.manager.opts
	return runTool(ctx, opts.Catalogue, opts.Timeout, opts.MaxOutput, s.ws, name, args)
}

// runTool looks name up in catalogue and runs it against ws under timeout.
// Output is truncated to maxOutput and made safe to store as text.
func runTool(ctx context.Context, catalogue *Catalogue, timeout time.Duration, maxOutput int, ws *Workspace, name string, args json.RawMessage) (string, error) {
	tool, ok := catalogue.Lookup(name)
	if !ok {
		metrics.IncToolCall(name, metrics.OutcomeRejected)
		return "", &ToolError{Tool: name, Err: ErrUnknownTool}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := tool.Run(ctx, ws, args)
	if err != nil {
		outcome := metrics.OutcomeError
		if IsToolError(err) {
			outcome = metrics.OutcomeRejected
		}
		metrics.IncToolCall(name, outcome)
		return "", err
	}
	metrics.IncToolCall(name, metrics.OutcomeAccepted)
	return domain.CleanText(Truncate(out, maxOutput)), nil
}

// workspaceName maps an aggregate id onto a single safe path element. The
// readable prefix is lossy; the hash suffix keeps distinct ids apart.
func workspaceName(aggregateID string) string {
	var b strings.Builder
	for _, r := range aggregateID {
		if b.Len() >= maxWorkspacePrefix {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	prefix := b.String()
	if strings.Trim(prefix, ".") == "" {
		prefix = "_" + prefix
	}
	sum := sha256.Sum256([]byte(aggregateID))
	return prefix + "-" + hex.EncodeToString(sum[:6])
}

// Truncate keeps the head and tail of output longer than limit. Cuts fall
// on rune boundaries.
func Truncate(output string, limit int) string {
	if limit <= 0 || len(output) <= limit {
		return output
	}
	half := limit / 2
	head := half
	for head > 0 && !utf8.RuneStart(output[head]) {
		head--
	}
	tail := len(output) - half
	for tail < len(output) && !utf8.RuneStart(output[tail]) {
		tail++
	}
	removed := tail - head
	return output[:head] +
		fmt.Sprintf("\n\n[output truncated: %d characters removed]\n\n", removed) +
		output[tail:]
}
