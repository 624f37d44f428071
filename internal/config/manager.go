package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	logx "groupsummary/pkg/logx"
)

// Validator vets a reloaded config before it replaces the running one.
type Validator func(ctx context.Context, cfg *Config) error

// Manager holds the running config. Reloads from disk are validated,
// committed and then fanned out to subscribers.
type Manager struct {
	path string
	log  logx.Logger

	current  atomic.Pointer[committed]
	validate atomic.Pointer[Validator]

	subsMu sync.Mutex
	subs   map[chan *Config]struct{}
}

type committed struct {
	cfg *Config
	sum [sha256.Size]byte
}

func NewManager(path string) *Manager {
	return &Manager{path: path, log: logx.Nop(), subs: make(map[chan *Config]struct{})}
}

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs the hook a reload must pass.
func (m *Manager) SetValidator(fn Validator) { m.validate.Store(&fn) }

// Decode parses raw config bytes. ${VAR} references are expanded from the
// environment, a .yaml/.yml path is read as YAML, and unknown fields fail.
func Decode(path string, raw []byte) (*Config, error) {
	jb, _, err := coerceToJSONBytes(path, []byte(os.ExpandEnv(string(raw))))
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()

	cfg := new(Config)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}
	switch err := dec.Decode(&struct{}{}); {
	case err == nil:
		return nil, errors.New("invalid config: trailing data")
	case !errors.Is(err, io.EOF):
		return nil, err
	}
	return cfg, nil
}

func (m *Manager) read() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return Decode(m.path, raw)
}

// Load reads the file and commits it without validation; startup validates
// separately so the error reaches the caller.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.read()
	if err != nil {
		return nil, err
	}
	m.commit(cfg, digest(cfg))
	return cfg, nil
}

func (m *Manager) Get() *Config {
	if c := m.current.Load(); c != nil {
		return c.cfg
	}
	return nil
}

func (m *Manager) commit(cfg *Config, sum [sha256.Size]byte) {
	m.current.Store(&committed{cfg: cfg, sum: sum})
}

func digest(cfg *Config) [sha256.Size]byte {
	b, _ := json.Marshal(cfg)
	return sha256.Sum256(b)
}

// Subscribe returns a channel that receives each committed reload.
func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()
	return ch
}

// Unsubscribe closes ch. Unknown channels are ignored.
func (m *Manager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

// publish never blocks: when a subscriber is full its oldest pending config
// is discarded to make room for cfg.
func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		offer(ch, cfg)
	}
}

func offer(ch chan *Config, cfg *Config) {
	for range 2 {
		select {
		case ch <- cfg:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// reload re-reads the file and commits it when it differs from the running
// config and passes validation.
func (m *Manager) reload(ctx context.Context) {
	cfg, err := m.read()
	if err != nil {
		m.log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
		return
	}
	sum := digest(cfg)
	if cur := m.current.Load(); cur != nil && cur.sum == sum {
		m.log.Debug("config unchanged", logx.String("path", m.path))
		return
	}
	if fn := m.validate.Load(); fn != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := (*fn)(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
			return
		}
	}
	m.commit(cfg, sum)
	m.publish(cfg)
	m.log.Info("config reloaded", logx.String("path", m.path))
}
