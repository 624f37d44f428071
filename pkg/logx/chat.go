package logx

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ChatConfig mirrors warnings and errors into a Telegram chat.
type ChatConfig struct {
	Enabled    bool
	ChatID     int64
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

// ChatSender delivers one log line to a chat. The Telegram adapter implements it.
type ChatSender interface {
	SendLog(ctx context.Context, chatID int64, threadID int, text string) error
}

type chatRoute struct {
	chatID   int64
	threadID int
	minLevel Level
	limit    *rate.Limiter
}

type chatLine struct {
	route *chatRoute
	text  string
}

// chatSink is a zerolog.LevelWriter. Lines at or above the route's level are
// formatted and queued; a single goroutine sends them. A full queue or an
// exhausted rate budget drops lines rather than blocking the caller.
type chatSink struct {
	sender ChatSender
	route  atomic.Pointer[chatRoute]
	lines  chan chatLine

	startOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
}

func newChatSink(sender ChatSender) *chatSink {
	ctx, cancel := context.WithCancel(context.Background())
	return &chatSink{
		sender: sender,
		lines:  make(chan chatLine, 256),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// configure installs cfg and reports whether the sink should be attached.
func (c *chatSink) configure(cfg ChatConfig) bool {
	if !cfg.Enabled || c.sender == nil {
		c.route.Store(nil)
		return false
	}
	if cfg.ChatID == 0 {
		fmt.Fprintln(os.Stderr, "logx: chat logging enabled without a chat id")
		c.route.Store(nil)
		return false
	}
	rps := max(cfg.RatePerSec, 1)
	c.route.Store(&chatRoute{
		chatID:   cfg.ChatID,
		threadID: cfg.ThreadID,
		minLevel: ParseLevel(cfg.MinLevel, LevelWarn),
		limit:    rate.NewLimiter(rate.Limit(rps), rps),
	})
	c.startOnce.Do(func() { go c.run() })
	return true
}

func (c *chatSink) run() {
	defer close(c.done)
	for {
		select {
		case <-c.ctx.Done():
			return
		case ln := <-c.lines:
			_ = c.sender.SendLog(c.ctx, ln.route.chatID, ln.route.threadID, ln.text)
		}
	}
}

func (c *chatSink) stop() {
	c.cancel()
	started := true
	c.startOnce.Do(func() { started = false })
	if started {
		<-c.done
	}
}

func (c *chatSink) Write(p []byte) (int, error) { return c.WriteLevel(LevelInfo, p) }

func (c *chatSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	r := c.route.Load()
	if r == nil || level < r.minLevel || !r.limit.Allow() {
		return len(p), nil
	}
	if text := FormatChatLine(p); text != "" {
		select {
		case c.lines <- chatLine{route: r, text: text}:
		default:
		}
	}
	return len(p), nil
}
