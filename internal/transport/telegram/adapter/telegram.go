package adapter

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "groupsummary/internal/runtime/supervisor"
	kit "groupsummary/internal/transport"
	logx "groupsummary/pkg/logx"
)

// messageLimit stays under Telegram's 4096 character cap.
const messageLimit = 4000

type Config struct {
	Token       string
	PollTimeout time.Duration
	// ParseMode for delivered summaries; a send rejected for bad markup is
	// retried as plain text.
	ParseMode string
	// Offline skips the getMe call; used by tests.
	Offline bool
}

// Adapter receives group messages by long polling and sends text back.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	sink    atomic.Pointer[chan<- kit.Update]
	dropped atomic.Uint64

	mu  sync.Mutex
	sup *rtsup.Supervisor // non-nil while polling
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: cfg.PollTimeout, AllowedUpdates: []string{"message"}},
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, bot: b}
	b.Handle(tele.OnText, func(c tele.Context) error {
		if m := toMessage(c.Message()); m != nil {
			a.forward(kit.Update{Kind: kit.UpdateMessage, Message: m})
		}
		return nil
	})
	return a, nil
}

// SetLogger replaces the boot logger once the log service exists.
func (a *Adapter) SetLogger(log logx.Logger) {
	if !log.IsZero() {
		a.log = log
	}
}

// BotID is the numeric id of the bot account, 0 when offline.
func (a *Adapter) BotID() int64 {
	if a.bot.Me == nil {
		return 0
	}
	return a.bot.Me.ID
}

// toMessage converts a telebot message; nil for messages without a sender.
func toMessage(m *tele.Message) *kit.Message {
	if m == nil || m.Chat == nil || m.Sender == nil {
		return nil
	}
	name := strings.TrimSpace(m.Sender.FirstName + " " + m.Sender.LastName)
	if name == "" {
		name = m.Sender.Username
	}
	return &kit.Message{
		ID:           m.ID,
		ChatID:       m.Chat.ID,
		ThreadID:     m.ThreadID,
		FromID:       m.Sender.ID,
		FromUsername: m.Sender.Username,
		FromName:     name,
		FromBot:      m.Sender.IsBot,
		Text:         m.Text,
		IsGroup:      m.Chat.Type == tele.ChatGroup || m.Chat.Type == tele.ChatSuperGroup,
		At:           m.Time(),
	}
}

// forward hands up to the consumer without blocking the poll loop; a full
// channel drops the update and counts it.
func (a *Adapter) forward(up kit.Update) {
	out := a.sink.Load()
	if out == nil {
		return
	}
	select {
	case *out <- up:
	default:
		a.dropped.Add(1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sup != nil {
		return nil
	}
	a.sink.Store(&out)
	// Polling problems are logged and retried; they never stop the app.
	sup := rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(false))
	a.sup = sup

	sup.Go0("telegram.drops", func(c context.Context) { a.reportDrops(c, cap(out)) })
	sup.Go0("telegram.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// bot.Start returns when stopped or on some poller failures.
	sup.GoRestart0("telegram.poll", func(context.Context) {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) reportDrops(ctx context.Context, capacity int) {
	flush := func() {
		if n := a.dropped.Swap(0); n > 0 {
			a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
		}
	}
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-t.C:
			flush()
		}
	}
}

// Stop cancels polling and waits briefly for it to unwind. A slow long poll
// is abandoned rather than holding up shutdown.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	sup := a.sup
	a.sup = nil
	a.mu.Unlock()
	a.sink.Store(nil)
	if sup == nil {
		return nil
	}

	sup.Cancel()
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		a.log.Warn("telegram stop timed out", logx.Err(err))
	}
	return nil
}

// splitMessage cuts s into pieces of at most limit runes. A cut prefers the
// last newline in the window when that keeps at least a third of the limit.
// With html set a cut never lands inside a tag.
func splitMessage(s string, limit int, html bool) []string {
	if limit <= 0 {
		limit = messageLimit
	}
	rs := []rune(s)
	var out []string
	for len(rs) > limit {
		cut := limit
		if nl := lastRune(rs[:limit], '\n'); nl >= limit/3 {
			cut = nl + 1
		}
		if html {
			if open := lastRune(rs[:cut], '<'); open > 1 && open > lastRune(rs[:cut], '>') {
				cut = open
			}
		}
		out = append(out, strings.TrimRight(string(rs[:cut]), "\n"))
		rs = rs[cut:]
		for len(rs) > 0 && rs[0] == '\n' {
			rs = rs[1:]
		}
	}
	if len(rs) > 0 || len(out) == 0 {
		out = append(out, string(rs))
	}
	return out
}

func lastRune(rs []rune, r rune) int {
	for i, v := range slices.Backward(rs) {
		if v == r {
			return i
		}
	}
	return -1
}

// SendText sends text, split to fit Telegram's limit, and returns the first
// message. A failure part way returns the parts already sent.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}
	send := &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
		ThreadID:              to.ThreadID,
	}

	var first kit.MessageRef
	for i, part := range splitMessage(text, messageLimit, strings.EqualFold(opt.ParseMode, tele.ModeHTML)) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, part, send)
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}
