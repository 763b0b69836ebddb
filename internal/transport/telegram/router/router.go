package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"fwdbot/internal/forward"
	rtsup "fwdbot/internal/runtime/supervisor"
	"fwdbot/internal/storage"
	kit "fwdbot/internal/transport"
	logx "fwdbot/pkg/logx"
	"fwdbot/pkg/tgui"
)

// Forwarder is the part of the forwarding engine the operator menu drives.
type Forwarder interface {
	Groups() []forward.Group
	Group(id string) (forward.Group, bool)
	Status(ctx context.Context, group string) (string, error)
	Destinations(ctx context.Context, group string) ([]string, error)
	AddDestinations(ctx context.Context, group string, lines []string) (int, []string, error)
	RemoveDestination(ctx context.Context, group, dest string) (bool, error)
	Enqueue(ctx context.Context, it storage.Item) (int, error)
	SetTimes(ctx context.Context, group string, lines []string) ([]forward.Clock, []string, error)
	StartForwarding(ctx context.Context, group string, notifyChat int64) ([]forward.Clock, error)
}

// Alerter reaches the bot owners out of band.
type Alerter interface {
	NotifyAll(ctx context.Context, chatIDs []int64, text string)
}

type Config struct {
	Owners []int64
	// Workers defaults to NumCPU (min 2).
	Workers   int
	QueueSize int
	// HandlerTimeout bounds a single update handler. 0 means 30s.
	HandlerTimeout time.Duration
	// SessionTTL is how long a pending prompt waits for input.
	SessionTTL time.Duration
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	Payload string
	ReqID   string
	Logger  logx.Logger
}

// Router turns operator updates into forwarding operations.
type Router struct {
	log     logx.Logger
	adapter kit.Adapter
	fw      Forwarder
	alert   Alerter
	cfg     Config

	mu       sync.RWMutex
	owners   []int64
	commands map[string]command
	cbs      map[string]HandlerFunc

	sessions *sessionStore
	tokens   *tgui.TokenStore

	jobs chan func()
}

func New(cfg Config, adapter kit.Adapter, fw Forwarder, alert Alerter, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = max(runtime.NumCPU(), 2)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 10 * time.Minute
	}
	r := &Router{
		log:      log.With(logx.String("comp", "telegram.router")),
		adapter:  adapter,
		fw:       fw,
		alert:    alert,
		cfg:      cfg,
		owners:   append([]int64(nil), cfg.Owners...),
		sessions: newSessionStore(cfg.SessionTTL),
		tokens:   tgui.NewTokenStore(cfg.SessionTTL, 0),
		jobs:     make(chan func(), cfg.QueueSize),
	}
	r.commands = r.buildCommands()
	r.cbs = r.callbacks()
	return r
}

// SetOwners updates the owner list. Safe to call during hot-reload.
func (r *Router) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	r.mu.Lock()
	r.owners = cp
	r.mu.Unlock()
}

func (r *Router) ownersSnapshot() []int64 {
	r.mu.RLock()
	cp := append([]int64(nil), r.owners...)
	r.mu.RUnlock()
	return cp
}

// tryEnqueue is a panic-safe enqueue helper (handles the jobs channel being closed).
func (r *Router) tryEnqueue(fn func()) (ok bool) {
	if fn == nil {
		return false
	}
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
		}
	}()
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

// DispatchLoop consumes updates until ctx is done or updates is closed.
// Handlers run on a bounded worker pool.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(r.log), rtsup.WithCancelOnError(false))

	r.log.Info("dispatcher started", logx.Int("workers", r.cfg.Workers), logx.Int("job_queue_cap", cap(r.jobs)))
	r.publishMenu(sup)

	for i := 0; i < r.cfg.Workers; i++ {
		idx := i
		sup.GoRestart("router.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-r.jobs:
					if !ok {
						return nil
					}
					if job == nil {
						continue
					}
					func() {
						defer func() {
							if rec := recover(); rec != nil {
								r.log.Error("panic in router job", logx.Int("worker", idx), logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
		)
	}

	defer func() {
		close(r.jobs)
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.routeUpdate(ctx, up)
		}
	}
}

func (r *Router) publishMenu(sup *rtsup.Supervisor) {
	up, ok := r.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return
	}
	menu := r.menuCommands()
	sup.Go("router.menu.update", func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := up.UpdateMenuCommands(cctx, menu); err != nil {
			r.log.Warn("menu update failed", logx.Err(err))
		}
		return nil
	})
}

func (r *Router) routeUpdate(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		r.routeMessage(ctx, up)
	case kit.UpdateCallback:
		r.routeCallback(ctx, up)
	}
}

func (r *Router) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	if !r.gate(ctx, chat, msg.FromID, msg.FromUsername, msg.FromName) {
		return
	}

	text := strings.TrimSpace(msg.Text)
	if word, args, ok := parseCommand(text); ok {
		cmd, found := r.commands[word]
		if !found {
			_, _ = r.adapter.SendText(ctx, chat, "Unknown command. Try /help", nil)
			return
		}
		req := r.newRequest(up, chat, msg.FromID, "/"+word)
		req.Args = args
		r.enqueue(ctx, req, cmd.handle, func() {
			_, _ = r.adapter.SendText(ctx, chat, "Busy, try again.", nil)
		})
		return
	}

	sess, ok := r.sessions.get(chat.ChatID, msg.FromID)
	if !ok {
		return
	}
	req := r.newRequest(up, chat, msg.FromID, "input:"+string(sess.mode))
	r.enqueue(ctx, req, func(ctx context.Context, req *Request) error {
		return r.handleInput(ctx, req, sess)
	}, func() {
		_, _ = r.adapter.SendText(ctx, chat, "Busy, try again.", nil)
	})
}

func (r *Router) routeCallback(ctx context.Context, up kit.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	scope, action, payload, ok := tgui.ParseData(cb.Data)
	if !ok || scope != callbackScope {
		return
	}
	h, found := r.cbs[action]
	if !found {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}
	chat := kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID}
	if !r.gate(ctx, chat, cb.FromID, cb.FromUsername, "") {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "forbidden")
		return
	}

	req := r.newRequest(up, chat, cb.FromID, "cb:"+action)
	req.Payload = payload
	r.enqueue(ctx, req, h, func() {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "busy")
	}, func() {
		// stop the "loading" spinner
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
	})
}

func (r *Router) newRequest(up kit.Update, chat kit.ChatTarget, from int64, cmd string) *Request {
	rid := uuid.NewString()[:8]
	return &Request{
		Update:  up,
		Chat:    chat,
		FromID:  from,
		Command: cmd,
		ReqID:   rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", chat.ChatID),
			logx.Int64("from_id", from),
			logx.String("cmd", cmd),
		),
	}
}

func (r *Router) enqueue(ctx context.Context, req *Request, h HandlerFunc, busy func(), after ...func()) {
	final := Chain(
		h,
		MWAlertOnError(r.adapter, r.alert, r.ownersSnapshot),
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(r.cfg.HandlerTimeout),
	)
	if !r.tryEnqueue(func() {
		_ = final(ctx, req)
		for _, fn := range after {
			fn()
		}
	}) && busy != nil {
		busy()
	}
}

// gate refuses non-owners and tells the owners who knocked.
func (r *Router) gate(ctx context.Context, chat kit.ChatTarget, from int64, username, name string) bool {
	owners := r.ownersSnapshot()
	if isOwner(from, owners) {
		return true
	}
	r.log.Warn("unauthorized access", logx.Int64("from_id", from), logx.String("username", username))
	_, _ = r.adapter.SendText(ctx, chat, "❌ You can't use this bot! Please contact the owner.", nil)
	if r.alert != nil && len(owners) > 0 {
		var b strings.Builder
		b.WriteString("⚠️ Unauthorized access attempt\n")
		b.WriteString("User ID: " + strconv.FormatInt(from, 10) + "\n")
		if username != "" {
			b.WriteString("Username: @" + username + "\n")
		}
		if name != "" {
			b.WriteString("Name: " + name + "\n")
		}
		r.alert.NotifyAll(ctx, owners, strings.TrimRight(b.String(), "\n"))
	}
	return false
}

func isOwner(id int64, owners []int64) bool {
	for _, o := range owners {
		if o == id {
			return true
		}
	}
	return false
}

// parseCommand splits "/cmd@bot a b" into ("cmd", ["a","b"]).
func parseCommand(text string) (string, []string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	parts := strings.Fields(text)
	word := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	if word == "" {
		return "", nil, false
	}
	return word, parts[1:], true
}
