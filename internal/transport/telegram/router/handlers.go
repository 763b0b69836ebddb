package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"fwdbot/internal/forward"
	"fwdbot/internal/storage"
	kit "fwdbot/internal/transport"
	"fwdbot/pkg/tgui"
)

const (
	callbackScope = "fw"
	channelsPage  = 8
)

const (
	actMenu    = "menu"
	actGroup   = "grp"
	actAddCh   = "addch"
	actDelCh   = "delch"
	actDelPick = "delpick"
	actDelOK   = "delok"
	actAddMsg  = "addmsg"
	actTimes   = "times"
	actStart   = "start"
	actStatus  = "status"
)

type command struct {
	desc   string
	handle HandlerFunc
}

func (r *Router) buildCommands() map[string]command {
	return map[string]command{
		"start":  {desc: "open the group menu", handle: r.cmdMenu},
		"menu":   {desc: "open the group menu", handle: r.cmdMenu},
		"status": {desc: "show group status", handle: r.cmdStatus},
		"cancel": {desc: "abort the pending prompt", handle: r.cmdCancel},
		"help":   {desc: "list commands", handle: r.cmdHelp},
	}
}

func (r *Router) callbacks() map[string]HandlerFunc {
	return map[string]HandlerFunc{
		actMenu:    r.cbMenu,
		actGroup:   r.cbGroup,
		actAddCh:   r.cbAddChannels,
		actDelCh:   r.cbDeleteMenu,
		actDelPick: r.cbDeleteConfirm,
		actDelOK:   r.cbDeleteFinal,
		actAddMsg:  r.cbAddMessage,
		actTimes:   r.cbSetTimes,
		actStart:   r.cbStart,
		actStatus:  r.cbStatus,
	}
}

// cb builds callback data; payloads that do not fit are parked in the token store.
func (r *Router) cb(action, payload string) string {
	data := tgui.Data(callbackScope, action, payload)
	if tgui.CheckData(data) != nil {
		data = tgui.Data(callbackScope, action, r.tokens.Put(payload))
	}
	return data
}

// payload resolves a token payload back to its value.
func (r *Router) payload(req *Request) (string, bool) {
	p := req.Payload
	if strings.HasPrefix(p, "~") {
		return r.tokens.Get(p)
	}
	return p, true
}

// show edits the menu message for callbacks and sends a new one otherwise.
func (r *Router) show(ctx context.Context, req *Request, m tgui.Message) error {
	if cb := req.Update.Callback; cb != nil {
		return m.Edit(ctx, r.adapter, kit.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID})
	}
	_, err := m.Send(ctx, r.adapter, req.Chat)
	return err
}

func (r *Router) say(ctx context.Context, req *Request, text string) error {
	_, err := r.adapter.SendText(ctx, req.Chat, text, nil)
	return err
}

func (r *Router) expired(ctx context.Context, req *Request) error {
	kb := tgui.NewInline().Row(tgui.Btn("📋 Menu", r.cb(actMenu, "")))
	return r.show(ctx, req, tgui.New().Line("⌛ This menu expired. Open it again.").Inline(kb).Build())
}

func (r *Router) backToGroup(g string) *tgui.Inline {
	return tgui.NewInline().Row(tgui.Btn("⬅️ Back", r.cb(actGroup, g)))
}

// ---- views ----

func (r *Router) mainMenu() tgui.Message {
	groups := r.fw.Groups()
	btns := make([]tgui.Button, 0, len(groups))
	for _, g := range groups {
		btns = append(btns, tgui.Btn(g.Label(), r.cb(actGroup, g.ID)))
	}
	return tgui.New().
		Title("📋 Forwarding groups").
		Line("Choose a group:").
		Inline(tgui.NewInline().Grid(2, btns...)).
		Build()
}

func (r *Router) groupView(ctx context.Context, g string) (tgui.Message, error) {
	status, err := r.fw.Status(ctx, g)
	if err != nil {
		return tgui.Message{}, err
	}
	kb := tgui.NewInline().
		Row(tgui.Btn("➕ Add channels", r.cb(actAddCh, g)), tgui.Btn("🗑 Delete channel", r.cb(actDelCh, g))).
		Row(tgui.Btn("✉️ Add message", r.cb(actAddMsg, g)), tgui.Btn("⏰ Set times", r.cb(actTimes, g))).
		Row(tgui.Btn("▶️ Start forwarding", r.cb(actStart, g)), tgui.Btn("📊 Status", r.cb(actStatus, g))).
		Row(tgui.Btn("⬅️ Back", r.cb(actMenu, "")))
	return tgui.New().Line(status).Inline(kb).Build(), nil
}

// ---- commands ----

func (r *Router) cmdMenu(ctx context.Context, req *Request) error {
	r.sessions.clear(req.Chat.ChatID, req.FromID)
	return r.show(ctx, req, r.mainMenu())
}

func (r *Router) cmdStatus(ctx context.Context, req *Request) error {
	groups := r.fw.Groups()
	if len(req.Args) > 0 {
		g, ok := r.fw.Group(req.Args[0])
		if !ok {
			return r.say(ctx, req, "❌ Unknown group: "+req.Args[0])
		}
		groups = []forward.Group{g}
	}
	parts := make([]string, 0, len(groups))
	for _, g := range groups {
		st, err := r.fw.Status(ctx, g.ID)
		if err != nil {
			return err
		}
		parts = append(parts, st)
	}
	return r.say(ctx, req, strings.Join(parts, "\n\n"))
}

func (r *Router) cmdCancel(ctx context.Context, req *Request) error {
	if r.sessions.clear(req.Chat.ChatID, req.FromID) {
		return r.say(ctx, req, "❎ Cancelled.")
	}
	return r.say(ctx, req, "Nothing to cancel.")
}

func (r *Router) cmdHelp(ctx context.Context, req *Request) error {
	b := tgui.New().Title("📚 Commands")
	for _, c := range r.menuCommands() {
		b.Raw(tgui.JoinH(" - ", tgui.Code("/"+c.Command), tgui.Esc(c.Description)))
	}
	return r.show(ctx, req, b.Build())
}

// ---- callbacks ----

func (r *Router) cbMenu(ctx context.Context, req *Request) error {
	return r.show(ctx, req, r.mainMenu())
}

func (r *Router) knownGroup(ctx context.Context, req *Request) (string, bool, error) {
	g, ok := r.payload(req)
	if !ok {
		return "", false, r.expired(ctx, req)
	}
	if _, known := r.fw.Group(g); !known {
		return "", false, r.say(ctx, req, "❌ Unknown group.")
	}
	return g, true, nil
}

func (r *Router) cbGroup(ctx context.Context, req *Request) error {
	g, ok, err := r.knownGroup(ctx, req)
	if !ok {
		return err
	}
	r.sessions.clear(req.Chat.ChatID, req.FromID)
	m, err := r.groupView(ctx, g)
	if err != nil {
		return err
	}
	return r.show(ctx, req, m)
}

func (r *Router) cbStatus(ctx context.Context, req *Request) error {
	g, ok, err := r.knownGroup(ctx, req)
	if !ok {
		return err
	}
	st, err := r.fw.Status(ctx, g)
	if err != nil {
		return err
	}
	return r.show(ctx, req, tgui.New().Line(st).Inline(r.backToGroup(g)).Build())
}

func (r *Router) prompt(ctx context.Context, req *Request, mode inputMode, text string) error {
	g, ok, err := r.knownGroup(ctx, req)
	if !ok {
		return err
	}
	r.sessions.set(req.Chat.ChatID, req.FromID, g, mode)
	return r.show(ctx, req, tgui.New().
		Line(text).
		Blank().
		Raw(tgui.I("Send /cancel to abort.")).
		Inline(r.backToGroup(g)).
		Build())
}

func (r *Router) cbAddChannels(ctx context.Context, req *Request) error {
	return r.prompt(ctx, req, modeChannels, "Send channel IDs (one per line, @channel or -100...)")
}

func (r *Router) cbAddMessage(ctx context.Context, req *Request) error {
	return r.prompt(ctx, req, modeMessage, "Send a message (text, photo, video or document; captions allowed). Every message you send is queued until you /cancel.")
}

func (r *Router) cbSetTimes(ctx context.Context, req *Request) error {
	return r.prompt(ctx, req, modeTimes, "Send times (HH:MM, one per line)")
}

// cbDeleteMenu lists the group's channels. Payload: "<group>" or "<group>/<page>".
func (r *Router) cbDeleteMenu(ctx context.Context, req *Request) error {
	raw, ok := r.payload(req)
	if !ok {
		return r.expired(ctx, req)
	}
	g, pageStr, _ := strings.Cut(raw, "/")
	if _, known := r.fw.Group(g); !known {
		return r.say(ctx, req, "❌ Unknown group.")
	}
	page, _ := strconv.Atoi(pageStr)

	dests, err := r.fw.Destinations(ctx, g)
	if err != nil {
		return err
	}
	if len(dests) == 0 {
		return r.show(ctx, req, tgui.New().Line("❌ No channels in this group.").Inline(r.backToGroup(g)).Build())
	}

	p := tgui.Paginate(dests, page, channelsPage)
	kb := tgui.NewInline()
	for _, d := range p.Items {
		kb.Row(tgui.Btn(d, r.cb(actDelPick, r.tokens.Put(g+"\n"+d))))
	}
	var nav []tgui.Button
	if p.HasPrev {
		nav = append(nav, tgui.Btn("◀️", r.cb(actDelCh, g+"/"+strconv.Itoa(p.Index-1))))
	}
	if p.HasNext {
		nav = append(nav, tgui.Btn("▶️", r.cb(actDelCh, g+"/"+strconv.Itoa(p.Index+1))))
	}
	kb.Row(nav...)
	kb.Row(tgui.Btn("⬅️ Back", r.cb(actGroup, g)))

	b := tgui.New().Line("Select a channel to delete:")
	if p.Pages > 1 {
		b.Raw(tgui.I(p.Label()))
	}
	return r.show(ctx, req, b.Inline(kb).Build())
}

func (r *Router) pick(req *Request) (group, dest string, ok bool) {
	v, ok := r.tokens.Get(req.Payload)
	if !ok {
		return "", "", false
	}
	group, dest, ok = strings.Cut(v, "\n")
	return group, dest, ok
}

func (r *Router) cbDeleteConfirm(ctx context.Context, req *Request) error {
	g, d, ok := r.pick(req)
	if !ok {
		return r.expired(ctx, req)
	}
	kb := tgui.Confirm(
		tgui.Btn("✅ Yes", r.cb(actDelOK, req.Payload)),
		tgui.Btn("❌ No", r.cb(actGroup, g)),
	)
	return r.show(ctx, req, tgui.New().
		Raw(tgui.JoinH(" ", tgui.Esc("Delete channel"), tgui.Code(d), tgui.Esc("from "+r.label(g)+"?"))).
		Inline(kb).
		Build())
}

func (r *Router) cbDeleteFinal(ctx context.Context, req *Request) error {
	g, d, ok := r.pick(req)
	if !ok {
		return r.expired(ctx, req)
	}
	removed, err := r.fw.RemoveDestination(ctx, g, d)
	if err != nil {
		return err
	}
	text := "✅ Channel " + d + " removed."
	if !removed {
		text = "ℹ️ Channel " + d + " was not in the list."
	}
	return r.show(ctx, req, tgui.New().Line(text).Inline(r.backToGroup(g)).Build())
}

func (r *Router) cbStart(ctx context.Context, req *Request) error {
	g, ok, err := r.knownGroup(ctx, req)
	if !ok {
		return err
	}
	times, err := r.fw.StartForwarding(ctx, g, req.Chat.ChatID)
	if err != nil {
		switch {
		case errors.Is(err, forward.ErrNoTimes):
			return r.show(ctx, req, tgui.New().Line("❌ Set times first!").Inline(r.backToGroup(g)).Build())
		case errors.Is(err, forward.ErrNoSchedule):
			return r.show(ctx, req, tgui.New().
				Line("❌ Scheduling failed: none of the saved times is valid. Set times again.").
				Inline(r.backToGroup(g)).Build())
		}
		return err
	}
	b := tgui.New().Linef("✅ Forwarding started! Messages will be sent at %d times.", len(times))
	for _, t := range times {
		b.Raw(tgui.Code(t.String()))
	}
	return r.show(ctx, req, b.Inline(r.backToGroup(g)).Build())
}

// ---- free-form input ----

func (r *Router) handleInput(ctx context.Context, req *Request, sess session) error {
	msg := req.Update.Message
	switch sess.mode {
	case modeChannels:
		r.sessions.clear(req.Chat.ChatID, req.FromID)
		added, rejected, err := r.fw.AddDestinations(ctx, sess.group, forward.ParseLines(msg.Text))
		if err != nil {
			return err
		}
		text := fmt.Sprintf("✅ %d channels added!", added)
		if len(rejected) > 0 {
			text += "\nSkipped: " + strings.Join(rejected, ", ")
		}
		return r.show(ctx, req, tgui.New().Line(text).Inline(r.backToGroup(sess.group)).Build())

	case modeTimes:
		r.sessions.clear(req.Chat.ChatID, req.FromID)
		valid, rejected, err := r.fw.SetTimes(ctx, sess.group, forward.ParseLines(msg.Text))
		if err != nil {
			return err
		}
		text := fmt.Sprintf("✅ %d times set!", len(valid))
		if len(rejected) > 0 {
			text += "\nSkipped: " + strings.Join(rejected, ", ")
		}
		return r.show(ctx, req, tgui.New().Line(text).Inline(r.backToGroup(sess.group)).Build())

	case modeMessage:
		// Stays in message mode so several items can be queued in a row.
		r.sessions.set(req.Chat.ChatID, req.FromID, sess.group, modeMessage)
		it, ok := itemOf(sess.group, msg)
		if !ok {
			if msg.Media != nil {
				return r.say(ctx, req, "⚠️ Supported: text, photo, video, document")
			}
			return r.say(ctx, req, "⚠️ Message is empty!")
		}
		pending, err := r.fw.Enqueue(ctx, it)
		if errors.Is(err, forward.ErrInvalidItem) {
			return r.say(ctx, req, "⚠️ Message is empty!")
		}
		if err != nil {
			return err
		}
		return r.say(ctx, req, fmt.Sprintf("✅ Message added! (pending: %d)", pending))
	}
	return nil
}

// itemOf converts an operator message into a queue item.
func itemOf(group string, m *kit.Message) (storage.Item, bool) {
	if m.Media != nil {
		if m.Media.Kind == kit.MediaUnsupported || m.Media.FileID == "" {
			return storage.Item{}, false
		}
		return storage.Item{GroupID: group, Kind: m.Media.Kind, MediaRef: m.Media.FileID, Content: m.Media.Caption}, true
	}
	if strings.TrimSpace(m.Text) == "" {
		return storage.Item{}, false
	}
	return storage.Item{GroupID: group, Kind: kit.MediaText, Content: m.Text}, true
}

func (r *Router) label(group string) string {
	if g, ok := r.fw.Group(group); ok {
		return g.Label()
	}
	return group
}
