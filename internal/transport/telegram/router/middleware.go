package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	kit "fwdbot/internal/transport"
	logx "fwdbot/pkg/logx"
	"fwdbot/pkg/tgui"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger := log
					if req != nil && !req.Logger.IsZero() {
						logger = req.Logger
					}
					logger.Error("panic recovered", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			logger := log
			if req != nil && !req.Logger.IsZero() {
				logger = req.Logger
			}
			err := next(ctx, req)
			d := time.Since(start)

			fields := []logx.Field{
				logx.String("kind", string(req.Update.Kind)),
				logx.Int64("chat_id", req.Chat.ChatID),
				logx.Int64("from_id", req.FromID),
				logx.String("cmd", req.Command),
				logx.Duration("dur", d),
			}
			if err != nil {
				logger.Warn("request failed", append(fields, logx.Err(err))...)
			} else if d >= 750*time.Millisecond {
				logger.Info("request ok", fields...)
			} else {
				logger.Debug("request ok", fields...)
			}
			return err
		}
	}
}

// MWAlertOnError answers the operator and alerts every owner when a handler
// fails. The error is consumed.
func MWAlertOnError(ad kit.TextSender, alert Alerter, owners func() []int64) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			err := next(ctx, req)
			if err == nil {
				return nil
			}
			// The handler context may be the one that expired.
			actx := context.WithoutCancel(ctx)
			_, _ = ad.SendText(actx, req.Chat, "⚠️ Something went wrong. Please try again.", nil)
			if alert != nil {
				alert.NotifyAll(actx, owners(), errorAlert(req, err))
			}
			return nil
		}
	}
}

func errorAlert(req *Request, err error) string {
	var b strings.Builder
	b.WriteString("⚠️ Bot Error Alert:\n")
	b.WriteString("Error: " + err.Error() + "\n")
	b.WriteString("User: " + strconv.FormatInt(req.FromID, 10) + "\n")
	if m := req.Update.Message; m != nil {
		txt := m.Text
		if txt == "" && m.Media != nil {
			txt = m.Media.Caption
		}
		if txt != "" {
			b.WriteString("Msg: " + tgui.TruncRunes(txt, 300) + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
