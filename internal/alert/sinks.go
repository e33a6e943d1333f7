package alert

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	logx "petfeeder/pkg/logx"
)

// LogSink writes alerts to the structured log. It is always installed.
type LogSink struct {
	Log logx.Logger
}

func (s LogSink) Name() string { return "log" }

func (s LogSink) Send(_ context.Context, a Alert) error {
	fields := []logx.Field{logx.String("severity", a.Severity.String()), logx.String("key", a.Key)}
	if a.Owner != "" {
		fields = append(fields, logx.Owner(a.Owner))
	}
	if a.Severity >= SeverityCritical {
		s.Log.Error("ALERT: "+a.Text, fields...)
		return nil
	}
	s.Log.Warn("ALERT: "+a.Text, fields...)
	return nil
}

const telegramTextLimit = 4096

// TelegramSink sends alerts to one chat (optionally a forum topic). The bot
// is created offline; it only sends and never polls.
type TelegramSink struct {
	bot      *tele.Bot
	chat     *tele.Chat
	threadID int
}

func NewTelegramSink(cfg TelegramConfig) (*TelegramSink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     strings.TrimRight(strings.TrimSpace(cfg.URL), "/"),
		Token:   cfg.Token,
		Client:  &http.Client{Timeout: timeout},
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &TelegramSink{bot: b, chat: &tele.Chat{ID: cfg.ChatID}, threadID: cfg.ThreadID}, nil
}

func (s *TelegramSink) Name() string { return "telegram" }

func (s *TelegramSink) Send(ctx context.Context, a Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.bot.Send(s.chat, truncateText(prefixForSeverity(a.Severity)+a.Text, telegramTextLimit), &tele.SendOptions{
		DisableWebPagePreview: true,
		ThreadID:              s.threadID,
	})
	return err
}

func prefixForSeverity(s Severity) string {
	switch s {
	case SeverityCritical:
		return "🚨 "
	case SeverityWarning:
		return "⚠️ "
	default:
		return "ℹ️ "
	}
}

func truncateText(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit-1]) + "…"
}
