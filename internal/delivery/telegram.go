package delivery

import (
	"context"
	"fmt"
	"strings"

	"otp-relay/internal/client"
	"otp-relay/internal/model"
	"otp-relay/internal/util"
)

const rule = "━━━━━━━━━━━━━━━━━━━━"

// MessageSender is the Telegram client surface used by the sink.
type MessageSender interface {
	SendMessage(ctx context.Context, chatID, text string, buttons ...[]client.InlineButton) error
}

// TelegramSink posts OTP cards and operator alerts to a group chat.
type TelegramSink struct {
	sender      MessageSender
	chatID      string
	channelLink string
	devLink     string
}

func NewTelegramSink(sender MessageSender, chatID, channelLink, devLink string) *TelegramSink {
	return &TelegramSink{sender: sender, chatID: chatID, channelLink: channelLink, devLink: devLink}
}

func (s *TelegramSink) Notify(ctx context.Context, event model.OtpEvent) error {
	if err := s.sender.SendMessage(ctx, s.chatID, FormatEvent(event), s.buttons()...); err != nil {
		return fmt.Errorf("telegram notify: %w", err)
	}
	return nil
}

func (s *TelegramSink) Alert(ctx context.Context, text string) error {
	if err := s.sender.SendMessage(ctx, s.chatID, text, s.buttons()...); err != nil {
		return fmt.Errorf("telegram alert: %w", err)
	}
	return nil
}

func (s *TelegramSink) buttons() [][]client.InlineButton {
	var row []client.InlineButton
	if s.channelLink != "" {
		row = append(row, client.InlineButton{Text: "📢 NUMBER CHANNEL", URL: s.channelLink})
	}
	if s.devLink != "" {
		row = append(row, client.InlineButton{Text: "🤖 BOT DEVELOPER", URL: s.devLink})
	}
	if len(row) == 0 {
		return nil
	}
	return [][]client.InlineButton{row}
}

// MaskPhone hides the middle of a number, always at least three digits and
// at most four kept on each side.
func MaskPhone(phone string) string {
	keep := min(4, (len(phone)-3)/2)
	if keep <= 0 {
		return "***"
	}
	return phone[:keep] + "***" + phone[len(phone)-keep:]
}

// FormatEvent renders the HTML card for one event. Portal-supplied text is
// escaped.
func FormatEvent(e model.OtpEvent) string {
	service := util.EscapeHTML(e.Service)
	country := util.EscapeHTML(e.Country)

	var b strings.Builder
	fmt.Fprintf(&b, "✅ %s | %s OTP Received\n\n", country, service)
	b.WriteString(rule + "\n")
	fmt.Fprintf(&b, "📱 <b>Number:</b> %s\n", util.EscapeHTML(MaskPhone(e.Phone)))
	fmt.Fprintf(&b, "🔑 <b>OTP Code:</b> <code>%s</code>\n", util.EscapeHTML(e.OTP))
	fmt.Fprintf(&b, "🛠 <b>Service:</b> %s\n", service)
	fmt.Fprintf(&b, "🌍 <b>Country:</b> %s\n", country)
	fmt.Fprintf(&b, "🕐 <b>Time:</b> %s\n", util.EscapeHTML(e.Timestamp))
	b.WriteString(rule + "\n\n")
	b.WriteString("💬 <b>Message:</b>\n")
	fmt.Fprintf(&b, "<blockquote>%s</blockquote>", util.EscapeHTML(e.Message))
	return b.String()
}

var (
	_ Sink    = (*TelegramSink)(nil)
	_ Alerter = (*TelegramSink)(nil)
)
