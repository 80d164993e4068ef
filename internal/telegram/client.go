// Package telegram provides a client for sending notifications via Telegram Bot API.
// It formats newly observed dangerous earthquakes into human-readable messages
// and reports refresh failures and recoveries, with retry logic for delivery.
//
// Messages use MarkdownV2, so every piece of dynamic text is escaped.
package telegram

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rewired-gh/quakescope/internal/models"
)

// sender is the part of the bot API the client needs
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Client handles Telegram notifications
type Client struct {
	bot            sender
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
	now            func() time.Time
}

// NewClient creates a new Telegram client
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	return newClient(bot, chatID, maxRetries, retryDelayBase)
}

func newClient(bot sender, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}

	return &Client{
		bot:            bot,
		chatID:         chatIDInt,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
		now:            time.Now,
	}, nil
}

// SendDangerous announces dangerous earthquakes
func (c *Client) SendDangerous(quakes []models.Earthquake) error {
	if len(quakes) == 0 {
		return nil
	}
	return c.send(c.formatDangerous(quakes))
}

// SendError reports a failed refresh cycle
func (c *Client) SendError(err error) error {
	message := "⚠️ *Cache refresh failed*\n\n" + escapeMarkdownV2(err.Error())
	return c.send(message)
}

// SendRecovery reports that refreshing works again after failures consecutive failures
func (c *Client) SendRecovery(failures int) error {
	noun := "failures"
	if failures == 1 {
		noun = "failure"
	}
	message := fmt.Sprintf("✅ *Cache refresh recovered* after %d consecutive %s", failures, noun)
	return c.send(message)
}

// send delivers a MarkdownV2 message with retry
func (c *Client) send(text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	msg.DisableWebPagePreview = true

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		_, err := c.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err
		if i < c.maxRetries-1 {
			time.Sleep(c.retryDelayBase * time.Duration(i+1))
		}
	}

	return fmt.Errorf("failed to send message after %d retries: %w", c.maxRetries, lastErr)
}

// formatDangerous formats dangerous earthquakes into a Telegram message
func (c *Client) formatDangerous(quakes []models.Earthquake) string {
	var b strings.Builder
	b.WriteString("🚨 *Dangerous Earthquakes Detected*\n\n")

	now := c.now()
	b.WriteString(fmt.Sprintf("📅 Checked: %s\n\n", escapeMarkdownV2(now.UTC().Format("2006-01-02 15:04:05 UTC"))))

	for i, q := range quakes {
		mag := "M?"
		if m, ok := q.Mag(); ok {
			mag = fmt.Sprintf("M%.1f", m)
		}
		title := escapeMarkdownV2(mag + " - " + q.Location)
		if q.URL != "" {
			// Inside the link target only ')' and '\' need escaping.
			target := strings.NewReplacer(`\`, `\\`, `)`, `\)`).Replace(q.URL)
			title = fmt.Sprintf("[%s](%s)", title, target)
		}

		b.WriteString(fmt.Sprintf("%d\\. %s\n", i+1, title))
		b.WriteString(fmt.Sprintf("   📍 %s\n", escapeMarkdownV2(
			fmt.Sprintf("%.3f, %.3f, depth %.1f km", q.Latitude, q.Longitude, q.Depth))))
		b.WriteString(fmt.Sprintf("   🕒 %s \\(%s ago\\)\n\n",
			escapeMarkdownV2(q.Time.UTC().Format("2006-01-02 15:04 UTC")),
			escapeMarkdownV2(formatDuration(now.Sub(q.Time)))))
	}

	return b.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2
func escapeMarkdownV2(text string) string {
	// Characters that need escaping in MarkdownV2:
	// _ * [ ] ( ) ~ ` > # + - = | { } . ! \
	var b strings.Builder
	b.Grow(len(text))
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}

// formatDuration formats a duration in a human-readable way
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if days := int(d.Hours() / 24); days >= 1 {
		return fmt.Sprintf("%dd", days)
	}
	if hours := int(d.Hours()); hours >= 1 {
		return fmt.Sprintf("%dh", hours)
	}
	return fmt.Sprintf("%dm", int(d.Minutes()))
}
