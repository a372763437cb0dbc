// Package telegram provides a client for sending notifications via Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rewired-gh/oddswatch/internal/logger"
	"github.com/rewired-gh/oddswatch/internal/models"
)

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// StatusFunc renders the current service status for the /status command.
type StatusFunc func() string

// Client handles Telegram notifications.
type Client struct {
	bot            *tgbotapi.BotAPI
	sender         sender
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
}

// NewClient creates a new Telegram client.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}

	return &Client{
		bot:            bot,
		sender:         bot,
		chatID:         chatIDInt,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}, nil
}

// Name identifies this sink in logs.
func (c *Client) Name() string { return "telegram" }

// ListenForCommands starts a goroutine that polls for Telegram updates and handles bot commands.
// It returns immediately; the goroutine stops when ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context, status StatusFunc) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil && update.Message.IsCommand() {
					c.handleCommand(update.Message, status)
				}
			}
		}
	}()
}

func (c *Client) handleCommand(msg *tgbotapi.Message, status StatusFunc) {
	var text string
	switch msg.Command() {
	case "ping":
		text = "Pong"
	case "status":
		if status == nil {
			return
		}
		text = status()
	default:
		return
	}
	if _, err := c.sender.Send(tgbotapi.NewMessage(msg.Chat.ID, text)); err != nil {
		logger.Warn("Failed to reply to /%s: %v", msg.Command(), err)
	}
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(ctx context.Context, text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.sender.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if i == c.maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryDelayBase * time.Duration(i+1)):
		}
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// SendError sends a monitoring error notification.
// Call this only on the first occurrence of a consecutive error sequence.
func (c *Client) SendError(ctx context.Context, cycleErr error) error {
	text := fmt.Sprintf("⚠️ *Polling error*\n`%s`", escapeCode(cycleErr.Error()))
	return c.sendMarkdownV2(ctx, text)
}

// SendRecovery sends a recovery notification after consecutive failures.
func (c *Client) SendRecovery(ctx context.Context, failureCount int) error {
	text := fmt.Sprintf("✅ *Polling recovered* after %d consecutive failure\\(s\\)", failureCount)
	return c.sendMarkdownV2(ctx, text)
}

// Notify sends one price-drop alert.
func (c *Client) Notify(ctx context.Context, event *models.AlertEvent) error {
	return c.sendMarkdownV2(ctx, formatAlert(event))
}
