package wa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"leadflow/internal/lifecycle"
	"leadflow/internal/phone"
	"leadflow/internal/repo"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"
)

const submitTimeout = 10 * time.Second

// Config holds configuration to initialise the WhatsApp client.
type Config struct {
	StorePath string
	LogLevel  string
}

// InboundSink receives messages from leads.
type InboundSink interface {
	Submit(ctx context.Context, in lifecycle.Inbound) error
}

// Client wraps the WhatsMeow client.
type Client struct {
	client *whatsmeow.Client
	phones phone.Normalizer
	logger *slog.Logger
	sink   InboundSink
}

// New creates a new WhatsApp client instance backed by an SQLite store.
func New(ctx context.Context, cfg Config, phones phone.Normalizer, logger *slog.Logger) (*Client, error) {
	if cfg.StorePath == "" {
		return nil, errors.New("store path is required")
	}

	if err := ensureDir(filepath.Dir(cfg.StorePath)); err != nil {
		return nil, fmt.Errorf("ensure store dir: %w", err)
	}

	storeLogger := waLog.Stdout("whatsmeow/sqlstore", cfg.LogLevel, true)
	container, err := sqlstore.New(ctx, "sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout=10000&_pragma=foreign_keys(ON)", cfg.StorePath), storeLogger)
	if err != nil {
		return nil, fmt.Errorf("create sqlstore: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}

	waLogger := waLog.Stdout("whatsmeow/client", cfg.LogLevel, true)
	client := whatsmeow.NewClient(deviceStore, waLogger)

	wc := &Client{
		client: client,
		phones: phones,
		logger: logger.With("component", "wa"),
	}
	client.AddEventHandler(wc.handleEvent)

	return wc, nil
}

// Start connects the client and handles login/QR pairing flow.
func (c *Client) Start(ctx context.Context) error {
	if c.client.Store.ID == nil {
		c.logger.Info("pairing required, waiting for QR scan")
		qrChan, err := c.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("get qr channel: %w", err)
		}

		go func() {
			for evt := range qrChan {
				if evt.Event == "code" {
					c.logger.Info("scan the QR code with WhatsApp", "qr", evt.Code)
				} else {
					c.logger.Info("pairing event received", "event", evt.Event)
				}
			}
		}()
	}

	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("connect wa client: %w", err)
	}

	c.logger.Info("whatsapp client connected")
	return nil
}

// Close disconnects the WhatsApp client.
func (c *Client) Close() {
	if c.client != nil {
		c.client.Disconnect()
	}
}

// Connected reports whether the socket is up.
func (c *Client) Connected() bool {
	return c.client != nil && c.client.IsConnected()
}

// SetInboundSink registers where lead messages go.
func (c *Client) SetInboundSink(sink InboundSink) {
	c.sink = sink
}

func (c *Client) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		c.handleMessage(v)
	case *events.Connected:
		c.logger.Info("device connected")
	case *events.Disconnected:
		c.logger.Warn("device disconnected")
	case *events.LoggedOut:
		c.logger.Error("device logged out, pairing required on next start", "reason", v.Reason)
	}
}

func (c *Client) handleMessage(evt *events.Message) {
	in, ok := c.inbound(evt)
	if !ok {
		return
	}
	c.logger.Info("received text message", "from", in.Contact)
	if c.sink == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()
	if err := c.sink.Submit(ctx, in); err != nil {
		c.logger.Error("inbound message not queued", "from", in.Contact, "error", err)
	}
}

// inbound converts a direct text message into a lead message.
func (c *Client) inbound(evt *events.Message) (lifecycle.Inbound, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return lifecycle.Inbound{}, false
	}
	if evt.Info.Chat.Server == types.BroadcastServer {
		return lifecycle.Inbound{}, false
	}
	text := strings.TrimSpace(messageText(evt.Message))
	if text == "" {
		return lifecycle.Inbound{}, false
	}
	contact := c.phones.FromDigits(evt.Info.Sender.User)
	if contact == "" {
		return lifecycle.Inbound{}, false
	}
	return lifecycle.Inbound{Contact: contact, Text: text, Channel: repo.ChannelWhatsApp}, true
}

func messageText(msg *waProto.Message) string {
	switch {
	case msg.GetConversation() != "":
		return msg.GetConversation()
	case msg.GetExtendedTextMessage() != nil:
		return msg.GetExtendedTextMessage().GetText()
	case msg.GetImageMessage() != nil:
		return msg.GetImageMessage().GetCaption()
	case msg.GetVideoMessage() != nil:
		return msg.GetVideoMessage().GetCaption()
	}
	return ""
}

func ensureDir(dir string) error {
	if dir == "." || dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0o755)
	}
	return nil
}

// SendText sends a text message to a phone number.
func (c *Client) SendText(ctx context.Context, phoneNumber, text string) error {
	digits := c.phones.Digits(phoneNumber)
	if digits == "" {
		return errors.New("send text: empty phone number")
	}
	to := types.NewJID(digits, types.DefaultUserServer)
	message := &waProto.Message{
		Conversation: proto.String(text),
	}
	if _, err := c.client.SendMessage(ctx, to, message); err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	return nil
}
