package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"inbox-agent/pkg/fcm"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PushSender is the part of the FCM client a channel needs.
type PushSender interface {
	SendToDevices(ctx context.Context, tokens []string, n fcm.NotificationData) (*fcm.Result, error)
}

// DeviceSource lists the device tokens to push to.
type DeviceSource interface {
	Tokens(ctx context.Context) ([]string, error)
}

// StaticDevices is a DeviceSource over tokens from configuration.
type StaticDevices []string

func (s StaticDevices) Tokens(ctx context.Context) ([]string, error) {
	return s, nil
}

// FCMChannel pushes to every token its sources know about.
type FCMChannel struct {
	sender  PushSender
	sources []DeviceSource
	log     *zap.Logger
}

// NewFCMChannel returns a channel pushing to every token the sources list.
func NewFCMChannel(sender PushSender, log *zap.Logger, sources ...DeviceSource) *FCMChannel {
	return &FCMChannel{sender: sender, sources: sources, log: log.Named("notify-fcm")}
}

func (c *FCMChannel) tokens(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, src := range c.sources {
		tokens, err := src.Tokens(ctx)
		if err != nil {
			return nil, fmt.Errorf("fcm: failed to list devices: %w", err)
		}
		for _, t := range tokens {
			if t == "" || seen[t] {
				continue
			}
			seen[t] = true
			out = append(out, t)
		}
	}
	return out, nil
}

func (c *FCMChannel) Send(ctx context.Context, n Notification) (string, error) {
	tokens, err := c.tokens(ctx)
	if err != nil {
		return "", err
	}
	if len(tokens) == 0 {
		return "", errors.New("fcm: no device tokens configured")
	}
	data := make(map[string]string, len(n.Data)+len(n.Links))
	for k, v := range n.Data {
		data[k] = v
	}
	for i, l := range n.Links {
		data[fmt.Sprintf("link_%d", i)] = l.URL
	}
	var click string
	if len(n.Links) > 0 {
		click = n.Links[0].URL
	}

	res, err := c.sender.SendToDevices(ctx, tokens, fcm.NotificationData{
		Title:       n.Title,
		Body:        n.Body,
		Data:        data,
		ClickAction: click,
	})
	if err != nil {
		return "", err
	}
	if len(res.MessageIDs) == 0 {
		return "", fmt.Errorf("fcm: all %d tokens failed", len(res.FailedTokens))
	}
	if len(res.FailedTokens) > 0 {
		c.log.Warn("some devices did not receive the notification", zap.Int("failed", len(res.FailedTokens)))
	}
	return res.MessageIDs[0], nil
}

// LogChannel writes notifications to the log. It is the fallback when no
// push channel is configured.
type LogChannel struct {
	log *zap.Logger
}

// NewLogChannel returns a channel that only logs notifications.
func NewLogChannel(log *zap.Logger) *LogChannel {
	return &LogChannel{log: log.Named("notify")}
}

func (c *LogChannel) Send(ctx context.Context, n Notification) (string, error) {
	id := uuid.NewString()
	c.log.Info(n.Title,
		zap.String("delivery_id", id),
		zap.String("body", n.Body),
		zap.Any("links", n.Links))
	return id, nil
}

// MultiChannel delivers through every channel and succeeds if any does.
type MultiChannel []Channel

// Send delivers n on every channel and succeeds if any of them does.
func (m MultiChannel) Send(ctx context.Context, n Notification) (string, error) {
	var ids []string
	var errs []error
	for _, ch := range m {
		id, err := ch.Send(ctx, n)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		if len(errs) == 0 {
			return "", errors.New("no notification channel configured")
		}
		return "", errors.Join(errs...)
	}
	return strings.Join(ids, ","), nil
}
