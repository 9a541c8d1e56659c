// Package alert fans strategy events and cycle summaries out to the
// configured notification channels.
package alert

import (
	"context"
	"sync"
	"time"

	"market_scanner/internal/core"
	"market_scanner/pkg/telemetry"
)

type AlertLevel string

const (
	Info     AlertLevel = "INFO"
	Warning  AlertLevel = "WARNING"
	Error    AlertLevel = "ERROR"
	Critical AlertLevel = "CRITICAL"
)

// AlertPayload is one event as the channels receive it.
type AlertPayload struct {
	Level     AlertLevel
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

// AlertChannel delivers a payload to one destination.
type AlertChannel interface {
	Send(ctx context.Context, alert AlertPayload) error
	Name() string
}

// TextSender is implemented by channels that can also deliver pre-formatted
// text, used for the per-cycle movers summary.
type TextSender interface {
	SendText(ctx context.Context, text string) error
}

// channelTimeout bounds each delivery so a slow webhook cannot stall the
// cycle or pile up goroutines.
const channelTimeout = 10 * time.Second

// AlertManager fans payloads out to every registered channel. Deliveries run
// asynchronously; the trading path never waits on a notifier.
type AlertManager struct {
	mu       sync.RWMutex
	channels []AlertChannel
	logger   core.ILogger
}

func NewAlertManager(logger core.ILogger) *AlertManager {
	return &AlertManager{
		logger: logger.WithField("component", "alert_manager"),
	}
}

func (am *AlertManager) AddChannel(ch AlertChannel) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.channels = append(am.channels, ch)
	am.logger.Info("Alert channel registered", "name", ch.Name())
}

// ChannelCount reports how many channels are registered.
func (am *AlertManager) ChannelCount() int {
	am.mu.RLock()
	defer am.mu.RUnlock()
	return len(am.channels)
}

// Alert publishes one event to every channel.
func (am *AlertManager) Alert(ctx context.Context, title, message string, level AlertLevel, fields map[string]string) {
	payload := AlertPayload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	am.mu.RLock()
	defer am.mu.RUnlock()
	for _, ch := range am.channels {
		ch := ch
		am.deliver(ctx, ch.Name(), func(sendCtx context.Context) error {
			return ch.Send(sendCtx, payload)
		})
	}
}

// SendText publishes pre-formatted text to every channel that accepts it.
// Channels without a text form receive nothing.
func (am *AlertManager) SendText(ctx context.Context, text string) {
	am.mu.RLock()
	defer am.mu.RUnlock()
	for _, ch := range am.channels {
		sender, ok := ch.(TextSender)
		if !ok {
			continue
		}
		am.deliver(ctx, ch.Name(), func(sendCtx context.Context) error {
			return sender.SendText(sendCtx, text)
		})
	}
}

// deliver runs one channel send on its own goroutine with a bounded
// lifetime, detached from the caller's cancellation.
func (am *AlertManager) deliver(ctx context.Context, name string, send func(context.Context) error) {
	go func() {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), channelTimeout)
		defer cancel()

		if err := send(sendCtx); err != nil {
			am.logger.Error("Alert delivery failed", "channel", name, "error", err)
			return
		}
		telemetry.GetGlobalMetrics().IncAlertsSent(sendCtx, name)
	}()
}
