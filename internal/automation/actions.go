package automation

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/savegress/gridsense/pkg/models"
)

// CommandPublisher sends a command to a device over the broker. The
// MQTT client implements this; tests substitute a recording fake.
type CommandPublisher interface {
	PublishCommand(ctx context.Context, siteID, deviceID string, cmd models.DeviceCommand) error
}

// Notifier delivers notifications and alerts to operators.
type Notifier interface {
	Notify(ctx context.Context, level, target, message string) error
}

var _ Actuator = (*Dispatcher)(nil)

// Dispatcher routes actions of fired rules to their actuators. Actions
// of one rule run sequentially; the first failure aborts the rest.
type Dispatcher struct {
	commands CommandPublisher
	notifier Notifier
	http     *resty.Client
	logger   *zap.Logger
}

// NewDispatcher creates an action dispatcher. Nil collaborators disable
// their action types.
func NewDispatcher(commands CommandPublisher, notifier Notifier, logger *zap.Logger) *Dispatcher {
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)

	return &Dispatcher{
		commands: commands,
		notifier: notifier,
		http:     client,
		logger:   logger,
	}
}

// Dispatch executes a single action against its target.
func (d *Dispatcher) Dispatch(ctx context.Context, action Action, ectx EvalContext) error {
	switch action.Type {
	case ActionDeviceCommand, ActionBrokerCommand:
		return d.dispatchCommand(ctx, action, ectx)
	case ActionNotification:
		return d.dispatchNotify(ctx, "info", action)
	case ActionAlert:
		return d.dispatchNotify(ctx, "alert", action)
	case ActionWebhook:
		return d.dispatchWebhook(ctx, action, ectx)
	case ActionScheduleChange, ActionModeChange:
		// These mutate device-side configuration, which also rides the
		// command channel.
		return d.dispatchCommand(ctx, action, ectx)
	default:
		return fmt.Errorf("unsupported action type %q", action.Type)
	}
}

func (d *Dispatcher) dispatchCommand(ctx context.Context, action Action, ectx EvalContext) error {
	if d.commands == nil {
		return fmt.Errorf("no command publisher configured")
	}

	cmd := models.DeviceCommand{Cmd: string(action.Type)}
	if c, ok := action.Payload["cmd"].(string); ok {
		cmd.Cmd = c
	}
	if r, ok := action.Payload["reason"].(string); ok {
		cmd.Reason = r
	}

	siteID := ""
	if ectx.Reading != nil {
		siteID = ectx.Reading.SiteID
	}
	if s, ok := action.Payload["site_id"].(string); ok {
		siteID = s
	}

	return d.commands.PublishCommand(ctx, siteID, action.Target, cmd)
}

func (d *Dispatcher) dispatchNotify(ctx context.Context, level string, action Action) error {
	if d.notifier == nil {
		return fmt.Errorf("no notifier configured")
	}
	message, _ := action.Payload["message"].(string)
	return d.notifier.Notify(ctx, level, action.Target, message)
}

func (d *Dispatcher) dispatchWebhook(ctx context.Context, action Action, ectx EvalContext) error {
	body := map[string]interface{}{
		"target":    action.Target,
		"payload":   action.Payload,
		"timestamp": ectx.Now.Format(time.RFC3339),
	}
	if ectx.Reading != nil {
		body["device_id"] = ectx.Reading.DeviceID
		body["site_id"] = ectx.Reading.SiteID
		body["power_w"] = ectx.Reading.PowerW
	}

	url, _ := action.Payload["url"].(string)
	if url == "" {
		url = action.Target
	}

	resp, err := d.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(url)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}

	d.logger.Debug("webhook delivered",
		zap.String("url", url),
		zap.Int("status", resp.StatusCode()),
	)
	return nil
}

// LogNotifier is the default Notifier, writing notifications to the
// structured log. Deployments wire a real channel behind the interface.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n *LogNotifier) Notify(_ context.Context, level, target, message string) error {
	n.Logger.Info("notification",
		zap.String("level", level),
		zap.String("target", target),
		zap.String("message", message),
	)
	return nil
}
