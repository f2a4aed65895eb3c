// Package controller routes inbound commands to the dispatcher and the
// actuator driver. Requests that fail validation are answered with an
// immediate ERROR and never reach the queue.
package controller

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sweeney/hydro-node/internal/actuator"
	"github.com/sweeney/hydro-node/internal/clock"
	"github.com/sweeney/hydro-node/internal/command"
	"github.com/sweeney/hydro-node/internal/dispatch"
)

// Driver is the part of *actuator.Driver the controller uses directly.
type Driver interface {
	Channel(name string) (actuator.Channel, error)
	DoseDuration(name string, ml float64) (time.Duration, error)
	Reset(name string) error
}

// Queue is the part of *dispatch.Dispatcher the controller uses.
type Queue interface {
	Submit(cmd command.Command) (command.Status, error)
	Stop(channel, cmdID string) error
	Kick()
}

// Controller handles decoded commands for every channel of the node.
type Controller struct {
	drv   Driver
	queue Queue
	sink  command.Sink
	clock clock.Clock
	log   logrus.FieldLogger
}

// New creates a Controller. ERROR and ACK responses go to sink; queued
// commands are answered by the dispatcher.
func New(drv Driver, queue Queue, sink command.Sink, clk clock.Clock, log logrus.FieldLogger) *Controller {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Controller{drv: drv, queue: queue, sink: sink, clock: clk, log: log}
}

// HandleMessage decodes payload received on channel's command topic and
// handles it.
func (c *Controller) HandleMessage(channel string, payload []byte) {
	cmd, err := command.Decode(channel, payload)
	if err != nil {
		c.log.WithFields(logrus.Fields{"channel": channel, "cmd_id": cmd.CmdID}).WithError(err).Warn("rejected command")
		c.reply(cmd, command.StatusError, command.CodeInvalidParams, err.Error(), nil)
		return
	}
	c.Handle(cmd)
}

// Handle routes a decoded command.
func (c *Controller) Handle(cmd command.Command) {
	log := c.log.WithFields(logrus.Fields{"channel": cmd.Channel, "cmd_id": cmd.CmdID, "cmd": cmd.Kind})

	ch, err := c.drv.Channel(cmd.Channel)
	if err != nil {
		log.WithError(err).Warn("rejected command")
		c.reply(cmd, command.StatusError, dispatch.CodeFor(err), err.Error(), nil)
		return
	}

	switch cmd.Kind {
	case command.KindRunPump:
		c.submit(cmd, ch, log)

	case command.KindDose:
		dur, err := c.drv.DoseDuration(cmd.Channel, cmd.ML)
		if err != nil {
			log.WithError(err).Warn("rejected dose")
			c.reply(cmd, command.StatusError, dispatch.CodeFor(err), err.Error(), nil)
			return
		}
		cmd.Duration = dur
		c.submit(cmd, ch, log)

	case command.KindSetState:
		if cmd.State != nil && *cmd.State == 1 {
			if cmd.Duration == 0 {
				cmd.Duration = ch.Limits.MaxDuration
			}
			c.submit(cmd, ch, log)
			return
		}
		_ = c.queue.Stop(cmd.Channel, cmd.CmdID)

	case command.KindStopPump:
		_ = c.queue.Stop(cmd.Channel, cmd.CmdID)

	case command.KindReset:
		if err := c.drv.Reset(cmd.Channel); err != nil {
			log.WithError(err).Error("reset failed")
			c.reply(cmd, command.StatusError, dispatch.CodeFor(err), err.Error(), nil)
			return
		}
		log.Info("channel reset")
		c.reply(cmd, command.StatusAck, "", "", nil)
		c.queue.Kick()

	default:
		c.reply(cmd, command.StatusError, command.CodeInvalidParams, "unknown cmd", nil)
	}
}

// submit clamps the run to the channel limit and queues it. The completion
// deadline is derived from the submitted duration, so it must already match
// what the driver will run.
func (c *Controller) submit(cmd command.Command, ch actuator.Channel, log logrus.FieldLogger) {
	if cmd.Duration <= 0 {
		log.WithField("duration", cmd.Duration).Warn("rejected run")
		c.reply(cmd, command.StatusError, command.CodeInvalidParams, "duration must be > 0", nil)
		return
	}
	if cmd.Duration > ch.Limits.MaxDuration {
		log.WithFields(logrus.Fields{"requested": cmd.Duration, "max": ch.Limits.MaxDuration}).Info("duration clamped")
		cmd.Duration = ch.Limits.MaxDuration
	}
	if _, err := c.queue.Submit(cmd); err != nil && !errors.Is(err, dispatch.ErrDuplicate) && !errors.Is(err, dispatch.ErrQueueFull) {
		log.WithError(err).Warn("submit failed")
	}
}

func (c *Controller) reply(cmd command.Command, status command.Status, code command.Code, msg string, extra map[string]any) {
	c.sink.Emit(command.Response{
		Channel:   cmd.Channel,
		CmdID:     cmd.CmdID,
		Status:    status,
		Code:      code,
		Message:   msg,
		Timestamp: c.clock.Now(),
		Extra:     extra,
	})
}
