package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/srg/blecon/internal/engine"
	"github.com/srg/blecon/internal/radio/goble"
	"github.com/srg/blecon/pkg/config"
)

// session wires configuration, logging, the go-ble radio and the engine
// registry for one command run.
type session struct {
	cfg    *config.Config
	logger *logrus.Logger
	radio  *goble.Radio
	reg    *engine.Registry
}

func newSession(cmd *cobra.Command) (*session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return nil, err
	}

	// The registry needs the radio at construction and the radio delivers
	// events to the registry, so the sink is installed second.
	radio := goble.New(nil, logger)
	reg := engine.NewRegistry(radio, cfg.EngineOptions(logger))
	radio.SetSink(reg)

	// Colors off when output is piped
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		color.NoColor = true
	}

	return &session{cfg: cfg, logger: logger, radio: radio, reg: reg}, nil
}

func (s *session) close() {
	s.reg.Close()
	s.radio.Close()
}

// connectAndWait requests a connection and consumes the event stream until
// the device reaches Ready or fails terminally. Interim events are printed.
func (s *session) connectAndWait(ctx context.Context, deviceID string) (*engine.Conn, error) {
	c := s.reg.Device(deviceID)
	if _, err := c.RequestConnect(); err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			_, _ = c.RequestDisconnect(true)
			return nil, ctx.Err()
		case evt, ok := <-s.reg.Events():
			if !ok {
				return nil, fmt.Errorf("event stream closed")
			}
			if evt.DeviceID != deviceID {
				continue
			}
			printEvent(evt)
			switch evt.Kind {
			case engine.EventReady:
				return c, nil
			case engine.EventFailed:
				return nil, evt.Err
			}
		}
	}
}

// disconnect tears the session's connection down and waits briefly for the
// confirmation event.
func (s *session) disconnect(ctx context.Context, c *engine.Conn) {
	handle, err := c.RequestDisconnect(false)
	if err != nil {
		s.logger.WithError(err).Warn("Disconnect request failed")
		return
	}
	if _, err := handle.Await(ctx); err != nil && ctx.Err() == nil {
		s.logger.WithError(err).Warn("Disconnect did not complete cleanly")
	}
}

var (
	readyColor  = color.New(color.FgGreen)
	retryColor  = color.New(color.FgYellow)
	failColor   = color.New(color.FgRed)
	headerColor = color.New(color.FgCyan)
)

// printEvent renders one engine event for terminal consumption.
func printEvent(evt engine.Event) {
	switch evt.Kind {
	case engine.EventConnecting:
		if evt.Attempt > 0 {
			retryColor.Printf("reconnecting to %s (attempt %d)\n", evt.DeviceID, evt.Attempt)
		} else {
			fmt.Printf("connecting to %s\n", evt.DeviceID)
		}
	case engine.EventReady:
		readyColor.Printf("%s ready (mtu %d)\n", evt.DeviceID, evt.MTU)
	case engine.EventMTUChanged:
		fmt.Printf("%s mtu negotiated: %d\n", evt.DeviceID, evt.MTU)
	case engine.EventDisconnected:
		if evt.RetryIn > 0 {
			retryColor.Printf("%s disconnected (%v), retrying in %s\n", evt.DeviceID, evt.Err, evt.RetryIn.Round(1e6))
		} else {
			fmt.Printf("%s disconnected\n", evt.DeviceID)
		}
	case engine.EventFailed:
		failColor.Printf("%s failed: %v\n", evt.DeviceID, evt.Err)
	case engine.EventNotification:
		fmt.Printf("%s %s: %x\n", evt.DeviceID, evt.Attr, evt.Value)
	}
}
