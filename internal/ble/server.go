package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"bridge-controller/internal/core"
	"bridge-controller/internal/logging"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"tinygo.org/x/bluetooth"
)

var adapter = bluetooth.DefaultAdapter

// Writes arrive on the BlueZ callback goroutine, so the inbox wait is short.
const submitTimeout = 100 * time.Millisecond

// Config describes the advertised GATT service.
type Config struct {
	LocalName   string
	ServiceUUID string
	CharUUID    string
	NotifyRate  float64
	NotifyBurst int
}

// notifier sends a notification to subscribed centrals.
type notifier interface {
	Write(p []byte) (int, error)
}

// advertiser is the configured advertisement.
type advertiser interface {
	Start() error
	Stop() error
}

// Server is the BLE origin: a GATT peripheral with one read/write/notify
// characteristic. A write submits a command; replies go out as
// notifications. It is also the BLE radio: Start advertises, Stop stops.
type Server struct {
	cfg         Config
	serviceUUID bluetooth.UUID
	charUUID    bluetooth.UUID

	inbox   core.CommandChannel
	replies core.ReplyChannel
	limiter *rate.Limiter

	mu          sync.Mutex
	registered  bool
	advertising bool
	char        bluetooth.Characteristic
	notify      notifier
	adv         advertiser

	log *logrus.Entry
}

// NewServer validates the UUIDs; the adapter is not touched until Start.
func NewServer(cfg Config, inbox core.CommandChannel) (*Server, error) {
	serviceUUID, err := bluetooth.ParseUUID(cfg.ServiceUUID)
	if err != nil {
		return nil, fmt.Errorf("invalid service uuid %q: %w", cfg.ServiceUUID, err)
	}
	charUUID, err := bluetooth.ParseUUID(cfg.CharUUID)
	if err != nil {
		return nil, fmt.Errorf("invalid characteristic uuid %q: %w", cfg.CharUUID, err)
	}
	if cfg.NotifyRate <= 0 {
		cfg.NotifyRate = 10
	}
	if cfg.NotifyBurst <= 0 {
		cfg.NotifyBurst = 5
	}

	return &Server{
		cfg:         cfg,
		serviceUUID: serviceUUID,
		charUUID:    charUUID,
		inbox:       inbox,
		replies:     core.NewReplyChannel(),
		limiter:     rate.NewLimiter(rate.Limit(cfg.NotifyRate), cfg.NotifyBurst),
		log:         logging.For("ble"),
	}, nil
}

func (s *Server) Name() string { return "ble" }

// Replies is the sink to register with the dispatcher for OriginBLE.
func (s *Server) Replies() core.ReplyChannel { return s.replies }

// Start enables the adapter, registers the service on first use and starts
// advertising.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.advertising {
		return nil
	}

	if !s.registered {
		if err := adapter.Enable(); err != nil {
			return fmt.Errorf("failed to enable adapter: %w", err)
		}
		err := adapter.AddService(&bluetooth.Service{
			UUID: s.serviceUUID,
			Characteristics: []bluetooth.CharacteristicConfig{{
				Handle: &s.char,
				UUID:   s.charUUID,
				Flags: bluetooth.CharacteristicReadPermission |
					bluetooth.CharacteristicWritePermission |
					bluetooth.CharacteristicWriteWithoutResponsePermission |
					bluetooth.CharacteristicNotifyPermission,
				WriteEvent: func(_ bluetooth.Connection, _ int, value []byte) {
					s.handleWrite(value)
				},
			}},
		})
		if err != nil {
			return fmt.Errorf("failed to add GATT service: %w", err)
		}
		s.notify = &s.char

		adv := adapter.DefaultAdvertisement()
		if err := adv.Configure(bluetooth.AdvertisementOptions{
			LocalName:    s.cfg.LocalName,
			ServiceUUIDs: []bluetooth.UUID{s.serviceUUID},
		}); err != nil {
			return fmt.Errorf("failed to configure advertisement: %w", err)
		}
		s.adv = adv
		s.registered = true
	}

	if err := s.adv.Start(); err != nil {
		return fmt.Errorf("failed to start advertising: %w", err)
	}
	s.advertising = true
	s.log.Infof("Advertising as %q.", s.cfg.LocalName)
	return nil
}

// Stop stops advertising. The service stays registered for the next Start.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.advertising {
		return nil
	}
	if err := s.adv.Stop(); err != nil {
		return fmt.Errorf("failed to stop advertising: %w", err)
	}
	s.advertising = false
	s.log.Info("Advertising stopped.")
	return nil
}

// Run notifies replies to connected centrals until ctx is cancelled.
// Replies that arrive while the server is down are discarded.
func (s *Server) Run(ctx context.Context) {
	s.log.Info("BLE notifier loop started.")
	for {
		r, ok := core.ReadReply(ctx, s.replies, 0)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		if err := s.limiter.Wait(ctx); err != nil {
			return
		}

		s.mu.Lock()
		n, up := s.notify, s.advertising
		s.mu.Unlock()
		if !up || n == nil {
			s.log.Debugf("BLE down, dropping reply %s.", r)
			continue
		}
		if _, err := n.Write(r.Bytes()); err != nil {
			s.log.WithError(err).Warnf("Failed to notify reply %s.", r)
		}
	}
}

// handleWrite turns a characteristic write into a command. Only the first
// byte counts unless the value is a command name.
func (s *Server) handleWrite(value []byte) {
	if len(value) == 0 {
		return
	}

	kind := core.Kind(value[0])
	if text := string(value); strings.HasPrefix(text, "CMD_") {
		kind = core.ParseKind(text)
	}
	s.log.Infof("GATT write % x -> %s.", value, kind)

	cmd := core.Command{Origin: core.OriginBLE, Kind: kind}
	if err := core.Submit(context.Background(), s.inbox, cmd, submitTimeout); err != nil {
		s.log.WithError(err).Warnf("Could not queue %s.", kind)
	}
}
