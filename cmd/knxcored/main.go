// Command knxcored is the KNX protocol-core daemon: it maintains the knxd
// connection, runs the cEMI confirmation state machine and the
// point-to-point management layer, rate-limits and fans out telegrams
// through the TelegramQueue, and exposes the result to the outside world
// through the device bus (MQTT) and the admin API.
//
// For architecture details, see SPEC_FULL.md at the repository root.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/knxcore/internal/adminapi"
	"github.com/nerrad567/knxcore/internal/config"
	"github.com/nerrad567/knxcore/internal/devicebus"
	"github.com/nerrad567/knxcore/internal/knx/address"
	"github.com/nerrad567/knxcore/internal/knx/apci"
	"github.com/nerrad567/knxcore/internal/knx/cemi"
	"github.com/nerrad567/knxcore/internal/knx/connstate"
	"github.com/nerrad567/knxcore/internal/knx/management"
	"github.com/nerrad567/knxcore/internal/knx/queue"
	"github.com/nerrad567/knxcore/internal/knx/secure"
	securestore "github.com/nerrad567/knxcore/internal/knx/secure/store"
	"github.com/nerrad567/knxcore/internal/knx/telegram"
	"github.com/nerrad567/knxcore/internal/knx/transport"
	"github.com/nerrad567/knxcore/internal/logging"
	"github.com/nerrad567/knxcore/internal/telemetry"
)

// Version information, set at build time via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	configPath := flag.String("config", "/etc/knxcored/config.yaml", "path to config file")
	flag.Parse()

	fmt.Printf("knxcored %s (%s)\n", version, commit)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// handlerRef forwards SendTelegram to a *cemi.Handler constructed after the
// queue and management layer that need to hold a Sender referencing it —
// breaking the three-way construction cycle between queue, management and
// cemi.Handler without any of them accepting a mutable sender field.
type handlerRef struct {
	h *cemi.Handler
}

func (r *handlerRef) SendTelegram(ctx context.Context, tg telegram.Telegram) error {
	return r.h.SendTelegram(ctx, tg)
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logging.New(cfg.Logging, version)
	log.Info("knxcored starting", "site", cfg.Site.ID)

	source, err := address.ParseIndividual(cfg.KNX.SourceAddress)
	if err != nil {
		return fmt.Errorf("parsing knx.source_address: %w", err)
	}

	states := connstate.New()

	transportClient, err := transport.Connect(ctx, transport.Config{
		Connection:        cfg.KNX.Transport.Connection,
		ConnectTimeout:    cfg.KNX.Transport.ConnectTimeout,
		ReadTimeout:       cfg.KNX.Transport.ReadTimeout,
		ReconnectInterval: cfg.KNX.Transport.ReconnectInterval,
	}, log.With("component", "transport"))
	if err != nil {
		return fmt.Errorf("connecting to knxd: %w", err)
	}
	defer transportClient.Close()
	states.SetState(connstate.Connected)

	var secureLayer *secure.DataSecure
	if cfg.KNX.Secure.Enabled {
		groupKeys, individualKeys, err := config.LoadSecureKeys(cfg.KNX.Secure.KeyTablePath)
		if err != nil {
			return fmt.Errorf("loading secure key table: %w", err)
		}

		var secStore secure.Store
		if cfg.KNX.Secure.StorePath != "" {
			s, err := securestore.Open(securestore.Config{Path: cfg.KNX.Secure.StorePath, BusyTimeout: 5})
			if err != nil {
				return fmt.Errorf("opening secure store: %w", err)
			}
			defer s.Close()
			secStore = s
		}

		secureLayer, err = secure.New(time.Now, groupKeys, individualKeys, secStore)
		if err != nil {
			return fmt.Errorf("constructing data secure keyring: %w", err)
		}
		log.Info("data secure enabled", "group_keys", len(groupKeys), "individual_keys", len(individualKeys))
	}

	var recorder *telemetry.Recorder
	if cfg.InfluxDB.Enabled {
		recorder, err = telemetry.Connect(ctx, cfg.InfluxDB, log.With("component", "telemetry"))
		if err != nil {
			log.Warn("telemetry connection failed, continuing without it", "error", err)
		} else {
			defer recorder.Close()
		}
	}
	var secureRecorder cemi.SecureRecorder
	if recorder != nil {
		secureRecorder = recorder
	}

	queueLog := log.With("component", "queue")
	ref := &handlerRef{}
	telegramQueue := queue.New(ref, queueLog, cfg.KNX.RateLimit)
	mgmt := management.New(ref, source, log.With("component", "management"))
	handler := cemi.New(transportClient, source, log.With("component", "cemi"),
		func(tg telegram.Telegram) {
			if err := telegramQueue.Enqueue(tg); err != nil {
				queueLog.Warn("enqueueing incoming telegram failed", "error", err)
			}
		},
		mgmt.Deliver, secureLayer, secureRecorder)
	ref.h = handler
	transportClient.SetOnFrame(handler.HandleFrame)

	telegramQueue.Start()
	defer telegramQueue.Stop()
	mgmt.Start()
	defer mgmt.Stop()

	if cfg.DeviceBus.Enabled {
		bus, err := devicebus.Connect(cfg.DeviceBus, log.With("component", "devicebus"))
		if err != nil {
			return fmt.Errorf("connecting device bus: %w", err)
		}
		defer bus.Close()

		bus.OnCommand(func(ga address.Group, payload apci.Service) error {
			return telegramQueue.Enqueue(telegram.New(ga, telegram.Outgoing, payload))
		})
		telegramQueue.Subscribe(func(tg telegram.Telegram) {
			ga, ok := tg.Destination.(address.Group)
			if !ok {
				return
			}
			if err := bus.PublishState(ga, tg.Payload); err != nil {
				log.Warn("publishing state to device bus failed", "error", err)
			}
		})
		if err := bus.PublishHealth(true); err != nil {
			log.Warn("publishing initial health to device bus failed", "error", err)
		}
	}

	if cfg.AdminAPI.Enabled {
		admin, err := adminapi.New(adminapi.Deps{
			Config:    cfg.AdminAPI,
			Logger:    log.With("component", "adminapi"),
			ConnState: states,
			Queue:     telegramQueue,
			Transport: transportStatsAdapter{transportClient},
			Version:   version,
		})
		if err != nil {
			return fmt.Errorf("constructing admin API: %w", err)
		}
		if err := admin.Start(ctx); err != nil {
			return fmt.Errorf("starting admin API: %w", err)
		}
		defer admin.Close()
	}

	log.Info("knxcored ready")
	<-ctx.Done()
	log.Info("shutdown signal received, stopping")
	return nil
}

// transportStatsAdapter adapts transport.Client.Stats() to the narrower
// TransportStats shape adminapi depends on, so adminapi need not import the
// transport package directly.
type transportStatsAdapter struct {
	client *transport.Client
}

func (a transportStatsAdapter) Stats() adminapi.TransportStats {
	s := a.client.Stats()
	return adminapi.TransportStats{
		FramesTx:     s.FramesTx,
		FramesRx:     s.FramesRx,
		ErrorsTotal:  s.ErrorsTotal,
		LastActivity: s.LastActivity,
		Connected:    s.Connected,
	}
}
