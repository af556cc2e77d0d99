package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/dictation"
	"github.com/loqalabs/loqa-dictate/internal/eventstore"
	"github.com/loqalabs/loqa-dictate/internal/natsserver"
	"github.com/loqalabs/loqa-dictate/internal/stt"
)

// Components is the dictation pipeline shared by the web runtime and the
// desktop recorder, together with the resources backing it.
type Components struct {
	Service *dictation.Service
	Events  *eventstore.Store
	Bus     *bus.Client

	nats   *natsserver.EmbeddedServer
	logger *slog.Logger
}

// Assemble opens the event store, the optional bus and the recognizer and
// wires them into a dictation service. Close releases everything.
func Assemble(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Components, error) {
	c := &Components{logger: logger}

	events, err := eventstore.Open(ctx, cfg.EventStore, logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	c.Events = events

	if cfg.Bus.Enabled {
		ns, err := natsserver.Start(cfg.Bus, logger)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.nats = ns
		busCfg := cfg.Bus
		if url := ns.ClientURL(); url != "" {
			busCfg.Servers = []string{url}
		}
		client, err := bus.Connect(ctx, busCfg, logger.With(slog.String("component", "bus")))
		if err != nil {
			c.Close()
			return nil, err
		}
		c.Bus = client
	}

	var transcoder audio.Transcoder
	if cmd := strings.TrimSpace(cfg.Audio.TranscodeCommand); cmd != "" {
		transcoder, err = audio.NewExecTranscoder(cmd)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("configure transcoder: %w", err)
		}
	}

	recognizer, err := stt.New(cfg.STT)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("configure recognizer: %w", err)
	}

	// A nil *bus.Client must not reach the service as a non-nil interface.
	var publisher bus.Publisher
	if c.Bus != nil {
		publisher = c.Bus
	}
	c.Service = dictation.NewService(cfg, audio.NewDecoder(cfg.Audio, transcoder), recognizer, c.Events, publisher, logger)
	logger.Info("dictation pipeline ready",
		slog.String("stt_mode", cfg.STT.Mode),
		slog.String("language", cfg.STT.Language),
		slog.Bool("bus", c.Bus != nil))
	return c, nil
}

// Healthy reports whether the optional bus connection is usable.
func (c *Components) Healthy() bool {
	return c.Bus == nil || c.Bus.Healthy()
}

func (c *Components) Close() {
	if c == nil {
		return
	}
	c.Bus.Close()
	c.nats.Shutdown()
	if err := c.Events.Close(); err != nil {
		c.logger.Warn("event store close failed", slog.String("error", err.Error()))
	}
}
