// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/cobaltcore-dev/dieh/pkg/config"
	"github.com/cobaltcore-dev/dieh/pkg/dieh"
	"github.com/cobaltcore-dev/dieh/pkg/probe"
	json "github.com/goccy/go-json"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Service is a running engine with its NATS plumbing.
type Service struct {
	Engine     *dieh.Engine
	Loader     *dieh.Loader
	Controller *dieh.Controller
	Subjects   dieh.Subjects

	nc     *nats.Conn
	server *server.Server
	bridge *dieh.Bridge
	wg     sync.WaitGroup
}

// Start connects to NATS, loads the configuration table, registers the
// configured drives and begins consuming events. Background loops stop
// when ctx is done; Close waits for them.
func Start(ctx context.Context, cfg *config.Config) (*Service, error) {
	s := &Service{Subjects: dieh.Subjects{Prefix: cfg.Global.SubjectPrefix}}

	var js nats.JetStreamContext
	var err error
	if cfg.EmbeddedNATS.Enabled {
		s.server, s.nc, js, err = dieh.StartEmbeddedNATS(cfg.EmbeddedNATS.StoreDir, cfg.EmbeddedNATS.Port)
		if err != nil {
			return nil, err
		}
		log.Info().Str("url", s.server.ClientURL()).Msg("embedded NATS server started")
	} else {
		s.nc, err = nats.Connect(cfg.Global.NatsURL, nats.Name("dieh-"+nodeName(cfg)))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		js, err = s.nc.JetStream()
		if err != nil {
			log.Warn().Err(err).Msg("JetStream unavailable, registry sources disabled")
			js = nil
		}
	}

	store, err := dieh.NewStore(nil)
	if err != nil {
		s.Close()
		return nil, err
	}

	policies := dieh.NewPolicies()
	for name, on := range cfg.Policies {
		p, err := dieh.ParsePolicy(name)
		if err != nil {
			s.Close()
			return nil, err
		}
		_ = policies.Set(p, on)
	}

	s.Engine, err = dieh.NewEngine(dieh.Options{
		Store:            store,
		Dispatcher:       dieh.MultiDispatcher{dieh.LogDispatcher{}, dieh.NewNATSDispatcher(s.nc, s.Subjects.ActionRequests())},
		Policies:         policies,
		Node:             nodeName(cfg),
		ServiceTimeLimit: cfg.Engine.ServiceTimeLimit(),
		CoalesceWindow:   cfg.Engine.CoalesceWindow(),
		ActionSettleTime: cfg.Engine.ActionSettleTime(),
		ResultTimeout:    cfg.Probe.ResultTimeout(),
	})
	if err != nil {
		s.Close()
		return nil, err
	}

	if cfg.Probe.Enabled {
		if cfg.Probe.Remote {
			s.Engine.SetProber(dieh.NewNATSProber(s.nc, s.Subjects.ProbeRequests()))
		} else {
			p := probe.NewProber(cfg.Probe.Timeout(), cfg.Probe.Concurrency, s.publishProbeResult)
			s.Engine.SetProber(dieh.ProberFunc(p.Probe))
		}
	}

	s.Loader = dieh.NewLoader(store, js)
	if status, err := s.Loader.Load(cfg.Table.Source); err != nil {
		log.Error().Err(err).Str("status", status.String()).Msg("initial table load failed, running with defaults")
	}

	s.Controller = dieh.NewController(s.Engine, s.Loader)
	s.bridge = dieh.NewBridge(s.nc, s.Engine, s.Controller, s.Subjects, cfg.Engine.Workers)
	if err := s.bridge.Start(); err != nil {
		s.Close()
		return nil, err
	}

	if err := s.registerDrives(ctx, cfg); err != nil {
		s.Close()
		return nil, err
	}

	if cfg.Prometheus.Enabled {
		dieh.StartPrometheusServer(cfg.Prometheus.Port)
	}

	if cfg.Table.Watch && isFileSource(cfg.Table.Source) {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := dieh.WatchTable(ctx, cfg.Table.Source, s.Loader); err != nil {
				log.Error().Err(err).Msg("table watcher stopped")
			}
		}()
	}

	if cfg.Probe.Enabled {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.Engine.RunHealthCheck(ctx, cfg.Engine.SweepInterval())
		}()
	}

	log.Info().
		Str("node_name", s.Engine.Node()).
		Str("subject_prefix", s.Subjects.Prefix).
		Str("table", cfg.Table.Source).
		Int("drives", len(s.Engine.Drives())).
		Msg("dieh service started")
	return s, nil
}

// Conn is the NATS connection the service uses.
func (s *Service) Conn() *nats.Conn { return s.nc }

// Close stops the bridge and waits for background loops. The context
// given to Start must be cancelled first.
func (s *Service) Close() {
	if s.bridge != nil {
		s.bridge.Close()
	}
	s.wg.Wait()
	if s.nc != nil {
		s.nc.Close()
	}
	if s.server != nil {
		s.server.Shutdown()
	}
}

func (s *Service) registerDrives(ctx context.Context, cfg *config.Config) error {
	for _, d := range cfg.Drives {
		id := dieh.DriveIdentity{
			Device:     d.Device,
			DriveType:  d.Type,
			Vendor:     d.Vendor,
			PartNumber: d.PartNumber,
			Firmware:   d.Firmware,
			Serial:     d.Serial,
		}
		if err := s.Engine.AddDrive(d.ID, id); err != nil {
			return err
		}
	}

	if !cfg.DiscoverDrives {
		return nil
	}
	drives, err := probe.NewDiscoverer().Discover(ctx)
	if err != nil {
		log.Error().Err(err).Msg("drive discovery failed")
		return nil
	}
	for name, id := range drives {
		if err := s.Engine.AddDrive(name, id); err != nil {
			log.Debug().Err(err).Str("drive", name).Msg("discovered drive already registered")
		}
	}
	return nil
}

// publishProbeResult routes local probe results through the bridge so
// they are ordered with the drive's other events.
func (s *Service) publishProbeResult(drive string, ok bool) {
	data, err := json.Marshal(dieh.ProbeResult{Drive: drive, OK: ok})
	if err != nil {
		log.Error().Err(err).Str("drive", drive).Msg("error marshalling probe result")
		return
	}
	if err := s.nc.Publish(s.Subjects.ProbeResults(), data); err != nil {
		log.Error().Err(err).Str("drive", drive).Msg("error publishing probe result")
	}
}

func nodeName(cfg *config.Config) string {
	if cfg.Global.NodeName != "" {
		return cfg.Global.NodeName
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

func isFileSource(source string) bool {
	return source != "" && !strings.EqualFold(source, dieh.SourceDefault) && !strings.HasPrefix(source, "nats-kv://")
}
