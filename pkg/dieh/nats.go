// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

package dieh

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

const DefaultSubjectPrefix = "dieh"

// Subjects derives every subject the engine uses from one prefix.
type Subjects struct {
	Prefix string
}

func (s Subjects) prefix() string {
	if s.Prefix == "" {
		return DefaultSubjectPrefix
	}
	return s.Prefix
}

func (s Subjects) ErrorEvents() string     { return s.prefix() + ".event.error" }
func (s Subjects) IOEvents() string        { return s.prefix() + ".event.io" }
func (s Subjects) DriveEvents() string     { return s.prefix() + ".event.drive" }
func (s Subjects) ProbeResults() string    { return s.prefix() + ".event.probe" }
func (s Subjects) ActionCompleted() string { return s.prefix() + ".event.action" }
func (s Subjects) ActionRequests() string  { return s.prefix() + ".action.request" }
func (s Subjects) ProbeRequests() string   { return s.prefix() + ".probe.request" }
func (s Subjects) Control() string         { return s.prefix() + ".control" }

// IOEvent marks the start or completion of an I/O for the service time
// watchdog.
type IOEvent struct {
	Drive string    `json:"drive"`
	IO    uint64    `json:"io"`
	Phase string    `json:"phase"` // "start" or "complete"
	Time  time.Time `json:"time"`
}

// DriveEvent announces a drive becoming visible or going away.
type DriveEvent struct {
	Drive    string        `json:"drive"`
	Op       string        `json:"op"` // "add" or "remove"
	Identity DriveIdentity `json:"identity"`
}

type ProbeResult struct {
	Drive string `json:"drive"`
	OK    bool   `json:"ok"`
}

type ActionCompletion struct {
	Drive string `json:"drive"`
	ID    string `json:"id,omitempty"`
}

// NATSDispatcher publishes action requests. Publish only appends to the
// connection's buffer, so it is safe under the drive lock.
type NATSDispatcher struct {
	nc      *nats.Conn
	subject string
}

func NewNATSDispatcher(nc *nats.Conn, subject string) *NATSDispatcher {
	return &NATSDispatcher{nc: nc, subject: subject}
}

func (n *NATSDispatcher) Dispatch(req ActionRequest) {
	data, err := json.Marshal(req)
	if err != nil {
		log.Error().Err(err).Str("drive", req.Drive).Msg("error marshalling action request")
		return
	}
	if err := n.nc.Publish(n.subject, data); err != nil {
		log.Error().Err(err).Str("drive", req.Drive).Str("action", req.Action.String()).Msg("error publishing action request")
	}
}

// NATSProber hands probes to a remote agent; the result comes back on the
// probe result subject.
type NATSProber struct {
	nc      *nats.Conn
	subject string
}

func NewNATSProber(nc *nats.Conn, subject string) *NATSProber {
	return &NATSProber{nc: nc, subject: subject}
}

func (n *NATSProber) Probe(req ProbeRequest) {
	data, err := json.Marshal(req)
	if err != nil {
		log.Error().Err(err).Str("drive", req.Drive).Msg("error marshalling probe request")
		return
	}
	if err := n.nc.Publish(n.subject, data); err != nil {
		log.Error().Err(err).Str("drive", req.Drive).Msg("error publishing probe request")
	}
}

// Bridge feeds NATS traffic into the engine. Drive scoped messages are
// sharded over a fixed set of workers by drive id, so one drive's events
// keep their order while different drives proceed in parallel.
type Bridge struct {
	nc         *nats.Conn
	engine     *Engine
	controller *Controller
	subjects   Subjects

	subs    []*nats.Subscription
	workers []chan func()
	wg      sync.WaitGroup

	// mu guards closed against enqueue racing Close
	mu     sync.RWMutex
	closed bool
}

func NewBridge(nc *nats.Conn, engine *Engine, controller *Controller, subjects Subjects, workers int) *Bridge {
	if workers <= 0 {
		workers = 1
	}
	b := &Bridge{
		nc:         nc,
		engine:     engine,
		controller: controller,
		subjects:   subjects,
		workers:    make([]chan func(), workers),
	}
	for i := range b.workers {
		b.workers[i] = make(chan func(), 1024)
	}
	return b
}

func (b *Bridge) Start() error {
	for _, ch := range b.workers {
		b.wg.Add(1)
		go func(ch chan func()) {
			defer b.wg.Done()
			for fn := range ch {
				fn()
			}
		}(ch)
	}

	handlers := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{b.subjects.ErrorEvents(), b.handleError},
		{b.subjects.IOEvents(), b.handleIO},
		{b.subjects.DriveEvents(), b.handleDrive},
		{b.subjects.ProbeResults(), b.handleProbe},
		{b.subjects.ActionCompleted(), b.handleActionCompleted},
	}
	if b.controller != nil {
		handlers = append(handlers, struct {
			subject string
			handler nats.MsgHandler
		}{b.subjects.Control(), b.handleControl})
	}

	for _, h := range handlers {
		sub, err := b.nc.Subscribe(h.subject, h.handler)
		if err != nil {
			b.Close()
			return fmt.Errorf("subscribe %s: %w", h.subject, err)
		}
		b.subs = append(b.subs, sub)
		log.Info().Str("subject", h.subject).Msg("subscribed")
	}
	return b.nc.Flush()
}

// Close unsubscribes and waits for queued work to finish.
func (b *Bridge) Close() {
	for _, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
			log.Warn().Err(err).Str("subject", sub.Subject).Msg("error unsubscribing")
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, ch := range b.workers {
		close(ch)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Bridge) enqueue(drive string, fn func()) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(drive))

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.workers[h.Sum32()%uint32(len(b.workers))] <- fn
}

func (b *Bridge) handleError(msg *nats.Msg) {
	var ev ErrorEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("error decoding error event")
		return
	}
	b.enqueue(ev.Drive, func() {
		out, err := b.engine.HandleError(ev)
		if err != nil {
			log.Warn().Err(err).Str("drive", ev.Drive).Msg("error event dropped")
			return
		}
		log.Debug().
			Str("drive", out.Drive).
			Str("category", out.Category.String()).
			Uint32("ratio", out.Ratio).
			Bool("coalesced", out.Coalesced).
			Bool("suppressed", out.Suppressed).
			Str("action", out.Action.String()).
			Msg("error event handled")
	})
}

func (b *Bridge) handleIO(msg *nats.Msg) {
	var ev IOEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("error decoding io event")
		return
	}
	b.enqueue(ev.Drive, func() {
		var err error
		switch ev.Phase {
		case "start":
			err = b.engine.IOStarted(ev.Drive, ev.IO, ev.Time)
		case "complete":
			err = b.engine.IOCompleted(ev.Drive, ev.IO)
		default:
			err = fmt.Errorf("unknown io phase %q", ev.Phase)
		}
		if err != nil {
			log.Warn().Err(err).Str("drive", ev.Drive).Uint64("io", ev.IO).Msg("io event dropped")
		}
	})
}

func (b *Bridge) handleDrive(msg *nats.Msg) {
	var ev DriveEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("error decoding drive event")
		return
	}
	b.enqueue(ev.Drive, func() {
		var err error
		switch ev.Op {
		case "add":
			err = b.engine.AddDrive(ev.Drive, ev.Identity)
		case "remove":
			err = b.engine.RemoveDrive(ev.Drive)
		default:
			err = fmt.Errorf("unknown drive op %q", ev.Op)
		}
		if err != nil {
			log.Warn().Err(err).Str("drive", ev.Drive).Msg("drive event dropped")
		}
	})
}

func (b *Bridge) handleProbe(msg *nats.Msg) {
	var res ProbeResult
	if err := json.Unmarshal(msg.Data, &res); err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("error decoding probe result")
		return
	}
	b.enqueue(res.Drive, func() {
		if _, err := b.engine.ProbeCompleted(res.Drive, res.OK); err != nil {
			log.Warn().Err(err).Str("drive", res.Drive).Msg("probe result dropped")
		}
	})
}

func (b *Bridge) handleActionCompleted(msg *nats.Msg) {
	var ev ActionCompletion
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("error decoding action completion")
		return
	}
	b.enqueue(ev.Drive, func() {
		if err := b.engine.ActionCompleted(ev.Drive); err != nil {
			log.Warn().Err(err).Str("drive", ev.Drive).Msg("action completion dropped")
		}
	})
}

func (b *Bridge) handleControl(msg *nats.Msg) {
	var req ControlRequest
	var resp ControlResponse
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		resp = ControlResponse{Error: fmt.Sprintf("decode request: %v", err)}
	} else {
		resp = b.controller.Handle(req)
	}
	data, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Msg("error marshalling control response")
		return
	}
	if err := msg.Respond(data); err != nil {
		log.Error().Err(err).Str("command", req.Command).Msg("error sending control response")
	}
}

// StartEmbeddedNATS runs an in-process NATS server with JetStream, for
// single node setups and tests. port -1 picks a free port.
func StartEmbeddedNATS(storeDir string, port int) (*server.Server, *nats.Conn, nats.JetStreamContext, error) {
	opts := &server.Options{
		Port:      port,
		JetStream: true,
		StoreDir:  storeDir,
		NoSigs:    true,
	}

	s, err := server.NewServer(opts)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create NATS server: %w", err)
	}

	go s.Start()

	if !s.ReadyForConnections(10 * time.Second) {
		s.Shutdown()
		return nil, nil, nil, fmt.Errorf("NATS Server did not start in time")
	}

	nc, err := nats.Connect(s.ClientURL())
	if err != nil {
		s.Shutdown()
		return nil, nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		s.Shutdown()
		return nil, nil, nil, fmt.Errorf("failed to initialize JetStream: %w", err)
	}

	return s, nc, js, nil
}
