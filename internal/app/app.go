// Package app wires the manager link, the SIP agent and the call sessions
// into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sebas/callplane/internal/ami"
	"github.com/sebas/callplane/internal/api"
	"github.com/sebas/callplane/internal/config"
	"github.com/sebas/callplane/internal/eventbus"
	"github.com/sebas/callplane/internal/events"
	"github.com/sebas/callplane/internal/recovery"
	"github.com/sebas/callplane/internal/session"
	"github.com/sebas/callplane/internal/sipua"
	"github.com/sebas/callplane/internal/transport"
)

// Callplane owns every long-lived component.
type Callplane struct {
	config    *config.Config
	bus       *eventbus.Bus
	conn      *transport.Connection
	engine    *ami.Engine
	recovery  *recovery.Controller
	agent     *sipua.Agent
	registry  *session.Registry
	channels  *channelTracker
	apiServer *api.Server
	subs      []*eventbus.Subscription
}

// New builds the components from cfg. Nothing is connected until Run.
func New(cfg *config.Config) (*Callplane, error) {
	bus := eventbus.New()
	bus.OnHandlerPanic(func(topic string, v any) {
		slog.Error("[App] Event handler panicked", "topic", topic, "panic", v)
	})

	// Manager link and protocol engine
	connCfg := transport.DefaultConfig(cfg.AMI.URL)
	if d := cfg.AMI.PingInterval.D(); d > 0 {
		connCfg.PingInterval = d
	}
	conn := transport.New(connCfg, bus)

	amiCfg := ami.DefaultConfig()
	amiCfg.DefaultTimeout = cfg.AMI.Timeout.D()
	amiCfg.Charsets = cfg.AMI.Charsets
	amiCfg.ResyncActions = cfg.AMI.ResyncActions
	engine, err := ami.NewEngine(amiCfg, conn, bus)
	if err != nil {
		return nil, fmt.Errorf("failed to create AMI engine: %w", err)
	}
	conn.OnFrame(engine.Feed)

	// SIP user agent
	agentCfg, err := agentConfig(cfg)
	if err != nil {
		engine.Close()
		return nil, err
	}
	agent, err := sipua.New(agentCfg)
	if err != nil {
		engine.Close()
		return nil, fmt.Errorf("failed to create SIP agent: %w", err)
	}

	p := &Callplane{
		config: cfg,
		bus:    bus,
		conn:   conn,
		engine: engine,
		agent:  agent,
	}

	p.recovery = recovery.New(recoveryConfig(cfg), conn, bus,
		recovery.WithOnReconnected(p.login),
		recovery.WithHeartbeat(engine.Ping),
	)
	conn.OnDown(func(err error) {
		engine.ResetStream()
		p.recovery.HandleTransportLoss(err)
	})

	p.registry = session.NewRegistry(
		session.Config{OperationTimeout: cfg.Calls.OperationTimeout.D()},
		agent,
		bus,
		session.WithFeatures(&pbxFeatures{
			pbx:               engine,
			conferenceContext: cfg.Calls.ConferenceContext,
			recordingDir:      cfg.Calls.RecordingDir,
			recordingFormat:   cfg.Calls.RecordingFormat,
		}),
		session.WithMediaRecoverer(p.recovery),
	)

	p.channels = newChannelTracker(cfg.SIP.User, p.registry)
	p.subs = append(p.subs,
		engine.Subscribe("Newchannel", p.channels.onNewchannel),
		engine.Subscribe("Hangup", p.channels.onHangup),
	)
	p.subs = append(p.subs, events.LogTopics(bus, slog.Default(),
		events.ConnectionState,
		events.ConnectionRecoveryExhausted,
		events.CallState,
		events.CallMediaRecoveryFailed,
	)...)

	if cfg.API.Addr != "" {
		p.apiServer = api.NewServer(cfg.API.Addr, p.registry, conn, engine)
		p.apiServer.SetBusStats(bus)
		p.apiServer.SetDialogCounter(agent)
		p.apiServer.SetOperationTimeout(cfg.Calls.OperationTimeout.D())
	}

	slog.Info("[App] Configuration",
		"ami_url", cfg.AMI.URL,
		"sip", cfg.SIPListenAddr(),
		"advertise", cfg.SIP.AdvertiseAddr,
		"api", cfg.API.Addr)

	return p, nil
}

// Run serves until ctx is done or a listener fails. A failed first connect
// opens a recovery window instead of aborting.
func (p *Callplane) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	p.registry.Start()
	p.recovery.Start()

	g.Go(func() error { return p.agent.Serve(ctx) })
	if p.apiServer != nil {
		g.Go(func() error { return p.apiServer.Serve(ctx) })
	}

	g.Go(func() error {
		if err := p.connect(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("[App] Initial connect failed", "uri", p.conn.URI(), "error", err)
			p.recovery.HandleTransportLoss(err)
		}
		return nil
	})

	g.Go(func() error {
		p.keepRegistered(ctx)
		return nil
	})

	return g.Wait()
}

func (p *Callplane) connect(ctx context.Context) error {
	if err := p.conn.Connect(ctx); err != nil {
		return err
	}
	if err := p.login(ctx); err != nil {
		p.conn.Drop(err)
		return err
	}
	return nil
}

// login authenticates a fresh link and reloads PBX state.
func (p *Callplane) login(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.config.AMI.Timeout.D())
	defer cancel()

	if err := p.engine.Login(ctx, p.config.AMI.Username, p.config.AMI.Secret); err != nil {
		return err
	}
	if err := p.conn.MarkRegistered(); err != nil {
		return err
	}
	slog.Info("[App] Manager session established", "uri", p.conn.URI(), "banner", p.engine.Banner())

	if err := p.engine.Refresh(ctx); err != nil {
		slog.Warn("[App] Resync incomplete", "error", err)
	}
	return nil
}

// keepRegistered refreshes the SIP registration at half its expiry.
func (p *Callplane) keepRegistered(ctx context.Context) {
	if p.config.SIP.Registrar == "" {
		return
	}
	interval := p.config.SIP.RegisterExpiry.D() / 2
	if interval <= 0 {
		interval = 30 * time.Minute
	}

	for {
		if err := p.agent.Register(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("[App] SIP registration failed", "registrar", p.config.SIP.Registrar, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// Close hangs up live calls and releases every component.
func (p *Callplane) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.Calls.OperationTimeout.D())
	defer cancel()

	var errs []error
	if err := p.registry.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("hangup calls: %w", err))
	}
	for _, sub := range p.subs {
		sub.Unsubscribe()
	}
	p.recovery.Stop()

	if p.conn.State().IsUp() {
		if err := p.engine.Logoff(ctx); err != nil {
			slog.Debug("[App] Logoff failed", "error", err)
		}
	}
	p.engine.Close()
	if err := p.conn.Disconnect(); err != nil {
		errs = append(errs, fmt.Errorf("disconnect: %w", err))
	}

	if p.apiServer != nil {
		if err := p.apiServer.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop api: %w", err))
		}
	}
	if err := p.agent.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func recoveryConfig(cfg *config.Config) recovery.Config {
	r := cfg.Recovery
	return recovery.Config{
		BaseDelay:                    r.BaseDelay.D(),
		MaxDelay:                     r.MaxDelay.D(),
		MaxAttempts:                  r.MaxAttempts,
		HeartbeatInterval:            r.HeartbeatInterval.D(),
		HeartbeatTimeout:             r.HeartbeatTimeout.D(),
		HeartbeatFailures:            r.HeartbeatFailures,
		RenegotiationTimeout:         r.RenegotiationTimeout.D(),
		MaxConcurrentMediaRecoveries: int64(r.MaxConcurrentMediaRecoveries),
	}
}

func agentConfig(cfg *config.Config) (sipua.Config, error) {
	s := cfg.SIP
	out := sipua.DefaultConfig()
	out.ListenAddr = cfg.SIPListenAddr()
	out.Transport = s.Transport
	out.AdvertiseAddr = s.AdvertiseAddr
	out.Port = s.Port
	out.User = s.User
	out.Domain = s.Domain
	out.Registrar = s.Registrar
	out.RegisterExpiry = s.RegisterExpiry.D()
	out.Username = s.Username
	out.Password = s.Password
	out.MediaAddr = s.MediaAddr
	out.MediaPort = s.MediaPort
	out.RingTimeout = s.RingTimeout.D()

	if len(s.Codecs) > 0 {
		codecs, err := codecsByName(s.Codecs)
		if err != nil {
			return sipua.Config{}, err
		}
		out.Codecs = codecs
	}
	return out, nil
}

// codecsByName picks codecs from the built-in table in the given order.
func codecsByName(names []string) (sipua.StaticCodecs, error) {
	out := make(sipua.StaticCodecs, 0, len(names))
	for _, name := range names {
		found := false
		for _, c := range sipua.DefaultCodecs {
			if strings.EqualFold(c.Name, name) {
				out = append(out, c)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown codec %q", name)
		}
	}
	return out, nil
}
