// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/absmach/wampd/examples/simple"
	"github.com/absmach/wampd/pkg/auth"
	"github.com/absmach/wampd/pkg/bridge"
	"github.com/absmach/wampd/pkg/config"
	"github.com/absmach/wampd/pkg/handler"
	"github.com/absmach/wampd/pkg/metrics"
	"github.com/absmach/wampd/pkg/parser/websocket"
	"github.com/absmach/wampd/pkg/protocol"
	"github.com/absmach/wampd/pkg/ratelimit"
	"github.com/absmach/wampd/pkg/router"
	"github.com/absmach/wampd/pkg/server/listener"
	"github.com/absmach/wampd/pkg/server/tcp"
	"github.com/gammazero/nexus/v3/wamp"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

func runRouter(ctx context.Context, app appConfig, topo config.Config, opts *options, logger *slog.Logger) error {
	m := metrics.New("wampd", prometheus.DefaultRegisterer)

	var cookies auth.CookieStore = auth.NewMemoryCookieStore()
	if topo.Cookies.Path != "" {
		bs, err := auth.OpenBoltCookieStore(topo.Cookies.Path)
		if err != nil {
			return err
		}
		defer bs.Close()
		cookies = bs
	}

	r, err := router.New(router.Config{
		Realms:      topo.Realms,
		Cookies:     cookies,
		AuthTimeout: topo.AuthTimeout,
		Logger:      logger.With(slog.String("component", "router")),
		Metrics:     m,
	})
	if err != nil {
		return err
	}
	defer r.Close()

	deps := auth.Deps{
		Cookies: cookies,
		Nonces:  auth.NewNonceCache(0),
		Logger:  logger.With(slog.String("component", "auth")),
		Metrics: m,
	}
	if svc := serviceSession(r, topo); svc != nil {
		deps.Caller = svc
	}

	checker := newChecker(app)
	checker.Register("router", r.Check)

	g, ctx := errgroup.WithContext(ctx)

	for _, l := range []struct {
		prefix string
		name   string
		typ    string
	}{
		{prefix: rawSocketPrefix, name: config.ListenerRawSocket, typ: listener.RawSocket},
		{prefix: webSocketPrefix, name: config.ListenerWebSocket, typ: listener.WebSocket},
	} {
		if err := startWAMPListener(g, ctx, l.prefix, l.typ, topo.Auth[l.name], deps, r, logger); err != nil {
			return err
		}
	}

	if topo.MQTT.Realm != "" {
		closeStore, err := startMQTT(g, ctx, topo, deps, r, m, opts.verbose, logger)
		defer closeStore()
		if err != nil {
			return err
		}
	}

	if err := startManagement(g, ctx, app, checker, nil, logger); err != nil {
		return err
	}

	logger.Info("router node started", slog.Any("realms", r.Realms()))
	<-ctx.Done()
	return g.Wait()
}

// serviceSession returns the trusted session dynamic authenticators are
// called through.
func serviceSession(r *router.Router, topo config.Config) *router.LocalSession {
	name := topo.ServiceRealm
	if name == "" && len(topo.Realms) > 0 {
		name = topo.Realms[0].Name
	}
	realm, ok := r.Realm(wamp.URI(name))
	if !ok {
		return nil
	}
	return realm.Service()
}

func startWAMPListener(g *errgroup.Group, ctx context.Context, prefix, typ string, ac auth.Config, deps auth.Deps, r *router.Router, logger *slog.Logger) error {
	cfg, ok, err := listenerConfig(prefix)
	if err != nil || !ok {
		return err
	}
	authn, err := auth.New(ac, deps)
	if err != nil {
		return fmt.Errorf("%s auth: %w", typ, err)
	}
	network, address := cfg.Address()
	l, err := listener.Start(ctx, listener.Config{
		Type:            typ,
		Network:         network,
		Address:         address,
		TLSConfig:       cfg.TLSConfig,
		Path:            cfg.Path,
		Cookie:          websocket.CookieConfig{Enabled: typ == listener.WebSocket},
		MaxConnections:  cfg.MaxConnections,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          logger.With(slog.String("listener", typ)),
	}, func(ctx context.Context, p protocol.Peer) error {
		return r.Serve(ctx, p, authn)
	})
	if err != nil {
		return err
	}
	closeOnDone(g, ctx, l)
	logger.Info("WAMP listener started", slog.String("type", typ), slog.String("address", l.Addr().String()))
	return nil
}

// startMQTT starts the MQTT listeners. The returned func closes the
// session store and is never nil.
func startMQTT(g *errgroup.Group, ctx context.Context, topo config.Config, deps auth.Deps, r *router.Router, m *metrics.Metrics, verbose bool, logger *slog.Logger) (func(), error) {
	nop := func() {}
	tcpCfg, tcpOn, err := listenerConfig(mqttPrefix)
	if err != nil {
		return nop, err
	}
	wsCfg, wsOn, err := listenerConfig(mqttWSPrefix)
	if err != nil {
		return nop, err
	}
	if !tcpOn && !wsOn {
		logger.Warn("MQTT bridge configured without a listener address")
		return nop, nil
	}

	logger = logger.With(slog.String("component", "mqtt"))
	var store bridge.SessionStore = bridge.NewMemoryStore()
	closeStore := nop
	if dir := topo.MQTT.StoreDir; dir != "" {
		bs, err := bridge.OpenBadgerStore(dir, logger)
		if err != nil {
			return nop, err
		}
		closeStore = func() {
			if err := bs.Close(); err != nil {
				logger.Warn("failed to close MQTT session store", slog.Any("error", err))
			}
		}
		store = bs
	}

	authn, err := auth.New(topo.Auth[config.ListenerMQTT], deps)
	if err != nil {
		return closeStore, fmt.Errorf("mqtt auth: %w", err)
	}
	var limiter *ratelimit.Limiter
	if rl := topo.MQTT.RateLimit; rl.Rate > 0 || rl.Burst > 0 {
		if limiter, err = ratelimit.NewLimiter(rl); err != nil {
			return closeStore, err
		}
	}
	wh, err := bridge.NewWAMPHandler(r, bridge.WAMPConfig{
		Realm:         wamp.URI(topo.MQTT.Realm),
		Authenticator: authn,
		Payload:       topo.MQTT.Payload,
		Limiter:       limiter,
		Metrics:       m,
		Logger:        logger,
	})
	if err != nil {
		return closeStore, err
	}
	var h handler.Handler = wh
	if verbose {
		h = simple.New(wh, logger)
	}

	if tcpOn {
		b := bridge.New(bridge.Config{
			Store:         store,
			MaxPacketSize: topo.MQTT.MaxPacketSize,
			Protocol:      "mqtt",
			Metrics:       m,
			Logger:        logger,
		}, h)
		network, address := tcpCfg.Address()
		srv := tcp.New(tcp.Config{
			Network:         network,
			Address:         address,
			TLSConfig:       tcpCfg.TLSConfig,
			MaxConnections:  tcpCfg.MaxConnections,
			ShutdownTimeout: tcpCfg.ShutdownTimeout,
			Logger:          logger,
		}, tcp.HandlerFunc(b.Serve))
		g.Go(func() error {
			return srv.Listen(ctx)
		})
	}

	if wsOn {
		b := bridge.New(bridge.Config{
			Store:         store,
			MaxPacketSize: topo.MQTT.MaxPacketSize,
			Protocol:      "mqtt-ws",
			Metrics:       m,
			Logger:        logger,
		}, h)
		ln, err := bind(wsCfg)
		if err != nil {
			return closeStore, err
		}
		mux := http.NewServeMux()
		mux.Handle(wsCfg.Path, websocket.NewMQTTHandler(b.Serve, nil, logger))
		g.Go(func() error {
			return serveHTTP(ctx, ln, mux, wsCfg.ShutdownTimeout)
		})
		logger.Info("MQTT WebSocket listener started", slog.String("address", ln.Addr().String()))
	}
	return closeStore, nil
}
