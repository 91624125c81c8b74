// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/absmach/wampd/pkg/auth"
	"github.com/absmach/wampd/pkg/config"
	"github.com/absmach/wampd/pkg/metrics"
	"github.com/absmach/wampd/pkg/protocol"
	"github.com/absmach/wampd/pkg/proxy"
	"github.com/absmach/wampd/pkg/router"
	"github.com/absmach/wampd/pkg/server/listener"
	"github.com/gammazero/nexus/v3/wamp"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// monitorRole may watch lifecycle events on the management realm.
const monitorRole = "monitor"

func runProxy(ctx context.Context, app appConfig, topo config.Config, _ *options, logger *slog.Logger) error {
	m := metrics.New("wampd", prometheus.DefaultRegisterer)
	pc := topo.Proxy

	key, err := topo.NodeKey()
	if err != nil {
		return err
	}
	listenCfg, _, err := listenerConfig(proxyPrefix)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	var events proxy.Publisher
	if pc.Management.Realm != "" {
		mr, pub, err := startManagementRealm(g, ctx, pc.Management, logger)
		if err != nil {
			return err
		}
		defer mr.Close()
		events = pub
	}

	ctrl, err := proxy.New(proxy.Config{
		Key: key,
		Listen: proxy.NewListenFunc(proxy.ListenConfig{
			Deps: auth.Deps{
				Cookies: auth.NewMemoryCookieStore(),
				Nonces:  auth.NewNonceCache(0),
				Logger:  logger.With(slog.String("component", "auth")),
				Metrics: m,
			},
			TLSConfig:       listenCfg.TLSConfig,
			MaxConnections:  listenCfg.MaxConnections,
			ShutdownTimeout: listenCfg.ShutdownTimeout,
			Logger:          logger,
		}),
		Events:          events,
		EventPrefix:     pc.Management.EventPrefix,
		ServiceSessions: pc.ServiceSessions,
		AuthTimeout:     pc.AuthTimeout,
		Logger:          logger.With(slog.String("component", "proxy")),
		Metrics:         m,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.ShutdownTimeout)
		defer cancel()
		ctrl.Close(shutdownCtx)
	}()

	if err := startTopology(ctx, ctrl, pc); err != nil {
		return err
	}

	checker := newChecker(app)
	checker.Register("proxy", ctrl.Check)
	if err := startManagement(g, ctx, app, checker, ctrl, logger); err != nil {
		return err
	}

	logger.Info("proxy node started",
		slog.Int("transports", len(pc.Transports)),
		slog.Int("connections", len(pc.Connections)),
		slog.Int("routes", len(pc.Routes)))
	<-ctx.Done()
	return g.Wait()
}

// startTopology starts connections before the routes that reference them
// and opens the transports last.
func startTopology(ctx context.Context, ctrl *proxy.Controller, pc config.ProxyConfig) error {
	for _, cc := range pc.Connections {
		if err := ctrl.StartConnection(ctx, cc); err != nil {
			return fmt.Errorf("connection %s: %w", cc.ID, err)
		}
	}
	for _, rc := range pc.Routes {
		if err := ctrl.StartRoute(ctx, rc); err != nil {
			return fmt.Errorf("route %s: %w", rc.ID, err)
		}
	}
	for _, tc := range pc.Transports {
		if err := ctrl.StartTransport(ctx, tc); err != nil {
			return fmt.Errorf("transport %s: %w", tc.ID, err)
		}
	}
	return nil
}

// startManagementRealm runs the local router lifecycle events are published
// on and serves it over RawSocket when an endpoint is configured.
func startManagementRealm(g *errgroup.Group, ctx context.Context, mc config.ManagementConfig, logger *slog.Logger) (*router.Router, *router.LocalSession, error) {
	logger = logger.With(slog.String("component", "management"))
	mr, err := router.New(router.Config{
		Realms: []router.RealmConfig{{
			Name: mc.Realm,
			Roles: []router.RoleConfig{{
				Name: monitorRole,
				Permissions: []router.Permission{{
					URI:   "",
					Match: protocol.MatchPrefix,
					Allow: router.Allow{Subscribe: true, Call: true},
				}},
			}},
		}},
		Logger: logger,
	})
	if err != nil {
		return nil, nil, err
	}
	pub, err := mr.LocalSession(wamp.URI(mc.Realm), "wampd-proxy", router.RoleTrusted, nil)
	if err != nil {
		mr.Close()
		return nil, nil, err
	}
	if mc.Endpoint == nil {
		return mr, pub, nil
	}

	authn, err := auth.New(auth.Config{
		auth.MethodAnonymous: {Role: monitorRole},
	}, auth.Deps{Logger: logger})
	if err != nil {
		mr.Close()
		return nil, nil, err
	}
	network, address := mc.Endpoint.Network()
	l, err := listener.Start(ctx, listener.Config{
		Type:    listener.RawSocket,
		Network: network,
		Address: address,
		Logger:  logger,
	}, func(ctx context.Context, p protocol.Peer) error {
		return mr.Serve(ctx, p, authn)
	})
	if err != nil {
		mr.Close()
		return nil, nil, err
	}
	closeOnDone(g, ctx, l)
	logger.Info("management realm served", slog.String("realm", mc.Realm), slog.String("address", l.Addr().String()))
	return mr, pub, nil
}
