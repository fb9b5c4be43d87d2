//go:build tsnet

package gateway

import (
	"fmt"
	"log/slog"
	"net"

	"tailscale.com/tsnet"

	"github.com/nextlevelbuilder/kestrel/internal/config"
)

// listen binds a Tailscale socket when a tailnet hostname is configured,
// falling back to plain TCP otherwise. The node joins the tailnet with
// KESTREL_TSNET_AUTH_KEY on first start; state persists under StateDir.
func (s *Server) listen(addr string) (net.Listener, error) {
	ts := s.cfg.Tailscale
	if ts.Hostname == "" {
		return net.Listen("tcp", addr)
	}

	srv := &tsnet.Server{
		Hostname:  ts.Hostname,
		AuthKey:   ts.AuthKey,
		Ephemeral: ts.Ephemeral,
	}
	if ts.StateDir != "" {
		srv.Dir = config.ExpandHome(ts.StateDir)
	}

	var ln net.Listener
	var err error
	if ts.EnableTLS {
		ln, err = srv.ListenTLS("tcp", ":443")
	} else {
		ln, err = srv.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Gateway.Port))
	}
	if err != nil {
		srv.Close()
		return nil, fmt.Errorf("tsnet listen: %w", err)
	}

	s.lnCleanup = srv.Close
	slog.Info("gateway serving over tailscale", "hostname", ts.Hostname, "tls", ts.EnableTLS)
	return ln, nil
}
