//go:build !tsnet

package gateway

import (
	"log/slog"
	"net"
)

// listen binds the plain TCP listener. Binaries built with -tags tsnet swap
// this for a Tailscale socket.
func (s *Server) listen(addr string) (net.Listener, error) {
	if s.cfg.Tailscale.Hostname != "" {
		slog.Warn("tailscale configured but binary built without tsnet, serving plain tcp",
			"hostname", s.cfg.Tailscale.Hostname)
	}
	return net.Listen("tcp", addr)
}
