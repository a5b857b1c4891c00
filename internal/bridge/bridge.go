// Package bridge terminates WebTransport sessions for clients on
// UDP-hostile networks and pumps their datagrams, verbatim, into the UDP
// relay through a per-session loopback socket. The relay sees each bridged
// client as an ordinary UDP peer, so presence, rate limiting, and moderation
// behave identically.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"
)

// certValidity is the lifetime of the self-signed bridge certificate.
const certValidity = 30 * 24 * time.Hour

// Server accepts WebTransport sessions and proxies them onto the relay.
type Server struct {
	addr      string
	relayAddr *net.UDPAddr
	tlsFP     string
	wt        *webtransport.Server
}

// New builds a bridge listening on addr that forwards to the relay at
// relayAddr. A self-signed certificate is generated; its fingerprint is
// logged so clients can pin it.
func New(addr string, relayAddr net.Addr) (*Server, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", relayAddr.String())
	if err != nil {
		return nil, fmt.Errorf("resolve relay addr %q: %w", relayAddr.String(), err)
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = ""
	}
	tlsConfig, fingerprint, err := generateTLSConfig(certValidity, host)
	if err != nil {
		return nil, fmt.Errorf("bridge tls: %w", err)
	}

	mux := http.NewServeMux()
	s := &Server{
		addr:      addr,
		relayAddr: udpAddr,
		tlsFP:     fingerprint,
		wt: &webtransport.Server{
			H3: &http3.Server{
				Addr:      addr,
				TLSConfig: tlsConfig,
				Handler:   mux,
			},
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	webtransport.ConfigureHTTP3Server(s.wt.H3)

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.wt.Upgrade(w, r)
		if err != nil {
			slog.Warn("webtransport upgrade failed", "remote", r.RemoteAddr, "err", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		s.handleSession(r.Context(), sess)
	})
	return s, nil
}

// Run starts the WebTransport listener and blocks until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	slog.Info("bridge listening", "addr", s.addr, "relay", s.relayAddr.String(), "cert_sha256", s.tlsFP)

	go func() {
		<-ctx.Done()
		s.wt.Close()
	}()

	err := s.wt.ListenAndServe()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// handleSession proxies one session. Each direction runs in its own loop;
// whichever side fails first tears the pair down.
func (s *Server) handleSession(ctx context.Context, sess *webtransport.Session) {
	conn, err := net.DialUDP("udp", nil, s.relayAddr)
	if err != nil {
		slog.Error("bridge relay dial failed", "err", err)
		sess.CloseWithError(1, "relay unavailable")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		conn.Close()
		sess.CloseWithError(0, "bye")
	}()

	slog.Debug("bridge session opened", "local", conn.LocalAddr().String())

	// Relay → session.
	go func() {
		defer cancel()
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			if err := sess.SendDatagram(buf[:n]); err != nil {
				return
			}
		}
	}()

	// Session → relay.
	for {
		data, err := sess.ReceiveDatagram(ctx)
		if err != nil {
			slog.Debug("bridge session closed", "local", conn.LocalAddr().String())
			return
		}
		if _, err := conn.Write(data); err != nil {
			return
		}
	}
}
