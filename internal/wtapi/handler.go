// Package wtapi is the optional HTTP/3 WebTransport listener (SPEC_FULL
// §6): the same bidirectional frame contract as internal/ws, carried over
// one reliable QUIC stream per connection rather than a WebSocket. Enabled
// only when configured with a listen address; audio chunks stay JSON text
// over that single stream, so the single-transmitter and ordering
// invariants hold identically to the WebSocket transport.
package wtapi

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"
	"golang.org/x/time/rate"

	"ptt/server/internal/coordinator"
	"ptt/server/internal/identity"
	"ptt/server/internal/protocol"
	"ptt/server/internal/router"
)

const (
	heartbeatMS   = 30_000
	idleStreamTTL = 3 * heartbeatMS * time.Millisecond
	controlBurst  = 20

	defaultControlPerSec = 20
)

// Server owns the HTTP/3 WebTransport listener.
type Server struct {
	router        *router.Router
	identities    identity.Resolver
	wt            webtransport.Server
	controlPerSec int
}

// New constructs a Server bound to addr, generating a self-signed
// certificate valid for certValidity (WebTransport requires TLS).
// controlPerSec bounds inbound control frames per connection, matching
// internal/ws.Handler's own limit; a non-positive value falls back to
// defaultControlPerSec.
func New(addr string, certValidity time.Duration, r *router.Router, resolver identity.Resolver, controlPerSec int) (*Server, error) {
	if controlPerSec <= 0 {
		controlPerSec = defaultControlPerSec
	}
	tlsConfig, err := selfSignedTLSConfig(certValidity, "")
	if err != nil {
		return nil, err
	}

	s := &Server{router: r, identities: resolver, controlPerSec: controlPerSec}
	mux := http.NewServeMux()
	mux.HandleFunc("/wt/", s.handleUpgrade)

	s.wt = webtransport.Server{
		H3: http3.Server{
			Addr:      addr,
			TLSConfig: tlsConfig,
			Handler:   mux,
		},
	}
	return s, nil
}

// ListenAndServe blocks serving WebTransport sessions until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.wt.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		_ = s.wt.Close()
		return nil
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	channelUUID := strings.TrimPrefix(r.URL.Path, "/wt/")
	deviceToken := strings.TrimSpace(r.URL.Query().Get("device_token"))
	token := strings.TrimSpace(r.URL.Query().Get("token"))

	if deviceToken == "" || token == "" {
		http.Error(w, "device_token and token are required", http.StatusUnauthorized)
		return
	}
	if _, err := s.identities.Resolve(token); err != nil {
		http.Error(w, "invalid or expired token", http.StatusUnauthorized)
		return
	}

	coord, err := s.router.Resolve(r.Context(), channelUUID)
	if err != nil {
		http.Error(w, "channel not found", http.StatusNotFound)
		return
	}

	session, err := s.wt.Upgrade(w, r)
	if err != nil {
		slog.Debug("wtapi upgrade failed", "err", err)
		return
	}

	stream, err := session.AcceptStream(r.Context())
	if err != nil {
		slog.Debug("wtapi accept stream failed", "err", err)
		return
	}
	s.serveStream(r.Context(), stream, coord, deviceToken)
}

// streamSender adapts a webtransport.Stream to fanout.Sender.
type streamSender struct {
	stream webtransport.Stream
}

func (s *streamSender) WriteMessage(data []byte) error {
	data = append(data, '\n')
	_, err := s.stream.Write(data)
	return err
}

func (s *streamSender) Close() error {
	return s.stream.Close()
}

func (s *Server) serveStream(ctx context.Context, stream webtransport.Stream, coord *coordinator.Coordinator, deviceToken string) {
	defer stream.Close()

	if err := coord.AttachSocket(deviceToken, &streamSender{stream: stream}); err != nil {
		enc := json.NewEncoder(stream)
		_ = enc.Encode(protocol.Frame{Type: protocol.TypeError, Error: err.Error(), Code: "unauthorized"})
		return
	}

	limiter := rate.NewLimiter(rate.Limit(s.controlPerSec), controlBurst)
	dec := json.NewDecoder(bufio.NewReader(stream))

	for {
		_ = stream.SetReadDeadline(time.Now().Add(idleStreamTTL))

		var in protocol.Frame
		if err := dec.Decode(&in); err != nil {
			_ = coord.Leave(deviceToken)
			return
		}
		if !limiter.Allow() {
			coord.SendTo(deviceToken, protocol.Frame{Type: protocol.TypeError, Error: "rate limited", Code: protocol.CodeRateLimited})
			continue
		}
		switch in.Type {
		case protocol.TypePing:
			coord.Touch(deviceToken)
			coord.SendTo(deviceToken, protocol.Frame{Type: protocol.TypePong, Timestamp: in.Timestamp})
		case protocol.TypeLeave:
			_ = coord.Leave(deviceToken)
			return
		default:
			coord.SendTo(deviceToken, protocol.Frame{Type: protocol.TypeError, Error: "unsupported message type", Code: protocol.CodeInvalidChunk})
		}
	}
}
