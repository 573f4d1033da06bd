package connectionhandler

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/korolkovko/unifi-proxy/internal/ipfilter"
	"github.com/korolkovko/unifi-proxy/internal/ratelimit"
	"github.com/korolkovko/unifi-proxy/internal/routes"
	"github.com/korolkovko/unifi-proxy/internal/stats"
)

// Reason identifies why a connection ended. Every failure is terminal for its
// connection; retry is the client's responsibility.
type Reason string

const (
	ReasonOK                  Reason = "ok"
	ReasonIPDenied            Reason = "ip_denied"
	ReasonRateLimited         Reason = "rate_limited"
	ReasonNotTLS              Reason = "not_tls"
	ReasonHelloTooLarge       Reason = "hello_too_large"
	ReasonPrereadTimeout      Reason = "preread_timeout"
	ReasonNoSNI               Reason = "no_sni"
	ReasonSNINotAllowed       Reason = "sni_not_allowed"
	ReasonUpstreamUnreachable Reason = "upstream_unreachable"
	ReasonTransportError      Reason = "transport_error"
)

type phase int

const (
	phaseAwaitingHello phase = iota
	phaseDialing
	phaseSplicing
	phaseClosing
)

// Config carries the per-connection deadlines.
type Config struct {
	PrereadTimeout time.Duration
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
}

// Handler owns the admission checks and the per-connection state machine.
type Handler struct {
	cfg     Config
	filter  *ipfilter.Filter
	limiter *ratelimit.Limiter
	routes  *routes.Table
	stats   *stats.Tracker
	log     zerolog.Logger
}

// New wires a Handler. The filter and route table are read without locking;
// the limiter and tracker synchronize internally.
func New(cfg Config, filter *ipfilter.Filter, limiter *ratelimit.Limiter, table *routes.Table, tracker *stats.Tracker, log zerolog.Logger) *Handler {
	return &Handler{
		cfg:     cfg,
		filter:  filter,
		limiter: limiter,
		routes:  table,
		stats:   tracker,
		log:     log,
	}
}

// connState is the per-connection state. The handler goroutine exclusively
// owns both sockets; closeAll is the only cross-goroutine entry point and is
// idempotent.
type connState struct {
	mu       sync.Mutex
	closed   bool
	client   net.Conn
	upstream net.Conn
	phase    phase

	bytesToUpstream int64
	bytesToClient   int64
}

func (s *connState) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.phase = phaseClosing
	_ = s.client.Close()
	if s.upstream != nil {
		_ = s.upstream.Close()
	}
}

// setUpstream hands the dialed socket to the state. It reports false when the
// connection was already closed (shutdown raced the dial), in which case the
// socket is closed immediately.
func (s *connState) setUpstream(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = c.Close()
		return false
	}
	s.upstream = c
	return true
}

// Handle drives one accepted client connection through admission, preread,
// dial and splice, then records the outcome. Cancelling ctx force-closes both
// sockets.
func (h *Handler) Handle(ctx context.Context, conn net.Conn) {
	state := &connState{client: conn, phase: phaseAwaitingHello}
	stop := context.AfterFunc(ctx, state.closeAll)
	defer stop()
	defer state.closeAll()

	remote := conn.RemoteAddr().String()
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	log := h.log.With().Str("client", remote).Logger()
	log.Debug().Msg("accepted connection")

	start := time.Now()
	var (
		sni      string
		admitted bool
	)
	reason := h.run(ctx, state, host, &sni, &admitted, log)
	state.closeAll()

	elapsed := time.Since(start)
	if reason == ReasonOK {
		h.stats.RecordSuccess()
		log.Info().
			Str("sni", sni).
			Int64("bytes_to_upstream", state.bytesToUpstream).
			Int64("bytes_to_client", state.bytesToClient).
			Dur("duration", elapsed).
			Msg("connection closed")
		return
	}
	h.stats.RecordFailure(string(reason), admitted)
	log.Warn().
		Str("sni", sni).
		Str("reason", string(reason)).
		Dur("duration", elapsed).
		Msg("connection failed")
}

func (h *Handler) run(ctx context.Context, state *connState, host string, sni *string, admitted *bool, log zerolog.Logger) Reason {
	if !h.filter.Allowed(host) {
		return ReasonIPDenied
	}
	if !h.limiter.Check(host) {
		return ReasonRateLimited
	}

	buf := getHelloBuf()
	defer putHelloBuf(buf)
	if reason, ok := h.preread(state.client, buf); !ok {
		return reason
	}

	name, err := parseClientHello(*buf)
	if err != nil {
		log.Debug().Err(err).Msg("ClientHello carried no usable SNI")
		return ReasonNoSNI
	}
	*sni = name

	// The SNI and source are counted before the route lookup, so denied
	// domains still show up in the domain stats.
	h.stats.RecordAdmission(name, host)
	*admitted = true

	upstream, ok := h.routes.Lookup(name)
	if !ok {
		return ReasonSNINotAllowed
	}

	state.phase = phaseDialing
	dialer := net.Dialer{Timeout: h.cfg.ConnectTimeout}
	upConn, err := dialer.DialContext(ctx, "tcp", upstream.Addr())
	if err != nil {
		log.Debug().Err(err).Str("upstream", upstream.Addr()).Msg("upstream dial failed")
		return ReasonUpstreamUnreachable
	}
	if !state.setUpstream(upConn) {
		return ReasonTransportError
	}

	log.Info().Str("sni", name).Str("upstream", upstream.Addr()).Msg("proxying connection")
	state.phase = phaseSplicing
	return h.splice(state, *buf)
}

// preread appends client bytes to buf until the probe reports a complete TLS
// record. The second return value is false when the connection must close
// with the given reason.
func (h *Handler) preread(conn net.Conn, buf *[]byte) (Reason, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PrereadTimeout))
	defer conn.SetReadDeadline(time.Time{})

	chunk := make([]byte, 4096)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			*buf = append(*buf, chunk[:n]...)
			b := *buf
			if b[0] != contentTypeHandshake {
				return ReasonNotTLS, false
			}
			switch _, res := probeRecord(b); res {
			case probeComplete:
				return "", true
			case probeNotTLS:
				return ReasonNotTLS, false
			default:
				if len(b) >= maxHelloSize {
					return ReasonHelloTooLarge, false
				}
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return ReasonPrereadTimeout, false
			}
			return ReasonTransportError, false
		}
	}
}

// splice replays the buffered ClientHello to the upstream and then copies
// bytes in both directions until either side finishes. The shared activity
// stamp implements the idle deadline across both directions.
func (h *Handler) splice(state *connState, hello []byte) Reason {
	_ = state.upstream.SetWriteDeadline(time.Now().Add(h.cfg.IdleTimeout))
	if err := writeAll(state.upstream, hello); err != nil {
		return ReasonTransportError
	}

	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())

	var wg sync.WaitGroup
	wg.Add(2)
	errs := make(chan error, 2)

	go func() {
		defer wg.Done()
		n, err := h.copyDirection(state.upstream, state.client, &lastActivity)
		atomic.AddInt64(&state.bytesToUpstream, n)
		errs <- err
		closeWrite(state.upstream)
		closeRead(state.client)
	}()

	go func() {
		defer wg.Done()
		n, err := h.copyDirection(state.client, state.upstream, &lastActivity)
		atomic.AddInt64(&state.bytesToClient, n)
		errs <- err
		closeWrite(state.client)
		closeRead(state.upstream)
	}()

	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil && !errors.Is(err, net.ErrClosed) {
			return ReasonTransportError
		}
	}
	return ReasonOK
}

// copyDirection moves bytes src→dst until EOF or error, refreshing the shared
// idle stamp on every chunk. A read deadline that fires while the opposite
// direction was active is retried instead of failing the splice.
func (h *Handler) copyDirection(dst, src net.Conn, lastActivity *atomic.Int64) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		last := time.Unix(0, lastActivity.Load())
		_ = src.SetReadDeadline(last.Add(h.cfg.IdleTimeout))

		n, err := src.Read(buf)
		if n > 0 {
			lastActivity.Store(time.Now().UnixNano())
			total += int64(n)
			_ = dst.SetWriteDeadline(time.Now().Add(h.cfg.IdleTimeout))
			if werr := writeAll(dst, buf[:n]); werr != nil {
				return total, werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return total, nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if time.Unix(0, lastActivity.Load()).Add(h.cfg.IdleTimeout).After(time.Now()) {
					continue
				}
			}
			return total, err
		}
	}
}

func writeAll(w io.Writer, data []byte) error {
	for len(data) > 0 {
		n, err := w.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func closeWrite(c net.Conn) {
	if tcp, ok := c.(*net.TCPConn); ok {
		_ = tcp.CloseWrite()
	}
}

func closeRead(c net.Conn) {
	if tcp, ok := c.(*net.TCPConn); ok {
		_ = tcp.CloseRead()
	}
}
