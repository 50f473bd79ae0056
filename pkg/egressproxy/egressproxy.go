// Package egressproxy implements the Egress Proxy Sidecar (C7): a forward
// proxy bound inside a sandbox pod that terminates CONNECT tunnels, applies
// the domain policy, and injects short-lived upstream credentials on
// intercepted (MITM) connections. Passthrough hosts are tunneled
// byte-for-byte with no interception; the admin HTTP surface exposes
// health, metrics, and the Git credential helper, and shuts down
// gracefully on context cancellation.
package egressproxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sandboxlabs/sandboxd/pkg/broker"
	"github.com/sandboxlabs/sandboxd/pkg/ca"
	"github.com/sandboxlabs/sandboxd/pkg/log"
	"github.com/sandboxlabs/sandboxd/pkg/metrics"
)

// Config holds one sidecar instance's tunables.
type Config struct {
	SandboxID string
	ProxyAddr string // default 127.0.0.1:8080
	AdminAddr string // default 127.0.0.1:8081
}

// Proxy is the C7 Egress Proxy Sidecar. Its token cache, cert authority,
// and policy map are constructed once at startup and shared read-mostly
// across every connection goroutine (§9: "scoped to a single long-lived
// object ... injected explicitly into connection handlers").
type Proxy struct {
	cfg    Config
	policy Policy
	ca     *ca.Authority
	broker broker.Broker
	tokens *tokenCache
	logger zerolog.Logger

	// upstreamTLS overrides the client-side TLS config used when dialing
	// the real upstream in the MITM path. Nil uses the platform's default
	// trust store (the production case); tests and deployments with a
	// private upstream CA bundle can set a custom RootCAs pool.
	upstreamTLS *tls.Config
}

// New constructs a Proxy. authority must already have LoadOrCreate called.
func New(cfg Config, policy Policy, authority *ca.Authority, brk broker.Broker) *Proxy {
	return &Proxy{
		cfg:    cfg,
		policy: policy,
		ca:     authority,
		broker: brk,
		tokens: newTokenCache(),
		logger: log.WithComponent("egressproxy"),
	}
}

// SetUpstreamTLSConfig overrides the TLS config used to dial real
// upstreams in the MITM path (see Proxy.upstreamTLS).
func (p *Proxy) SetUpstreamTLSConfig(cfg *tls.Config) {
	p.upstreamTLS = cfg
}

// Start runs the proxy listener and the admin HTTP server until ctx is
// cancelled, returning the first fatal error from either.
func (p *Proxy) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", p.cfg.ProxyAddr)
	if err != nil {
		return fmt.Errorf("egressproxy: listening on %s: %w", p.cfg.ProxyAddr, err)
	}

	adminSrv := &http.Server{Addr: p.cfg.AdminAddr, Handler: p.adminMux()}

	errCh := make(chan error, 2)
	go func() {
		errCh <- p.acceptLoop(ctx, ln)
	}()
	go func() {
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		_ = ln.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = adminSrv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		_ = ln.Close()
		_ = adminSrv.Close()
		return err
	}
}

func (p *Proxy) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("egressproxy: accept: %w", err)
			}
		}
		go p.handleConnection(ctx, conn)
	}
}

func (p *Proxy) adminMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/git-credential", p.handleGitCredential)
	return mux
}

// handleGitCredential implements the git-credential helper endpoint of
// §6's broker contract: Git's key-value protocol in, key-value protocol
// out, used by passthrough-policy hosts whose auth stays provider-native.
func (p *Proxy) handleGitCredential(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 8*1024))
	if err != nil {
		http.Error(w, "", http.StatusBadRequest)
		return
	}

	fields := map[string]string{}
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		fields[k] = v
	}

	host := fields["host"]
	if host == "" {
		http.Error(w, "missing host", http.StatusBadRequest)
		return
	}

	cred, err := p.broker.GetGitCredential(r.Context(), p.cfg.SandboxID, host)
	if err != nil {
		http.Error(w, "", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "username=%s\npassword=%s\n\n", cred.Username, cred.Password)
}

// handleConnection drives one accepted TCP connection through §4.6's
// per-connection state machine. Per-connection state is never shared with
// any other connection; only the proxy's policy/cache/broker fields are.
func (p *Proxy) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	br := bufio.NewReader(conn)
	requestLine, err := br.ReadString('\n')
	if err != nil {
		return
	}
	fields := strings.Fields(requestLine)
	if len(fields) < 2 {
		return
	}
	method, target := fields[0], fields[1]

	tp := textproto.NewReader(br)
	if _, err := tp.ReadMIMEHeader(); err != nil && err != io.EOF {
		return
	}

	if method != http.MethodConnect {
		writeStatusLine(conn, http.StatusMethodNotAllowed, "Method Not Allowed")
		return
	}

	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		writeStatusLine(conn, http.StatusBadRequest, "Bad Request")
		return
	}

	rule, found := p.policy.Lookup(host)
	if !found || rule.Mode == ModeDeny {
		metrics.ProxyConnectionsTotal.WithLabelValues("deny").Inc()
		p.logger.Info().Str("host", host).Msg("egressproxy: denied connect, no policy match")
		writeJSONStatus(conn, http.StatusForbidden, "Forbidden", map[string]string{"error": "policy_denied", "host": host})
		return
	}

	switch rule.Mode {
	case ModePassthrough:
		metrics.ProxyConnectionsTotal.WithLabelValues("passthrough").Inc()
		p.passthrough(conn, host, portStr)
	case ModeMITM:
		metrics.ProxyConnectionsTotal.WithLabelValues("mitm").Inc()
		p.mitm(ctx, conn, host, portStr, rule)
	default:
		writeStatusLine(conn, http.StatusForbidden, "Forbidden")
	}
}

func writeStatusLine(w io.Writer, code int, text string) {
	fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nContent-Length: 0\r\n\r\n", code, text)
}

// writeJSONStatus writes a synthetic status+JSON-body response — used for
// the stable, machine-readable deny body §4.6 step 4 requires.
func writeJSONStatus(w io.Writer, code int, text string, body any) {
	b, _ := json.Marshal(body)
	fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nContent-Type: application/json\r\nContent-Length: %d\r\n\r\n%s", code, text, len(b), b)
}

// passthrough tunnels bytes verbatim for hosts whose auth must remain
// provider-native (§4.6 step 5) — no token injection ever touches this
// stream.
func (p *Proxy) passthrough(client net.Conn, host, portStr string) {
	writeStatusLine(client, http.StatusOK, "Connection Established")

	upstream, err := net.DialTimeout("tcp", net.JoinHostPort(host, portStr), 10*time.Second)
	if err != nil {
		p.logger.Warn().Err(err).Str("host", host).Msg("egressproxy: passthrough dial failed")
		return
	}
	defer upstream.Close()

	pipeBoth(client, upstream)
}

// mitm terminates TLS with a leaf cert minted by C9, reads exactly one
// request off the inner stream, injects a broker-issued token, and then
// tunnels the rest of the connection byte-for-byte so keep-alive and
// pipelining work normally (§4.6 step 6).
func (p *Proxy) mitm(ctx context.Context, client net.Conn, host, portStr string, rule Rule) {
	writeStatusLine(client, http.StatusOK, "Connection Established")

	leaf, err := p.ca.GetOrCreateLeaf(host)
	if err != nil {
		p.logger.Warn().Err(err).Str("host", host).Msg("egressproxy: leaf cert issuance failed")
		return
	}

	inner := tls.Server(client, &tls.Config{Certificates: []tls.Certificate{leaf.TLSCert}})
	defer inner.Close()
	if err := inner.Handshake(); err != nil {
		p.logger.Warn().Err(err).Str("host", host).Msg("egressproxy: inner TLS handshake failed")
		return
	}

	dialCfg := p.upstreamTLS
	if dialCfg == nil {
		dialCfg = &tls.Config{}
	} else {
		dialCfg = dialCfg.Clone()
	}
	dialCfg.ServerName = host

	outer, err := tls.Dial("tcp", net.JoinHostPort(host, portStr), dialCfg)
	if err != nil {
		writeSyntheticError(inner, "upstream_unreachable", err)
		return
	}
	defer outer.Close()

	innerReader := bufio.NewReader(inner)
	req, err := http.ReadRequest(innerReader)
	if err != nil {
		return
	}

	tok, err := p.tokenFor(ctx, host, rule.AllowedScopes)
	if err != nil {
		writeSyntheticError(inner, tokenErrorReason(err), err)
		return
	}

	// Security invariant (iv): always replace, never merge, any
	// sandbox-supplied Authorization.
	req.Header.Set("Authorization", tok.TokenType+" "+tok.Value)
	req.Header.Set("X-Sandbox-Id", p.cfg.SandboxID)
	req.RequestURI = ""

	if err := req.Write(outer); err != nil {
		return
	}

	// Forward whatever the client pipelined behind the first request that
	// innerReader has already buffered before switching to raw copying.
	if n := innerReader.Buffered(); n > 0 {
		buffered, _ := innerReader.Peek(n)
		if _, err := outer.Write(buffered); err != nil {
			return
		}
	}

	pipeBoth(inner, outer)
}

// writeSyntheticError writes §7's credential-acquisition-failure body:
// {"error": one of the three enumerated reasons, "message": "..."}.
func writeSyntheticError(w io.Writer, reason string, cause error) {
	writeJSONStatus(w, http.StatusBadGateway, "Bad Gateway", map[string]string{"error": reason, "message": cause.Error()})
}

// tokenErrorReason maps a broker error to one of §7's three enumerated
// synthetic-error reasons: a denied binding/scope is "not_authorized", a
// transient backend failure is "credential_broker_unavailable", and
// anything else (network/protocol errors talking to the broker) falls
// back to the same unavailable reason since it is equally retriable.
func tokenErrorReason(err error) string {
	switch {
	case errors.Is(err, broker.ErrDenied):
		return "not_authorized"
	case errors.Is(err, broker.ErrUnavailable):
		return "credential_broker_unavailable"
	default:
		return "credential_broker_unavailable"
	}
}

// tokenFor satisfies a MITM token request from the shared cache, falling
// back to the broker and recording which path was taken (hit, miss, or
// proactive refresh) per §5's required token-cache metrics.
func (p *Proxy) tokenFor(ctx context.Context, host string, scopes []string) (*broker.Token, error) {
	if tok := p.tokens.get(host, scopes); tok != nil {
		metrics.ProxyTokenCacheHits.WithLabelValues("hit").Inc()
		return tok, nil
	}

	outcome := "miss"
	if p.tokens.wasStale(host, scopes) {
		outcome = "refresh"
	}

	tok, err := p.broker.IssueToken(ctx, p.cfg.SandboxID, host, scopes)
	if err != nil {
		return nil, err
	}
	metrics.ProxyTokenCacheHits.WithLabelValues(outcome).Inc()
	return p.tokens.put(host, scopes, tok), nil
}

// pipeBoth copies bytes bidirectionally between a and b until either side
// EOFs or errors, isolating each direction's error from the other
// (§4.6 step 5/6d).
func pipeBoth(a, b net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(a, b)
		closeWrite(a)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(b, a)
		closeWrite(b)
	}()
	wg.Wait()
}

// closeWrite half-closes the write side where the connection supports it
// (plain TCP, and TLS via a close_notify alert) so the peer sees EOF
// without tearing down the whole connection early; for any other
// connection type it is a no-op and the enclosing Close() handles teardown.
func closeWrite(c net.Conn) {
	type writeCloser interface {
		CloseWrite() error
	}
	if wc, ok := c.(writeCloser); ok {
		_ = wc.CloseWrite()
	}
}
