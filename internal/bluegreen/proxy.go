package bluegreen

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mir00r/bluegreen/internal/metrics"
	"github.com/mir00r/bluegreen/pkg/logger"
	"golang.org/x/net/netutil"
)

type upstream struct {
	Upstream
	target *url.URL
}

type bindingKey struct{}

// Proxy is the in-process data path of the switch. Every accepted client
// connection is bound to the upstream that is current at accept time and
// keeps it for its whole life, so a reload only affects new connections.
type Proxy struct {
	current atomic.Pointer[upstream]
	reverse *httputil.ReverseProxy

	mu     sync.Mutex
	bound  map[net.Conn]*upstream
	counts map[Upstream]int64

	metrics *metrics.Metrics
	logger  *logger.Logger
}

// NewProxy creates a proxy with no upstream. The switch reloads it with the
// active instance before the listener is opened.
func NewProxy(log *logger.Logger, m *metrics.Metrics) *Proxy {
	p := &Proxy{
		bound:   make(map[net.Conn]*upstream),
		counts:  make(map[Upstream]int64),
		metrics: m,
		logger:  log.WithField("component", "proxy"),
	}

	p.reverse = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(p.upstreamFor(pr.In.Context()).target)
			pr.SetXForwarded()
		},
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 64,
			IdleConnTimeout:     90 * time.Second,
			DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		},
		ModifyResponse: func(resp *http.Response) error {
			up := p.upstreamFor(resp.Request.Context())
			p.metrics.ProxiedRequest(string(up.Color), strconv.Itoa(resp.StatusCode))
			return nil
		},
		ErrorHandler: p.handleUpstreamError,
	}

	return p
}

func (p *Proxy) Name() string {
	return "proxy"
}

// Reload swaps the upstream for new connections. The swap is a single atomic
// store, so there is no moment without a valid upstream.
func (p *Proxy) Reload(_ context.Context, target Upstream) error {
	parsed, err := parseAddress(target.Address)
	if err != nil {
		return err
	}

	previous := p.current.Swap(&upstream{Upstream: target, target: parsed})
	entry := p.logger.WithField("color", target.Color).WithField("address", target.Address)
	if previous != nil {
		entry = entry.WithField("previous", previous.Color)
	}
	entry.Info("Proxy upstream switched")
	return nil
}

// Upstream returns the upstream new connections are bound to.
func (p *Proxy) Upstream() (Upstream, bool) {
	up := p.current.Load()
	if up == nil {
		return Upstream{}, false
	}
	return up.Upstream, true
}

// OpenConnections returns the number of client connections bound to up. A
// color redeployed at another address starts from zero.
func (p *Proxy) OpenConnections(up Upstream) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[up]
}

// ConfigureServer installs the proxy and its connection hooks on srv.
func (p *Proxy) ConfigureServer(srv *http.Server) {
	srv.Handler = p
	srv.ConnContext = p.connContext
	srv.ConnState = p.connState
}

// Listen opens addr, capped at maxConns concurrent connections when positive.
func (p *Proxy) Listen(addr string, maxConns int) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}
	return ln, nil
}

// connContext binds the connection to the current upstream.
func (p *Proxy) connContext(ctx context.Context, conn net.Conn) context.Context {
	up := p.current.Load()
	if up == nil {
		return ctx
	}

	p.mu.Lock()
	p.bound[conn] = up
	p.counts[up.Upstream]++
	p.mu.Unlock()
	p.metrics.ConnectionOpened(string(up.Color))

	return context.WithValue(ctx, bindingKey{}, up)
}

func (p *Proxy) connState(conn net.Conn, state http.ConnState) {
	if state != http.StateClosed && state != http.StateHijacked {
		return
	}

	p.mu.Lock()
	up, ok := p.bound[conn]
	if ok {
		delete(p.bound, conn)
		if p.counts[up.Upstream]--; p.counts[up.Upstream] <= 0 {
			delete(p.counts, up.Upstream)
		}
	}
	p.mu.Unlock()

	if ok {
		p.metrics.ConnectionClosed(string(up.Color))
	}
}

// upstreamFor returns the connection binding, or the current upstream for
// requests that did not arrive through ConfigureServer.
func (p *Proxy) upstreamFor(ctx context.Context) *upstream {
	if up, ok := ctx.Value(bindingKey{}).(*upstream); ok {
		return up
	}
	return p.current.Load()
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	up := p.upstreamFor(r.Context())
	if up == nil {
		p.writeError(w, http.StatusServiceUnavailable, "no upstream configured")
		return
	}

	// A connection still bound to a draining upstream finishes this request
	// and is then closed, so keep-alive clients reconnect to the new upstream.
	if current := p.current.Load(); current != nil && current.Upstream != up.Upstream {
		w.Header().Set("Connection", "close")
	}

	p.reverse.ServeHTTP(w, r)
}

func (p *Proxy) handleUpstreamError(w http.ResponseWriter, r *http.Request, err error) {
	up := p.upstreamFor(r.Context())
	color := ""
	if up != nil {
		color = string(up.Color)
	}

	if errors.Is(err, context.Canceled) {
		p.logger.WithField("color", color).Debug("Client went away before upstream responded")
		return
	}

	p.logger.WithError(err).WithField("color", color).WithField("path", r.URL.Path).Warn("Upstream request failed")
	p.metrics.ProxiedRequest(color, strconv.Itoa(http.StatusBadGateway))
	p.writeError(w, http.StatusBadGateway, "upstream unavailable")
}

func (p *Proxy) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":     message,
		"code":      status,
		"timestamp": time.Now(),
	})
}
