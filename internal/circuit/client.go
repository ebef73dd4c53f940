package circuit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"golang.org/x/net/proxy"

	"github.com/anatolykoptev/go_torfetch/internal/engine"
)

// CircuitError means a specific daemon failed to authenticate, rotate, or
// probe. The broker drops the instance from the usable pool for the run.
type CircuitError struct {
	Instance Instance
	Op       string // "control", "session", "probe"
	Err      error
}

func (e *CircuitError) Error() string {
	return fmt.Sprintf("circuit %s: %s: %v", e.Instance, e.Op, e.Err)
}

func (e *CircuitError) Unwrap() error { return e.Err }

// Config controls a single client's rotation behavior.
type Config struct {
	// Password for the control channel; empty means no authentication secret.
	Password string
	// ProbeURL is an external endpoint that echoes the caller's IP.
	ProbeURL string
	// SettleWait is how long to wait after a rotate command before the new
	// circuit is assumed usable. The control protocol confirms acceptance of
	// the command, not completion of the circuit build.
	SettleWait time.Duration
	// ControlTimeout bounds the whole control-channel exchange.
	ControlTimeout time.Duration
	// ProbeTimeout bounds a single exit-IP probe request.
	ProbeTimeout time.Duration
}

// DefaultConfig mirrors the rotation timings that held up in practice:
// a few seconds of settle time, short probe timeouts.
func DefaultConfig() Config {
	return Config{
		ProbeURL:       "https://api.ipify.org",
		SettleWait:     3 * time.Second,
		ControlTimeout: 10 * time.Second,
		ProbeTimeout:   5 * time.Second,
	}
}

// Client owns exactly one daemon's control channel and SOCKS session.
// Not safe for concurrent use: the control protocol is inherently
// sequential per daemon, so callers must serialize access per instance
// (the broker holds a mutex around every use).
type Client struct {
	inst    Instance
	cfg     Config
	session *http.Client

	// newSession is a test seam; production builds a SOCKS-bound client.
	newSession func() (*http.Client, error)
}

// NewClient builds a client for one daemon instance. The first session is
// created lazily so that construction never touches the network.
func NewClient(inst Instance, cfg Config) *Client {
	c := &Client{inst: inst, cfg: cfg}
	c.newSession = c.socksSession
	return c
}

// Instance returns the daemon coordinates this client is bound to.
func (c *Client) Instance() Instance { return c.inst }

// Session returns the HTTP client routed through this daemon's SOCKS port.
// The same client is reused across requests until the next Rotate.
func (c *Client) Session() *http.Client {
	if c.session == nil {
		s, err := c.newSession()
		if err != nil {
			// Keep the zero-value contract simple: hand back a client that
			// will fail on use rather than panic here. Rotate surfaces the
			// underlying error properly.
			return &http.Client{Timeout: c.cfg.ProbeTimeout}
		}
		c.session = s
	}
	return c.session
}

func (c *Client) socksSession() (*http.Client, error) {
	d, err := proxy.SOCKS5("tcp", c.inst.SocksAddr(), nil, proxy.Direct)
	if err != nil {
		return nil, err
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks dialer does not support context")
	}
	return &http.Client{
		Transport: &http.Transport{
			DialContext:         cd.DialContext,
			MaxIdleConns:        4,
			IdleConnTimeout:     60 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}, nil
}

// Rotate forces a new circuit and returns the freshly observed exit address.
//
// The old session's persistent connections would keep riding the old
// circuit, so the session is rebuilt after the control command. The new
// exit address is then learned by probing ProbeURL through the new session.
func (c *Client) Rotate(ctx context.Context) (string, error) {
	if err := c.signalNewCircuit(ctx); err != nil {
		engine.IncrRotationFailure()
		return "", &CircuitError{Instance: c.inst, Op: "control", Err: err}
	}

	if c.session != nil {
		c.session.CloseIdleConnections()
	}
	s, err := c.newSession()
	if err != nil {
		engine.IncrRotationFailure()
		return "", &CircuitError{Instance: c.inst, Op: "session", Err: err}
	}
	c.session = s

	select {
	case <-time.After(c.cfg.SettleWait):
	case <-ctx.Done():
		return "", ctx.Err()
	}

	addr, err := c.probeExitAddress(ctx)
	if err != nil {
		engine.IncrProbeFailure()
		return "", &CircuitError{Instance: c.inst, Op: "probe", Err: err}
	}

	engine.IncrRotation()
	slog.Debug("circuit: rotated",
		slog.String("instance", c.inst.String()), slog.String("exit", addr))
	return addr, nil
}

// signalNewCircuit performs one full control-channel exchange:
// connect, authenticate, request a new circuit, quit. A fresh connection
// per rotation keeps the client free of control-channel state.
func (c *Client) signalNewCircuit(ctx context.Context) error {
	d := net.Dialer{Timeout: c.cfg.ControlTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.inst.ControlAddr())
	if err != nil {
		return fmt.Errorf("dial control port: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(c.cfg.ControlTimeout))
	}

	tc := textproto.NewConn(conn)
	defer tc.Close()

	if err := tc.PrintfLine("AUTHENTICATE %q", c.cfg.Password); err != nil {
		return fmt.Errorf("send authenticate: %w", err)
	}
	if _, _, err := tc.ReadResponse(250); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	if err := tc.PrintfLine("SIGNAL NEWNYM"); err != nil {
		return fmt.Errorf("send newnym: %w", err)
	}
	if _, _, err := tc.ReadResponse(250); err != nil {
		return fmt.Errorf("newnym: %w", err)
	}
	// Best effort; the daemon closes the connection either way.
	tc.PrintfLine("QUIT")
	return nil
}

// probeExitAddress asks an external echo endpoint which IP this circuit
// presents to the world.
func (c *Client) probeExitAddress(ctx context.Context) (string, error) {
	body, err := engine.RetryDo(ctx, engine.ProbeRetryConfig, func() ([]byte, error) {
		reqCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.cfg.ProbeURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", engine.UserAgentChrome)

		resp, err := c.session.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, &engine.HTTPStatusError{StatusCode: resp.StatusCode}
		}
		return io.ReadAll(io.LimitReader(resp.Body, 256))
	})
	if err != nil {
		return "", fmt.Errorf("probe %s: %w", c.cfg.ProbeURL, err)
	}

	addr := strings.TrimSpace(string(body))
	if net.ParseIP(addr) == nil {
		return "", fmt.Errorf("probe returned %q, not an IP address", addr)
	}
	return addr, nil
}
