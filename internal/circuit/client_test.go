package circuit

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/net/nettest"
)

// fakeControlServer speaks just enough of the control protocol for Rotate:
// it answers AUTHENTICATE and SIGNAL NEWNYM with 250 OK.
type fakeControlServer struct {
	ln      net.Listener
	newnyms atomic.Int64
}

func startFakeControlServer(t *testing.T) *fakeControlServer {
	t.Helper()
	ln, err := nettest.NewLocalListener("tcp")
	if err != nil {
		t.Fatal(err)
	}
	s := &fakeControlServer{ln: ln}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.handle(conn)
		}
	}()
	return s
}

func (s *fakeControlServer) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		switch {
		case strings.HasPrefix(line, "AUTHENTICATE"):
			conn.Write([]byte("250 OK\r\n"))
		case strings.HasPrefix(line, "SIGNAL NEWNYM"):
			s.newnyms.Add(1)
			conn.Write([]byte("250 OK\r\n"))
		case strings.HasPrefix(line, "QUIT"):
			conn.Write([]byte("250 closing connection\r\n"))
			return
		default:
			conn.Write([]byte("510 Unrecognized command\r\n"))
		}
	}
}

func (s *fakeControlServer) port(t *testing.T) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(s.ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)
	return port
}

func testClient(t *testing.T, controlPort int, probeURL string) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ProbeURL = probeURL
	cfg.SettleWait = time.Millisecond
	cfg.ControlTimeout = time.Second
	cfg.ProbeTimeout = time.Second

	c := NewClient(Instance{Host: "127.0.0.1", SocksPort: 1, ControlPort: controlPort}, cfg)
	// Bypass SOCKS in tests; the probe URL is directly reachable.
	c.newSession = func() (*http.Client, error) {
		return &http.Client{Timeout: time.Second}, nil
	}
	return c
}

func TestRotateReturnsProbedAddress(t *testing.T) {
	ctrl := startFakeControlServer(t)
	probe := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("203.0.113.7\n"))
	}))
	defer probe.Close()

	c := testClient(t, ctrl.port(t), probe.URL)
	addr, err := c.Rotate(t.Context())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr != "203.0.113.7" {
		t.Errorf("addr = %q, want 203.0.113.7", addr)
	}
	if got := ctrl.newnyms.Load(); got != 1 {
		t.Errorf("expected 1 NEWNYM signal, got %d", got)
	}
}

func TestRotateRebuildsSession(t *testing.T) {
	ctrl := startFakeControlServer(t)
	probe := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("203.0.113.7"))
	}))
	defer probe.Close()

	c := testClient(t, ctrl.port(t), probe.URL)
	before := c.Session()
	if _, err := c.Rotate(t.Context()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Session() == before {
		t.Error("Rotate must rebuild the session so old circuits are dropped")
	}
}

func TestRotateControlUnreachable(t *testing.T) {
	// A port with nothing listening.
	ln, err := nettest.NewLocalListener("tcp")
	if err != nil {
		t.Fatal(err)
	}
	deadAddr := ln.Addr().String()
	ln.Close()
	_, portStr, _ := net.SplitHostPort(deadAddr)
	port, _ := strconv.Atoi(portStr)

	c := testClient(t, port, "http://127.0.0.1:1")
	_, err = c.Rotate(t.Context())

	var ce *CircuitError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CircuitError, got %v", err)
	}
	if ce.Op != "control" {
		t.Errorf("op = %q, want control", ce.Op)
	}
}

func TestRotateProbeNotAnIP(t *testing.T) {
	ctrl := startFakeControlServer(t)
	probe := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("<html>blocked</html>"))
	}))
	defer probe.Close()

	c := testClient(t, ctrl.port(t), probe.URL)
	_, err := c.Rotate(t.Context())

	var ce *CircuitError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CircuitError, got %v", err)
	}
	if ce.Op != "probe" {
		t.Errorf("op = %q, want probe", ce.Op)
	}
}
