// Package circuit talks to anonymizing-proxy daemons: it discovers reachable
// instances, forces new circuits over the control channel, and hands out
// HTTP sessions routed through each instance's SOCKS port.
package circuit

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"time"
)

// Instance holds the connection coordinates for one independent daemon.
// One daemon serves exactly one exit identity at a time, so true parallel
// identities require one Instance per concurrent worker.
type Instance struct {
	Host        string
	SocksPort   int
	ControlPort int
}

func (i Instance) SocksAddr() string {
	return net.JoinHostPort(i.Host, strconv.Itoa(i.SocksPort))
}

func (i Instance) ControlAddr() string {
	return net.JoinHostPort(i.Host, strconv.Itoa(i.ControlPort))
}

func (i Instance) String() string {
	return i.SocksAddr()
}

// ErrNoInstances means not a single daemon answered its SOCKS port.
// Nothing can proceed without at least one circuit.
var ErrNoInstances = errors.New("circuit: no daemon instances reachable")

// DetectConfig controls instance discovery.
type DetectConfig struct {
	Host            string
	BaseSocksPort   int
	BaseControlPort int
	PortStep        int
	MaxInstances    int
	ProbeTimeout    time.Duration

	// probe overrides the TCP liveness check in tests.
	probe func(ctx context.Context, addr string, timeout time.Duration) bool
}

// DefaultDetectConfig matches the conventional multi-daemon layout:
// SOCKS 9050/9052/9054/... with control ports one above each.
func DefaultDetectConfig() DetectConfig {
	return DetectConfig{
		Host:            "127.0.0.1",
		BaseSocksPort:   9050,
		BaseControlPort: 9051,
		PortStep:        2,
		MaxInstances:    10,
		ProbeTimeout:    time.Second,
	}
}

// Detect probes candidate port pairs in ascending order and returns the
// reachable instances in probe order. Probing stops at the first gap:
// instances are expected to occupy a contiguous port range. Zero reachable
// instances is a hard configuration error.
func Detect(ctx context.Context, cfg DetectConfig) ([]Instance, error) {
	probe := cfg.probe
	if probe == nil {
		probe = tcpProbe
	}

	var found []Instance
	for i := 0; i < cfg.MaxInstances; i++ {
		inst := Instance{
			Host:        cfg.Host,
			SocksPort:   cfg.BaseSocksPort + i*cfg.PortStep,
			ControlPort: cfg.BaseControlPort + i*cfg.PortStep,
		}
		if !probe(ctx, inst.SocksAddr(), cfg.ProbeTimeout) {
			break
		}
		slog.Info("circuit: detected daemon",
			slog.Int("index", i),
			slog.Int("socks_port", inst.SocksPort),
			slog.Int("control_port", inst.ControlPort))
		found = append(found, inst)
	}

	if len(found) == 0 {
		return nil, ErrNoInstances
	}
	if len(found) == 1 {
		slog.Warn("circuit: single daemon detected, parallel workers will share one circuit")
	}
	return found, nil
}

func tcpProbe(ctx context.Context, addr string, timeout time.Duration) bool {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
