package core

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/encodeous/lattice/link"
	"github.com/encodeous/lattice/perf"
	"github.com/encodeous/lattice/state"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Node owns the forwarding engine of this process together with its links and metrics endpoint.
type Node struct {
	*Engine
	Registry *prometheus.Registry

	udp     *link.UDP
	metrics *http.Server
}

func (n *Node) Init(s *state.State) error {
	for i, c := range s.NodeCfg.Interfaces {
		ifc := state.NewInterface(i, c.Name, c.Addr, c.MTU)
		ifc.Primary = c.Primary
		s.Interfaces = append(s.Interfaces, ifc)
	}

	n.Registry = prometheus.NewRegistry()
	n.Registry.MustRegister(collectors.NewGoCollector())

	state.SetResolvers(s.Resolvers)
	bindings := make([]link.Binding, 0, len(s.Interfaces))
	for i, ifc := range s.Interfaces {
		c := s.NodeCfg.Interfaces[i]
		resolved, err := state.ResolvePeers(s.Context, c.Endpoints)
		if err != nil {
			return fmt.Errorf("interface %s: %w", ifc, err)
		}
		peers := append(slices.Clone(c.Peers), resolved...)
		bindings = append(bindings, link.Binding{Ifc: ifc, Bind: c.Bind, Peers: peers})
	}
	udp, err := link.NewUDP(s.Log, bindings)
	if err != nil {
		return err
	}
	n.udp = udp

	n.Engine = NewEngine(s.Env, Options{
		Link:     udp,
		Trace:    Get[*Trace](s),
		Counters: perf.NewCounters(n.Registry),
	})
	n.AddClients(s.Clients)
	udp.Run(s.Context, n.Receive)

	if s.MetricsBind != "" {
		if err := n.serveMetrics(s); err != nil {
			return errors.Join(err, n.Cleanup(s))
		}
	}

	s.RepeatJitteredTask(func(s *state.State) error {
		n.Originate()
		return nil
	}, s.OrigInterval, state.OrigJitter)
	s.RepeatTask(func(s *state.State) error {
		n.Purge()
		return nil
	}, state.PurgeInterval)

	primary := s.PrimaryIf()
	s.Log.Info("node started", "primary", primary.Addr, "interfaces", len(s.Interfaces), "bonding", s.Bonding, "fragmentation", s.Fragmentation)
	return nil
}

func (n *Node) serveMetrics(s *state.State) error {
	ln, err := net.Listen("tcp", s.MetricsBind)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(n.Registry, promhttp.HandlerOpts{}))
	mux.Handle("/debug/vars", expvar.Handler())
	mux.Handle("/debug/metrics", http.DefaultServeMux)
	n.metrics = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		err := n.metrics.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Log.Error("metrics server stopped", "error", err)
		}
	}()
	s.Log.Info("serving metrics", "addr", ln.Addr())
	return nil
}

func (n *Node) Cleanup(s *state.State) error {
	var errs []error
	if n.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		errs = append(errs, n.metrics.Shutdown(ctx))
		cancel()
	}
	if n.udp != nil {
		errs = append(errs, n.udp.Close())
	}
	if n.Engine != nil {
		n.Engine.Close()
	}
	return errors.Join(errs...)
}
