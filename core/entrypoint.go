package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path"
	"reflect"
	"runtime"
	"runtime/trace"
	"syscall"
	"time"

	"github.com/encodeous/lattice/perf"
	"github.com/encodeous/lattice/state"
	"github.com/encodeous/tint"
	slogmulti "github.com/samber/slog-multi"
)

func setupDebugging() {
	if state.DBG_trace {
		f, err := os.Create("trace.out")
		if err != nil {
			log.Fatal(err)
		}
		err = trace.Start(f)
		if err != nil {
			return
		}
		log.Println("Started tracing")
	}
	if state.DBG_debug {
		go func() {
			log.Println(http.ListenAndServe("127.0.0.1:6060", nil))
		}()
	}
}

// Bootstrap loads and validates the node config, then runs the node until it is stopped.
func Bootstrap(nodePath, logPath string, verbose bool) error {
	setupDebugging()
	if state.DBG_trace {
		defer trace.Stop()
	}
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	nodeCfg, err := state.ReadNodeConfig(nodePath)
	if err != nil {
		return err
	}
	if logPath != "" {
		nodeCfg.LogPath = logPath
	}
	if err := state.NodeConfigValidator(nodeCfg); err != nil {
		return fmt.Errorf("invalid config %s: %w", nodePath, err)
	}
	return Start(*nodeCfg, level, nil)
}

func Start(ncfg state.NodeCfg, logLevel slog.Level, initState **state.State) error {
	ctx, cancel := context.WithCancelCause(context.Background())

	dispatch := make(chan func(env *state.State) error, 128)

	handlers := make([]slog.Handler, 0)
	handlers = append(handlers,
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:        logLevel,
			AddSource:    false,
			CustomPrefix: ncfg.Id,
			ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
				if attr.Key == "time" {
					return slog.Attr{}
				}
				return attr
			},
		}))

	if ncfg.LogPath != "" {
		err := os.MkdirAll(path.Dir(ncfg.LogPath), 0700)
		if err != nil {
			cancel(err)
			return err
		}
		f, err := os.OpenFile(ncfg.LogPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0600)
		if err != nil {
			cancel(err)
			return err
		}
		defer f.Close()
		handlers = append(handlers, slog.NewTextHandler(f, &slog.HandlerOptions{Level: logLevel}))
	}

	logger := slog.New(
		slogmulti.Fanout(handlers...))

	s := state.State{
		Modules: make(map[string]state.Module),
		Env: &state.Env{
			Context:         ctx,
			Cancel:          cancel,
			DispatchChannel: dispatch,
			NodeCfg:         ncfg,
			Log:             logger,
			Origs:           state.NewOrigTable(),
		},
	}
	if initState != nil {
		*initState = &s
	}

	s.Log.Info("init modules")
	err := initModules(&s)
	if err != nil {
		Stop(&s)
		return err
	}
	s.Log.Info("init modules complete")

	s.Log.Info("lattice has been initialized. To gracefully exit, send SIGINT or Ctrl+C.")

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)
	go func() {
		select {
		case <-c:
			s.Cancel(errors.New("received shutdown signal"))
		case <-ctx.Done():
			return
		}
	}()

	return MainLoop(&s, dispatch)
}

func initModules(s *state.State) error {
	var modules []state.Module
	modules = append(modules, &Trace{})
	modules = append(modules, &Node{})
	modules = append(modules, &IPC{})

	for _, module := range modules {
		s.Modules[reflect.TypeOf(module).String()] = module
		if err := module.Init(s); err != nil {
			return fmt.Errorf("init %T: %w", module, err)
		}
	}
	return nil
}

func MainLoop(s *state.State, dispatch <-chan func(*state.State) error) error {
	s.Log.Debug("started main loop")
	s.Started.Store(true)
	for {
		select {
		case fun := <-dispatch:
			if fun == nil {
				goto endLoop
			}
			start := time.Now()
			err := fun(s)
			if err != nil {
				s.Log.Error("error occurred during dispatch: ", "error", err)
				s.Cancel(err)
			}
			elapsed := time.Since(start)
			perf.DispatchLatency.Add(float64(elapsed.Microseconds()))
			if elapsed > time.Millisecond*4 {
				s.Log.Warn("dispatch took a long time!", "fun", runtime.FuncForPC(reflect.ValueOf(fun).Pointer()).Name(), "elapsed", elapsed, "len", len(dispatch))
			}
		case <-s.Context.Done():
			goto endLoop
		}
	}
endLoop:
	s.Log.Info("stopped main loop", "reason", context.Cause(s.Context).Error())
	Stop(s)
	return nil
}

// Stop cleans up the modules in reverse order of initialisation.
func Stop(s *state.State) {
	if s.Stopping.Swap(true) {
		return // don't stop twice
	}
	s.Cancel(context.Canceled)
	s.Log.Info("cleaning up modules")
	for _, name := range []string{
		reflect.TypeFor[*IPC]().String(),
		reflect.TypeFor[*Node]().String(),
		reflect.TypeFor[*Trace]().String(),
	} {
		module, ok := s.Modules[name]
		if !ok {
			continue
		}
		if err := module.Cleanup(s); err != nil {
			s.Log.Error("error occurred during Stop: ", "module", name, "error", err)
		}
	}
	s.Log.Info("stopped")
}
