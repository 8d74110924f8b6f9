package core

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/encodeous/lattice/protocol"
	"github.com/encodeous/lattice/state"
)

// IPC serves the inspect, ping and trace commands on the node's unix socket. Every response
// ends with a zero byte.
type IPC struct {
	ln net.Listener
	wg sync.WaitGroup
}

func (i *IPC) Init(s *state.State) error {
	// a previous run may have left the socket behind
	_ = os.Remove(s.SocketPath)
	ln, err := net.Listen("unix", s.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.SocketPath, err)
	}
	i.ln = ln
	node := Get[*Node](s)
	trace := Get[*Trace](s)

	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					s.Log.Error("ipc accept failed", "error", err)
				}
				return
			}
			i.wg.Add(1)
			go func() {
				defer i.wg.Done()
				defer conn.Close()
				rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
				if err := HandleIPC(s.Context, node.Engine, trace, rw); err != nil {
					s.Log.Debug("ipc request failed", "error", err)
				}
			}()
		}
	}()
	return nil
}

func (i *IPC) Cleanup(s *state.State) error {
	if i.ln == nil {
		return nil
	}
	err := i.ln.Close()
	i.wg.Wait()
	return err
}

// HandleIPC reads one command from rw and writes its response.
func HandleIPC(ctx context.Context, e *Engine, trace *Trace, rw *bufio.ReadWriter) error {
	line, err := rw.ReadString('\n')
	if err != nil {
		return err
	}
	args := strings.Fields(line)
	if len(args) == 0 {
		return fmt.Errorf("empty command")
	}
	switch args[0] {
	case "inspect":
		if _, err := rw.WriteString(e.Inspect()); err != nil {
			return err
		}
	case "ping":
		if err := handlePing(ctx, e, args[1:], rw); err != nil {
			fmt.Fprintf(rw, "error: %s\n", err)
		}
	case "trace":
		if trace == nil || trace.Broadcaster == nil {
			return fmt.Errorf("tracing is not available")
		}
		return streamTrace(ctx, trace, rw)
	default:
		fmt.Fprintf(rw, "unknown command %q\n", args[0])
	}
	if err := rw.WriteByte(0); err != nil {
		return err
	}
	return rw.Flush()
}

// handlePing runs "ping <addr> [count] [ttl] [rr]".
func handlePing(ctx context.Context, e *Engine, args []string, w *bufio.ReadWriter) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: ping <addr> [count] [ttl] [rr]")
	}
	dst, err := protocol.ParseAddr(args[0])
	if err != nil {
		return err
	}
	count, ttl, rr := 1, 0, false
	if len(args) > 1 {
		if count, err = strconv.Atoi(args[1]); err != nil {
			return fmt.Errorf("count: %w", err)
		}
	}
	if len(args) > 2 {
		v, err := strconv.ParseUint(args[2], 10, 8)
		if err != nil {
			return fmt.Errorf("ttl: %w", err)
		}
		ttl = int(v)
	}
	if len(args) > 3 {
		rr = args[3] == "rr"
	}

	for n := range count {
		if n > 0 {
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		res, err := e.Pinger.Ping(ctx, dst, uint8(ttl), rr)
		if err != nil {
			fmt.Fprintf(w, "%s\n", err)
		} else {
			fmt.Fprintf(w, "%s\n", res)
			for i, hop := range res.Route {
				fmt.Fprintf(w, "  %2d %s\n", i+1, hop)
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func streamTrace(ctx context.Context, trace *Trace, w *bufio.ReadWriter) error {
	ch := make(chan any, 256)
	trace.Register(ch)
	defer func() {
		// keep the broadcaster moving until it has dropped us
		done := make(chan struct{})
		go func() {
			for {
				select {
				case <-ch:
				case <-done:
					return
				}
			}
		}()
		trace.Unregister(ch)
		close(done)
	}()

	for {
		select {
		case ev := <-ch:
			if _, err := fmt.Fprintln(w, ev); err != nil {
				return err
			}
			if err := w.Flush(); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// IPCStream sends cmd to the node listening on socket and copies the response to w.
func IPCStream(socket, cmd string, w io.Writer) error {
	conn, err := net.Dial("unix", socket)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := io.WriteString(conn, cmd+"\n"); err != nil {
		return err
	}
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		line, end := strings.CutSuffix(line, "\x00")
		if _, werr := io.WriteString(w, line); werr != nil {
			return werr
		}
		if end || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// IPCGet sends cmd and returns the whole response.
func IPCGet(socket, cmd string) (string, error) {
	sb := strings.Builder{}
	err := IPCStream(socket, cmd, &sb)
	return sb.String(), err
}
