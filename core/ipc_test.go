package core

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/encodeous/lattice/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runIPC(t *testing.T, e *Engine, cmd string) string {
	t.Helper()
	var out bytes.Buffer
	rw := bufio.NewReadWriter(bufio.NewReader(strings.NewReader(cmd)), bufio.NewWriter(&out))
	require.NoError(t, HandleIPC(context.Background(), e, nil, rw))
	res, ok := strings.CutSuffix(out.String(), "\x00")
	require.True(t, ok, "responses end with a zero byte")
	return res
}

func TestHandleIPC(t *testing.T) {
	h := newHarness(t, state.NodeCfg{}, addrA)
	h.addRoute(addrC, addrB, h.ifc(0), 200)

	assert.Contains(t, runIPC(t, h.e, "inspect\n"), "via "+addrB.String())
	assert.Equal(t, "unknown command \"reboot\"\n", runIPC(t, h.e, "reboot now\n"))
	assert.Contains(t, runIPC(t, h.e, "ping\n"), "error: usage")
	assert.Contains(t, runIPC(t, h.e, "ping zz:zz\n"), "error:")
	assert.Contains(t, runIPC(t, h.e, "ping "+addrD.String()+"\n"), "no route")

	rw := bufio.NewReadWriter(bufio.NewReader(strings.NewReader("\n")), bufio.NewWriter(&bytes.Buffer{}))
	assert.Error(t, HandleIPC(context.Background(), h.e, nil, rw))
	rw = bufio.NewReadWriter(bufio.NewReader(strings.NewReader("trace\n")), bufio.NewWriter(&bytes.Buffer{}))
	assert.Error(t, HandleIPC(context.Background(), h.e, nil, rw), "no trace module")
}

func TestIPCSocket(t *testing.T) {
	h := newHarness(t, state.NodeCfg{}, addrA)
	ctx, cancel := context.WithCancelCause(context.Background())
	env := h.e.Env
	env.Context, env.Cancel = ctx, cancel
	env.SocketPath = filepath.Join(t.TempDir(), "lattice.sock")

	tr := &Trace{}
	s := &state.State{Env: env, Modules: map[string]state.Module{
		"*core.Trace": tr,
		"*core.Node":  &Node{Engine: h.e},
	}}
	require.NoError(t, tr.Init(s))
	h.e.trace = tr
	ipc := &IPC{}
	require.NoError(t, ipc.Init(s))
	t.Cleanup(func() {
		cancel(context.Canceled)
		assert.NoError(t, ipc.Cleanup(s))
		assert.NoError(t, tr.Cleanup(s))
	})

	out, err := IPCGet(env.SocketPath, "inspect")
	require.NoError(t, err)
	assert.Contains(t, out, "Interfaces:")
	assert.Contains(t, out, "Fragments buffered: 0")

	out, err = IPCGet(env.SocketPath, "what")
	require.NoError(t, err)
	assert.Equal(t, "unknown command \"what\"\n", out)

	conn, err := net.Dial("unix", env.SocketPath)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("trace\n"))
	require.NoError(t, err)

	r := bufio.NewReader(conn)
	lines := make(chan string, 16)
	go func() {
		defer close(lines)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	// the session registers asynchronously, keep producing events until one arrives
	var line string
	require.Eventually(t, func() bool {
		h.addRoute(addrC, addrB, h.ifc(0), 200)
		h.e.UpdateRoute(h.orig(addrC), nil)
		select {
		case line = <-lines:
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, line, addrC.String())
}
