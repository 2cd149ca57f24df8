//go:build acceptance

// Full-stack gateway scenarios: a real HTTP server in front of
// pkg/gateway, talking to an in-process backend daemon over TCP.
package acceptance

import (
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"

	"github.com/deskgate/deskgate/pkg/gateway"
	"github.com/deskgate/deskgate/pkg/history"
	"github.com/deskgate/deskgate/pkg/protocol"
)

// backendDaemon is a scriptable stand-in for the backend proxy daemon.
type backendDaemon struct {
	ln   net.Listener
	push []*protocol.Instruction

	mu       sync.Mutex
	received []*protocol.Instruction
}

func startBackend(t *testing.T) *backendDaemon {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	d := &backendDaemon{ln: ln}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go d.serve(conn)
		}
	}()
	return d
}

func (d *backendDaemon) serve(conn net.Conn) {
	defer conn.Close()

	var buf []byte
	read := func() *protocol.Instruction {
		for {
			inst, consumed, err := protocol.Decode(buf)
			if err != nil {
				return nil
			}
			if inst != nil {
				buf = buf[consumed:]
				return inst
			}
			chunk := make([]byte, 4096)
			n, err := conn.Read(chunk)
			if n > 0 {
				buf = append(buf, chunk[:n]...)
			}
			if err != nil {
				return nil
			}
		}
	}
	send := func(inst *protocol.Instruction) {
		_, _ = conn.Write([]byte(inst.String()))
	}

	if sel := read(); sel == nil || sel.Opcode != "select" {
		return
	}
	send(protocol.New("args", "hostname", "port", "password"))
	for {
		inst := read()
		if inst == nil {
			return
		}
		if inst.Opcode == "connect" {
			break
		}
	}
	send(protocol.New("ready", "$conn"))

	for _, inst := range d.push {
		send(inst)
	}
	for {
		inst := read()
		if inst == nil {
			return
		}
		d.mu.Lock()
		d.received = append(d.received, inst)
		d.mu.Unlock()
	}
}

func (d *backendDaemon) opcodes(op string) []*protocol.Instruction {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*protocol.Instruction
	for _, inst := range d.received {
		if inst.Opcode == op {
			out = append(out, inst)
		}
	}
	return out
}

type stack struct {
	backend *backendDaemon
	gateway *gateway.Server
	web     *httptest.Server
	client  *http.Client
	history *history.Store
}

func startStack(t *testing.T, eventDeadline time.Duration) *stack {
	t.Helper()
	backend := startBackend(t)

	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	gw := gateway.NewServer(gateway.Config{
		BackendAddr:   backend.ln.Addr().String(),
		EventDeadline: eventDeadline,
		PollTimeout:   time.Second,
		History:       store,
	})
	web := httptest.NewServer(gw.Routes())
	t.Cleanup(func() {
		web.Close()
		gw.Close()
	})

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	return &stack{
		backend: backend,
		gateway: gw,
		web:     web,
		client:  &http.Client{Jar: jar},
		history: store,
	}
}

func (s *stack) connect(t *testing.T) string {
	t.Helper()
	resp, err := s.client.PostForm(s.web.URL+"/api/tunnels", url.Values{
		"protocol": {"vnc"},
		"hostname": {"desktop.internal"},
		"port":     {"5901"},
		"password": {"hunter2"},
	})
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, "connect: %s", body)
	return string(body)
}

func TestFullSessionLifecycle(t *testing.T) {
	s := startStack(t, 5*time.Second)
	s.backend.push = []*protocol.Instruction{
		protocol.New("size", "1024", "768"),
		protocol.New("cursor", "3", "7"),
	}

	id := s.connect(t)
	require.Len(t, id, 36)

	// Poll delivers the backend's initial instructions.
	resp, err := s.client.Get(s.web.URL + "/api/tunnels/" + id + "/instructions?messageLimit=8192")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "size:1024,768;")
	assert.Contains(t, string(body), "cursor:3,7;")
	assert.True(t, strings.HasSuffix(string(body), "0.;"))

	// Out-of-order input is reordered before reaching the backend.
	for _, batch := range []string{"2,0,65\n", "0,1,65\n", "1,1,66\n"} {
		resp, err := s.client.Post(
			s.web.URL+"/api/tunnels/"+id+"/key", "text/plain",
			strings.NewReader(batch))
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusNoContent, resp.StatusCode)
	}

	require.Eventually(t, func() bool {
		return len(s.backend.opcodes("key")) == 3
	}, 3*time.Second, 10*time.Millisecond)

	keys := s.backend.opcodes("key")
	assert.Equal(t, []string{"65", "1"}, keys[0].Args)
	assert.Equal(t, []string{"66", "1"}, keys[1].Args)
	assert.Equal(t, []string{"65", "0"}, keys[2].Args)

	// Disconnect is idempotent and clears the active-tunnel registry.
	req, err := http.NewRequest(http.MethodDelete, s.web.URL+"/api/tunnels/"+id, nil)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		resp, err := s.client.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	}

	// History has the full record, including the end timestamp.
	records, err := s.history.Recent(10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, id, records[0].TunnelID)
	assert.Equal(t, "vnc", records[0].Protocol)
	assert.NotNil(t, records[0].Ended)
}

func TestAutoflushSkipsLostEvent(t *testing.T) {
	const deadline = 100 * time.Millisecond
	s := startStack(t, deadline)

	id := s.connect(t)

	// Index 1 is never sent: 0 flows immediately, 2 and 3 only after
	// the deadline abandons 1.
	resp, err := s.client.Post(
		s.web.URL+"/api/tunnels/"+id+"/key", "text/plain",
		strings.NewReader("0,1,65\n2,1,66\n3,0,66\n"))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	require.Eventually(t, func() bool {
		return len(s.backend.opcodes("key")) == 3
	}, 10*deadline, deadline/10)

	keys := s.backend.opcodes("key")
	assert.Equal(t, []string{"65", "1"}, keys[0].Args)
	assert.Equal(t, []string{"66", "1"}, keys[1].Args)
	assert.Equal(t, []string{"66", "0"}, keys[2].Args)

	// The lost index arriving late is silently discarded.
	resp, err = s.client.Post(
		s.web.URL+"/api/tunnels/"+id+"/key", "text/plain",
		strings.NewReader("1,1,67\n"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	time.Sleep(2 * deadline)
	assert.Len(t, s.backend.opcodes("key"), 3)
}

func TestWebSocketPushAndInput(t *testing.T) {
	s := startStack(t, 5*time.Second)
	s.backend.push = []*protocol.Instruction{protocol.New("cursor", "9", "9")}

	id := s.connect(t)

	wsURL := "ws" + strings.TrimPrefix(s.web.URL, "http") + "/api/tunnels/" + id + "/ws"
	cfg, err := websocket.NewConfig(wsURL, s.web.URL)
	require.NoError(t, err)

	u, _ := url.Parse(s.web.URL)
	for _, c := range s.client.Jar.Cookies(u) {
		cfg.Header.Add("Cookie", c.Name+"="+c.Value)
	}

	conn, err := websocket.DialConfig(cfg)
	require.NoError(t, err)
	defer conn.Close()

	// The scripted backend instruction arrives as a frame.
	var frame string
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	require.NoError(t, websocket.Message.Receive(conn, &frame))
	assert.Equal(t, "cursor:9,9;", frame)

	// Inbound frames feed the ordered queues.
	require.NoError(t, websocket.Message.Send(conn, "pointer:0,10,20,1,0,0,0,0\n"))

	require.Eventually(t, func() bool {
		return len(s.backend.opcodes("mouse")) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"10", "20", "1"}, s.backend.opcodes("mouse")[0].Args)
}
