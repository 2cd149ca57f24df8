package gateway

import (
	"compress/gzip"
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

	"github.com/deskgate/deskgate/pkg/history"
	"github.com/deskgate/deskgate/pkg/protocol"
)

// fakeBackend accepts connections, answers the select/connect handshake,
// optionally pushes scripted instructions, and records everything else
// it receives.
type fakeBackend struct {
	ln     net.Listener
	reject string
	push   []*protocol.Instruction

	mu       sync.Mutex
	received []*protocol.Instruction
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	b := &fakeBackend{ln: ln}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go b.handle(conn)
		}
	}()
	return b
}

func (b *fakeBackend) addr() string { return b.ln.Addr().String() }

func (b *fakeBackend) handle(conn net.Conn) {
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
	if b.reject != "" {
		send(protocol.New("error", b.reject, "519"))
		return
	}
	send(protocol.New("args", "hostname", "port"))

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

	for _, inst := range b.push {
		send(inst)
	}
	for {
		inst := read()
		if inst == nil {
			return
		}
		b.mu.Lock()
		b.received = append(b.received, inst)
		b.mu.Unlock()
	}
}

func (b *fakeBackend) opcodes(op string) []*protocol.Instruction {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*protocol.Instruction
	for _, inst := range b.received {
		if inst.Opcode == op {
			out = append(out, inst)
		}
	}
	return out
}

type testGateway struct {
	server  *Server
	http    *httptest.Server
	client  *http.Client
	backend *fakeBackend
}

func newTestGateway(t *testing.T, mutate func(*Config)) *testGateway {
	t.Helper()
	backend := newFakeBackend(t)

	cfg := Config{
		BackendAddr:   backend.addr(),
		EventDeadline: 100 * time.Millisecond,
		PollTimeout:   500 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	srv := NewServer(cfg)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	return &testGateway{
		server:  srv,
		http:    ts,
		client:  &http.Client{Jar: jar},
		backend: backend,
	}
}

func (g *testGateway) connect(t *testing.T) string {
	t.Helper()
	resp, err := g.client.PostForm(g.http.URL+"/api/tunnels", url.Values{
		"protocol": {"vnc"},
		"hostname": {"desktop.internal"},
		"port":     {"5901"},
	})
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, "connect failed: %s", body)
	return string(body)
}

func TestGateway_ConnectReturnsTunnelUUID(t *testing.T) {
	g := newTestGateway(t, nil)

	id := g.connect(t)
	assert.Len(t, id, 36, "expected a UUID, got %q", id)
}

func TestGateway_ConnectRejectedByBackend(t *testing.T) {
	g := newTestGateway(t, nil)
	g.backend.reject = "permission denied"

	resp, err := g.client.PostForm(g.http.URL+"/api/tunnels", url.Values{
		"protocol": {"vnc"},
	})
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestGateway_ConnectRequiresProtocol(t *testing.T) {
	g := newTestGateway(t, nil)

	resp, err := g.client.PostForm(g.http.URL+"/api/tunnels", url.Values{})
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGateway_KeyEventsReorderedBeforeBackend(t *testing.T) {
	// A generous deadline so the gap between the two posts never
	// triggers an autoflush skip.
	g := newTestGateway(t, func(cfg *Config) {
		cfg.EventDeadline = 5 * time.Second
	})
	id := g.connect(t)

	post := func(body string) *http.Response {
		resp, err := g.client.Post(
			g.http.URL+"/api/tunnels/"+id+"/key", "text/plain",
			strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	// Index 1 (release) arrives before index 0 (press); the queue must
	// deliver press first.
	resp := post("1,0,65\n")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = post("0,1,65\n")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	require.Eventually(t, func() bool {
		return len(g.backend.opcodes("key")) == 2
	}, 2*time.Second, 10*time.Millisecond)

	keys := g.backend.opcodes("key")
	assert.Equal(t, []string{"65", "1"}, keys[0].Args, "press delivered first")
	assert.Equal(t, []string{"65", "0"}, keys[1].Args)
}

func TestGateway_PointerEventsReachBackend(t *testing.T) {
	g := newTestGateway(t, nil)
	id := g.connect(t)

	resp, err := g.client.Post(
		g.http.URL+"/api/tunnels/"+id+"/pointer", "text/plain",
		strings.NewReader("0,10,20,1,0,0,0,0\n1,11,21,0,0,0,0,0\n"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	require.Eventually(t, func() bool {
		return len(g.backend.opcodes("mouse")) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mice := g.backend.opcodes("mouse")
	assert.Equal(t, []string{"10", "20", "1"}, mice[0].Args)
	assert.Equal(t, []string{"11", "21", "0"}, mice[1].Args)
}

func TestGateway_MalformedEventsRejected(t *testing.T) {
	g := newTestGateway(t, nil)
	id := g.connect(t)

	resp, err := g.client.Post(
		g.http.URL+"/api/tunnels/"+id+"/key", "text/plain",
		strings.NewReader("not,an,event,line,x\n"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGateway_PollReturnsInstructionBatch(t *testing.T) {
	g := newTestGateway(t, nil)
	g.backend.push = []*protocol.Instruction{
		protocol.New("cursor", "3", "7"),
		protocol.New("clipboard", "a,b;c\\d"),
	}
	id := g.connect(t)

	resp, err := g.client.Get(g.http.URL + "/api/tunnels/" + id + "/instructions")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, "cursor:3,7;")
	assert.Contains(t, text, `clipboard:a\cb\sc\\d;`)
	assert.True(t, strings.HasSuffix(text, "0.;"), "batch ends with keepalive marker: %q", text)
}

func TestGateway_PollHonorsGzip(t *testing.T) {
	g := newTestGateway(t, nil)
	g.backend.push = []*protocol.Instruction{protocol.New("cursor", "3", "7")}
	id := g.connect(t)

	req, err := http.NewRequest(http.MethodGet,
		g.http.URL+"/api/tunnels/"+id+"/instructions", nil)
	require.NoError(t, err)
	req.Header.Set("Accept-Encoding", "gzip")

	// A plain transport so the client does not transparently decode.
	resp, err := (&http.Transport{DisableCompression: true}).RoundTrip(addCookies(req, g))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))

	gz, err := gzip.NewReader(resp.Body)
	require.NoError(t, err)
	body, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Contains(t, string(body), "cursor:3,7;")
}

func addCookies(req *http.Request, g *testGateway) *http.Request {
	u, _ := url.Parse(g.http.URL)
	for _, c := range g.client.Jar.Cookies(u) {
		req.AddCookie(c)
	}
	return req
}

func TestGateway_EmptyPollReturnsKeepaliveOnly(t *testing.T) {
	g := newTestGateway(t, func(cfg *Config) {
		cfg.PollTimeout = 50 * time.Millisecond
	})
	id := g.connect(t)

	resp, err := g.client.Get(g.http.URL + "/api/tunnels/" + id + "/instructions")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "0.;", string(body))
}

func TestGateway_DisconnectIsIdempotent(t *testing.T) {
	g := newTestGateway(t, nil)
	id := g.connect(t)

	del := func() int {
		req, err := http.NewRequest(http.MethodDelete, g.http.URL+"/api/tunnels/"+id, nil)
		require.NoError(t, err)
		resp, err := g.client.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusNoContent, del())
	assert.Equal(t, http.StatusNoContent, del())
}

func TestGateway_UnknownTunnelIs404(t *testing.T) {
	g := newTestGateway(t, nil)

	resp, err := g.client.Get(g.http.URL + "/api/tunnels/no-such-uuid/instructions")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGateway_HistoryRecordsConnections(t *testing.T) {
	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	g := newTestGateway(t, func(cfg *Config) { cfg.History = store })
	id := g.connect(t)

	resp, err := g.client.Get(g.http.URL + "/api/history")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), id)
}

func TestGateway_Healthz(t *testing.T) {
	g := newTestGateway(t, nil)

	resp, err := g.client.Get(g.http.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
