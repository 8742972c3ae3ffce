package proxy

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/dbrelay/dbrelay/internal/mysqlproto"
)

// clientDispatcher implements router.Dispatcher over a real client
// connection and the set of backend connections a session is currently
// using. It adapts the teacher's one-pair relay (handler.go's relay, a
// straight io.Copy between one client and one backend) to a one-to-many
// fan-out: RouteQuery may address any named backend, and whichever backend
// wins the reply race gets reframed with a session-local sequence counter
// before reaching the client.
type clientDispatcher struct {
	client net.Conn

	mu        sync.Mutex
	conns     map[string]net.Conn
	clientSeq byte
	closeOnce sync.Once
	done      chan struct{}
	closeErr  string
}

func newClientDispatcher(client net.Conn) *clientDispatcher {
	return &clientDispatcher{
		client: client,
		conns:  make(map[string]net.Conn),
		done:   make(chan struct{}),
	}
}

// addBackend registers a live connection under name, replacing any prior
// one without closing it (callers close explicitly when swapping).
func (d *clientDispatcher) addBackend(name string, conn net.Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns[name] = conn
}

func (d *clientDispatcher) backendConn(name string) (net.Conn, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.conns[name]
	return c, ok
}

// resetClientSeq is called by the client-read loop before routing a fresh
// client command so replies are framed starting one past the request's own
// sequence number, matching the request/response numbering MySQL clients
// expect.
func (d *clientDispatcher) resetClientSeq(reqSeq byte) {
	d.mu.Lock()
	d.clientSeq = reqSeq
	d.mu.Unlock()
}

// WriteBackend implements router.Dispatcher. payload is always a fully
// framed wire packet (4-byte header + body) — either the client's original
// buffer or a logged session command replayed verbatim.
func (d *clientDispatcher) WriteBackend(backend string, payload []byte) error {
	conn, ok := d.backendConn(backend)
	if !ok {
		return fmt.Errorf("proxy: no live connection to backend %q", backend)
	}
	_, err := conn.Write(payload)
	return err
}

// WriteClient implements router.Dispatcher. payload is an unframed packet
// body (as produced by mysqlproto.Build*Packet or read off a backend
// connection); the dispatcher owns client-side sequence numbering.
func (d *clientDispatcher) WriteClient(payload []byte) error {
	d.mu.Lock()
	d.clientSeq++
	seq := d.clientSeq
	d.mu.Unlock()
	return mysqlproto.WritePacket(d.client, payload, seq)
}

// Close implements router.Dispatcher. Safe to call more than once and from
// more than one backend reader goroutine concurrently.
func (d *clientDispatcher) Close(reason string) {
	d.closeOnce.Do(func() {
		d.closeErr = reason
		slog.Info("proxy: closing client session", "reason", reason)
		close(d.done)
		d.client.Close()
		d.mu.Lock()
		for name, c := range d.conns {
			c.Close()
			delete(d.conns, name)
		}
		d.mu.Unlock()
	})
}

func (d *clientDispatcher) closed() <-chan struct{} { return d.done }
