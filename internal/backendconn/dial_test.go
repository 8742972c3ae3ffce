package backendconn

import (
	"net"
	"testing"
	"time"

	"github.com/dbrelay/dbrelay/internal/mysqlproto"
)

// fakeServer plays a minimal mysql_native_password handshake over a
// net.Pipe so authenticate can be exercised without a real backend.
func fakeServer(t *testing.T, conn net.Conn, expectOK bool) {
	t.Helper()

	authData := make([]byte, 20)
	for i := range authData {
		authData[i] = byte(i + 1)
	}

	var hs []byte
	hs = append(hs, 10)
	hs = append(hs, "8.0.34-fake"...)
	hs = append(hs, 0)
	hs = append(hs, 1, 0, 0, 0)
	hs = append(hs, authData[:8]...)
	hs = append(hs, 0)
	hs = append(hs, byte(0xff), byte(0xff))
	hs = append(hs, 33)
	hs = append(hs, 0x02, 0)
	hs = append(hs, byte(0x0f), 0)
	hs = append(hs, 21)
	hs = append(hs, make([]byte, 10)...)
	hs = append(hs, authData[8:]...)
	hs = append(hs, 0)
	hs = append(hs, "mysql_native_password"...)
	hs = append(hs, 0)

	if err := mysqlproto.WritePacket(conn, hs, 0); err != nil {
		t.Errorf("fakeServer: writing handshake: %v", err)
		return
	}

	if _, err := mysqlproto.ReadPacket(conn); err != nil {
		t.Errorf("fakeServer: reading handshake response: %v", err)
		return
	}

	if expectOK {
		mysqlproto.WritePacket(conn, mysqlproto.BuildOKPacket(mysqlproto.StatusAutocommit), 2)
	} else {
		mysqlproto.WritePacket(conn, mysqlproto.BuildErrPacket(1045, "28000", "Access denied"), 2)
	}
}

func TestAuthenticateSuccess(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go fakeServer(t, server, true)

	err := authenticate(client, Credentials{Username: "app", Password: "secret", Database: "shard_a"})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
}

func TestAuthenticateRejected(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go fakeServer(t, server, false)

	err := authenticate(client, Credentials{Username: "app", Password: "wrong"})
	if err == nil {
		t.Fatal("expected authentication failure")
	}
}

func TestPingRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		pkt, err := mysqlproto.ReadPacket(server)
		if err != nil || len(pkt.Payload) != 1 || pkt.Payload[0] != mysqlproto.ComPing {
			t.Errorf("expected COM_PING, got %v err=%v", pkt, err)
			return
		}
		mysqlproto.WritePacket(server, mysqlproto.BuildOKPacket(mysqlproto.StatusAutocommit), 1)
	}()

	if err := Ping(client, time.Second); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
