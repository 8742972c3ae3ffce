package backendconn

import (
	"net"
	"testing"
	"time"

	"github.com/dbrelay/dbrelay/internal/mysqlproto"
)

func TestExecReturnsNilOnOK(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		pkt, err := mysqlproto.ReadPacket(server)
		if err != nil || pkt.Payload[0] != mysqlproto.ComQuery {
			t.Errorf("expected COM_QUERY, got %v err=%v", pkt, err)
			return
		}
		mysqlproto.WritePacket(server, mysqlproto.BuildOKPacket(mysqlproto.StatusAutocommit), 1)
	}()

	if err := Exec(client, "STOP SLAVE", time.Second); err != nil {
		t.Fatalf("Exec: %v", err)
	}
}

func TestExecReturnsErrorOnErrPacket(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		mysqlproto.ReadPacket(server)
		mysqlproto.WritePacket(server, mysqlproto.BuildErrPacket(1198, "HY000", "replication stopped"), 1)
	}()

	if err := Exec(client, "STOP SLAVE", time.Second); err == nil {
		t.Fatal("expected Exec to surface the server's ERR packet")
	}
}

func buildColumnDefPacket(name string) []byte {
	lenEnc := func(s string) []byte { return append([]byte{byte(len(s))}, s...) }
	var p []byte
	p = append(p, lenEnc("def")...)
	p = append(p, lenEnc("")...)
	p = append(p, lenEnc("")...)
	p = append(p, lenEnc("")...)
	p = append(p, lenEnc(name)...)
	p = append(p, lenEnc(name)...)
	p = append(p, 0x0c, 0x21, 0x00, 0xff, 0xff, 0xff, 0xff, 0xfd, 0x00, 0x00, 0x00, 0x00, 0x00)
	return p
}

func TestQueryParsesResultSet(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		if _, err := mysqlproto.ReadPacket(server); err != nil {
			t.Errorf("reading query: %v", err)
			return
		}
		mysqlproto.WritePacket(server, []byte{2}, 1) // column count = 2
		mysqlproto.WritePacket(server, buildColumnDefPacket("server_id"), 2)
		mysqlproto.WritePacket(server, buildColumnDefPacket("read_only"), 3)
		mysqlproto.WritePacket(server, []byte{mysqlproto.EOFPacket, 0, 0, 0x02, 0x00}, 4)
		mysqlproto.WritePacket(server, append([]byte{3}, []byte("101")...), 5) // row: "101"
		row := append([]byte{3}, []byte("101")...)
		row = append(row, 1)
		row = append(row, '0')
		mysqlproto.WritePacket(server, row, 6)
		mysqlproto.WritePacket(server, []byte{mysqlproto.EOFPacket, 0, 0, 0x02, 0x00}, 7)
	}()

	cols, rows, err := Query(client, "SELECT @@server_id, @@read_only", time.Second)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(cols) != 2 || cols[0] != "server_id" || cols[1] != "read_only" {
		t.Fatalf("expected columns [server_id read_only], got %v", cols)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d: %v", len(rows), rows)
	}
}
