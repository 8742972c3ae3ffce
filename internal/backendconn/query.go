package backendconn

import (
	"fmt"
	"net"
	"time"

	"github.com/dbrelay/dbrelay/internal/mysqlproto"
)

// Exec runs a statement that returns no result set (DDL, STOP SLAVE, SET
// GLOBAL, ...) and returns an error if the server responds with ERR.
func Exec(conn net.Conn, sql string, timeout time.Duration) error {
	_, _, err := Query(conn, sql, timeout)
	return err
}

// Query runs a text-protocol query and returns its result set, if any.
// Statements with no result set (anything but SELECT/SHOW/etc.) come back
// with nil columns and rows once the OK packet is consumed.
func Query(conn net.Conn, sql string, timeout time.Duration) (columns []string, rows [][]string, err error) {
	conn.SetDeadline(time.Now().Add(timeout))
	defer conn.SetDeadline(time.Time{})

	payload := append([]byte{mysqlproto.ComQuery}, []byte(sql)...)
	if err := mysqlproto.WritePacket(conn, payload, 0); err != nil {
		return nil, nil, fmt.Errorf("backendconn: sending query: %w", err)
	}

	pkt, err := mysqlproto.ReadPacket(conn)
	if err != nil {
		return nil, nil, fmt.Errorf("backendconn: reading query response: %w", err)
	}
	if mysqlproto.IsErr(pkt.Payload) {
		return nil, nil, fmt.Errorf("backendconn: query error: %s", mysqlproto.ErrorMessage(pkt.Payload))
	}
	if mysqlproto.IsOK(pkt.Payload) {
		return nil, nil, nil
	}

	colCount, _, ok := readLenEncInt(pkt.Payload, 0)
	if !ok {
		return nil, nil, fmt.Errorf("backendconn: malformed column-count packet")
	}

	for i := uint64(0); i < colCount; i++ {
		colPkt, err := mysqlproto.ReadPacket(conn)
		if err != nil {
			return nil, nil, fmt.Errorf("backendconn: reading column definition: %w", err)
		}
		name, ok := parseColumnName(colPkt.Payload)
		if !ok {
			return nil, nil, fmt.Errorf("backendconn: malformed column definition")
		}
		columns = append(columns, name)
	}

	if _, err := mysqlproto.ReadPacket(conn); err != nil { // column-definitions EOF
		return nil, nil, fmt.Errorf("backendconn: reading column EOF: %w", err)
	}

	for {
		rowPkt, err := mysqlproto.ReadPacket(conn)
		if err != nil {
			return nil, nil, fmt.Errorf("backendconn: reading row: %w", err)
		}
		if mysqlproto.IsTerminal(rowPkt.Payload) {
			break
		}
		rows = append(rows, parseRow(rowPkt.Payload, len(columns)))
	}
	return columns, rows, nil
}

func parseColumnName(payload []byte) (string, bool) {
	pos := 0
	skip := func() bool {
		n, width, ok := readLenEncInt(payload, pos)
		if !ok || pos+width+int(n) > len(payload) {
			return false
		}
		pos += width + int(n)
		return true
	}
	if !skip() || !skip() || !skip() || !skip() {
		return "", false
	}
	n, width, ok := readLenEncInt(payload, pos)
	if !ok || pos+width+int(n) > len(payload) {
		return "", false
	}
	return string(payload[pos+width : pos+width+int(n)]), true
}

func parseRow(payload []byte, ncols int) []string {
	cols := make([]string, 0, ncols)
	pos := 0
	for pos < len(payload) {
		if payload[pos] == 0xfb { // NULL column
			cols = append(cols, "")
			pos++
			continue
		}
		n, width, ok := readLenEncInt(payload, pos)
		if !ok {
			break
		}
		pos += width
		if pos+int(n) > len(payload) {
			break
		}
		cols = append(cols, string(payload[pos:pos+int(n)]))
		pos += int(n)
	}
	return cols
}

func readLenEncInt(buf []byte, pos int) (value uint64, width int, ok bool) {
	if pos >= len(buf) {
		return 0, 0, false
	}
	b := buf[pos]
	switch {
	case b < 0xfb:
		return uint64(b), 1, true
	case b == 0xfc:
		if pos+3 > len(buf) {
			return 0, 0, false
		}
		return uint64(buf[pos+1]) | uint64(buf[pos+2])<<8, 3, true
	case b == 0xfd:
		if pos+4 > len(buf) {
			return 0, 0, false
		}
		return uint64(buf[pos+1]) | uint64(buf[pos+2])<<8 | uint64(buf[pos+3])<<16, 4, true
	case b == 0xfe:
		if pos+9 > len(buf) {
			return 0, 0, false
		}
		var v uint64
		for i := 0; i < 8; i++ {
			v |= uint64(buf[pos+1+i]) << (8 * i)
		}
		return v, 9, true
	default:
		return 0, 0, false
	}
}
