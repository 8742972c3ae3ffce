package mysqlproto

// BuildTextResultSet assembles a complete Text Resultset response (column
// count, column definitions, EOF, rows, EOF) as a single byte stream of
// already-framed packets, suitable for writing straight to a client
// connection. Used by interception surfaces (SHOW SHARDS, SHOW DATABASES)
// that answer from in-memory state without touching a backend.
func BuildTextResultSet(columns []string, rows [][]string) []byte {
	var out []byte
	seq := byte(0)

	appendPacket := func(payload []byte) {
		out = append(out, framePacket(payload, seq)...)
		seq++
	}

	appendPacket(lenEncInt(uint64(len(columns))))

	for _, col := range columns {
		appendPacket(buildColumnDef(col))
	}

	appendPacket([]byte{EOFPacket, 0x00, 0x00, byte(StatusAutocommit), byte(StatusAutocommit >> 8)})

	for _, row := range rows {
		var payload []byte
		for _, val := range row {
			payload = append(payload, lenEncString(val)...)
		}
		appendPacket(payload)
	}

	appendPacket([]byte{EOFPacket, 0x00, 0x00, byte(StatusAutocommit), byte(StatusAutocommit >> 8)})
	return out
}

func framePacket(payload []byte, seq byte) []byte {
	header := []byte{byte(len(payload)), byte(len(payload) >> 8), byte(len(payload) >> 16), seq}
	return append(header, payload...)
}

func lenEncInt(n uint64) []byte {
	switch {
	case n < 0xfb:
		return []byte{byte(n)}
	case n <= 0xffff:
		return []byte{0xfc, byte(n), byte(n >> 8)}
	case n <= 0xffffff:
		return []byte{0xfd, byte(n), byte(n >> 8), byte(n >> 16)}
	default:
		b := []byte{0xfe, 0, 0, 0, 0, 0, 0, 0, 0}
		for i := 0; i < 8; i++ {
			b[1+i] = byte(n >> (8 * i))
		}
		return b
	}
}

func lenEncString(s string) []byte {
	return append(lenEncInt(uint64(len(s))), s...)
}

// buildColumnDef builds a minimal Protocol::ColumnDefinition41 packet
// naming one VAR_STRING column, enough for the interception surfaces that
// only ever return string columns.
func buildColumnDef(name string) []byte {
	var p []byte
	p = append(p, lenEncString("def")...)  // catalog
	p = append(p, lenEncString("")...)     // schema
	p = append(p, lenEncString("")...)     // table
	p = append(p, lenEncString("")...)     // org_table
	p = append(p, lenEncString(name)...)   // name
	p = append(p, lenEncString(name)...)   // org_name
	p = append(p, 0x0c)                    // length of fixed fields
	p = append(p, 0x21, 0x00)              // character set: utf8_general_ci
	p = append(p, 0xff, 0xff, 0xff, 0xff)  // column length (max varchar)
	p = append(p, 0xfd)                    // type: VAR_STRING
	p = append(p, 0x00, 0x00)              // flags
	p = append(p, 0x00)                    // decimals
	p = append(p, 0x00, 0x00)              // filler
	return p
}
