package mysqlproto

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
)

// Capability flags used by the synthetic handshake and response parsing.
const (
	ClientLongPassword         uint32 = 1
	ClientConnectWithDB        uint32 = 1 << 3
	ClientProtocol41           uint32 = 1 << 9
	ClientSecureConnection     uint32 = 1 << 15
	ClientPluginAuth           uint32 = 1 << 19
	ClientPluginAuthLenEncData uint32 = 1 << 21
)

// HandshakeResponse holds the fields dbrelay extracts from a client's
// HandshakeResponse41 packet. Raw carries the untouched bytes so they can
// be forwarded verbatim to a backend during auth replay.
type HandshakeResponse struct {
	ClientFlags uint32
	Username    string
	AuthData    []byte
	Database    string
	Raw         []byte
}

// SendSyntheticHandshake sends a Protocol::HandshakeV10 packet to the
// client so dbrelay can learn routing-relevant fields (username, default
// database) before any backend connection exists.
func SendSyntheticHandshake(conn net.Conn, serverVersion string) ([]byte, error) {
	authData := make([]byte, 20)
	if _, err := rand.Read(authData); err != nil {
		return nil, fmt.Errorf("generating auth challenge: %w", err)
	}
	for i := range authData {
		if authData[i] == 0 {
			authData[i] = 1
		}
	}

	var buf []byte
	buf = append(buf, 10) // protocol version
	buf = append(buf, serverVersion...)
	buf = append(buf, 0)
	buf = append(buf, 1, 0, 0, 0) // connection id
	buf = append(buf, authData[:8]...)
	buf = append(buf, 0) // filler

	capLow := uint16(0xf7ff)
	buf = append(buf, byte(capLow), byte(capLow>>8))
	buf = append(buf, 33)       // utf8
	buf = append(buf, 0x02, 0) // status flags

	capHigh := uint16(0x0081)
	buf = append(buf, byte(capHigh), byte(capHigh>>8))
	buf = append(buf, 21) // auth-plugin-data length
	buf = append(buf, make([]byte, 10)...)
	buf = append(buf, authData[8:]...)
	buf = append(buf, 0x00)
	buf = append(buf, "mysql_native_password"...)
	buf = append(buf, 0)

	if err := WritePacket(conn, buf, 0); err != nil {
		return nil, err
	}
	return authData, nil
}

// ReadHandshakeResponse reads and parses a client's HandshakeResponse41.
func ReadHandshakeResponse(conn net.Conn) (HandshakeResponse, error) {
	pkt, err := ReadPacket(conn)
	if err != nil {
		return HandshakeResponse{}, fmt.Errorf("reading handshake response: %w", err)
	}
	payload := pkt.Payload
	if len(payload) < 32 {
		return HandshakeResponse{}, fmt.Errorf("handshake response too short")
	}

	raw := make([]byte, 4+len(payload))
	raw[0] = byte(len(payload))
	raw[1] = byte(len(payload) >> 8)
	raw[2] = byte(len(payload) >> 16)
	raw[3] = pkt.Seq
	copy(raw[4:], payload)

	resp := HandshakeResponse{Raw: raw}
	resp.ClientFlags = binary.LittleEndian.Uint32(payload[0:4])

	pos := 32
	usernameEnd := pos
	for usernameEnd < len(payload) && payload[usernameEnd] != 0 {
		usernameEnd++
	}
	resp.Username = string(payload[pos:usernameEnd])
	pos = usernameEnd + 1

	switch {
	case resp.ClientFlags&ClientPluginAuthLenEncData != 0, resp.ClientFlags&ClientSecureConnection != 0:
		if pos < len(payload) {
			authLen := int(payload[pos])
			pos++
			if pos+authLen <= len(payload) {
				resp.AuthData = payload[pos : pos+authLen]
				pos += authLen
			}
		}
	default:
		authEnd := pos
		for authEnd < len(payload) && payload[authEnd] != 0 {
			authEnd++
		}
		resp.AuthData = payload[pos:authEnd]
		pos = authEnd + 1
	}

	if resp.ClientFlags&ClientConnectWithDB != 0 && pos < len(payload) {
		dbEnd := pos
		for dbEnd < len(payload) && payload[dbEnd] != 0 {
			dbEnd++
		}
		resp.Database = string(payload[pos:dbEnd])
	}

	return resp, nil
}
