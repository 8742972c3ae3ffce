// Package backendconn dials and authenticates a connection to a backend
// MySQL server. Generalized from the teacher's
// internal/pool/pool.go:authenticateMySQL — same handshake parse and
// mysql_native_password hashing, adapted from "tenant credentials" to
// "backend credentials" and rebuilt on top of internal/mysqlproto instead
// of pool.go's private packet helpers.
package backendconn

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/dbrelay/dbrelay/internal/mysqlproto"
)

// Credentials names the account dbrelay authenticates to a backend with.
type Credentials struct {
	Username string
	Password string
	Database string // optional initial default database
}

// Dial opens a TCP connection to addr and completes the MySQL handshake,
// returning a ready-to-query connection. ctx governs the dial only; once
// connected, callers own the connection's lifetime.
func Dial(ctx context.Context, addr string, creds Credentials) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("backendconn: dial %s: %w", addr, err)
	}
	if err := authenticate(conn, creds); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func authenticate(conn net.Conn, creds Credentials) error {
	pkt, err := mysqlproto.ReadPacket(conn)
	if err != nil {
		return fmt.Errorf("backendconn: reading server handshake: %w", err)
	}
	hs := pkt.Payload
	if len(hs) < 1 {
		return fmt.Errorf("backendconn: empty server handshake")
	}
	if mysqlproto.IsErr(hs) {
		return fmt.Errorf("backendconn: server sent error on connect: %s", mysqlproto.ErrorMessage(hs))
	}

	pos := 1
	for pos < len(hs) && hs[pos] != 0 {
		pos++
	}
	pos++
	if pos+4 > len(hs) {
		return fmt.Errorf("backendconn: handshake packet too short")
	}
	pos += 4 // connection id

	if pos+8 > len(hs) {
		return fmt.Errorf("backendconn: handshake packet too short for auth data 1")
	}
	authData := make([]byte, 0, 20)
	authData = append(authData, hs[pos:pos+8]...)
	pos += 8
	pos++ // filler

	if pos+2 > len(hs) {
		return fmt.Errorf("backendconn: handshake packet too short for capability flags")
	}
	capLow := uint32(binary.LittleEndian.Uint16(hs[pos : pos+2]))
	pos += 2

	if pos+3 > len(hs) {
		return fmt.Errorf("backendconn: handshake packet too short for charset/status")
	}
	pos += 3

	if pos+2 > len(hs) {
		return fmt.Errorf("backendconn: handshake packet too short for capability flags high")
	}
	capHigh := uint32(binary.LittleEndian.Uint16(hs[pos:pos+2])) << 16
	capFlags := capLow | capHigh
	pos += 2

	var authPluginDataLen int
	if pos < len(hs) {
		authPluginDataLen = int(hs[pos])
		pos++
	}
	pos += 10 // reserved

	part2Len := authPluginDataLen - 8
	if part2Len < 13 {
		part2Len = 13
	}
	if pos+part2Len > len(hs) {
		part2Len = len(hs) - pos
	}
	if part2Len > 0 {
		part2 := hs[pos : pos+part2Len]
		if len(part2) > 0 && part2[len(part2)-1] == 0 {
			part2 = part2[:len(part2)-1]
		}
		authData = append(authData, part2...)
	}
	pos += part2Len

	pluginName := "mysql_native_password"
	if capFlags&mysqlproto.ClientPluginAuth != 0 && pos < len(hs) {
		end := pos
		for end < len(hs) && hs[end] != 0 {
			end++
		}
		pluginName = string(hs[pos:end])
	}

	clientCaps := mysqlproto.ClientLongPassword | mysqlproto.ClientProtocol41 |
		mysqlproto.ClientSecureConnection | mysqlproto.ClientPluginAuth | mysqlproto.ClientConnectWithDB

	var authResp []byte
	switch pluginName {
	case "mysql_native_password":
		authResp = nativePasswordHash([]byte(creds.Password), authData)
	default:
		authResp = []byte{}
	}

	var resp []byte
	capBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(capBuf, clientCaps)
	resp = append(resp, capBuf...)
	resp = append(resp, 0xff, 0xff, 0xff, 0x00)
	resp = append(resp, 0x21)
	resp = append(resp, make([]byte, 23)...)
	resp = append(resp, []byte(creds.Username)...)
	resp = append(resp, 0)
	resp = append(resp, byte(len(authResp)))
	resp = append(resp, authResp...)
	resp = append(resp, []byte(creds.Database)...)
	resp = append(resp, 0)
	resp = append(resp, []byte("mysql_native_password")...)
	resp = append(resp, 0)

	if err := mysqlproto.WritePacket(conn, resp, 1); err != nil {
		return fmt.Errorf("backendconn: sending handshake response: %w", err)
	}

	pkt, err = mysqlproto.ReadPacket(conn)
	if err != nil {
		return fmt.Errorf("backendconn: reading auth result: %w", err)
	}
	result := pkt.Payload
	if len(result) < 1 {
		return fmt.Errorf("backendconn: empty auth result")
	}

	switch {
	case mysqlproto.IsOK(result):
		return nil
	case result[0] == 0xfe: // AuthSwitchRequest
		return handleAuthSwitch(conn, creds, result)
	case mysqlproto.IsErr(result):
		return fmt.Errorf("backendconn: auth failed: %s", mysqlproto.ErrorMessage(result))
	default:
		return fmt.Errorf("backendconn: unexpected auth response byte: 0x%02x", result[0])
	}
}

func handleAuthSwitch(conn net.Conn, creds Credentials, pkt []byte) error {
	if len(pkt) < 2 {
		return fmt.Errorf("backendconn: malformed AuthSwitchRequest")
	}
	nameEnd := 1
	for nameEnd < len(pkt) && pkt[nameEnd] != 0 {
		nameEnd++
	}
	switchPlugin := string(pkt[1:nameEnd])
	var switchData []byte
	if nameEnd+1 < len(pkt) {
		switchData = pkt[nameEnd+1:]
		if len(switchData) > 0 && switchData[len(switchData)-1] == 0 {
			switchData = switchData[:len(switchData)-1]
		}
	}

	var switchResp []byte
	switch switchPlugin {
	case "mysql_native_password":
		switchResp = nativePasswordHash([]byte(creds.Password), switchData)
	default:
		return fmt.Errorf("backendconn: unsupported auth plugin switch: %s", switchPlugin)
	}
	if err := mysqlproto.WritePacket(conn, switchResp, 3); err != nil {
		return fmt.Errorf("backendconn: sending auth switch response: %w", err)
	}

	final, err := mysqlproto.ReadPacket(conn)
	if err != nil {
		return fmt.Errorf("backendconn: reading auth switch result: %w", err)
	}
	if !mysqlproto.IsOK(final.Payload) {
		return fmt.Errorf("backendconn: auth failed after plugin switch")
	}
	return nil
}

// NativePasswordHash exposes the mysql_native_password scramble so the
// proxy's front-door handshake check can verify a client's auth response
// against configured credentials without opening a connection.
func NativePasswordHash(password, authData []byte) []byte {
	return nativePasswordHash(password, authData)
}

// nativePasswordHash computes SHA1(password) XOR SHA1(authData + SHA1(SHA1(password))).
func nativePasswordHash(password, authData []byte) []byte {
	if len(password) == 0 {
		return []byte{}
	}
	h1 := sha1.Sum(password)
	h2 := sha1.Sum(h1[:])
	h := sha1.New()
	h.Write(authData)
	h.Write(h2[:])
	h3 := h.Sum(nil)
	result := make([]byte, 20)
	for i := range result {
		result[i] = h1[i] ^ h3[i]
	}
	return result
}

// Ping sends COM_PING and waits for OK, used by the monitor's probe loop
// to check a cached connection before reusing it.
func Ping(conn net.Conn, timeout time.Duration) error {
	conn.SetDeadline(time.Now().Add(timeout))
	defer conn.SetDeadline(time.Time{})

	if err := mysqlproto.WritePacket(conn, []byte{mysqlproto.ComPing}, 0); err != nil {
		return err
	}
	pkt, err := mysqlproto.ReadPacket(conn)
	if err != nil {
		return err
	}
	if mysqlproto.IsErr(pkt.Payload) {
		return fmt.Errorf("backendconn: ping error: %s", mysqlproto.ErrorMessage(pkt.Payload))
	}
	return nil
}
