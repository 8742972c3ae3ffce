package mysqlproto

import (
	"net"
	"testing"
)

func TestPacketRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	done := make(chan error, 1)
	go func() {
		done <- WritePacket(client, []byte("hello"), 7)
	}()

	pkt, err := ReadPacket(server)
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	if pkt.Seq != 7 {
		t.Errorf("seq = %d, want 7", pkt.Seq)
	}
	if string(pkt.Payload) != "hello" {
		t.Errorf("payload = %q, want hello", pkt.Payload)
	}
}

func TestIsOKErrEOF(t *testing.T) {
	ok := []byte{0x00, 0, 0, 0x02, 0x00, 0, 0}
	if !IsOK(ok) || !IsTerminal(ok) {
		t.Error("expected OK packet to be OK and terminal")
	}

	errPkt := BuildErrPacket(1045, "28000", "Access denied")
	if !IsErr(errPkt) || !IsTerminal(errPkt) {
		t.Error("expected ERR packet to be ERR and terminal")
	}
	if got := ErrorMessage(errPkt); got != "Access denied" {
		t.Errorf("ErrorMessage = %q, want Access denied", got)
	}

	eof := []byte{0xfe, 0x00, 0x00, 0x02, 0x00}
	if !IsEOF(eof) || !IsTerminal(eof) {
		t.Error("expected short EOF packet to be EOF and terminal")
	}

	// A length-encoded column-count that happens to start with 0xfe is NOT
	// an EOF packet — it's distinguished by length.
	longColCount := make([]byte, 9)
	longColCount[0] = 0xfe
	if IsEOF(longColCount) {
		t.Error("9-byte 0xfe-prefixed packet must not be treated as EOF")
	}
}

func TestAtTransactionBoundary(t *testing.T) {
	inTrans := BuildOKPacket(StatusInTrans)
	if AtTransactionBoundary(inTrans) {
		t.Error("SERVER_STATUS_IN_TRANS set: should not be at boundary")
	}

	autocommit := BuildOKPacket(StatusAutocommit)
	if !AtTransactionBoundary(autocommit) {
		t.Error("autocommit-only status: should be at boundary")
	}

	moreResults := BuildOKPacket(StatusAutocommit | StatusMoreResultsExist)
	if AtTransactionBoundary(moreResults) {
		t.Error("SERVER_MORE_RESULTS_EXISTS set: should not be at boundary yet")
	}
}
