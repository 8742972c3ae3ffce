package sescmd

import (
	"testing"

	"github.com/dbrelay/dbrelay/internal/mysqlproto"
)

func TestAppendAssignsMonotonePositions(t *testing.T) {
	l := NewLog(0, false)
	p1, err := l.Append([]byte("SET autocommit=0"), 0x03, "SET autocommit=?")
	if err != nil {
		t.Fatalf("append 1: %v", err)
	}
	p2, err := l.Append([]byte("USE shard_b"), 0x03, "USE shard_b")
	if err != nil {
		t.Fatalf("append 2: %v", err)
	}
	if p2 <= p1 {
		t.Errorf("positions not monotone: %d then %d", p1, p2)
	}
}

func TestReplayAndPositionalReplyMatching(t *testing.T) {
	l := NewLog(0, false)
	l.Append([]byte("SET autocommit=0"), 0x03, "")
	l.Append([]byte("USE shard_b"), 0x03, "")

	cur := l.CursorFor("backend-a")

	cmd1, ok := cur.Next()
	if !ok || string(cmd1.Stmt) != "SET autocommit=0" {
		t.Fatalf("expected first command, got %v ok=%v", cmd1, ok)
	}
	ok1 := mysqlproto.BuildOKPacket(mysqlproto.StatusAutocommit)
	reply, forward, done := cur.ProcessReply(ok1)
	if !forward || !done {
		t.Fatalf("expected first reply forwarded, got forward=%v done=%v", forward, done)
	}
	if len(reply) == 0 {
		t.Error("expected non-empty reply bytes")
	}

	cmd2, ok := cur.Next()
	if !ok || string(cmd2.Stmt) != "USE shard_b" {
		t.Fatalf("expected second command, got %v ok=%v", cmd2, ok)
	}
	_, forward2, done2 := cur.ProcessReply(mysqlproto.BuildOKPacket(mysqlproto.StatusAutocommit))
	if !forward2 || !done2 {
		t.Fatalf("expected second reply forwarded, got forward=%v done=%v", forward2, done2)
	}

	if _, ok := cur.Next(); ok {
		t.Error("expected cursor to be at head with nothing left to replay")
	}
	if !cur.Idle() {
		t.Error("expected cursor idle after draining log")
	}
}

func TestFirstBackendWinsReplyForwarding(t *testing.T) {
	l := NewLog(0, false)
	l.Append([]byte("BEGIN"), 0x03, "")

	curA := l.CursorFor("backend-a")
	curB := l.CursorFor("backend-b")

	curA.Next()
	curB.Next()

	ok := mysqlproto.BuildOKPacket(mysqlproto.StatusInTrans)
	_, forwardA, _ := curA.ProcessReply(ok)
	_, forwardB, _ := curB.ProcessReply(ok)

	if !forwardA {
		t.Error("expected backend-a (first) reply to be forwarded")
	}
	if forwardB {
		t.Error("expected backend-b (second) reply to be discarded")
	}
}

func TestHistoryExceededTerminatesSession(t *testing.T) {
	l := NewLog(2, false)
	cur := l.CursorFor("stuck-backend") // never advances, blocks pruning

	if _, err := l.Append([]byte("s1"), 0x03, ""); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if _, err := l.Append([]byte("s2"), 0x03, ""); err != nil {
		t.Fatalf("append 2: %v", err)
	}
	_, err := l.Append([]byte("s3"), 0x03, "")
	if err != ErrHistoryExceeded {
		t.Fatalf("expected ErrHistoryExceeded, got %v", err)
	}
	_ = cur
}

func TestPruneDropsCommandsBelowSlowestCursor(t *testing.T) {
	l := NewLog(0, true)
	l.Append([]byte("s1"), 0x03, "")
	l.Append([]byte("s2"), 0x03, "")

	fast := l.CursorFor("fast")
	slow := l.CursorFor("slow")

	fast.Next()
	fast.ProcessReply(mysqlproto.BuildOKPacket(mysqlproto.StatusAutocommit))
	fast.Next()
	fast.ProcessReply(mysqlproto.BuildOKPacket(mysqlproto.StatusAutocommit))

	l.Append([]byte("s3"), 0x03, "")

	l.mu.Lock()
	lenBefore := len(l.commands)
	l.mu.Unlock()
	if lenBefore == 0 {
		t.Fatal("expected slow cursor to keep s1/s2 or s3 alive")
	}

	slow.Next()
	slow.ProcessReply(mysqlproto.BuildOKPacket(mysqlproto.StatusAutocommit))
	slow.Next()
	slow.ProcessReply(mysqlproto.BuildOKPacket(mysqlproto.StatusAutocommit))
	slow.Next()
	slow.ProcessReply(mysqlproto.BuildOKPacket(mysqlproto.StatusAutocommit))

	l.RemoveCursor("fast")
	l.RemoveCursor("slow")

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.commands) != 0 {
		t.Errorf("expected log fully pruned after both cursors drained and removed, got %d", len(l.commands))
	}
}
