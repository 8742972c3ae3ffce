// Package sescmd implements the Session Command Log (C2): an ordered,
// append-only per-session log of statements that must be replayed on every
// backend, plus per-backend cursors that walk the log and match replies
// positionally rather than by content.
//
// Grounded on the teacher's relayMySQLTransactionMode / drainMySQLResponse
// (internal/proxy/mysql_relay.go in the reference pool-bouncer repo), which
// reads backend packets until a terminal marker and tracks
// SERVER_MORE_RESULTS_EXISTS / SERVER_STATUS_IN_TRANS to know when a
// command's response is actually finished.
package sescmd

import (
	"errors"
	"sync"

	"github.com/dbrelay/dbrelay/internal/mysqlproto"
)

// ErrHistoryExceeded is returned by Append when the live (unprunable)
// command log has grown past the configured limit — a slow or stuck
// backend cursor is holding commands open. The caller must terminate the
// session rather than let the log grow without bound.
var ErrHistoryExceeded = errors.New("sescmd: history limit exceeded")

// Command is one logged statement, stamped with its session-monotone
// position.
type Command struct {
	Position   int64
	Stmt       []byte
	PacketType byte
	Canonical  string

	repliedOnce bool // true once some cursor has already forwarded this reply
}

// Log is the append-only per-session command log.
type Log struct {
	mu              sync.Mutex
	commands        []*Command // commands[0].Position == basePos
	nextPos         int64
	historyLimit    int // 0 means unlimited
	historyDisabled bool
	cursors         map[string]*Cursor
}

// NewLog creates an empty log. historyLimit <= 0 means unlimited (subject
// only to the aggressive pruning historyDisabled triggers).
func NewLog(historyLimit int, historyDisabled bool) *Log {
	return &Log{
		nextPos:         1,
		historyLimit:    historyLimit,
		historyDisabled: historyDisabled,
		cursors:         make(map[string]*Cursor),
	}
}

// Append adds a command to the log, stamps it with the next position, and
// returns that position. It prunes before and after appending; if the live
// log still exceeds the configured history limit afterward, it returns
// ErrHistoryExceeded — the caller must terminate the session.
func (l *Log) Append(stmt []byte, packetType byte, canonical string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pruneLocked()

	cmd := &Command{
		Position:   l.nextPos,
		Stmt:       append([]byte(nil), stmt...),
		PacketType: packetType,
		Canonical:  canonical,
	}
	l.nextPos++
	l.commands = append(l.commands, cmd)

	l.pruneLocked()

	if l.historyLimit > 0 && len(l.commands) > l.historyLimit {
		return cmd.Position, ErrHistoryExceeded
	}
	return cmd.Position, nil
}

// CursorFor returns the cursor for backend, creating one positioned at the
// current head (the first not-yet-replayed command) on first use.
func (l *Log) CursorFor(backend string) *Cursor {
	l.mu.Lock()
	defer l.mu.Unlock()

	if c, ok := l.cursors[backend]; ok {
		return c
	}
	pos := l.nextPos
	if len(l.commands) > 0 {
		pos = l.commands[0].Position
	}
	c := &Cursor{log: l, backend: backend, pos: pos}
	l.cursors[backend] = c
	return c
}

// RemoveCursor drops a backend's cursor (on backend close) so it no longer
// holds the log open for pruning purposes.
func (l *Log) RemoveCursor(backend string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.cursors, backend)
	l.pruneLocked()
}

// minLiveCursorPosLocked returns the smallest position any live cursor is
// still sitting at, or l.nextPos if there are no cursors (everything is
// prunable).
func (l *Log) minLiveCursorPosLocked() int64 {
	min := l.nextPos
	for _, c := range l.cursors {
		if c.pos < min {
			min = c.pos
		}
	}
	return min
}

// pruneLocked drops commands every live cursor has already passed, but only
// when history is disabled or the configured limit is exceeded; with
// history enabled and no limit, nothing is pruned. Must be called with
// l.mu held.
func (l *Log) pruneLocked() {
	if len(l.commands) == 0 {
		return
	}
	if !l.historyDisabled && (l.historyLimit <= 0 || len(l.commands) <= l.historyLimit) {
		return
	}
	bound := l.minLiveCursorPosLocked()
	i := 0
	for i < len(l.commands) && l.commands[i].Position < bound {
		i++
	}
	l.commands = l.commands[i:]
}

// commandAtLocked returns the command at position pos, or nil if it has
// been pruned or doesn't exist yet. Must be called with l.mu held.
func (l *Log) commandAtLocked(pos int64) *Command {
	if len(l.commands) == 0 {
		return nil
	}
	base := l.commands[0].Position
	idx := pos - base
	if idx < 0 || int(idx) >= len(l.commands) {
		return nil
	}
	return l.commands[idx]
}

// Cursor walks the log on behalf of one backend connection.
type Cursor struct {
	log     *Log
	backend string

	pos     int64 // position of the command this cursor is on (next to replay, or waiting on)
	waiting bool   // true once Next has dispatched a command and its reply hasn't completed
	partial []byte // accumulated reply bytes for the in-flight command
}

// Next advances the cursor to the next un-replayed command and marks it
// waiting for a reply. Returns (nil, false) if the cursor has reached the
// head of the log (nothing left to replay).
func (c *Cursor) Next() (*Command, bool) {
	c.log.mu.Lock()
	defer c.log.mu.Unlock()

	cmd := c.log.commandAtLocked(c.pos)
	if cmd == nil {
		return nil, false
	}
	c.waiting = true
	c.partial = nil
	return cmd, true
}

// Current returns the command the cursor is currently waiting on a reply
// for, if any.
func (c *Cursor) Current() (*Command, bool) {
	c.log.mu.Lock()
	defer c.log.mu.Unlock()
	if !c.waiting {
		return nil, false
	}
	return c.log.commandAtLocked(c.pos), true
}

// ProcessReply consumes one backend reply packet belonging to the
// command the cursor is currently waiting on. It accumulates packets until
// a terminal marker with no further result sets pending, at which point the
// command is complete: the cursor advances and the accumulated bytes are
// returned for forwarding, unless a faster backend has already forwarded
// this command's reply to the client (first backend wins), in which case
// forward is nil and ok is false.
func (c *Cursor) ProcessReply(packet []byte) (forward []byte, ok bool, done bool) {
	c.log.mu.Lock()
	defer c.log.mu.Unlock()

	cmd := c.log.commandAtLocked(c.pos)
	if cmd == nil || !c.waiting {
		return nil, false, false
	}

	c.partial = append(c.partial, packet...)

	terminal := mysqlproto.IsTerminal(packet)
	moreResults := mysqlproto.StatusFlags(packet)&mysqlproto.StatusMoreResultsExist != 0
	if !terminal || moreResults {
		return nil, false, false
	}

	c.waiting = false
	c.pos++
	already := cmd.repliedOnce
	cmd.repliedOnce = true

	reply := c.partial
	c.partial = nil

	if already {
		return nil, false, true
	}
	return reply, true, true
}

// Pending reports whether the cursor has commands left to replay before it
// can move on to a non-session statement.
func (c *Cursor) Pending() bool {
	c.log.mu.Lock()
	defer c.log.mu.Unlock()
	if c.waiting {
		return true
	}
	return c.log.commandAtLocked(c.pos) != nil
}

// Idle reports whether the cursor is neither waiting on a reply nor has
// unreplayed commands — i.e. it is fully caught up with the log head.
func (c *Cursor) Idle() bool {
	return !c.Pending()
}
