package router

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/dbrelay/dbrelay/internal/backendref"
	"github.com/dbrelay/dbrelay/internal/classify"
	"github.com/dbrelay/dbrelay/internal/mysqlproto"
	"github.com/dbrelay/dbrelay/internal/sescmd"
)

// Action distinguishes the two ways handleError may be asked to recover,
// per §6's error-entry contract.
type Action int

const (
	ActionNewConnection Action = iota
	ActionReplyClient
)

// Dispatcher is the session's only way to touch the outside world: writing
// bytes to a named backend, forwarding bytes to the client, or tearing the
// session down. The proxy layer implements this over real connections;
// router itself never touches net.Conn.
type Dispatcher interface {
	WriteBackend(backend string, payload []byte) error
	WriteClient(payload []byte) error
	Close(reason string)
}

// RouteKind distinguishes how a resolved Route should be carried out.
type RouteKind int

const (
	RouteBackend        RouteKind = iota // single backend, non-session statement
	RouteSessionCommand                  // replay machinery: ALL in-use backends
	RouteIntercepted                     // answered directly, no backend touched
	RouteAny                             // SR: first healthy backend
)

// Route is what a Resolver produces for one statement.
type Route struct {
	Kind        RouteKind
	Backend     string
	Intercepted []byte
	Err         error // set for e.g. cross-shard / unknown-database rejections
}

// Resolver picks a Route for a classified statement. RWR and SR each
// implement this; Session supplies the shared dispatch/reply/replay
// machinery both ride on.
type Resolver interface {
	Resolve(s *Session, result classify.Result, raw []byte, hint Hint) Route
}

// Session is one client connection's routing state: the live backend
// reference set, the session-command log, transaction/autocommit flags,
// and (for SR) the current default database and temp-table map. Every
// mutation holds mu, per §5's per-session lock discipline; while held, no
// blocking I/O happens beyond enqueueing a backend write.
type Session struct {
	mu sync.Mutex

	Disp     Dispatcher
	Resolver Resolver
	Log      *sescmd.Log

	Refs    map[string]*backendref.Ref
	Primary string

	Txn       TransactionState
	CurrentDB string

	TempTables map[string]string // "db\x00table" -> owning backend (SR)
	ShardMap   *ShardMap         // nil for RWR sessions

	SlaveLagHint int // -1 if no active hint for this statement
	NamedHint    string
	MasterHint   bool

	Candidates      func() []backendref.Candidate
	SlaveCriterion  backendref.Criterion
	MaxSlaveConns   int
	MaxSlaveLagSecs int // -1 = unset
}

// NewSession wires a fresh session around a dispatcher and resolver.
func NewSession(disp Dispatcher, resolver Resolver, log *sescmd.Log) *Session {
	return &Session{
		Disp:            disp,
		Resolver:        resolver,
		Log:             log,
		Refs:            make(map[string]*backendref.Ref),
		TempTables:      make(map[string]string),
		Txn:             TransactionState{Autocommit: true},
		MaxSlaveLagSecs: -1,
	}
}

// AddBackend registers a backend reference, marking it in-use. isPrimary
// designates the RWR primary / SR's initial connection.
func (s *Session) AddBackend(name string, isPrimary bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := backendref.New(name, isPrimary)
	ref.MarkConnected()
	s.Refs[name] = ref
	if isPrimary {
		s.Primary = name
	}
}

// currentHint reads the per-statement routing hint fields set by the proxy
// layer's comment-hint parser before RouteQuery is called.
func (s *Session) currentHint() Hint {
	return Hint{RouteToMaster: s.MasterHint, NamedServer: s.NamedHint, MaxSlaveLagSecs: s.SlaveLagHint}
}

// RouteQuery implements the routeQuery(session, buffer) entry point (§6).
// buffer is one client wire packet: 3-byte length + 1-byte seq + command
// byte + payload. Returns 1 on success, 0 if the session must close.
func (s *Session) RouteQuery(buffer []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(buffer) < 5 {
		s.Disp.Close("malformed statement buffer")
		return 0
	}
	cmdByte := buffer[4]
	payload := buffer[5:]

	cmd := classify.CommandQuery
	switch cmdByte {
	case mysqlproto.ComStmtPrepare:
		cmd = classify.CommandStmtPrepare
	case mysqlproto.ComStmtExecute:
		cmd = classify.CommandStmtExecute
	case mysqlproto.ComInitDB:
		cmd = classify.CommandInitDB
	}

	result := classify.Classify(cmd, payload)
	s.Txn.Apply(result.Mask)

	if cmd == classify.CommandQuery {
		hint := ParseHint(string(payload))
		s.MasterHint = hint.RouteToMaster
		s.NamedHint = hint.NamedServer
		s.SlaveLagHint = hint.MaxSlaveLagSecs
	} else {
		s.MasterHint = false
		s.NamedHint = ""
		s.SlaveLagHint = -1
	}

	route := s.Resolver.Resolve(s, result, payload, s.currentHint())

	switch route.Kind {
	case RouteIntercepted:
		if err := s.Disp.WriteClient(route.Intercepted); err != nil {
			s.Disp.Close(err.Error())
			return 0
		}
		return 1

	case RouteSessionCommand:
		pos, err := s.Log.Append(buffer, cmdByte, result.Canonical)
		if err == sescmd.ErrHistoryExceeded {
			s.Disp.Close("session command history limit exceeded")
			return 0
		}
		for backend, ref := range s.Refs {
			if ref.Has(backendref.Closed) {
				continue
			}
			cur := s.Log.CursorFor(backend)
			if _, waiting := cur.Current(); !waiting {
				s.driveCursorLocked(backend, cur)
			}
		}
		_ = pos
		return 1

	case RouteAny, RouteBackend:
		backend := route.Backend
		if backend == "" {
			s.Disp.Close("no backend available to route statement")
			return 0
		}
		ref, ok := s.Refs[backend]
		if !ok {
			s.Disp.Close(fmt.Sprintf("routed to unknown backend %q", backend))
			return 0
		}
		ref.MarkQueryDispatched()
		if err := s.Disp.WriteBackend(backend, buffer); err != nil {
			return s.handleErrorLocked(err.Error(), backend, ActionNewConnection)
		}
		return 1

	default:
		if route.Err != nil {
			s.Disp.WriteClient(mysqlproto.BuildErrPacket(1105, "HY000", route.Err.Error()))
			return 1
		}
		s.Disp.Close("unresolvable route")
		return 0
	}
}

// ReplayPending drives a backend's un-replayed session-command cursor
// forward. The proxy layer calls this right after dialing a replacement or
// newly-added backend connection, so it catches up on session state (USE,
// SET, prepared statements) before serving new traffic.
func (s *Session) ReplayPending(backend string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.Log.CursorFor(backend)
	if !cur.Idle() {
		s.driveCursorLocked(backend, cur)
	}
}

// BackendNames returns a snapshot of every backend name the session
// currently holds a reference for, including closed ones, so the proxy
// layer can reconcile its live connection set after HandleError picks a
// replacement.
func (s *Session) BackendNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.Refs))
	for name := range s.Refs {
		names = append(names, name)
	}
	return names
}

// RefClosed reports whether the named backend reference is marked closed.
func (s *Session) RefClosed(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.Refs[name]
	return ok && ref.Has(backendref.Closed)
}

// driveCursorLocked starts (or continues) replaying a backend's session
// command cursor. Must be called with s.mu held.
func (s *Session) driveCursorLocked(backend string, cur *sescmd.Cursor) {
	cmd, ok := cur.Next()
	if !ok {
		return
	}
	if err := s.Disp.WriteBackend(backend, cmd.Stmt); err != nil {
		s.handleErrorLocked(err.Error(), backend, ActionNewConnection)
	}
}

// ClientReply implements the clientReply(session, buffer, backend) entry
// point (§6). buffer holds one reply packet payload from originatingBackend.
func (s *Session) ClientReply(payload []byte, originatingBackend string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, ok := s.Refs[originatingBackend]
	if !ok {
		return
	}

	cur := s.Log.CursorFor(originatingBackend)
	if _, waiting := cur.Current(); waiting {
		forward, ok, done := cur.ProcessReply(payload)
		if !done {
			return
		}
		if ok {
			s.Disp.WriteClient(forward)
		}
		if cur.Pending() {
			s.driveCursorLocked(originatingBackend, cur)
		}
		return
	}

	ref.MarkReplyReceived()
	s.Disp.WriteClient(payload)
	if cur.Pending() {
		s.driveCursorLocked(originatingBackend, cur)
	}
}

// HandleError implements the handleError(session, errmsg, backend, action)
// entry point (§6). Returns true if the session recovered and should
// continue, false if it was closed.
func (s *Session) HandleError(errmsg, failedBackend string, action Action) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handleErrorLocked(errmsg, failedBackend, action) == 1
}

func (s *Session) handleErrorLocked(errmsg, failedBackend string, action Action) int {
	ref, ok := s.Refs[failedBackend]
	if !ok {
		return 0
	}
	ref.MarkClosed()
	s.Log.RemoveCursor(failedBackend)

	if failedBackend == s.Primary {
		s.Disp.Close(fmt.Sprintf("primary backend %q failed: %s", failedBackend, errmsg))
		return 0
	}

	if action == ActionReplyClient {
		s.Disp.WriteClient(mysqlproto.BuildErrPacket(2013, "HY000", errmsg))
	}

	if s.Candidates == nil {
		return 1
	}
	replicaCount := 0
	for name, r := range s.Refs {
		if name != s.Primary && !r.Has(backendref.Closed) {
			replicaCount++
		}
	}
	replacement, ok := backendref.Replace(s.Candidates(), s.SlaveCriterion, s.MaxSlaveConns, replicaCount)
	if ok {
		newRef := backendref.New(replacement.Name, false)
		newRef.MarkConnected()
		s.Refs[replacement.Name] = newRef
	}
	return 1
}

// ParseRow pulls length-encoded string columns out of a text resultset row
// packet — used by SHOW DATABASES parsing during shard discovery. Returns
// nil if the packet isn't a row (e.g. it's the terminal EOF/OK).
func ParseRow(payload []byte) []string {
	if len(payload) == 0 || mysqlproto.IsTerminal(payload) {
		return nil
	}
	var cols []string
	pos := 0
	for pos < len(payload) {
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
		return uint64(binary.LittleEndian.Uint16(buf[pos+1 : pos+3])), 3, true
	case b == 0xfd:
		if pos+4 > len(buf) {
			return 0, 0, false
		}
		v := uint64(buf[pos+1]) | uint64(buf[pos+2])<<8 | uint64(buf[pos+3])<<16
		return v, 4, true
	case b == 0xfe:
		if pos+9 > len(buf) {
			return 0, 0, false
		}
		return binary.LittleEndian.Uint64(buf[pos+1 : pos+9]), 9, true
	default:
		return 0, 0, false
	}
}
