package classify

import (
	"regexp"
	"strings"
)

// CommandType distinguishes the wire-level command packet the statement
// arrived in — COM_QUERY text classification proceeds the same way
// regardless, but COM_STMT_PREPARE / COM_STMT_EXECUTE contribute bits the
// SQL text alone can't (spec §4.1 rule 10).
type CommandType int

const (
	CommandQuery CommandType = iota
	CommandStmtPrepare
	CommandStmtExecute
	CommandInitDB
)

var (
	reLeadingWS     = regexp.MustCompile(`^\s+`)
	reSelectInto    = regexp.MustCompile(`(?is)\bSELECT\b.*\bINTO\s+(OUTFILE|DUMPFILE|@\w+)`)
	reImplicitCommitDDL = regexp.MustCompile(`(?is)^(CREATE|ALTER|DROP|TRUNCATE|RENAME)\s+(TABLE|INDEX|DATABASE|SCHEMA|VIEW|TRIGGER|PROCEDURE|FUNCTION|EVENT)\b|^(CREATE|DROP|RENAME)\s+USER\b|^(GRANT|REVOKE)\b|^LOCK\s+TABLES\b`)
	reCreateTempTable  = regexp.MustCompile(`(?is)^CREATE\s+TEMPORARY\s+TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?([` + identChars + `]+)`)
	reCreateTable      = regexp.MustCompile(`(?is)^CREATE\s+TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?([` + identChars + `]+)`)
	reDropTable        = regexp.MustCompile(`(?is)^DROP\s+TABLE\s+(?:IF\s+EXISTS\s+)?([` + identChars + `,\s]+)`)
	reSetGlobal        = regexp.MustCompile(`(?is)^SET\s+GLOBAL\s+`)
	reShowGlobalVars   = regexp.MustCompile(`(?is)^SHOW\s+GLOBAL\s+(VARIABLES|STATUS)\b`)
	reSetSession       = regexp.MustCompile(`(?is)^SET\s+(SESSION\s+)?(@@session\.)?`)
	reShowVars         = regexp.MustCompile(`(?is)^SHOW\s+(SESSION\s+)?(VARIABLES|STATUS)\b`)
	reSetAutocommit1   = regexp.MustCompile(`(?is)^SET\s+(SESSION\s+)?(@@session\.)?autocommit\s*[:]?=\s*('?1'?|ON)\s*$`)
	reSetAutocommit0   = regexp.MustCompile(`(?is)^SET\s+(SESSION\s+)?(@@session\.)?autocommit\s*[:]?=\s*('?0'?|OFF)\s*$`)
	reDML              = regexp.MustCompile(`(?is)^(INSERT|UPDATE|DELETE|REPLACE)\b`)
	reUse              = regexp.MustCompile(`(?is)^USE\s+([` + identChars + `]+)`)
	reDeallocate       = regexp.MustCompile(`(?is)^DEALLOCATE\s+PREPARE\b`)
	reSelect           = regexp.MustCompile(`(?is)^SELECT\b`)
	reCall             = regexp.MustCompile(`(?is)^CALL\b`)
	reBegin            = regexp.MustCompile(`(?is)^(BEGIN|START\s+TRANSACTION)\b`)
	reCommit           = regexp.MustCompile(`(?is)^COMMIT\b`)
	reRollback         = regexp.MustCompile(`(?is)^ROLLBACK\b`)
	rePrepareNamed     = regexp.MustCompile(`(?is)^PREPARE\s+(\w+)\s+FROM\b`)
	reShowDatabases    = regexp.MustCompile(`(?is)^SHOW\s+DATABASES\b`)
	reShowTables       = regexp.MustCompile(`(?is)^SHOW\s+TABLES\b`)
	reSysvarRef        = regexp.MustCompile(`@@(session\.)?(\w+)`)
	reGlobalVarRef     = regexp.MustCompile(`@@global\.(\w+)`)
	reUservarRef       = regexp.MustCompile(`@(\w+)\s*(:?=)?`)
	reUservarAssign    = regexp.MustCompile(`@\w+\s*:?=[^=]`)
	reFuncCall         = regexp.MustCompile(`(?i)\b([A-Za-z_][A-Za-z0-9_]*)\s*\(`)
	reFromTables       = regexp.MustCompile(`(?is)\bFROM\s+([` + identChars + `,\s]+?)(?:\bWHERE\b|\bGROUP\b|\bORDER\b|\bLIMIT\b|\bJOIN\b|;|$)`)
)

const identChars = `a-zA-Z0-9_.` + "`"

// localFunctions never touch backend table data and can be answered by the
// proxy layer itself (or trivially by any backend) without routing
// significance beyond LOCAL_READ.
var localFunctions = map[string]bool{
	"now": true, "curdate": true, "curtime": true, "sysdate": true,
	"unix_timestamp": true, "rand": true, "uuid": true, "connection_id": true,
	"database": true, "user": true, "current_user": true, "version": true,
	"repeat": true, "concat": true, "length": true,
}

// knownBuiltins are ordinary deterministic SQL functions: referencing them
// doesn't imply a stored procedure or UDF, so they don't force a WRITE.
var knownBuiltins = map[string]bool{
	"count": true, "sum": true, "avg": true, "min": true, "max": true,
	"coalesce": true, "if": true, "ifnull": true, "cast": true, "convert": true,
	"substring": true, "trim": true, "upper": true, "lower": true, "round": true,
	"abs": true, "floor": true, "ceil": true, "greatest": true, "least": true,
}

// Classify implements the Query Classifier contract (spec §4.1): it
// applies the ordered rule set and returns the accumulated type mask plus
// extracted names. It never fails — an unparseable statement degrades to
// Unknown, and the caller (the router) treats Unknown as WRITE.
func Classify(cmd CommandType, statement []byte) Result {
	text := string(statement)
	trimmed := reLeadingWS.ReplaceAllString(text, "")

	if cmd == CommandStmtExecute {
		return Result{Mask: ExecStmt, Operation: OpUnknown, Canonical: "?"}
	}

	r := Result{Canonical: Canonicalize(trimmed)}

	if cmd == CommandInitDB {
		r.Mask |= SessionWrite
		r.Operation = OpUse
		r.ReferencedDBs = []string{strings.TrimSpace(text)}
		return r
	}

	// Rule 1: SELECT ... INTO OUTFILE|DUMPFILE|@var
	if reSelectInto.MatchString(trimmed) {
		r.Mask |= SessionWrite
	}

	// Rule 2: implicit-commit DDL, and SET autocommit=N as a distinguished case.
	if reImplicitCommitDDL.MatchString(trimmed) {
		r.Mask |= Commit
		r.Operation = OpAdminDDL
	}
	if reSetAutocommit1.MatchString(trimmed) {
		r.Mask |= Commit | EnableAutocommit
		r.Operation = OpSet
	} else if reSetAutocommit0.MatchString(trimmed) {
		r.Mask |= Commit | DisableAutocommit | BeginTrx
		r.Operation = OpSet
	}

	// Rule 3: SET GLOBAL / SHOW GLOBAL VARIABLES
	if reSetGlobal.MatchString(trimmed) {
		r.Mask |= GSysvarWrite
		r.Operation = OpSet
	}
	if reShowGlobalVars.MatchString(trimmed) {
		r.Mask |= GSysvarRead
		r.Operation = OpShow
	}

	// Rule 4: SET SESSION ... / SHOW [SESSION] VARIABLES ...
	if reShowVars.MatchString(trimmed) && !reShowGlobalVars.MatchString(trimmed) {
		r.Mask |= SysvarRead
		r.Operation = OpShow
	}
	isPlainSet := strings.HasPrefix(strings.ToUpper(trimmed), "SET ") && !reSetGlobal.MatchString(trimmed)
	if isPlainSet && r.Mask&(EnableAutocommit|DisableAutocommit) == 0 {
		// Conflated per spec §9 Open Question: session/user-variable writes
		// are not yet separated from global system-variable writes.
		r.Mask |= GSysvarWrite
		r.Operation = OpSet
	}

	// Rule 5: DML/DDL touching replicated tables.
	if reDML.MatchString(trimmed) {
		r.Mask |= Write
		r.Operation = dmlOperation(trimmed)
		r.ReferencedTables = extractTables(trimmed)
	}
	if m := reCreateTempTable.FindStringSubmatch(trimmed); m != nil {
		r.Mask |= Write | CreateTmpTable
		r.Operation = OpCreateTempTable
		r.CreatedTableName = unquoteIdent(m[1])
	} else if m := reCreateTable.FindStringSubmatch(trimmed); m != nil {
		r.Mask |= Write | Commit
		r.Operation = OpCreateTable
		r.CreatedTableName = unquoteIdent(m[1])
	}
	if m := reDropTable.FindStringSubmatch(trimmed); m != nil {
		r.Mask |= Write | Commit
		r.Operation = OpDropTable
		for _, t := range strings.Split(m[1], ",") {
			r.ReferencedTables = append(r.ReferencedTables, unquoteIdent(strings.TrimSpace(t)))
		}
	}

	// Rule 6: USE db, DEALLOCATE PREPARE.
	if m := reUse.FindStringSubmatch(trimmed); m != nil {
		r.Mask |= SessionWrite
		r.Operation = OpUse
		r.ReferencedDBs = append(r.ReferencedDBs, unquoteIdent(m[1]))
	}
	if reDeallocate.MatchString(trimmed) {
		r.Mask |= SessionWrite
		r.Operation = OpDeallocate
	}

	// Rule 7: SELECT, then scan referenced functions/variables.
	if reShowDatabases.MatchString(trimmed) {
		r.Mask |= ShowDatabases
		r.Operation = OpShow
	} else if reShowTables.MatchString(trimmed) {
		r.Mask |= ShowTables | Read
		r.Operation = OpShow
		r.ReferencedTables = extractTables(trimmed)
	} else if reSelect.MatchString(trimmed) {
		r.Mask |= Read
		r.Operation = OpSelect
		r.ReferencedTables = extractTables(trimmed)
		classifySelectFunctions(trimmed, &r)
	}

	// Rule 8: CALL.
	if reCall.MatchString(trimmed) {
		r.Mask |= Write
		r.Operation = OpCall
	}

	// Rule 9: transaction keywords.
	if reBegin.MatchString(trimmed) {
		r.Mask |= BeginTrx
		r.Operation = OpBegin
	}
	if reCommit.MatchString(trimmed) {
		r.Mask |= Commit
		r.Operation = OpCommit
	}
	if reRollback.MatchString(trimmed) {
		r.Mask |= Rollback
		r.Operation = OpRollback
	}

	// Rule 10: PREPARE name FROM ..., wire prepare/execute packets.
	if rePrepareNamed.MatchString(trimmed) {
		r.Mask |= PrepareNamedStmt
		r.Operation = OpPrepare
	}
	if cmd == CommandStmtPrepare {
		r.Mask |= PrepareStmt
		r.Operation = OpPrepare
	}

	if r.Mask == Unknown && r.Operation == OpUnknown {
		r.Operation = OpUnknown
	}

	return r
}

func dmlOperation(trimmed string) Operation {
	upper := strings.ToUpper(trimmed)
	switch {
	case strings.HasPrefix(upper, "INSERT"):
		return OpInsert
	case strings.HasPrefix(upper, "UPDATE"):
		return OpUpdate
	case strings.HasPrefix(upper, "DELETE"):
		return OpDelete
	default:
		return OpUnknown
	}
}

// classifySelectFunctions scans a SELECT statement's function calls and
// variable references, applying rule 7's sub-cases.
func classifySelectFunctions(trimmed string, r *Result) {
	for _, m := range reFuncCall.FindAllStringSubmatch(trimmed, -1) {
		name := strings.ToLower(m[1])
		switch {
		case name == "last_insert_id":
			r.Mask |= MasterRead
		case localFunctions[name]:
			r.Mask |= LocalRead
		case knownBuiltins[name]:
			// deterministic, no routing significance beyond READ
		case isSQLKeyword(name):
			// not actually a function call (e.g. "IF (" inside a CASE)
		default:
			// Unknown function or stored procedure reference: conservative
			// default per spec §4.1 rule 7 — route through the primary.
			r.Mask |= Write
		}
	}

	if reGlobalVarRef.MatchString(trimmed) {
		r.Mask |= GSysvarRead
	} else if reSysvarRef.MatchString(trimmed) {
		r.Mask |= SysvarRead
	}

	if reUservarAssign.MatchString(trimmed) {
		r.Mask |= GSysvarWrite
	} else if reUservarRef.MatchString(trimmed) {
		r.Mask |= UservarRead
	}
}

var sqlKeywordFuncLookalikes = map[string]bool{
	"where": true, "and": true, "or": true, "values": true, "set": true,
	"select": true, "from": true, "on": true, "in": true, "exists": true,
}

func isSQLKeyword(name string) bool {
	return sqlKeywordFuncLookalikes[name]
}

// extractTables pulls table names out of a FROM clause. Heuristic, not a
// full parser: adequate for routing, which only needs the referenced
// database/table identifiers, not a syntax tree.
func extractTables(trimmed string) []string {
	m := reFromTables.FindStringSubmatch(trimmed)
	if m == nil {
		return nil
	}
	var tables []string
	for _, part := range strings.Split(m[1], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Fields(part)
		if len(fields) == 0 {
			continue
		}
		tables = append(tables, unquoteIdent(fields[0]))
	}
	return tables
}

func unquoteIdent(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "`")
	return s
}

// ReferencedDatabase splits a possibly db-qualified table reference
// ("shard_b.customers") into its database part, or "" if unqualified.
func ReferencedDatabase(tableRef string) string {
	if idx := strings.Index(tableRef, "."); idx > 0 {
		return unquoteIdent(tableRef[:idx])
	}
	return ""
}
