// Package classify implements the Query Classifier (C1): given a raw
// statement buffer, it returns a type mask describing what the statement
// does, plus the database/table names it references. Routers consume the
// mask; they never re-parse SQL themselves.
//
// Bit values and classification order are grounded on
// _examples/original_source/query_classifier/query_classifier.cc and its
// header — the same QUERY_TYPE_* bitfield, reproduced with Go naming.
package classify

// Mask is a bitfield of orthogonal behavioral facets a statement can carry.
// A statement routinely carries more than one bit (e.g. Read | UservarRead).
type Mask uint32

const (
	Unknown Mask = 0

	LocalRead         Mask = 1 << 0  // read of non-database data (NOW(), REPEAT())
	Read              Mask = 1 << 1  // pure read of table data
	Write             Mask = 1 << 2  // modifies replicated data on the primary
	MasterRead        Mask = 1 << 3  // must read from the primary (LAST_INSERT_ID())
	SessionWrite      Mask = 1 << 4  // modifies per-connection session state
	UservarRead       Mask = 1 << 6  // reads a user-defined variable
	SysvarRead        Mask = 1 << 7  // reads a session system variable
	GSysvarRead       Mask = 1 << 9  // reads a global system variable
	GSysvarWrite      Mask = 1 << 10 // writes a global system variable (also user-var writes, see DESIGN.md)
	BeginTrx          Mask = 1 << 11
	EnableAutocommit  Mask = 1 << 12
	DisableAutocommit Mask = 1 << 13
	Rollback          Mask = 1 << 14
	Commit            Mask = 1 << 15
	PrepareNamedStmt  Mask = 1 << 16
	PrepareStmt       Mask = 1 << 17
	ExecStmt          Mask = 1 << 18
	CreateTmpTable    Mask = 1 << 19
	ReadTmpTable      Mask = 1 << 20
	ShowDatabases     Mask = 1 << 21 // catalog query the schema router intercepts
	ShowTables        Mask = 1 << 22
)

// Has reports whether m carries every bit in want.
func (m Mask) Has(want Mask) bool {
	return m&want == want
}

// Any reports whether m carries at least one bit of want.
func (m Mask) Any(want Mask) bool {
	return m&want != 0
}

// Operation identifies the coarse statement kind, independent of the mask,
// used for logging and for routing decisions that need the verb rather
// than the full facet set (e.g. "was this a SELECT").
type Operation int

const (
	OpUnknown Operation = iota
	OpSelect
	OpInsert
	OpUpdate
	OpDelete
	OpCreateTable
	OpCreateTempTable
	OpDropTable
	OpUse
	OpSet
	OpShow
	OpBegin
	OpCommit
	OpRollback
	OpCall
	OpPrepare
	OpDeallocate
	OpAdminDDL // CREATE USER, GRANT, ALTER, and other implicit-commit DDL
)

// Result is everything the classifier extracts from one statement.
type Result struct {
	Mask             Mask
	Operation        Operation
	ReferencedDBs    []string
	ReferencedTables []string
	CreatedTableName string // set only for CREATE [TEMPORARY] TABLE
	Canonical        string
}
