package shareddoc

// The replicated-data-type merge algorithm lives behind the Engine interface.
// The coordination layer treats updates and state vectors as opaque bytes and
// never inspects merge semantics. A yrs-backed engine plugs in here; the
// in-memory engine in memengine.go is the reference implementation.

// engine-assigned stable address for one node inside the document tree
type BranchId uint64

type NodeKind int

const (
	NodeKindMap NodeKind = iota + 1
	NodeKindList
	NodeKindText
)

func (self NodeKind) String() string {
	switch self {
	case NodeKindMap:
		return "map"
	case NodeKindList:
		return "list"
	case NodeKindText:
		return "text"
	default:
		return "unknown"
	}
}

// opaque engine-level transaction token
type EngineTxn any

// a handle to one addressable node inside the document
type Branch interface {
	BranchId() BranchId
	Kind() NodeKind
}

// a registered observer callback, held until explicitly dropped
type Subscription = Id

// a nested document reference. the engine stores and replicates the guid;
// the nested document's content is out of scope for the parent's merge.
type SubdocRef struct {
	Guid uint64
}

type Engine interface {
	Guid() uint64
	ClientId() uint64

	BeginTxn(origin Origin) EngineTxn
	CommitTxn(txn EngineTxn)

	GetState() []byte
	GetUpdate(state []byte) ([]byte, error)
	ApplyUpdate(txn EngineTxn, update []byte) error

	// name -> branch for every existing root. absent roots are not listed.
	Roots(txn EngineTxn) map[string]Branch
	// returns the existing branch when the root already exists
	CreateRoot(txn EngineTxn, name string, kind NodeKind) Branch
	// a detached branch for integrating preliminary nested content
	CreateBranch(txn EngineTxn, kind NodeKind) Branch

	// values are scalars, Branch (nested node), or SubdocRef
	MapSet(txn EngineTxn, branch Branch, key string, value any)
	MapGet(txn EngineTxn, branch Branch, key string) (any, bool)
	MapDelete(txn EngineTxn, branch Branch, key string) bool
	MapKeys(txn EngineTxn, branch Branch) []string
	MapLen(txn EngineTxn, branch Branch) int

	ListInsert(txn EngineTxn, branch Branch, index int, value any)
	ListGet(txn EngineTxn, branch Branch, index int) (any, bool)
	ListDelete(txn EngineTxn, branch Branch, index int) bool
	ListLen(txn EngineTxn, branch Branch) int

	TextInsert(txn EngineTxn, branch Branch, index int, text string)
	TextDelete(txn EngineTxn, branch Branch, index int, deleteLength int)
	TextString(txn EngineTxn, branch Branch) string
	TextLen(txn EngineTxn, branch Branch) int

	Observe(callback func(TransactionEvent)) Subscription
	ObserveSubdocs(callback func(SubdocsEvent)) Subscription
	Unobserve(sub Subscription)
}
