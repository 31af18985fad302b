package shareddoc

import (
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"github.com/golang/glog"
	"github.com/zeebo/xxh3"
)

// The in-memory reference engine. It replicates through an op log: the state
// vector is {clientId: max seq}, an update is the JSON-encoded slice of ops
// the remote has not seen, and concurrent map writes resolve last-writer-wins
// on (lamport clock, client id). List and text ops apply in arrival order
// with index clamping, which is deterministic but not a full sequence CRDT —
// the merge algorithm proper is out of scope here and lives behind the Engine
// interface. Branch ids are content-derived hashes so that replicas agree on
// addresses without coordination.

const (
	opRoot       = "root"
	opBranch     = "branch"
	opMapSet     = "mset"
	opMapDelete  = "mdel"
	opListInsert = "lins"
	opListDelete = "ldel"
	opTextInsert = "tins"
	opTextDelete = "tdel"
)

const (
	memValueScalar = "s"
	memValueBranch = "b"
	memValueSubdoc = "d"
)

type memValue struct {
	Kind   string   `json:"k"`
	Scalar any      `json:"v,omitempty"`
	Branch BranchId `json:"b,omitempty"`
	Subdoc uint64   `json:"d,omitempty"`
}

type memOp struct {
	Client   uint64    `json:"c"`
	Seq      uint64    `json:"q"`
	Clock    uint64    `json:"t"`
	Kind     string    `json:"o"`
	Branch   BranchId  `json:"b,omitempty"`
	NodeKind NodeKind  `json:"n,omitempty"`
	Key      string    `json:"x,omitempty"`
	Index    int       `json:"i,omitempty"`
	Length   int       `json:"l,omitempty"`
	Text     string    `json:"s,omitempty"`
	Value    *memValue `json:"v,omitempty"`
}

type memCell struct {
	value  memValue
	clock  uint64
	client uint64
}

type memBranchState struct {
	branchId BranchId
	kind     NodeKind
	entries  map[string]memCell
	elements []memValue
	text     []rune
}

func newMemBranchState(branchId BranchId, kind NodeKind) *memBranchState {
	return &memBranchState{
		branchId: branchId,
		kind:     kind,
		entries:  map[string]memCell{},
	}
}

// fresh handle per traversal. identity is restored by the wrapper cache.
type memBranchHandle struct {
	branchId BranchId
	kind     NodeKind
}

func (self *memBranchHandle) BranchId() BranchId {
	return self.branchId
}

func (self *memBranchHandle) Kind() NodeKind {
	return self.kind
}

type memTxn struct {
	origin         Origin
	ops            []memOp
	subdocsAdded   []uint64
	subdocsRemoved []uint64
}

type memEngine struct {
	guid     uint64
	clientId uint64

	stateLock sync.Mutex
	lamport   uint64
	seq       uint64
	// client -> max seq applied
	seen     map[uint64]uint64
	log      []memOp
	branches map[BranchId]*memBranchState
	roots    map[string]BranchId

	commitCallbacks   *CallbackList[func(TransactionEvent)]
	subdocsCallbacks  *CallbackList[func(SubdocsEvent)]
	subscriptionMutex sync.Mutex
	subscriptionKinds map[Subscription]EventKind
}

func newMemEngine(clientId uint64) *memEngine {
	if clientId == 0 {
		clientId = xxh3.Hash(NewId().Bytes())
	}
	return &memEngine{
		guid:              xxh3.Hash(NewId().Bytes()),
		clientId:          clientId,
		seen:              map[uint64]uint64{},
		branches:          map[BranchId]*memBranchState{},
		roots:             map[string]BranchId{},
		commitCallbacks:   NewCallbackList[func(TransactionEvent)](),
		subdocsCallbacks:  NewCallbackList[func(SubdocsEvent)](),
		subscriptionKinds: map[Subscription]EventKind{},
	}
}

func rootBranchId(name string) BranchId {
	return BranchId(xxh3.HashString("root/" + name))
}

func nestedBranchId(client uint64, seq uint64) BranchId {
	var buf [16]byte
	for i := 0; i < 8; i += 1 {
		buf[i] = byte(client >> (8 * i))
		buf[8+i] = byte(seq >> (8 * i))
	}
	return BranchId(xxh3.Hash(buf[:]))
}

func (self *memEngine) Guid() uint64 {
	return self.guid
}

func (self *memEngine) ClientId() uint64 {
	return self.clientId
}

func (self *memEngine) BeginTxn(origin Origin) EngineTxn {
	return &memTxn{
		origin: origin,
	}
}

// CommitTxn fires the native change callbacks synchronously. No engine lock
// is held while callbacks run, so callbacks may subscribe and unsubscribe.
func (self *memEngine) CommitTxn(engineTxn EngineTxn) {
	txn := engineTxn.(*memTxn)
	if 0 < len(txn.ops) {
		update, err := json.Marshal(txn.ops)
		if err != nil {
			panic(fmt.Errorf("op log must encode: %s", err))
		}
		event := TransactionEvent{
			Update: update,
			Origin: txn.origin,
		}
		for _, callback := range self.commitCallbacks.Get() {
			callback := callback
			HandleError(func() {
				callback(event)
			})
		}
	}
	if 0 < len(txn.subdocsAdded) || 0 < len(txn.subdocsRemoved) {
		event := SubdocsEvent{
			Added:   txn.subdocsAdded,
			Removed: txn.subdocsRemoved,
		}
		for _, callback := range self.subdocsCallbacks.Get() {
			callback := callback
			HandleError(func() {
				callback(event)
			})
		}
	}
	txn.ops = nil
	txn.subdocsAdded = nil
	txn.subdocsRemoved = nil
}

func (self *memEngine) GetState() []byte {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	state, err := json.Marshal(self.seen)
	if err != nil {
		panic(fmt.Errorf("state vector must encode: %s", err))
	}
	return state
}

func (self *memEngine) GetUpdate(state []byte) ([]byte, error) {
	remoteSeen := map[uint64]uint64{}
	if 0 < len(state) {
		if err := json.Unmarshal(state, &remoteSeen); err != nil {
			return nil, fmt.Errorf("malformed state vector: %s", err)
		}
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	missing := []memOp{}
	for _, op := range self.log {
		if remoteSeen[op.Client] < op.Seq {
			missing = append(missing, op)
		}
	}
	update, err := json.Marshal(missing)
	if err != nil {
		panic(fmt.Errorf("op log must encode: %s", err))
	}
	return update, nil
}

func (self *memEngine) ApplyUpdate(engineTxn EngineTxn, update []byte) error {
	txn := engineTxn.(*memTxn)
	ops := []memOp{}
	if err := json.Unmarshal(update, &ops); err != nil {
		return fmt.Errorf("malformed update: %s", err)
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for i := range ops {
		op := ops[i]
		if op.Seq <= self.seen[op.Client] {
			// already applied
			continue
		}
		self.applyOp(txn, &op)
		self.log = append(self.log, op)
		self.seen[op.Client] = op.Seq
		if self.lamport < op.Clock {
			self.lamport = op.Clock
		}
		txn.ops = append(txn.ops, op)
	}
	return nil
}

// assigns local op metadata and applies. must be called inside the state lock.
func (self *memEngine) appendLocalOp(txn *memTxn, op memOp) {
	self.seq += 1
	self.lamport += 1
	op.Client = self.clientId
	op.Seq = self.seq
	op.Clock = self.lamport
	self.applyOp(txn, &op)
	self.log = append(self.log, op)
	self.seen[self.clientId] = self.seq
	txn.ops = append(txn.ops, op)
}

// must be called inside the state lock
func (self *memEngine) applyOp(txn *memTxn, op *memOp) {
	switch op.Kind {
	case opRoot:
		if _, ok := self.roots[op.Key]; !ok {
			self.roots[op.Key] = op.Branch
		}
		if _, ok := self.branches[op.Branch]; !ok {
			self.branches[op.Branch] = newMemBranchState(op.Branch, op.NodeKind)
		}
		return
	case opBranch:
		if _, ok := self.branches[op.Branch]; !ok {
			self.branches[op.Branch] = newMemBranchState(op.Branch, op.NodeKind)
		}
		return
	}

	state, ok := self.branches[op.Branch]
	if !ok {
		glog.Infof("[memengine]op %s targets unknown branch %d\n", op.Kind, op.Branch)
		return
	}

	switch op.Kind {
	case opMapSet:
		if op.Value == nil {
			return
		}
		if existing, ok := state.entries[op.Key]; ok {
			// last writer wins on (clock, client)
			if op.Clock < existing.clock || (op.Clock == existing.clock && op.Client < existing.client) {
				return
			}
		}
		if existing, ok := state.entries[op.Key]; ok && existing.value.Kind == memValueSubdoc {
			txn.subdocsRemoved = append(txn.subdocsRemoved, existing.value.Subdoc)
		}
		state.entries[op.Key] = memCell{
			value:  *op.Value,
			clock:  op.Clock,
			client: op.Client,
		}
		if op.Value.Kind == memValueSubdoc {
			txn.subdocsAdded = append(txn.subdocsAdded, op.Value.Subdoc)
		}
	case opMapDelete:
		if existing, ok := state.entries[op.Key]; ok {
			if existing.value.Kind == memValueSubdoc {
				txn.subdocsRemoved = append(txn.subdocsRemoved, existing.value.Subdoc)
			}
			delete(state.entries, op.Key)
		}
	case opListInsert:
		if op.Value == nil {
			return
		}
		index := op.Index
		if index < 0 {
			index = 0
		}
		if len(state.elements) < index {
			index = len(state.elements)
		}
		state.elements = append(state.elements, memValue{})
		copy(state.elements[index+1:], state.elements[index:])
		state.elements[index] = *op.Value
		if op.Value.Kind == memValueSubdoc {
			txn.subdocsAdded = append(txn.subdocsAdded, op.Value.Subdoc)
		}
	case opListDelete:
		if 0 <= op.Index && op.Index < len(state.elements) {
			if state.elements[op.Index].Kind == memValueSubdoc {
				txn.subdocsRemoved = append(txn.subdocsRemoved, state.elements[op.Index].Subdoc)
			}
			state.elements = append(state.elements[:op.Index], state.elements[op.Index+1:]...)
		}
	case opTextInsert:
		index := op.Index
		if index < 0 {
			index = 0
		}
		if len(state.text) < index {
			index = len(state.text)
		}
		inserted := []rune(op.Text)
		next := make([]rune, 0, len(state.text)+len(inserted))
		next = append(next, state.text[:index]...)
		next = append(next, inserted...)
		next = append(next, state.text[index:]...)
		state.text = next
	case opTextDelete:
		index := op.Index
		if index < 0 {
			index = 0
		}
		end := index + op.Length
		if len(state.text) < end {
			end = len(state.text)
		}
		if index < end {
			state.text = append(state.text[:index], state.text[end:]...)
		}
	default:
		glog.Infof("[memengine]unknown op kind %s\n", op.Kind)
	}
}

func (self *memEngine) Roots(engineTxn EngineTxn) map[string]Branch {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	roots := map[string]Branch{}
	for name, branchId := range self.roots {
		state := self.branches[branchId]
		roots[name] = &memBranchHandle{
			branchId: branchId,
			kind:     state.kind,
		}
	}
	return roots
}

func (self *memEngine) CreateRoot(engineTxn EngineTxn, name string, kind NodeKind) Branch {
	txn := engineTxn.(*memTxn)
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if branchId, ok := self.roots[name]; ok {
		state := self.branches[branchId]
		return &memBranchHandle{
			branchId: branchId,
			kind:     state.kind,
		}
	}
	branchId := rootBranchId(name)
	self.appendLocalOp(txn, memOp{
		Kind:     opRoot,
		Branch:   branchId,
		NodeKind: kind,
		Key:      name,
	})
	return &memBranchHandle{
		branchId: branchId,
		kind:     kind,
	}
}

func (self *memEngine) CreateBranch(engineTxn EngineTxn, kind NodeKind) Branch {
	txn := engineTxn.(*memTxn)
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	branchId := nestedBranchId(self.clientId, self.seq+1)
	self.appendLocalOp(txn, memOp{
		Kind:     opBranch,
		Branch:   branchId,
		NodeKind: kind,
	})
	return &memBranchHandle{
		branchId: branchId,
		kind:     kind,
	}
}

func (self *memEngine) toMemValue(value any) memValue {
	switch v := value.(type) {
	case Branch:
		return memValue{
			Kind:   memValueBranch,
			Branch: v.BranchId(),
		}
	case SubdocRef:
		return memValue{
			Kind:   memValueSubdoc,
			Subdoc: v.Guid,
		}
	default:
		return memValue{
			Kind:   memValueScalar,
			Scalar: v,
		}
	}
}

// must be called inside the state lock
func (self *memEngine) fromMemValue(value memValue) any {
	switch value.Kind {
	case memValueBranch:
		kind := NodeKindMap
		if state, ok := self.branches[value.Branch]; ok {
			kind = state.kind
		}
		return &memBranchHandle{
			branchId: value.Branch,
			kind:     kind,
		}
	case memValueSubdoc:
		return SubdocRef{
			Guid: value.Subdoc,
		}
	default:
		return value.Scalar
	}
}

func (self *memEngine) MapSet(engineTxn EngineTxn, branch Branch, key string, value any) {
	txn := engineTxn.(*memTxn)
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	mv := self.toMemValue(value)
	self.appendLocalOp(txn, memOp{
		Kind:   opMapSet,
		Branch: branch.BranchId(),
		Key:    key,
		Value:  &mv,
	})
}

func (self *memEngine) MapGet(engineTxn EngineTxn, branch Branch, key string) (any, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	state, ok := self.branches[branch.BranchId()]
	if !ok {
		return nil, false
	}
	cell, ok := state.entries[key]
	if !ok {
		return nil, false
	}
	return self.fromMemValue(cell.value), true
}

func (self *memEngine) MapDelete(engineTxn EngineTxn, branch Branch, key string) bool {
	txn := engineTxn.(*memTxn)
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	state, ok := self.branches[branch.BranchId()]
	if !ok {
		return false
	}
	if _, ok := state.entries[key]; !ok {
		return false
	}
	self.appendLocalOp(txn, memOp{
		Kind:   opMapDelete,
		Branch: branch.BranchId(),
		Key:    key,
	})
	return true
}

func (self *memEngine) MapKeys(engineTxn EngineTxn, branch Branch) []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	state, ok := self.branches[branch.BranchId()]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(state.entries))
	for key := range state.entries {
		keys = append(keys, key)
	}
	return keys
}

func (self *memEngine) MapLen(engineTxn EngineTxn, branch Branch) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if state, ok := self.branches[branch.BranchId()]; ok {
		return len(state.entries)
	}
	return 0
}

func (self *memEngine) ListInsert(engineTxn EngineTxn, branch Branch, index int, value any) {
	txn := engineTxn.(*memTxn)
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	mv := self.toMemValue(value)
	self.appendLocalOp(txn, memOp{
		Kind:   opListInsert,
		Branch: branch.BranchId(),
		Index:  index,
		Value:  &mv,
	})
}

func (self *memEngine) ListGet(engineTxn EngineTxn, branch Branch, index int) (any, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	state, ok := self.branches[branch.BranchId()]
	if !ok {
		return nil, false
	}
	if index < 0 || len(state.elements) <= index {
		return nil, false
	}
	return self.fromMemValue(state.elements[index]), true
}

func (self *memEngine) ListDelete(engineTxn EngineTxn, branch Branch, index int) bool {
	txn := engineTxn.(*memTxn)
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	state, ok := self.branches[branch.BranchId()]
	if !ok {
		return false
	}
	if index < 0 || len(state.elements) <= index {
		return false
	}
	self.appendLocalOp(txn, memOp{
		Kind:   opListDelete,
		Branch: branch.BranchId(),
		Index:  index,
	})
	return true
}

func (self *memEngine) ListLen(engineTxn EngineTxn, branch Branch) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if state, ok := self.branches[branch.BranchId()]; ok {
		return len(state.elements)
	}
	return 0
}

func (self *memEngine) TextInsert(engineTxn EngineTxn, branch Branch, index int, text string) {
	txn := engineTxn.(*memTxn)
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.appendLocalOp(txn, memOp{
		Kind:   opTextInsert,
		Branch: branch.BranchId(),
		Index:  index,
		Text:   text,
	})
}

func (self *memEngine) TextDelete(engineTxn EngineTxn, branch Branch, index int, deleteLength int) {
	txn := engineTxn.(*memTxn)
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.appendLocalOp(txn, memOp{
		Kind:   opTextDelete,
		Branch: branch.BranchId(),
		Index:  index,
		Length: deleteLength,
	})
}

func (self *memEngine) TextString(engineTxn EngineTxn, branch Branch) string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if state, ok := self.branches[branch.BranchId()]; ok {
		return string(state.text)
	}
	return ""
}

func (self *memEngine) TextLen(engineTxn EngineTxn, branch Branch) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if state, ok := self.branches[branch.BranchId()]; ok {
		return len(state.text)
	}
	return 0
}

func (self *memEngine) Observe(callback func(TransactionEvent)) Subscription {
	sub := self.commitCallbacks.Add(callback)
	self.subscriptionMutex.Lock()
	self.subscriptionKinds[sub] = EventKindCommit
	self.subscriptionMutex.Unlock()
	return sub
}

func (self *memEngine) ObserveSubdocs(callback func(SubdocsEvent)) Subscription {
	sub := self.subdocsCallbacks.Add(callback)
	self.subscriptionMutex.Lock()
	self.subscriptionKinds[sub] = EventKindSubdocs
	self.subscriptionMutex.Unlock()
	return sub
}

func (self *memEngine) Unobserve(sub Subscription) {
	self.subscriptionMutex.Lock()
	kind, ok := self.subscriptionKinds[sub]
	delete(self.subscriptionKinds, sub)
	self.subscriptionMutex.Unlock()
	if !ok {
		return
	}
	switch kind {
	case EventKindSubdocs:
		self.subdocsCallbacks.Remove(sub)
	default:
		self.commitCallbacks.Remove(sub)
	}
}

// test hook
func (self *memEngine) observerCount() int {
	return self.commitCallbacks.Len() + self.subdocsCallbacks.Len()
}
