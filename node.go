package shareddoc

import (
	"fmt"
	"slices"

	"github.com/goccy/go-json"
)

// Node wrappers are typed façades over one addressable branch of the
// document. A wrapper starts detached, holding only preliminary content, and
// integrates when installed as a root or inserted into an integrated
// container. Integrated wrappers are identity-stable: repeated lookups of the
// same branch return the same instance (see cache.go).
//
// Values accepted by containers are scalars, other wrappers (integrated on
// insert), or *Doc (stored as a SubdocRef, raising subdocs events). Values
// returned by containers are scalars, wrappers, or SubdocRef.
type Node interface {
	Kind() NodeKind
	// 0 while detached
	BranchId() BranchId
	// nil while detached
	Doc() *Doc
	Integrated() bool

	integrate(doc *Doc, txn *Transaction, branch Branch) error
	goValue(txn *Transaction) any
}

// converts a caller value into an engine value, integrating detached wrappers
func (self *Doc) integrateValue(txn *Transaction, value any) (any, error) {
	switch v := value.(type) {
	case Node:
		if v.Integrated() {
			if v.Doc() != self {
				return nil, fmt.Errorf("node is already integrated into another document")
			}
			// inserting an integrated node stores a reference to its branch
			return branchHandle{branchId: v.BranchId(), kind: v.Kind()}, nil
		}
		branch := self.engine.CreateBranch(txn.engineTxn, v.Kind())
		if err := v.integrate(self, txn, branch); err != nil {
			return nil, err
		}
		return branch, nil
	case *Doc:
		return SubdocRef{Guid: v.Guid()}, nil
	default:
		return value, nil
	}
}

// converts an engine value into a caller value
func (self *Doc) callerValue(value any) any {
	if branch, ok := value.(Branch); ok {
		return self.wrapBranch(branch)
	}
	return value
}

func (self *Doc) engineValueToGo(txn *Transaction, value any) any {
	if branch, ok := value.(Branch); ok {
		return self.wrapBranch(branch).goValue(txn)
	}
	return value
}

// a plain branch reference, used when re-inserting an integrated node
type branchHandle struct {
	branchId BranchId
	kind     NodeKind
}

func (self branchHandle) BranchId() BranchId {
	return self.branchId
}

func (self branchHandle) Kind() NodeKind {
	return self.kind
}

// a collaborative key-value node
type Map struct {
	doc    *Doc
	branch Branch
	prelim map[string]any
}

func NewMap() *Map {
	return &Map{
		prelim: map[string]any{},
	}
}

func NewMapWithEntries(entries map[string]any) *Map {
	prelim := map[string]any{}
	for key, value := range entries {
		prelim[key] = value
	}
	return &Map{
		prelim: prelim,
	}
}

func (self *Map) Kind() NodeKind {
	return NodeKindMap
}

func (self *Map) BranchId() BranchId {
	if self.branch == nil {
		return 0
	}
	return self.branch.BranchId()
}

func (self *Map) Doc() *Doc {
	return self.doc
}

func (self *Map) Integrated() bool {
	return self.branch != nil
}

func (self *Map) integrate(doc *Doc, txn *Transaction, branch Branch) error {
	if self.branch != nil {
		if self.doc != doc || self.branch.BranchId() != branch.BranchId() {
			return fmt.Errorf("node is already integrated")
		}
		return nil
	}
	self.doc = doc
	self.branch = branch
	storeNode[Map](integratedCache, doc.Guid(), branch.BranchId(), self)
	prelim := self.prelim
	self.prelim = nil
	for key, value := range prelim {
		engineValue, err := doc.integrateValue(txn, value)
		if err != nil {
			return err
		}
		doc.engine.MapSet(txn.engineTxn, branch, key, engineValue)
	}
	return nil
}

func (self *Map) Set(key string, value any) error {
	if self.branch == nil {
		self.prelim[key] = value
		return nil
	}
	txn, err := self.doc.Transaction(nil)
	if err != nil {
		return err
	}
	defer txn.Commit()
	if err := forbidReadTransaction(txn); err != nil {
		return err
	}
	engineValue, err := self.doc.integrateValue(txn, value)
	if err != nil {
		return err
	}
	self.doc.engine.MapSet(txn.engineTxn, self.branch, key, engineValue)
	return nil
}

func (self *Map) Get(key string) (any, bool) {
	if self.branch == nil {
		value, ok := self.prelim[key]
		return value, ok
	}
	txn := self.doc.readTxn()
	defer txn.Commit()
	value, ok := self.doc.engine.MapGet(txn.engineTxn, self.branch, key)
	if !ok {
		return nil, false
	}
	return self.doc.callerValue(value), true
}

func (self *Map) Contains(key string) bool {
	_, ok := self.Get(key)
	return ok
}

func (self *Map) Delete(key string) error {
	if self.branch == nil {
		if _, ok := self.prelim[key]; !ok {
			return fmt.Errorf("no key %q", key)
		}
		delete(self.prelim, key)
		return nil
	}
	txn, err := self.doc.Transaction(nil)
	if err != nil {
		return err
	}
	defer txn.Commit()
	if err := forbidReadTransaction(txn); err != nil {
		return err
	}
	if !self.doc.engine.MapDelete(txn.engineTxn, self.branch, key) {
		return fmt.Errorf("no key %q", key)
	}
	return nil
}

// Pop removes the key and returns its previous value
func (self *Map) Pop(key string) (any, error) {
	if self.branch == nil {
		value, ok := self.prelim[key]
		if !ok {
			return nil, fmt.Errorf("no key %q", key)
		}
		delete(self.prelim, key)
		return value, nil
	}
	// one transaction across the read and the delete
	txn, err := self.doc.Transaction(nil)
	if err != nil {
		return nil, err
	}
	defer txn.Commit()
	value, ok := self.Get(key)
	if !ok {
		return nil, fmt.Errorf("no key %q", key)
	}
	if err := self.Delete(key); err != nil {
		return nil, err
	}
	return value, nil
}

func (self *Map) Keys() []string {
	if self.branch == nil {
		keys := make([]string, 0, len(self.prelim))
		for key := range self.prelim {
			keys = append(keys, key)
		}
		slices.Sort(keys)
		return keys
	}
	txn := self.doc.readTxn()
	defer txn.Commit()
	keys := self.doc.engine.MapKeys(txn.engineTxn, self.branch)
	slices.Sort(keys)
	return keys
}

func (self *Map) Values() []any {
	values := []any{}
	for _, key := range self.Keys() {
		if value, ok := self.Get(key); ok {
			values = append(values, value)
		}
	}
	return values
}

func (self *Map) Items() map[string]any {
	items := map[string]any{}
	for _, key := range self.Keys() {
		if value, ok := self.Get(key); ok {
			items[key] = value
		}
	}
	return items
}

func (self *Map) Len() int {
	if self.branch == nil {
		return len(self.prelim)
	}
	txn := self.doc.readTxn()
	defer txn.Commit()
	return self.doc.engine.MapLen(txn.engineTxn, self.branch)
}

func (self *Map) goValue(txn *Transaction) any {
	out := map[string]any{}
	for _, key := range self.doc.engine.MapKeys(txn.engineTxn, self.branch) {
		if value, ok := self.doc.engine.MapGet(txn.engineTxn, self.branch, key); ok {
			out[key] = self.doc.engineValueToGo(txn, value)
		}
	}
	return out
}

// ToGo deep-converts the node to plain Go values
func (self *Map) ToGo() map[string]any {
	if self.branch == nil {
		return self.prelim
	}
	txn := self.doc.readTxn()
	defer txn.Commit()
	return self.goValue(txn).(map[string]any)
}

// String renders the node content as JSON
func (self *Map) String() string {
	b, err := json.Marshal(self.ToGo())
	if err != nil {
		return fmt.Sprintf("!%s", err)
	}
	return string(b)
}

// a collaborative sequence node
type List struct {
	doc    *Doc
	branch Branch
	prelim []any
}

func NewList() *List {
	return &List{
		prelim: []any{},
	}
}

func NewListWithValues(values []any) *List {
	return &List{
		prelim: slices.Clone(values),
	}
}

func (self *List) Kind() NodeKind {
	return NodeKindList
}

func (self *List) BranchId() BranchId {
	if self.branch == nil {
		return 0
	}
	return self.branch.BranchId()
}

func (self *List) Doc() *Doc {
	return self.doc
}

func (self *List) Integrated() bool {
	return self.branch != nil
}

func (self *List) integrate(doc *Doc, txn *Transaction, branch Branch) error {
	if self.branch != nil {
		if self.doc != doc || self.branch.BranchId() != branch.BranchId() {
			return fmt.Errorf("node is already integrated")
		}
		return nil
	}
	self.doc = doc
	self.branch = branch
	storeNode[List](integratedCache, doc.Guid(), branch.BranchId(), self)
	prelim := self.prelim
	self.prelim = nil
	for i, value := range prelim {
		engineValue, err := doc.integrateValue(txn, value)
		if err != nil {
			return err
		}
		doc.engine.ListInsert(txn.engineTxn, branch, i, engineValue)
	}
	return nil
}

func (self *List) Insert(index int, value any) error {
	if self.branch == nil {
		if index < 0 || len(self.prelim) < index {
			return fmt.Errorf("index out of range: %d", index)
		}
		self.prelim = slices.Insert(self.prelim, index, value)
		return nil
	}
	txn, err := self.doc.Transaction(nil)
	if err != nil {
		return err
	}
	defer txn.Commit()
	if err := forbidReadTransaction(txn); err != nil {
		return err
	}
	engineValue, err := self.doc.integrateValue(txn, value)
	if err != nil {
		return err
	}
	self.doc.engine.ListInsert(txn.engineTxn, self.branch, index, engineValue)
	return nil
}

func (self *List) Append(value any) error {
	return self.Insert(self.Len(), value)
}

func (self *List) Get(index int) (any, bool) {
	if self.branch == nil {
		if index < 0 || len(self.prelim) <= index {
			return nil, false
		}
		return self.prelim[index], true
	}
	txn := self.doc.readTxn()
	defer txn.Commit()
	value, ok := self.doc.engine.ListGet(txn.engineTxn, self.branch, index)
	if !ok {
		return nil, false
	}
	return self.doc.callerValue(value), true
}

func (self *List) Delete(index int) error {
	if self.branch == nil {
		if index < 0 || len(self.prelim) <= index {
			return fmt.Errorf("index out of range: %d", index)
		}
		self.prelim = slices.Delete(self.prelim, index, index+1)
		return nil
	}
	txn, err := self.doc.Transaction(nil)
	if err != nil {
		return err
	}
	defer txn.Commit()
	if err := forbidReadTransaction(txn); err != nil {
		return err
	}
	if !self.doc.engine.ListDelete(txn.engineTxn, self.branch, index) {
		return fmt.Errorf("index out of range: %d", index)
	}
	return nil
}

func (self *List) Len() int {
	if self.branch == nil {
		return len(self.prelim)
	}
	txn := self.doc.readTxn()
	defer txn.Commit()
	return self.doc.engine.ListLen(txn.engineTxn, self.branch)
}

func (self *List) Slice() []any {
	values := []any{}
	for i := 0; i < self.Len(); i += 1 {
		if value, ok := self.Get(i); ok {
			values = append(values, value)
		}
	}
	return values
}

func (self *List) goValue(txn *Transaction) any {
	out := []any{}
	n := self.doc.engine.ListLen(txn.engineTxn, self.branch)
	for i := 0; i < n; i += 1 {
		if value, ok := self.doc.engine.ListGet(txn.engineTxn, self.branch, i); ok {
			out = append(out, self.doc.engineValueToGo(txn, value))
		}
	}
	return out
}

func (self *List) ToGo() []any {
	if self.branch == nil {
		return self.prelim
	}
	txn := self.doc.readTxn()
	defer txn.Commit()
	return self.goValue(txn).([]any)
}

func (self *List) String() string {
	b, err := json.Marshal(self.ToGo())
	if err != nil {
		return fmt.Sprintf("!%s", err)
	}
	return string(b)
}

// a collaborative text node
type Text struct {
	doc    *Doc
	branch Branch
	prelim string
}

func NewText() *Text {
	return &Text{}
}

func NewTextWithString(text string) *Text {
	return &Text{
		prelim: text,
	}
}

func (self *Text) Kind() NodeKind {
	return NodeKindText
}

func (self *Text) BranchId() BranchId {
	if self.branch == nil {
		return 0
	}
	return self.branch.BranchId()
}

func (self *Text) Doc() *Doc {
	return self.doc
}

func (self *Text) Integrated() bool {
	return self.branch != nil
}

func (self *Text) integrate(doc *Doc, txn *Transaction, branch Branch) error {
	if self.branch != nil {
		if self.doc != doc || self.branch.BranchId() != branch.BranchId() {
			return fmt.Errorf("node is already integrated")
		}
		return nil
	}
	self.doc = doc
	self.branch = branch
	storeNode[Text](integratedCache, doc.Guid(), branch.BranchId(), self)
	prelim := self.prelim
	self.prelim = ""
	if prelim != "" {
		doc.engine.TextInsert(txn.engineTxn, branch, 0, prelim)
	}
	return nil
}

func (self *Text) Insert(index int, text string) error {
	if self.branch == nil {
		runes := []rune(self.prelim)
		if index < 0 || len(runes) < index {
			return fmt.Errorf("index out of range: %d", index)
		}
		self.prelim = string(runes[:index]) + text + string(runes[index:])
		return nil
	}
	txn, err := self.doc.Transaction(nil)
	if err != nil {
		return err
	}
	defer txn.Commit()
	if err := forbidReadTransaction(txn); err != nil {
		return err
	}
	self.doc.engine.TextInsert(txn.engineTxn, self.branch, index, text)
	return nil
}

func (self *Text) Append(text string) error {
	return self.Insert(self.Len(), text)
}

func (self *Text) Delete(index int, deleteLength int) error {
	if self.branch == nil {
		runes := []rune(self.prelim)
		if index < 0 || len(runes) < index+deleteLength {
			return fmt.Errorf("range out of bounds: [%d, %d)", index, index+deleteLength)
		}
		self.prelim = string(runes[:index]) + string(runes[index+deleteLength:])
		return nil
	}
	txn, err := self.doc.Transaction(nil)
	if err != nil {
		return err
	}
	defer txn.Commit()
	if err := forbidReadTransaction(txn); err != nil {
		return err
	}
	self.doc.engine.TextDelete(txn.engineTxn, self.branch, index, deleteLength)
	return nil
}

func (self *Text) Len() int {
	if self.branch == nil {
		return len([]rune(self.prelim))
	}
	txn := self.doc.readTxn()
	defer txn.Commit()
	return self.doc.engine.TextLen(txn.engineTxn, self.branch)
}

func (self *Text) goValue(txn *Transaction) any {
	return self.doc.engine.TextString(txn.engineTxn, self.branch)
}

func (self *Text) String() string {
	if self.branch == nil {
		return self.prelim
	}
	txn := self.doc.readTxn()
	defer txn.Commit()
	return self.goValue(txn).(string)
}

// readTxn is the implicit read-only transaction used by wrapper read paths.
// acquisition can only fail on programmer error (see ReadTransaction), which
// surfaces as a panic here.
func (self *Doc) readTxn() *Transaction {
	txn, err := self.ReadTransaction()
	if err != nil {
		panic(err)
	}
	return txn
}
