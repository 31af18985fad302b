package shareddoc

import (
	"fmt"
	"slices"
	"sync"

	"golang.org/x/exp/maps"
)

type InvalidRootKeyError struct {
	Key string
}

func (self *InvalidRootKeyError) Error() string {
	return fmt.Sprintf("root key must be a non-empty string: %q", self.Key)
}

type ValidationError struct {
	Err error
}

func (self *ValidationError) Error() string {
	return fmt.Sprintf("update rejected by validator: %s", self.Err)
}

func (self *ValidationError) Unwrap() error {
	return self.Err
}

// Validator inspects a twin document after an update was applied to it and
// before the update reaches the primary. Rejection leaves the primary
// untouched.
type Validator interface {
	Validate(doc *Doc) error
}

type DocSettings struct {
	// allow transactions to be acquired from multiple threads. with this
	// disabled, acquiring a new transaction while one is active fails fast
	// instead of blocking.
	AllowMultithreading bool
	// 0 means engine-chosen
	ClientId uint64
	// nil means the in-memory reference engine
	Engine Engine
	// optional schema validation twin hook
	Validator Validator
}

func DefaultDocSettings() *DocSettings {
	return &DocSettings{}
}

// A shared document. All shared nodes live within the scope of their
// document, all updates are generated per document, and all node operations
// happen inside a transaction whose lifetime is bound to the document.
type Doc struct {
	settings *DocSettings
	engine   Engine
	slot     *txnSlot
	bus      *eventBus

	stateLock sync.Mutex
	activeTxn *Transaction

	subMutex      sync.Mutex
	subscriptions []Subscription

	twinMutex sync.Mutex
	twin      *Doc
}

func NewDoc() *Doc {
	return NewDocWithSettings(DefaultDocSettings())
}

func NewDocWithSettings(settings *DocSettings) *Doc {
	if settings == nil {
		settings = DefaultDocSettings()
	}
	engine := settings.Engine
	if engine == nil {
		engine = newMemEngine(settings.ClientId)
	}
	doc := &Doc{
		settings: settings,
		engine:   engine,
		slot:     newTxnSlot(),
		bus:      newEventBus(engine),
	}
	if settings.Validator != nil {
		doc.twin = NewDoc()
	}
	return doc
}

func (self *Doc) Guid() uint64 {
	return self.engine.Guid()
}

func (self *Doc) ClientId() uint64 {
	return self.engine.ClientId()
}

func (self *Doc) GetState() []byte {
	return self.engine.GetState()
}

// nil state means the update since document creation
func (self *Doc) GetUpdate(state []byte) ([]byte, error) {
	return self.engine.GetUpdate(state)
}

// ApplyUpdate merges a binary update into the document inside a write
// transaction. When a validator is configured, the update is applied to the
// twin document and validated first; on rejection the twin is rebuilt from
// the primary and the primary is left unaffected.
func (self *Doc) ApplyUpdate(update []byte) error {
	if self.settings.Validator != nil {
		self.twinMutex.Lock()
		twin := self.twin
		self.twinMutex.Unlock()
		if err := twin.ApplyUpdate(update); err != nil {
			self.rebuildTwin()
			return &ValidationError{Err: err}
		}
		if err := self.settings.Validator.Validate(twin); err != nil {
			self.rebuildTwin()
			return &ValidationError{Err: err}
		}
	}
	txn, err := self.Transaction(nil)
	if err != nil {
		return err
	}
	defer txn.Commit()
	if err := forbidReadTransaction(txn); err != nil {
		return err
	}
	return self.engine.ApplyUpdate(txn.engineTxn, update)
}

func (self *Doc) rebuildTwin() {
	twin := NewDoc()
	if update, err := self.GetUpdate(nil); err == nil && 0 < len(update) {
		twin.ApplyUpdate(update)
	}
	self.twinMutex.Lock()
	self.twin = twin
	self.twinMutex.Unlock()
}

// Set installs a node as the root with the given name, integrating its
// preliminary state. Re-assigning an existing root replaces its content under
// engine merge semantics.
func (self *Doc) Set(name string, node Node) error {
	if name == "" {
		return &InvalidRootKeyError{Key: name}
	}
	txn, err := self.Transaction(nil)
	if err != nil {
		return err
	}
	defer txn.Commit()
	if err := forbidReadTransaction(txn); err != nil {
		return err
	}
	branch := self.engine.CreateRoot(txn.engineTxn, name, node.Kind())
	return node.integrate(self, txn, branch)
}

// Get returns the root with the given name. Absent roots are an error for
// read access; use GetMap/GetList/GetText for implicit creation.
func (self *Doc) Get(name string) (Node, error) {
	txn, err := self.ReadTransaction()
	if err != nil {
		return nil, err
	}
	defer txn.Commit()
	branch, ok := self.engine.Roots(txn.engineTxn)[name]
	if !ok {
		return nil, fmt.Errorf("no root named %q", name)
	}
	return self.wrapBranch(branch), nil
}

func (self *Doc) GetMap(name string) (*Map, error) {
	node, err := self.getOrCreateRoot(name, NodeKindMap)
	if err != nil {
		return nil, err
	}
	return node.(*Map), nil
}

func (self *Doc) GetList(name string) (*List, error) {
	node, err := self.getOrCreateRoot(name, NodeKindList)
	if err != nil {
		return nil, err
	}
	return node.(*List), nil
}

func (self *Doc) GetText(name string) (*Text, error) {
	node, err := self.getOrCreateRoot(name, NodeKindText)
	if err != nil {
		return nil, err
	}
	return node.(*Text), nil
}

func (self *Doc) getOrCreateRoot(name string, kind NodeKind) (Node, error) {
	if name == "" {
		return nil, &InvalidRootKeyError{Key: name}
	}
	txn, err := self.Transaction(nil)
	if err != nil {
		return nil, err
	}
	defer txn.Commit()
	if branch, ok := self.engine.Roots(txn.engineTxn)[name]; ok {
		if branch.Kind() != kind {
			return nil, fmt.Errorf("root %q is a %s, not a %s", name, branch.Kind(), kind)
		}
		return self.wrapBranch(branch), nil
	}
	if err := forbidReadTransaction(txn); err != nil {
		return nil, err
	}
	branch := self.engine.CreateRoot(txn.engineTxn, name, kind)
	return self.wrapBranch(branch), nil
}

func (self *Doc) Keys() []string {
	txn, err := self.ReadTransaction()
	if err != nil {
		panic(err)
	}
	defer txn.Commit()
	keys := maps.Keys(self.engine.Roots(txn.engineTxn))
	slices.Sort(keys)
	return keys
}

func (self *Doc) Values() []Node {
	items := self.Items()
	names := maps.Keys(items)
	slices.Sort(names)
	values := make([]Node, 0, len(items))
	for _, name := range names {
		values = append(values, items[name])
	}
	return values
}

func (self *Doc) Items() map[string]Node {
	txn, err := self.ReadTransaction()
	if err != nil {
		panic(err)
	}
	defer txn.Commit()
	items := map[string]Node{}
	for name, branch := range self.engine.Roots(txn.engineTxn) {
		items[name] = self.wrapBranch(branch)
	}
	return items
}

func (self *Doc) wrapBranch(branch Branch) Node {
	docGuid := self.Guid()
	branchId := branch.BranchId()
	switch branch.Kind() {
	case NodeKindList:
		return lookupNode[List](integratedCache, docGuid, branchId, func() *List {
			return &List{doc: self, branch: branch}
		})
	case NodeKindText:
		return lookupNode[Text](integratedCache, docGuid, branchId, func() *Text {
			return &Text{doc: self, branch: branch}
		})
	default:
		return lookupNode[Map](integratedCache, docGuid, branchId, func() *Map {
			return &Map{doc: self, branch: branch}
		})
	}
}

// Observe subscribes a callback to the document commit events. The callback
// fires synchronously with commit.
func (self *Doc) Observe(callback func(TransactionEvent)) Subscription {
	sub := self.engine.Observe(callback)
	self.subMutex.Lock()
	self.subscriptions = append(self.subscriptions, sub)
	self.subMutex.Unlock()
	return sub
}

func (self *Doc) ObserveSubdocs(callback func(SubdocsEvent)) Subscription {
	sub := self.engine.ObserveSubdocs(callback)
	self.subMutex.Lock()
	self.subscriptions = append(self.subscriptions, sub)
	self.subMutex.Unlock()
	return sub
}

func (self *Doc) Unobserve(sub Subscription) {
	self.subMutex.Lock()
	if i := slices.Index(self.subscriptions, sub); 0 <= i {
		self.subscriptions = slices.Delete(slices.Clone(self.subscriptions), i, i+1)
	}
	self.subMutex.Unlock()
	self.engine.Unobserve(sub)
}

// Events opens an asynchronous stream of document events of the given kind.
// capacity <= 0 means unbounded. The stream must be closed by the consumer:
//
//	stream := doc.Events(EventKindCommit, 0)
//	defer stream.Close()
//	for event := range stream.Ch() {
//	    ...
//	}
func (self *Doc) Events(kind EventKind, capacity int) *EventStream {
	return self.bus.openStream(kind, capacity)
}

// Reduce returns what is needed to reconstruct the document elsewhere: its
// full update and the set of root names with their kinds.
func (self *Doc) Reduce() ([]byte, map[string]NodeKind, error) {
	update, err := self.GetUpdate(nil)
	if err != nil {
		return nil, nil, err
	}
	roots := map[string]NodeKind{}
	for name, node := range self.Items() {
		roots[name] = node.Kind()
	}
	return update, roots, nil
}

// RebuildDoc reconstructs a document from the output of Reduce.
func RebuildDoc(update []byte, roots map[string]NodeKind, settings *DocSettings) (*Doc, error) {
	doc := NewDocWithSettings(settings)
	if 0 < len(update) {
		if err := doc.ApplyUpdate(update); err != nil {
			return nil, err
		}
	}
	for name, kind := range roots {
		switch kind {
		case NodeKindList:
			doc.GetList(name)
		case NodeKindText:
			doc.GetText(name)
		default:
			doc.GetMap(name)
		}
	}
	return doc, nil
}

// Close drops the document's subscriptions and streams and evicts its
// identity cache generation. Wrappers already handed out stay usable for
// reads of their final state but are no longer identity-stable.
func (self *Doc) Close() {
	self.bus.closeAll()
	self.subMutex.Lock()
	subs := self.subscriptions
	self.subscriptions = nil
	self.subMutex.Unlock()
	for _, sub := range subs {
		self.engine.Unobserve(sub)
	}
	integratedCache.evict(self.Guid())
}
