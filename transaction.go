package shareddoc

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"
)

// Transactions scope all access to the engine. At most one write transaction
// is active against a document at any instant. `Doc.Transaction` reuses the
// ongoing transaction for nested callers with a compatible origin.
// `Doc.NewTransaction` always acquires a distinct slot, blocking the calling
// thread (multithreading enabled) or failing fast (multithreading disabled).
// `Doc.NewTransactionContext` suspends on a channel instead of blocking, so it
// is legal in both modes.
//
// Release is guaranteed-once per granted transaction:
//
//	txn, err := doc.Transaction(nil)
//	if err != nil {
//	    return err
//	}
//	defer txn.Commit()

type IncompatibleOriginError struct {
	Active    Origin
	Requested Origin
}

func (self *IncompatibleOriginError) Error() string {
	return fmt.Sprintf(
		"nested transaction origin %v does not match the active transaction origin %v",
		self.Requested,
		self.Active,
	)
}

type TransactionTimeoutError struct {
	Timeout time.Duration
}

func (self *TransactionTimeoutError) Error() string {
	return fmt.Sprintf("could not acquire a transaction within %s", self.Timeout)
}

type ReadOnlyTransactionError struct {
}

func (self *ReadOnlyTransactionError) Error() string {
	return "cannot mutate the document under a read-only transaction"
}

// re-entrant acquisition with multithreading disabled. this is a programmer
// error, not a wait condition.
type TransactionConflictError struct {
}

func (self *TransactionConflictError) Error() string {
	return "a transaction is already active (multithreading disabled)"
}

type Transaction struct {
	doc       *Doc
	engineTxn EngineTxn
	origin    Origin
	readOnly  bool

	// guarded by doc.stateLock
	depth     int
	committed bool
}

func (self *Transaction) Origin() Origin {
	return self.origin
}

func (self *Transaction) ReadOnly() bool {
	return self.readOnly
}

// Commit releases one level of the transaction scope. The outermost commit
// commits the engine transaction, fires the native change callbacks, and
// hands the slot to the longest waiter. Committing more than once per scope
// is a no-op.
func (self *Transaction) Commit() {
	doc := self.doc
	doc.stateLock.Lock()
	if self.committed {
		doc.stateLock.Unlock()
		return
	}
	if 1 < self.depth {
		self.depth -= 1
		doc.stateLock.Unlock()
		return
	}
	self.depth = 0
	self.committed = true
	doc.activeTxn = nil
	doc.stateLock.Unlock()

	// change callbacks fire synchronously inside the engine commit,
	// before the slot is handed off
	doc.engine.CommitTxn(self.engineTxn)
	doc.slot.release()
}

func forbidReadTransaction(txn *Transaction) error {
	if txn.readOnly {
		return &ReadOnlyTransactionError{}
	}
	return nil
}

// Transaction returns the ongoing transaction if there is one, after checking
// origin compatibility, and otherwise starts a new write transaction.
func (self *Doc) Transaction(origin Origin) (*Transaction, error) {
	self.stateLock.Lock()
	if txn := self.activeTxn; txn != nil {
		if origin != nil && txn.origin != origin {
			self.stateLock.Unlock()
			return nil, &IncompatibleOriginError{
				Active:    txn.origin,
				Requested: origin,
			}
		}
		txn.depth += 1
		self.stateLock.Unlock()
		return txn, nil
	}
	self.stateLock.Unlock()
	return self.startTransaction(origin, false)
}

// ReadTransaction returns the ongoing transaction if there is one, and
// otherwise starts a read-only transaction. Mutations under a transaction
// started here fail with ReadOnlyTransactionError.
func (self *Doc) ReadTransaction() (*Transaction, error) {
	self.stateLock.Lock()
	if txn := self.activeTxn; txn != nil {
		txn.depth += 1
		self.stateLock.Unlock()
		return txn, nil
	}
	self.stateLock.Unlock()
	return self.startTransaction(nil, true)
}

// NewTransaction acquires a transaction distinct from any ongoing one, never
// reusing it, even when origins match. With multithreading enabled the
// calling thread blocks until the holder releases, up to `timeout`
// (timeout <= 0 waits forever). With multithreading disabled a busy slot is a
// deadlock precondition violation and fails fast with
// TransactionConflictError.
func (self *Doc) NewTransaction(origin Origin, timeout time.Duration) (*Transaction, error) {
	if self.settings.AllowMultithreading {
		if err := self.slot.acquire(timeout); err != nil {
			return nil, err
		}
	} else {
		if !self.slot.tryAcquire() {
			return nil, &TransactionConflictError{}
		}
	}
	return self.grantTransaction(origin, false), nil
}

// NewTransactionContext is the cooperative form of NewTransaction. The caller
// suspends on a channel until the holder releases, the timeout elapses
// (timeout <= 0 disables it), or ctx is done. This is safe with
// multithreading disabled because the holder releases on a different
// goroutine turn.
func (self *Doc) NewTransactionContext(ctx context.Context, origin Origin, timeout time.Duration) (*Transaction, error) {
	if err := self.slot.acquireContext(ctx, timeout); err != nil {
		return nil, err
	}
	return self.grantTransaction(origin, false), nil
}

func (self *Doc) startTransaction(origin Origin, readOnly bool) (*Transaction, error) {
	if self.settings.AllowMultithreading {
		if err := self.slot.acquire(-1); err != nil {
			return nil, err
		}
	} else {
		if !self.slot.tryAcquire() {
			return nil, &TransactionConflictError{}
		}
	}
	return self.grantTransaction(origin, readOnly), nil
}

// the caller must own the slot
func (self *Doc) grantTransaction(origin Origin, readOnly bool) *Transaction {
	txn := &Transaction{
		doc:       self,
		engineTxn: self.engine.BeginTxn(origin),
		origin:    origin,
		readOnly:  readOnly,
		depth:     1,
	}
	self.stateLock.Lock()
	self.activeTxn = txn
	self.stateLock.Unlock()
	return txn
}

// the single write slot per document. release hands the slot to the longest
// waiter (fair FIFO) instead of racing all waiters.
type txnSlot struct {
	mutex   sync.Mutex
	held    bool
	waiters *list.List
}

func newTxnSlot() *txnSlot {
	return &txnSlot{
		waiters: list.New(),
	}
}

func (self *txnSlot) tryAcquire() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.held {
		return false
	}
	self.held = true
	return true
}

// timeout <= 0 waits forever
func (self *txnSlot) acquire(timeout time.Duration) error {
	ready, element := self.enqueue()
	if ready == nil {
		return nil
	}
	if timeout <= 0 {
		<-ready
		return nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ready:
		return nil
	case <-timer.C:
		if self.dequeue(ready, element) {
			// granted while timing out
			return nil
		}
		return &TransactionTimeoutError{Timeout: timeout}
	}
}

func (self *txnSlot) acquireContext(ctx context.Context, timeout time.Duration) error {
	ready, element := self.enqueue()
	if ready == nil {
		return nil
	}
	var timeoutC <-chan time.Time
	if 0 < timeout {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}
	select {
	case <-ready:
		return nil
	case <-timeoutC:
		if self.dequeue(ready, element) {
			return nil
		}
		return &TransactionTimeoutError{Timeout: timeout}
	case <-ctx.Done():
		if self.dequeue(ready, element) {
			// granted concurrently with cancellation. hand the slot back.
			self.release()
		}
		return ctx.Err()
	}
}

// nil ready means the slot was acquired immediately
func (self *txnSlot) enqueue() (chan struct{}, *list.Element) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if !self.held {
		self.held = true
		return nil, nil
	}
	ready := make(chan struct{})
	element := self.waiters.PushBack(ready)
	return ready, element
}

// returns whether the waiter was granted the slot before it could be removed
func (self *txnSlot) dequeue(ready chan struct{}, element *list.Element) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	select {
	case <-ready:
		return true
	default:
	}
	self.waiters.Remove(element)
	return false
}

func (self *txnSlot) release() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if element := self.waiters.Front(); element != nil {
		self.waiters.Remove(element)
		// ownership transfers to the waiter. the slot stays held.
		close(element.Value.(chan struct{}))
		return
	}
	self.held = false
}
