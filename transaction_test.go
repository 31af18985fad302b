package shareddoc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestTransactionReuse(t *testing.T) {
	doc := NewDoc()

	txn, err := doc.Transaction("a")
	assert.Equal(t, err, nil)

	// same origin reuses the ongoing transaction
	txn2, err := doc.Transaction("a")
	assert.Equal(t, err, nil)
	assert.Equal(t, txn == txn2, true)

	// nil origin reuses too
	txn3, err := doc.Transaction(nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, txn == txn3, true)

	txn3.Commit()
	txn2.Commit()
	txn.Commit()

	// after release a different origin is fine
	txn4, err := doc.Transaction("b")
	assert.Equal(t, err, nil)
	assert.Equal(t, txn != txn4, true)
	txn4.Commit()
}

func TestTransactionOriginMismatch(t *testing.T) {
	doc := NewDoc()

	txn, err := doc.Transaction("a")
	assert.Equal(t, err, nil)

	_, err = doc.Transaction("b")
	var originErr *IncompatibleOriginError
	assert.Equal(t, errors.As(err, &originErr), true)
	assert.Equal(t, originErr.Active, "a")
	assert.Equal(t, originErr.Requested, "b")

	txn.Commit()
}

func TestTransactionCommitIdempotent(t *testing.T) {
	doc := NewDoc()

	txn, err := doc.Transaction(nil)
	assert.Equal(t, err, nil)
	txn.Commit()
	// extra commits are no-ops
	txn.Commit()

	txn2, err := doc.Transaction(nil)
	assert.Equal(t, err, nil)
	txn2.Commit()
}

func TestNewTransactionConflictSingleThreaded(t *testing.T) {
	doc := NewDoc()

	txn, err := doc.Transaction(nil)
	assert.Equal(t, err, nil)

	// blocking acquisition with multithreading disabled is a deadlock
	// precondition violation
	_, err = doc.NewTransaction(nil, time.Second)
	var conflictErr *TransactionConflictError
	assert.Equal(t, errors.As(err, &conflictErr), true)

	txn.Commit()

	txn2, err := doc.NewTransaction(nil, time.Second)
	assert.Equal(t, err, nil)
	txn2.Commit()
}

func TestNewTransactionMutualExclusion(t *testing.T) {
	doc := NewDocWithSettings(&DocSettings{
		AllowMultithreading: true,
	})

	var mutex sync.Mutex
	holders := 0
	overlap := false

	var wg sync.WaitGroup
	for i := 0; i < 8; i += 1 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			txn, err := doc.NewTransaction(nil, 10*time.Second)
			if err != nil {
				t.Error(err)
				return
			}
			mutex.Lock()
			holders += 1
			if 1 < holders {
				overlap = true
			}
			mutex.Unlock()

			time.Sleep(time.Millisecond)

			mutex.Lock()
			holders -= 1
			mutex.Unlock()
			txn.Commit()
		}()
	}
	wg.Wait()

	assert.Equal(t, overlap, false)
}

func TestNewTransactionTimeout(t *testing.T) {
	doc := NewDocWithSettings(&DocSettings{
		AllowMultithreading: true,
	})

	txn, err := doc.Transaction("holder")
	assert.Equal(t, err, nil)

	start := time.Now()
	_, err = doc.NewTransaction(nil, 100*time.Millisecond)
	var timeoutErr *TransactionTimeoutError
	assert.Equal(t, errors.As(err, &timeoutErr), true)
	assert.Equal(t, 100*time.Millisecond <= time.Since(start), true)

	// the active transaction is untouched
	txn2, err := doc.Transaction("holder")
	assert.Equal(t, err, nil)
	assert.Equal(t, txn == txn2, true)
	txn2.Commit()
	txn.Commit()

	txn3, err := doc.NewTransaction(nil, 100*time.Millisecond)
	assert.Equal(t, err, nil)
	txn3.Commit()
}

func TestNewTransactionFifo(t *testing.T) {
	doc := NewDocWithSettings(&DocSettings{
		AllowMultithreading: true,
	})

	txn, err := doc.NewTransaction(nil, 0)
	assert.Equal(t, err, nil)

	var mutex sync.Mutex
	order := []int{}

	var wg sync.WaitGroup
	for i := 0; i < 4; i += 1 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			waiterTxn, err := doc.NewTransaction(nil, 10*time.Second)
			if err != nil {
				t.Error(err)
				return
			}
			mutex.Lock()
			order = append(order, i)
			mutex.Unlock()
			waiterTxn.Commit()
		}(i)
		// let the waiter enqueue before the next one
		time.Sleep(50 * time.Millisecond)
	}

	txn.Commit()
	wg.Wait()

	assert.Equal(t, order, []int{0, 1, 2, 3})
}

func TestNewTransactionContextSuspends(t *testing.T) {
	// multithreading disabled. the cooperative form must still acquire once
	// the holder releases on another goroutine turn.
	doc := NewDoc()

	txn, err := doc.Transaction(nil)
	assert.Equal(t, err, nil)

	acquired := make(chan struct{})
	go func() {
		waiterTxn, err := doc.NewTransactionContext(context.Background(), nil, 0)
		if err != nil {
			t.Error(err)
			return
		}
		close(acquired)
		waiterTxn.Commit()
	}()

	select {
	case <-acquired:
		t.Fatal("acquired a new transaction while one was held")
	case <-time.After(100 * time.Millisecond):
	}

	txn.Commit()

	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("never acquired after release")
	}
}

func TestNewTransactionContextTimeout(t *testing.T) {
	doc := NewDoc()

	txn, err := doc.Transaction(nil)
	assert.Equal(t, err, nil)

	_, err = doc.NewTransactionContext(context.Background(), nil, 100*time.Millisecond)
	var timeoutErr *TransactionTimeoutError
	assert.Equal(t, errors.As(err, &timeoutErr), true)

	txn.Commit()
}

func TestNewTransactionContextCancel(t *testing.T) {
	doc := NewDoc()

	txn, err := doc.Transaction(nil)
	assert.Equal(t, err, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err = doc.NewTransactionContext(ctx, nil, 0)
	assert.Equal(t, errors.Is(err, context.Canceled), true)

	txn.Commit()

	// the cancelled wait left the slot consistent
	txn2, err := doc.NewTransactionContext(context.Background(), nil, time.Second)
	assert.Equal(t, err, nil)
	txn2.Commit()
}

func TestReadOnlyTransaction(t *testing.T) {
	doc := NewDoc()

	m, err := doc.GetMap("m")
	assert.Equal(t, err, nil)
	assert.Equal(t, m.Set("k", 1), nil)

	updateBefore, err := doc.GetUpdate(nil)
	assert.Equal(t, err, nil)

	txn, err := doc.ReadTransaction()
	assert.Equal(t, err, nil)
	assert.Equal(t, txn.ReadOnly(), true)

	var readOnlyErr *ReadOnlyTransactionError
	assert.Equal(t, errors.As(m.Set("k", 2), &readOnlyErr), true)
	assert.Equal(t, errors.As(m.Delete("k"), &readOnlyErr), true)
	assert.Equal(t, errors.As(doc.Set("m2", NewMap()), &readOnlyErr), true)
	assert.Equal(t, errors.As(doc.ApplyUpdate([]byte("[]")), &readOnlyErr), true)

	// reads are fine
	value, ok := m.Get("k")
	assert.Equal(t, ok, true)
	assert.Equal(t, value, 1)

	txn.Commit()

	// byte for byte unchanged
	updateAfter, err := doc.GetUpdate(nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, updateBefore, updateAfter)

	// back to writable
	assert.Equal(t, m.Set("k", 2), nil)
}
