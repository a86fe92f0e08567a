package orders

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/matheusmosca/order-fulfillment-saga/internal/ports"
	"github.com/shopspring/decimal"
)

// fakeTx is a pgx.Tx whose writes are undone on rollback.
type fakeTx struct {
	pgx.Tx

	mu           sync.Mutex
	commits      int
	rollbacks    int
	commitErr    error
	rollbackErr  error
	committedErr bool // Commit keeps the writes and still reports commitErr
	undo         []func()
}

func (t *fakeTx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.commits++
	if t.commitErr != nil {
		if t.committedErr {
			t.undo = nil
		} else {
			t.unwind()
		}
		return t.commitErr
	}
	t.undo = nil
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollbacks++
	t.unwind()
	return t.rollbackErr
}

func (t *fakeTx) unwind() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *fakeTx) onRollback(f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.undo = append(t.undo, f)
}

// fakeTxOf digs the fakeTx out of an executor context.
func fakeTxOf(ctx context.Context) *fakeTx {
	tx, ok := TxFromContext(ctx)
	if !ok {
		return nil
	}
	if live, ok := tx.(*liveTx); ok {
		tx = live.Tx
	}
	ft, _ := tx.(*fakeTx)
	return ft
}

// fakeDB hands out fakeTx values and remembers them.
type fakeDB struct {
	mu        sync.Mutex
	txs       []*fakeTx
	beginErrs []error
	newTx     func() *fakeTx
}

func (d *fakeDB) BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.beginErrs) > 0 {
		err := d.beginErrs[0]
		d.beginErrs = d.beginErrs[1:]
		return nil, err
	}
	tx := &fakeTx{}
	if d.newTx != nil {
		tx = d.newTx()
	}
	d.txs = append(d.txs, tx)
	return tx, nil
}

func (d *fakeDB) totals() (commits, rollbacks int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, tx := range d.txs {
		commits += tx.commits
		rollbacks += tx.rollbacks
	}
	return commits, rollbacks
}

func serializationFailure() error {
	return &pgconn.PgError{Code: "40001", Message: "could not serialize access"}
}

// memOrders is a transactional in-memory OrderStore.
type memOrders struct {
	mu         sync.Mutex
	nextID     int64
	orders     map[int64]*Order
	failUpdate func(status OrderStatus) error
}

func newMemOrders() *memOrders {
	return &memOrders{nextID: 1000, orders: make(map[int64]*Order)}
}

func (m *memOrders) NextID(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return m.nextID, nil
}

func (m *memOrders) Create(ctx context.Context, order *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[order.ID]; ok {
		return fmt.Errorf("create order %d: %w", order.ID, &pgconn.PgError{Code: "23505"})
	}
	cp := *order
	m.orders[order.ID] = &cp
	if tx := fakeTxOf(ctx); tx != nil {
		tx.onRollback(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.orders, order.ID)
		})
	}
	return nil
}

func (m *memOrders) UpdateStatus(ctx context.Context, orderID int64, status OrderStatus) error {
	if m.failUpdate != nil {
		if err := m.failUpdate(status); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	prev := *order
	if err := order.TransitionTo(status, time.Now()); err != nil {
		return err
	}
	if tx := fakeTxOf(ctx); tx != nil {
		tx.onRollback(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			*order = prev
		})
	}
	return nil
}

func (m *memOrders) Get(ctx context.Context, orderID int64) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *order
	return &cp, nil
}

func (m *memOrders) ListByUser(ctx context.Context, userID int64) ([]*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Order
	for _, order := range m.orders {
		if order.UserID == userID {
			cp := *order
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *memOrders) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

// memPayments is a transactional in-memory PaymentStore.
type memPayments struct {
	mu       sync.Mutex
	payments map[string]*PaymentTransaction
}

func newMemPayments() *memPayments {
	return &memPayments{payments: make(map[string]*PaymentTransaction)}
}

func (m *memPayments) FindByOrder(ctx context.Context, orderID, userID int64) (*PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.OrderID != nil && *p.OrderID == orderID && p.UserID == userID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memPayments) Create(ctx context.Context, p *PaymentTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.payments[p.IdempotencyKey] = &cp
	if tx := fakeTxOf(ctx); tx != nil {
		tx.onRollback(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.payments, p.IdempotencyKey)
		})
	}
	return nil
}

func (m *memPayments) Finalize(ctx context.Context, key string, status PaymentStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[key]
	if !ok {
		return fmt.Errorf("finalize payment %s: no such payment", key)
	}
	p.Status = status
	p.CompletedAt = &at
	return nil
}

func (m *memPayments) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.payments)
}

// memLedger is an in-memory Ledger with write-once keys.
type memLedger struct {
	mu      sync.Mutex
	rows    map[string]*CompletedSaga
	appends int
}

func newMemLedger() *memLedger {
	return &memLedger{rows: make(map[string]*CompletedSaga)}
}

func (m *memLedger) Find(ctx context.Context, key string) (*CompletedSaga, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[key]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (m *memLedger) Append(ctx context.Context, row *CompletedSaga) (*CompletedSaga, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appends++
	if existing, ok := m.rows[row.IdempotencyKey]; ok {
		cp := *existing
		return &cp, nil
	}
	cp := *row
	cp.ID = int64(len(m.rows) + 1)
	m.rows[row.IdempotencyKey] = &cp
	out := cp
	return &out, nil
}

func (m *memLedger) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// callLog records port calls across all fakes in order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) count(call string) int {
	n := 0
	for _, c := range l.list() {
		if c == call {
			n++
		}
	}
	return n
}

func (l *callLog) index(call string) int {
	for i, c := range l.list() {
		if c == call {
			return i
		}
	}
	return -1
}

type fakeBilling struct {
	log *callLog

	mu          sync.Mutex
	balance     decimal.Decimal
	applied     map[string]bool
	withdrawErr error
	depositErr  error
}

func (b *fakeBilling) Withdraw(ctx context.Context, req ports.WithdrawRequest) (bool, error) {
	b.log.add("billing.withdraw")
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.withdrawErr != nil {
		return false, b.withdrawErr
	}
	if b.applied[req.IdempotencyKey] {
		return true, nil
	}
	if b.balance.LessThan(req.Amount) {
		return false, nil
	}
	b.balance = b.balance.Sub(req.Amount)
	b.applied[req.IdempotencyKey] = true
	return true, nil
}

func (b *fakeBilling) Deposit(ctx context.Context, req ports.DepositRequest) (bool, error) {
	b.log.add("billing.deposit")
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.depositErr != nil {
		return false, b.depositErr
	}
	b.balance = b.balance.Add(req.Amount)
	return true, nil
}

func (b *fakeBilling) currentBalance() decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balance
}

type fakeWarehouse struct {
	log *callLog

	mu         sync.Mutex
	stock      int
	held       map[int64]int
	reserveErr error
	releaseErr error
}

func (w *fakeWarehouse) ReserveProduct(ctx context.Context, req ports.ProductRequest) (bool, error) {
	w.log.add("warehouse.reserve")
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.reserveErr != nil {
		return false, w.reserveErr
	}
	if w.held[req.OrderID] > 0 {
		return true, nil
	}
	if req.Quantity > w.stock {
		return false, nil
	}
	w.stock -= req.Quantity
	w.held[req.OrderID] = req.Quantity
	return true, nil
}

func (w *fakeWarehouse) ReleaseProduct(ctx context.Context, req ports.ProductRequest) (bool, error) {
	w.log.add("warehouse.release")
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.releaseErr != nil {
		return false, w.releaseErr
	}
	w.stock += w.held[req.OrderID]
	delete(w.held, req.OrderID)
	return true, nil
}

func (w *fakeWarehouse) available() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stock
}

type fakeDelivery struct {
	log    *callLog
	policy ports.DeliveryPolicy

	mu         sync.Mutex
	booked     map[int64]string
	cancelled  []string
	reserveErr error
}

func (d *fakeDelivery) ReserveCourier(ctx context.Context, req ports.CourierRequest) (ports.CourierReservation, error) {
	d.log.add("delivery.reserve")
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reserveErr != nil {
		return ports.CourierReservation{}, d.reserveErr
	}
	if !d.policy.Serviceable(req.Slot) {
		return ports.CourierReservation{}, nil
	}
	id, ok := d.booked[req.OrderID]
	if !ok {
		id = fmt.Sprintf("courier-%d", req.OrderID)
		d.booked[req.OrderID] = id
	}
	return ports.CourierReservation{Reserved: true, CourierID: id}, nil
}

func (d *fakeDelivery) CancelCourier(ctx context.Context, orderID int64, courierID string) (bool, error) {
	d.log.add("delivery.cancel")
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled = append(d.cancelled, courierID)
	delete(d.booked, orderID)
	return true, nil
}
