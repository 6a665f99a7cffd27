package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/feeledger/internal/clock"
	"github.com/smallbiznis/feeledger/internal/config"
	"github.com/smallbiznis/feeledger/internal/events"
	"github.com/smallbiznis/feeledger/internal/ledgertest"
	"github.com/smallbiznis/feeledger/internal/locker"
	"github.com/smallbiznis/feeledger/internal/orgcontext"
	"github.com/smallbiznis/feeledger/internal/overdue"
	paymentdomain "github.com/smallbiznis/feeledger/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/feeledger/internal/payment/repository"
	"github.com/smallbiznis/feeledger/internal/reconciliation/domain"
	studentdomain "github.com/smallbiznis/feeledger/internal/student/domain"
	studentrepo "github.com/smallbiznis/feeledger/internal/student/repository"
	"github.com/smallbiznis/feeledger/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var now = time.Date(2024, 6, 15, 9, 0, 0, 0, time.UTC)

const orgID snowflake.ID = 1

type harness struct {
	db       *gorm.DB
	node     *snowflake.Node
	svc      domain.Reconciler
	students studentdomain.Repository
	payments paymentdomain.Repository
	recorder *ledgertest.Recorder
	ctx      context.Context
}

type option func(*Params)

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	conn := ledgertest.NewDB(t)
	h := &harness{
		db:       conn,
		node:     ledgertest.NewNode(t),
		students: studentrepo.Provide(conn),
		payments: paymentrepo.Provide(conn),
		recorder: &ledgertest.Recorder{},
		ctx:      orgcontext.WithOrgID(context.Background(), int64(orgID)),
	}

	fake := clock.NewFakeClock(now)
	ledger := ledgertest.LedgerConfig()
	p := Params{
		Students:  h.students,
		Payments:  h.payments,
		Locker:    locker.NewLocal(ledger, nil),
		Publisher: h.recorder,
		Clock:     fake,
		Ledger:    ledger,
		Log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&p)
	}
	p.Promoter = overdue.New(overdue.Params{
		Repo:      p.Payments,
		Clock:     p.Clock,
		Ledger:    p.Ledger,
		Publisher: p.Publisher,
		Log:       zap.NewNop(),
	})
	h.svc = New(p)
	return h
}

func (h *harness) student(t *testing.T, id, total string) *studentdomain.Student {
	return ledgertest.SeedStudent(t, h.db, h.node, orgID, id, total, now.Add(-time.Hour))
}

func (h *harness) payment(t *testing.T, studentID, amount string, status paymentdomain.Status) *paymentdomain.Payment {
	return ledgertest.SeedPayment(t, h.db, h.node, orgID, studentID, amount, status, now.AddDate(0, 1, 0), now.Add(-time.Hour))
}

func (h *harness) stored(t *testing.T, studentID string) *studentdomain.Student {
	t.Helper()
	s, err := h.students.FindByStudentID(context.Background(), orgID, studentID)
	require.NoError(t, err)
	require.NotNil(t, s)
	return s
}

func TestReconcileFullPayment(t *testing.T) {
	h := newHarness(t)
	h.student(t, "S1", "1000")
	h.payment(t, "S1", "1000", paymentdomain.StatusPaid)

	got, err := h.svc.Reconcile(h.ctx, "S1")
	require.NoError(t, err)

	assert.True(t, got.FeesPaid.Equal(ledgertest.Amount("1000")))
	assert.True(t, got.FeesDue.IsZero())
	assert.Equal(t, studentdomain.StatusPaid, got.Status)
	assert.Equal(t, []events.Type{events.StudentUpdated}, h.recorder.Types())
}

func TestReconcileIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.student(t, "S1", "1000")
	h.payment(t, "S1", "600", paymentdomain.StatusPaid)
	h.payment(t, "S1", "300", paymentdomain.StatusPending)

	first, err := h.svc.Reconcile(h.ctx, "S1")
	require.NoError(t, err)
	h.recorder.Reset()

	second, err := h.svc.Reconcile(h.ctx, "S1")
	require.NoError(t, err)

	assert.True(t, first.Aggregate().Equal(second.Aggregate()))
	assert.True(t, first.UpdatedAt.Equal(second.UpdatedAt))
	assert.Empty(t, h.recorder.Events())
}

func TestReconcileInvariantHolds(t *testing.T) {
	cases := []struct {
		total    string
		paid     []string
		unpaid   []string
		wantDue  string
		wantStat studentdomain.Status
	}{
		{total: "1000", wantDue: "1000", wantStat: studentdomain.StatusNotStarted},
		{total: "1000", unpaid: []string{"500"}, wantDue: "1000", wantStat: studentdomain.StatusNotStarted},
		{total: "1000", paid: []string{"250", "250.50"}, unpaid: []string{"100"}, wantDue: "499.5", wantStat: studentdomain.StatusPending},
		{total: "800", paid: []string{"500", "500"}, wantDue: "0", wantStat: studentdomain.StatusPaid},
		{total: "0", paid: []string{"10"}, wantDue: "0", wantStat: studentdomain.StatusPending},
	}

	for i, tc := range cases {
		t.Run(tc.total+"_"+string(rune('a'+i)), func(t *testing.T) {
			h := newHarness(t)
			h.student(t, "S1", tc.total)
			sum := ledgertest.Amount("0")
			for _, amount := range tc.paid {
				h.payment(t, "S1", amount, paymentdomain.StatusPaid)
				sum = sum.Add(ledgertest.Amount(amount))
			}
			for _, amount := range tc.unpaid {
				h.payment(t, "S1", amount, paymentdomain.StatusPending)
			}

			got, err := h.svc.Reconcile(h.ctx, "S1")
			require.NoError(t, err)
			assert.True(t, got.FeesPaid.Equal(sum), "fees_paid %s", got.FeesPaid)
			assert.True(t, got.FeesDue.Equal(ledgertest.Amount(tc.wantDue)), "fees_due %s", got.FeesDue)
			assert.Equal(t, tc.wantStat, got.Status)
			assert.True(t, h.stored(t, "S1").FeesPaid.Equal(sum))
		})
	}
}

type failingPayments struct {
	paymentdomain.Repository
	err error
}

func (f failingPayments) ListByStudent(context.Context, snowflake.ID, string) ([]*paymentdomain.Payment, error) {
	return nil, f.err
}

func TestReconcileFailsClosedWhenPaymentsUnreadable(t *testing.T) {
	h := newHarness(t)
	h = rebuild(t, h, func(p *Params) {
		p.Payments = failingPayments{Repository: p.Payments, err: errors.New("connection reset")}
	})
	h.student(t, "S1", "1000")
	h.payment(t, "S1", "400", paymentdomain.StatusPaid)

	_, err := h.svc.Reconcile(h.ctx, "S1")
	require.Error(t, err)
	assert.ErrorIs(t, err, db.ErrStoreUnavailable)

	stored := h.stored(t, "S1")
	assert.True(t, stored.FeesPaid.IsZero())
	assert.Equal(t, studentdomain.StatusNotStarted, stored.Status)
	assert.Empty(t, h.recorder.Events())
}

type blockingPayments struct {
	paymentdomain.Repository
}

func (blockingPayments) ListByStudent(ctx context.Context, _ snowflake.ID, _ string) ([]*paymentdomain.Payment, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestReconcileTreatsTimeoutAsStoreFailure(t *testing.T) {
	h := newHarness(t)
	cfg := config.DefaultLedgerConfig()
	cfg.StoreTimeout = 20 * time.Millisecond
	h = rebuild(t, h, func(p *Params) {
		p.Payments = blockingPayments{Repository: p.Payments}
		p.Ledger = config.NewStaticLedgerConfigHolder(cfg)
		p.Locker = locker.NewLocal(p.Ledger, nil)
	})
	h.student(t, "S1", "1000")

	start := time.Now()
	_, err := h.svc.Reconcile(h.ctx, "S1")
	require.Error(t, err)
	assert.ErrorIs(t, err, db.ErrStoreUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

type flakyStudents struct {
	studentdomain.Repository
	mu    sync.Mutex
	fails int
}

func (f *flakyStudents) Update(ctx context.Context, orgID snowflake.ID, studentID string, patch studentdomain.Patch) (*studentdomain.Student, error) {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return nil, errors.New("write timeout")
	}
	f.mu.Unlock()
	return f.Repository.Update(ctx, orgID, studentID, patch)
}

func TestReconcileConvergesAfterWriteFailure(t *testing.T) {
	h := newHarness(t)
	flaky := &flakyStudents{Repository: h.students, fails: 1}
	h = rebuild(t, h, func(p *Params) { p.Students = flaky })
	h.student(t, "S1", "1000")
	h.payment(t, "S1", "1000", paymentdomain.StatusPaid)

	_, err := h.svc.Reconcile(h.ctx, "S1")
	require.Error(t, err)
	assert.ErrorIs(t, err, db.ErrStoreUnavailable)
	assert.Empty(t, h.recorder.Events())

	got, err := h.svc.Reconcile(h.ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, studentdomain.StatusPaid, got.Status)
	assert.Equal(t, []events.Type{events.StudentUpdated}, h.recorder.Types())
}

func TestReconcileUnknownStudent(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Reconcile(h.ctx, "missing")
	assert.ErrorIs(t, err, studentdomain.ErrNotFound)
}

func TestReconcileRequiresOrganization(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Reconcile(context.Background(), "S1")
	assert.ErrorIs(t, err, studentdomain.ErrInvalidOrganization)

	zeroOrg := orgcontext.WithOrgID(context.Background(), 0)
	_, err = h.svc.Reconcile(zeroOrg, "S1")
	assert.ErrorIs(t, err, studentdomain.ErrInvalidOrganization)
	_, err = h.svc.Summarize(zeroOrg, "S1")
	assert.ErrorIs(t, err, studentdomain.ErrInvalidOrganization)

	_, err = h.svc.Reconcile(h.ctx, "  ")
	assert.ErrorIs(t, err, studentdomain.ErrInvalidStudentID)
}

func TestReconcilePromotesBeforeStudentUpdate(t *testing.T) {
	h := newHarness(t)
	h.student(t, "S1", "1000")
	h.payment(t, "S1", "200", paymentdomain.StatusPaid)
	ledgertest.SeedPayment(t, h.db, h.node, orgID, "S1", "300", paymentdomain.StatusPending, now.AddDate(0, 0, -2), now.Add(-time.Hour))

	_, err := h.svc.Reconcile(h.ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, []events.Type{events.PaymentUpdated, events.StudentUpdated}, h.recorder.Types())
}

func TestConcurrentReconcileOfSameStudent(t *testing.T) {
	h := newHarness(t)
	h.student(t, "S1", "1000")
	h.payment(t, "S1", "700", paymentdomain.StatusPaid)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Reconcile(h.ctx, "S1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, []events.Type{events.StudentUpdated}, h.recorder.Types())
	assert.True(t, h.stored(t, "S1").FeesDue.Equal(ledgertest.Amount("300")))
}

type mockLocker struct {
	mock.Mock
}

func (m *mockLocker) Lock(ctx context.Context, key string) (context.Context, func(), error) {
	args := m.Called(ctx, key)
	return ctx, func() {}, args.Error(0)
}

func TestReconcileLocksStudentKey(t *testing.T) {
	lk := &mockLocker{}
	lk.On("Lock", mock.Anything, locker.StudentKey(orgID.String(), "S1")).Return(nil).Once()

	h := newHarness(t, func(p *Params) { p.Locker = lk })
	h.student(t, "S1", "100")

	_, err := h.svc.Reconcile(h.ctx, "S1")
	require.NoError(t, err)
	lk.AssertExpectations(t)
}

func TestReconcileLockTimeoutSkipsWork(t *testing.T) {
	lk := &mockLocker{}
	lockErr := db.StoreUnavailable("lock", locker.ErrLockTimeout)
	lk.On("Lock", mock.Anything, mock.Anything).Return(lockErr)

	h := newHarness(t, func(p *Params) { p.Locker = lk })
	h.student(t, "S1", "100")
	h.payment(t, "S1", "100", paymentdomain.StatusPaid)

	_, err := h.svc.Reconcile(h.ctx, "S1")
	assert.ErrorIs(t, err, locker.ErrLockTimeout)
	assert.True(t, h.stored(t, "S1").FeesPaid.IsZero())
}

func TestSummarizeReportsDrift(t *testing.T) {
	h := newHarness(t)
	h.student(t, "S1", "1000")
	h.payment(t, "S1", "80", paymentdomain.StatusPaid)
	h.payment(t, "S1", "20", paymentdomain.StatusPending)

	summary, err := h.svc.Summarize(h.ctx, "S1")
	require.NoError(t, err)
	assert.True(t, summary.Drifted)
	assert.True(t, summary.Computed.FeesPaid.Equal(ledgertest.Amount("80")))
	assert.True(t, summary.Stored.FeesPaid.IsZero())
	assert.True(t, summary.Totals.Pending.Equal(ledgertest.Amount("20")))
	assert.Len(t, summary.Payments, 2)

	_, err = h.svc.Reconcile(h.ctx, "S1")
	require.NoError(t, err)
	summary, err = h.svc.Summarize(h.ctx, "S1")
	require.NoError(t, err)
	assert.False(t, summary.Drifted)
}

func TestReconcileAllWalksOrganizations(t *testing.T) {
	h := newHarness(t)
	h.student(t, "S1", "100")
	h.student(t, "S2", "100")
	h.payment(t, "S1", "100", paymentdomain.StatusPaid)
	ledgertest.SeedStudent(t, h.db, h.node, 2, "S1", "50", now)
	ledgertest.SeedPayment(t, h.db, h.node, 2, "S1", "25", paymentdomain.StatusPaid, now, now)

	result, err := h.svc.ReconcileAll(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.SweepResult{Scanned: 3, Updated: 2}, result)

	other, err := h.students.FindByStudentID(context.Background(), 2, "S1")
	require.NoError(t, err)
	assert.True(t, other.FeesDue.Equal(ledgertest.Amount("25")))

	result, err = h.svc.ReconcileAll(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Updated)
}

// rebuild recreates the service over the same database with modified params.
func rebuild(t *testing.T, h *harness, modify option) *harness {
	t.Helper()
	ledger := ledgertest.LedgerConfig()
	p := Params{
		Students:  h.students,
		Payments:  h.payments,
		Locker:    locker.NewLocal(ledger, nil),
		Publisher: h.recorder,
		Clock:     clock.NewFakeClock(now),
		Ledger:    ledger,
		Log:       zap.NewNop(),
	}
	modify(&p)
	p.Promoter = overdue.New(overdue.Params{
		Repo:      p.Payments,
		Clock:     p.Clock,
		Ledger:    p.Ledger,
		Publisher: p.Publisher,
		Log:       zap.NewNop(),
	})
	h.svc = New(p)
	return h
}
