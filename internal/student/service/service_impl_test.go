package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/feeledger/internal/clock"
	"github.com/smallbiznis/feeledger/internal/events"
	"github.com/smallbiznis/feeledger/internal/ledgertest"
	"github.com/smallbiznis/feeledger/internal/locker"
	"github.com/smallbiznis/feeledger/internal/orgcontext"
	"github.com/smallbiznis/feeledger/internal/overdue"
	paymentdomain "github.com/smallbiznis/feeledger/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/feeledger/internal/payment/repository"
	reconciliation "github.com/smallbiznis/feeledger/internal/reconciliation/service"
	"github.com/smallbiznis/feeledger/internal/student/domain"
	studentrepo "github.com/smallbiznis/feeledger/internal/student/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var now = time.Date(2024, 6, 15, 9, 0, 0, 0, time.UTC)

const orgID snowflake.ID = 7

type fixture struct {
	db       *gorm.DB
	node     *snowflake.Node
	svc      domain.Service
	repo     domain.Repository
	payments paymentdomain.Repository
	recorder *ledgertest.Recorder
	ctx      context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := ledgertest.NewDB(t)
	node := ledgertest.NewNode(t)
	ledger := ledgertest.LedgerConfig()
	fake := clock.NewFakeClock(now)
	recorder := &ledgertest.Recorder{}
	students := studentrepo.Provide(conn)
	payments := paymentrepo.Provide(conn)
	lk := locker.NewLocal(ledger, nil)

	promoter := overdue.New(overdue.Params{
		Repo: payments, Clock: fake, Ledger: ledger, Publisher: recorder, Log: zap.NewNop(),
	})
	reconciler := reconciliation.New(reconciliation.Params{
		Students: students, Payments: payments, Promoter: promoter, Locker: lk,
		Publisher: recorder, Clock: fake, Ledger: ledger, Log: zap.NewNop(),
	})

	return &fixture{
		db:       conn,
		node:     node,
		repo:     students,
		payments: payments,
		recorder: recorder,
		ctx:      orgcontext.WithOrgID(context.Background(), int64(orgID)),
		svc: New(Params{
			Repo: students, Payments: payments, Reconciler: reconciler, Locker: lk,
			Publisher: recorder, Clock: fake, Ledger: ledger, GenID: node, Log: zap.NewNop(),
		}),
	}
}

func strPtr(v string) *string { return &v }

func TestCreateStudent(t *testing.T) {
	f := newFixture(t)

	got, err := f.svc.Create(f.ctx, domain.CreateStudentRequest{
		StudentID: " S1 ",
		Name:      "Ada Lovelace",
		Email:     "ada@example.com",
		ClassName: "Grade 5",
		TotalFees: ledgertest.Amount("1000"),
		Metadata:  map[string]any{"guardian": "Byron"},
	})
	require.NoError(t, err)

	assert.Equal(t, "S1", got.StudentID)
	assert.True(t, got.FeesPaid.IsZero())
	assert.True(t, got.FeesDue.Equal(ledgertest.Amount("1000")))
	assert.Equal(t, domain.StatusNotStarted, got.Status)
	assert.NotZero(t, got.ID)

	stored, err := f.svc.Get(f.ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", stored.Name)
	assert.Equal(t, "Byron", stored.Metadata["guardian"])
}

func TestCreateStudentValidation(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name string
		req  domain.CreateStudentRequest
		want error
	}{
		{"missing id", domain.CreateStudentRequest{Name: "A", TotalFees: ledgertest.Amount("1")}, domain.ErrInvalidStudentID},
		{"missing name", domain.CreateStudentRequest{StudentID: "S1", Name: "  ", TotalFees: ledgertest.Amount("1")}, domain.ErrInvalidName},
		{"bad email", domain.CreateStudentRequest{StudentID: "S1", Name: "A", Email: "nope"}, domain.ErrInvalidEmail},
		{"negative total", domain.CreateStudentRequest{StudentID: "S1", Name: "A", TotalFees: ledgertest.Amount("-1")}, domain.ErrInvalidTotalFees},
		{"sub cent total", domain.CreateStudentRequest{StudentID: "S1", Name: "A", TotalFees: ledgertest.Amount("10.005")}, domain.ErrInvalidTotalFees},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Create(f.ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	_, err := f.svc.Create(context.Background(), domain.CreateStudentRequest{StudentID: "S1", Name: "A"})
	assert.ErrorIs(t, err, domain.ErrInvalidOrganization)
}

func TestCreateDuplicateStudent(t *testing.T) {
	f := newFixture(t)
	req := domain.CreateStudentRequest{StudentID: "S1", Name: "A", TotalFees: ledgertest.Amount("10")}

	_, err := f.svc.Create(f.ctx, req)
	require.NoError(t, err)
	_, err = f.svc.Create(f.ctx, req)
	assert.ErrorIs(t, err, domain.ErrStudentExists)

	other := orgcontext.WithOrgID(context.Background(), 8)
	_, err = f.svc.Create(other, req)
	assert.NoError(t, err)
}

func TestGetUnknownStudent(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Get(f.ctx, "nobody")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListStudentsPaginates(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"S3", "S1", "S2", "S4", "S5"} {
		ledgertest.SeedStudent(t, f.db, f.node, orgID, id, "100", now)
	}
	ledgertest.SeedStudent(t, f.db, f.node, 99, "S0", "100", now)

	first, err := f.svc.List(f.ctx, domain.ListStudentRequest{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, first.Students, 2)
	assert.Equal(t, "S1", first.Students[0].StudentID)
	assert.Equal(t, "S2", first.Students[1].StudentID)
	assert.True(t, first.HasMore)

	var ids []string
	token := first.NextPageToken
	for token != "" {
		page, err := f.svc.List(f.ctx, domain.ListStudentRequest{PageSize: 2, PageToken: token})
		require.NoError(t, err)
		for _, st := range page.Students {
			ids = append(ids, st.StudentID)
		}
		token = page.NextPageToken
	}
	assert.Equal(t, []string{"S3", "S4", "S5"}, ids)
}

func TestListStudentsFilters(t *testing.T) {
	f := newFixture(t)
	ledgertest.SeedStudent(t, f.db, f.node, orgID, "S1", "100", now)
	ledgertest.SeedStudent(t, f.db, f.node, orgID, "S2", "0", now)

	resp, err := f.svc.List(f.ctx, domain.ListStudentRequest{Status: "NOT_STARTED"})
	require.NoError(t, err)
	assert.Len(t, resp.Students, 2)
	assert.False(t, resp.HasMore)

	resp, err = f.svc.List(f.ctx, domain.ListStudentRequest{Status: "paid"})
	require.NoError(t, err)
	assert.Empty(t, resp.Students)

	_, err = f.svc.List(f.ctx, domain.ListStudentRequest{Status: "graduated"})
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)

	_, err = f.svc.List(f.ctx, domain.ListStudentRequest{PageToken: "%%%"})
	assert.ErrorIs(t, err, domain.ErrInvalidPageToken)
}

func TestUpdateProfileLeavesAggregate(t *testing.T) {
	f := newFixture(t)
	ledgertest.SeedStudent(t, f.db, f.node, orgID, "S1", "100", now)

	got, err := f.svc.Update(f.ctx, domain.UpdateStudentRequest{
		StudentID: "S1",
		Name:      strPtr(" Grace Hopper "),
		Phone:     strPtr("555-0100"),
	})
	require.NoError(t, err)
	assert.Equal(t, "Grace Hopper", got.Name)
	assert.Equal(t, "555-0100", got.Phone)
	assert.True(t, got.FeesDue.Equal(ledgertest.Amount("100")))
	assert.Equal(t, []events.Type{events.StudentUpdated}, f.recorder.Types())

	_, err = f.svc.Update(f.ctx, domain.UpdateStudentRequest{StudentID: "S1", Name: strPtr("  ")})
	assert.ErrorIs(t, err, domain.ErrInvalidName)

	_, err = f.svc.Update(f.ctx, domain.UpdateStudentRequest{StudentID: "S9", Name: strPtr("X")})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdateTotalFeesRederivesAggregate(t *testing.T) {
	f := newFixture(t)
	ledgertest.SeedStudent(t, f.db, f.node, orgID, "S1", "1000", now)
	ledgertest.SeedPayment(t, f.db, f.node, orgID, "S1", "600", paymentdomain.StatusPaid, now, now)

	total := ledgertest.Amount("600")
	got, err := f.svc.Update(f.ctx, domain.UpdateStudentRequest{StudentID: "S1", TotalFees: &total})
	require.NoError(t, err)
	assert.True(t, got.TotalFees.Equal(total))
	assert.True(t, got.FeesPaid.Equal(total))
	assert.True(t, got.FeesDue.IsZero())
	assert.Equal(t, domain.StatusPaid, got.Status)

	raised := ledgertest.Amount("900")
	got, err = f.svc.Update(f.ctx, domain.UpdateStudentRequest{StudentID: "S1", TotalFees: &raised})
	require.NoError(t, err)
	assert.True(t, got.FeesDue.Equal(ledgertest.Amount("300")))
	assert.Equal(t, domain.StatusPending, got.Status)
}

func TestUpdateTotalFeesPublishesConsistentAggregate(t *testing.T) {
	f := newFixture(t)
	ledgertest.SeedStudent(t, f.db, f.node, orgID, "S1", "1000", now)

	raised := ledgertest.Amount("1200")
	got, err := f.svc.Update(f.ctx, domain.UpdateStudentRequest{StudentID: "S1", TotalFees: &raised})
	require.NoError(t, err)
	assert.True(t, got.FeesDue.Equal(raised))

	ledgertest.SeedPayment(t, f.db, f.node, orgID, "S1", "700", paymentdomain.StatusPaid, now, now)
	lowered := ledgertest.Amount("900")
	got, err = f.svc.Update(f.ctx, domain.UpdateStudentRequest{StudentID: "S1", TotalFees: &lowered})
	require.NoError(t, err)
	assert.True(t, got.FeesDue.Equal(ledgertest.Amount("200")))

	var updates []domain.Student
	for _, ev := range f.recorder.Events() {
		if ev.Type != events.StudentUpdated {
			continue
		}
		student, ok := ev.Payload.(domain.Student)
		require.True(t, ok)
		updates = append(updates, student)
	}
	require.Len(t, updates, 2)
	for _, student := range updates {
		want := domain.Derive(student.TotalFees, student.FeesPaid)
		assert.True(t, want.Equal(student.Aggregate()), "due %s for total %s paid %s",
			student.FeesDue, student.TotalFees, student.FeesPaid)
	}
}

func TestUpdateTotalFeesBelowPaidRejected(t *testing.T) {
	f := newFixture(t)
	ledgertest.SeedStudent(t, f.db, f.node, orgID, "S1", "1000", now)
	ledgertest.SeedPayment(t, f.db, f.node, orgID, "S1", "600", paymentdomain.StatusPaid, now, now)
	ledgertest.SeedPayment(t, f.db, f.node, orgID, "S1", "300", paymentdomain.StatusPending, now.AddDate(0, 1, 0), now)

	lowered := ledgertest.Amount("500")
	_, err := f.svc.Update(f.ctx, domain.UpdateStudentRequest{StudentID: "S1", TotalFees: &lowered})
	assert.ErrorIs(t, err, domain.ErrTotalBelowPaid)

	stored, err := f.repo.FindByStudentID(context.Background(), orgID, "S1")
	require.NoError(t, err)
	assert.True(t, stored.TotalFees.Equal(ledgertest.Amount("1000")))
	assert.Empty(t, f.recorder.Events())
}

func TestDeleteStudentCascades(t *testing.T) {
	f := newFixture(t)
	ledgertest.SeedStudent(t, f.db, f.node, orgID, "S1", "1000", now)
	ledgertest.SeedStudent(t, f.db, f.node, orgID, "S2", "1000", now)
	p1 := ledgertest.SeedPayment(t, f.db, f.node, orgID, "S1", "100", paymentdomain.StatusPaid, now, now)
	p2 := ledgertest.SeedPayment(t, f.db, f.node, orgID, "S1", "200", paymentdomain.StatusPending, now, now)
	ledgertest.SeedPayment(t, f.db, f.node, orgID, "S2", "50", paymentdomain.StatusPending, now, now)

	require.NoError(t, f.svc.Delete(f.ctx, "S1"))

	_, err := f.svc.Get(f.ctx, "S1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	left, err := f.payments.ListByStudent(context.Background(), orgID, "S1")
	require.NoError(t, err)
	assert.Empty(t, left)

	others, err := f.payments.ListByStudent(context.Background(), orgID, "S2")
	require.NoError(t, err)
	assert.Len(t, others, 1)

	evs := f.recorder.Events()
	require.Len(t, evs, 2)
	var deleted []string
	for _, ev := range evs {
		assert.Equal(t, events.PaymentDeleted, ev.Type)
		deleted = append(deleted, ev.PaymentID)
	}
	assert.ElementsMatch(t, []string{p1.ID.String(), p2.ID.String()}, deleted)

	assert.ErrorIs(t, f.svc.Delete(f.ctx, "S1"), domain.ErrNotFound)
}
