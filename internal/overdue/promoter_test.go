package overdue

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/feeledger/internal/clock"
	"github.com/smallbiznis/feeledger/internal/events"
	"github.com/smallbiznis/feeledger/internal/ledgertest"
	paymentdomain "github.com/smallbiznis/feeledger/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/feeledger/internal/payment/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var now = time.Date(2024, 6, 15, 9, 0, 0, 0, time.UTC)

func TestShouldPromoteBoundary(t *testing.T) {
	yesterday := now.AddDate(0, 0, -1)
	grace := time.Minute

	old := paymentdomain.Payment{Status: paymentdomain.StatusPending, DueDate: yesterday, CreatedAt: now.Add(-2 * time.Minute)}
	assert.True(t, ShouldPromote(old, now, grace))

	fresh := old
	fresh.CreatedAt = now.Add(-10 * time.Second)
	assert.False(t, ShouldPromote(fresh, now, grace))

	notDue := old
	notDue.DueDate = now.AddDate(0, 0, 1)
	assert.False(t, ShouldPromote(notDue, now, grace))

	dueToday := old
	dueToday.DueDate = paymentdomain.DateOnly(now)
	dueToday.CreatedAt = now.AddDate(0, 0, -3)
	assert.False(t, ShouldPromote(dueToday, now, grace))
	assert.True(t, ShouldPromote(dueToday, paymentdomain.DateOnly(now).AddDate(0, 0, 1), grace))

	paid := old
	paid.Status = paymentdomain.StatusPaid
	assert.False(t, ShouldPromote(paid, now, grace))

	overdue := old
	overdue.Status = paymentdomain.StatusOverdue
	assert.False(t, ShouldPromote(overdue, now, grace))
}

type fixture struct {
	promoter *Promoter
	repo     paymentdomain.Repository
	recorder *ledgertest.Recorder
	clock    *clock.FakeClock
}

func newFixture(t *testing.T) (fixture, func(studentID, amount string, status paymentdomain.Status, due, created time.Time) *paymentdomain.Payment) {
	db := ledgertest.NewDB(t)
	node := ledgertest.NewNode(t)
	repo := paymentrepo.Provide(db)
	recorder := &ledgertest.Recorder{}
	fake := clock.NewFakeClock(now)

	promoter := New(Params{
		Repo:      repo,
		Clock:     fake,
		Ledger:    ledgertest.LedgerConfig(),
		Publisher: recorder,
		Log:       zap.NewNop(),
	})
	seed := func(studentID, amount string, status paymentdomain.Status, due, created time.Time) *paymentdomain.Payment {
		return ledgertest.SeedPayment(t, db, node, 1, studentID, amount, status, due, created)
	}
	return fixture{promoter: promoter, repo: repo, recorder: recorder, clock: fake}, seed
}

func TestNormalizePersistsPromotions(t *testing.T) {
	f, seed := newFixture(t)
	yesterday := now.AddDate(0, 0, -1)

	stale := seed("S1", "100", paymentdomain.StatusPending, yesterday, now.Add(-2*time.Minute))
	fresh := seed("S1", "50", paymentdomain.StatusPending, yesterday, now.Add(-10*time.Second))

	list, err := f.repo.ListByStudent(context.Background(), 1, "S1")
	require.NoError(t, err)

	normalized := f.promoter.Normalize(context.Background(), list)
	byID := map[string]paymentdomain.Status{}
	for _, p := range normalized {
		byID[p.ID.String()] = p.Status
	}
	assert.Equal(t, paymentdomain.StatusOverdue, byID[stale.ID.String()])
	assert.Equal(t, paymentdomain.StatusPending, byID[fresh.ID.String()])

	stored, err := f.repo.FindByID(context.Background(), 1, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.StatusOverdue, stored.Status)

	assert.Equal(t, []events.Type{events.PaymentUpdated}, f.recorder.Types())
	assert.Equal(t, stale.ID.String(), f.recorder.Events()[0].PaymentID)
}

func TestNormalizeIsIdempotent(t *testing.T) {
	f, seed := newFixture(t)
	seed("S1", "100", paymentdomain.StatusPending, now.AddDate(0, 0, -1), now.Add(-time.Hour))

	for i := 0; i < 2; i++ {
		list, err := f.repo.ListByStudent(context.Background(), 1, "S1")
		require.NoError(t, err)
		f.promoter.Normalize(context.Background(), list)
	}
	assert.Len(t, f.recorder.Events(), 1)
}

func TestSweepPromotesAcrossStudents(t *testing.T) {
	f, seed := newFixture(t)
	lastWeek := now.AddDate(0, 0, -7)

	seed("S1", "100", paymentdomain.StatusPending, lastWeek, lastWeek)
	seed("S2", "100", paymentdomain.StatusPending, lastWeek, lastWeek)
	seed("S3", "100", paymentdomain.StatusPaid, lastWeek, lastWeek)
	seed("S4", "100", paymentdomain.StatusPending, now.AddDate(0, 0, 3), lastWeek)
	seed("S5", "100", paymentdomain.StatusPending, now, lastWeek)

	promoted, err := f.promoter.Sweep(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 2, promoted)

	promoted, err = f.promoter.Sweep(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 0, promoted)

	// S5 falls due at the end of its day.
	f.clock.Advance(15 * time.Hour)
	promoted, err = f.promoter.Sweep(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)
}

func TestSweepHonorsGraceWindowAfterClockAdvance(t *testing.T) {
	f, seed := newFixture(t)
	seed("S1", "100", paymentdomain.StatusPending, now.AddDate(0, 0, -1), now.Add(-30*time.Second))

	promoted, err := f.promoter.Sweep(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, promoted)

	f.clock.Advance(time.Minute)
	promoted, err = f.promoter.Sweep(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)
}
