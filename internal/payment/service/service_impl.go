package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/feeledger/internal/clock"
	"github.com/smallbiznis/feeledger/internal/config"
	"github.com/smallbiznis/feeledger/internal/events"
	"github.com/smallbiznis/feeledger/internal/locker"
	"github.com/smallbiznis/feeledger/internal/observability/logger"
	"github.com/smallbiznis/feeledger/internal/observability/metrics"
	"github.com/smallbiznis/feeledger/internal/orgcontext"
	"github.com/smallbiznis/feeledger/internal/overdue"
	"github.com/smallbiznis/feeledger/internal/payment/domain"
	reconciliationdomain "github.com/smallbiznis/feeledger/internal/reconciliation/domain"
	studentdomain "github.com/smallbiznis/feeledger/internal/student/domain"
	"github.com/smallbiznis/feeledger/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	opAdd    = "add"
	opRecord = "record"
	opUpdate = "update"
	opDelete = "delete"

	maxRecordAttempts = 3
)

type Params struct {
	fx.In

	Repo       domain.Repository
	Students   studentdomain.Repository
	Reconciler reconciliationdomain.Reconciler
	Promoter   *overdue.Promoter
	Locker     locker.Locker
	Publisher  events.Publisher
	Clock      clock.Clock
	Ledger     *config.LedgerConfigHolder
	GenID      *snowflake.Node
	Metrics    *metrics.Metrics `optional:"true"`
	Log        *zap.Logger
}

type Service struct {
	repo       domain.Repository
	students   studentdomain.Repository
	reconciler reconciliationdomain.Reconciler
	promoter   *overdue.Promoter
	locker     locker.Locker
	publisher  events.Publisher
	clock      clock.Clock
	ledger     *config.LedgerConfigHolder
	genID      *snowflake.Node
	metrics    *metrics.Metrics
	validate   *validator.Validate
	log        *zap.Logger
}

func New(p Params) domain.Service {
	return &Service{
		repo:       p.Repo,
		students:   p.Students,
		reconciler: p.Reconciler,
		promoter:   p.Promoter,
		locker:     p.Locker,
		publisher:  p.Publisher,
		clock:      p.Clock,
		ledger:     p.Ledger,
		genID:      p.GenID,
		metrics:    p.Metrics,
		validate:   validator.New(),
		log:        p.Log.Named("payment.service"),
	}
}

var fieldErrors = map[string]error{
	"StudentID": domain.ErrInvalidStudentID,
	"PaymentID": domain.ErrInvalidID,
	"DueDate":   domain.ErrInvalidDueDate,
	"Method":    domain.ErrInvalidMethod,
}

func (s *Service) AddPayment(ctx context.Context, req domain.AddPaymentRequest) (domain.Payment, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return domain.Payment{}, domain.ErrInvalidOrganization
	}

	req.StudentID = strings.TrimSpace(req.StudentID)
	req.ReceiptID = strings.TrimSpace(req.ReceiptID)
	req.Note = strings.TrimSpace(req.Note)
	if err := s.check(req); err != nil {
		return domain.Payment{}, err
	}
	if req.DueDate.IsZero() {
		return domain.Payment{}, domain.ErrInvalidDueDate
	}
	if !validAmount(req.Amount) {
		return domain.Payment{}, domain.ErrInvalidAmount
	}
	var method domain.Method
	if strings.TrimSpace(req.Method) != "" {
		parsed, ok := domain.ParseMethod(req.Method)
		if !ok {
			return domain.Payment{}, domain.ErrInvalidMethod
		}
		method = parsed
	}

	ctx, unlock, err := s.locker.Lock(ctx, locker.StudentKey(orgID.String(), req.StudentID))
	if err != nil {
		return domain.Payment{}, err
	}
	defer unlock()

	student, err := s.student(ctx, orgID, req.StudentID)
	if err != nil {
		return domain.Payment{}, err
	}
	remaining, err := s.remaining(ctx, student, decimal.Zero)
	if err != nil {
		return domain.Payment{}, err
	}
	if req.Amount.GreaterThan(remaining) {
		return domain.Payment{}, &domain.BalanceExceededError{Remaining: remaining}
	}

	now := s.clock.Now()
	payment := domain.Payment{
		ID:        s.genID.Generate(),
		OrgID:     orgID,
		StudentID: req.StudentID,
		Amount:    req.Amount,
		Status:    domain.StatusPending,
		DueDate:   domain.DateOnly(req.DueDate),
		Note:      req.Note,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if method != "" {
		paidAt := now
		payment.Status = domain.StatusPaid
		payment.PaidDate = &paidAt
		payment.Method = method
		payment.ReceiptID = s.receipt(req.ReceiptID, now)
	}

	if err := db.Exec(ctx, s.timeout(), "payments.insert", func(ctx context.Context) error {
		return s.repo.Insert(ctx, &payment)
	}); err != nil {
		return domain.Payment{}, err
	}
	s.metrics.RecordPaymentMutation(ctx, opAdd)

	s.publisher.Publish(ctx, events.New(events.PaymentAdded, orgID.String(), payment.StudentID, now, payment).
		WithPayment(payment.ID.String()))
	logger.WithContext(ctx, s.log).Info("payment.added",
		zap.String("payment_id", payment.ID.String()),
		zap.String("student_id", payment.StudentID),
		zap.String("amount", payment.Amount.String()),
		zap.String("status", string(payment.Status)),
	)

	return payment, s.reconcile(ctx, payment)
}

func (s *Service) RecordPayment(ctx context.Context, req domain.RecordPaymentRequest) (domain.Payment, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return domain.Payment{}, domain.ErrInvalidOrganization
	}
	if err := s.check(req); err != nil {
		return domain.Payment{}, err
	}
	id, err := parseID(req.PaymentID)
	if err != nil {
		return domain.Payment{}, err
	}
	method, ok := domain.ParseMethod(req.Method)
	if !ok {
		return domain.Payment{}, domain.ErrInvalidMethod
	}

	ctx, current, unlock, err := s.lockPayment(ctx, orgID, id)
	if err != nil {
		return domain.Payment{}, err
	}
	defer unlock()

	now := s.clock.Now()
	paid := domain.StatusPaid
	receipt := s.receipt(strings.TrimSpace(req.ReceiptID), now)
	patch := domain.Patch{
		Status:    &paid,
		PaidDate:  &now,
		Method:    &method,
		ReceiptID: &receipt,
		UpdatedAt: now,
	}

	// A sweep may move the record from pending to overdue between the read and
	// the write, so the transition is retried against the fresh status.
	for attempt := 0; ; attempt++ {
		if current.IsPaid() {
			return domain.Payment{}, domain.ErrAlreadyPaid
		}
		from := current.Status
		applied, err := db.Within(ctx, s.timeout(), "payments.record", func(ctx context.Context) (bool, error) {
			return s.repo.UpdateIfStatus(ctx, orgID, id, from, patch)
		})
		if err != nil {
			return domain.Payment{}, err
		}
		if applied {
			break
		}
		if attempt+1 >= maxRecordAttempts {
			return domain.Payment{}, db.StoreUnavailable("payments.record", errors.New("status kept changing"))
		}
		if current, err = s.payment(ctx, orgID, id); err != nil {
			return domain.Payment{}, err
		}
	}

	recorded, err := s.payment(ctx, orgID, id)
	if err != nil {
		return domain.Payment{}, err
	}
	s.metrics.RecordPaymentMutation(ctx, opRecord)

	s.publisher.Publish(ctx, events.New(events.PaymentRecorded, orgID.String(), recorded.StudentID, now, *recorded).
		WithPayment(recorded.ID.String()))
	logger.WithContext(ctx, s.log).Info("payment.recorded",
		zap.String("payment_id", recorded.ID.String()),
		zap.String("student_id", recorded.StudentID),
		zap.String("method", string(recorded.Method)),
		zap.String("receipt_id", recorded.ReceiptID),
	)

	return *recorded, s.reconcile(ctx, *recorded)
}

func (s *Service) UpdatePayment(ctx context.Context, req domain.UpdatePaymentRequest) (domain.Payment, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return domain.Payment{}, domain.ErrInvalidOrganization
	}
	if err := s.check(req); err != nil {
		return domain.Payment{}, err
	}
	id, err := parseID(req.PaymentID)
	if err != nil {
		return domain.Payment{}, err
	}
	if req.Amount != nil && !validAmount(*req.Amount) {
		return domain.Payment{}, domain.ErrInvalidAmount
	}
	if req.DueDate != nil && req.DueDate.IsZero() {
		return domain.Payment{}, domain.ErrInvalidDueDate
	}
	if req.PaidDate != nil && req.PaidDate.IsZero() {
		return domain.Payment{}, domain.ErrInvalidPaidDate
	}
	var method *domain.Method
	if req.Method != nil {
		parsed, ok := domain.ParseMethod(*req.Method)
		if !ok {
			return domain.Payment{}, domain.ErrInvalidMethod
		}
		method = &parsed
	}

	ctx, current, unlock, err := s.lockPayment(ctx, orgID, id)
	if err != nil {
		return domain.Payment{}, err
	}
	defer unlock()

	if !current.IsPaid() && (req.PaidDate != nil || method != nil) {
		return domain.Payment{}, domain.ErrNotPaid
	}

	if req.Amount != nil {
		student, err := s.student(ctx, orgID, current.StudentID)
		if err != nil {
			return domain.Payment{}, err
		}
		replaced := decimal.Zero
		if current.IsPaid() {
			replaced = current.Amount
		}
		remaining, err := s.remaining(ctx, student, replaced)
		if err != nil {
			return domain.Payment{}, err
		}
		if req.Amount.GreaterThan(remaining) {
			return domain.Payment{}, &domain.BalanceExceededError{Remaining: remaining}
		}
	}

	now := s.clock.Now()
	var note *string
	if req.Note != nil {
		trimmed := strings.TrimSpace(*req.Note)
		note = &trimmed
	}
	patch := domain.Patch{
		Amount:    req.Amount,
		DueDate:   req.DueDate,
		PaidDate:  req.PaidDate,
		Method:    method,
		Note:      note,
		UpdatedAt: now,
	}
	if len(patch.Fields()) == 0 {
		return *current, nil
	}

	updated, err := db.Within(ctx, s.timeout(), "payments.update", func(ctx context.Context) (*domain.Payment, error) {
		return s.repo.Update(ctx, orgID, id, patch)
	})
	if err != nil {
		return domain.Payment{}, err
	}
	if updated == nil {
		return domain.Payment{}, domain.ErrNotFound
	}
	s.metrics.RecordPaymentMutation(ctx, opUpdate)

	s.publisher.Publish(ctx, events.New(events.PaymentUpdated, orgID.String(), updated.StudentID, now, *updated).
		WithPayment(updated.ID.String()))
	logger.WithContext(ctx, s.log).Info("payment.updated",
		zap.String("payment_id", updated.ID.String()),
		zap.String("student_id", updated.StudentID),
	)

	return *updated, s.reconcile(ctx, *updated)
}

func (s *Service) DeletePayment(ctx context.Context, paymentID string) error {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return domain.ErrInvalidOrganization
	}
	id, err := parseID(paymentID)
	if err != nil {
		return err
	}

	ctx, current, unlock, err := s.lockPayment(ctx, orgID, id)
	if err != nil {
		return err
	}
	defer unlock()

	deleted, err := db.Within(ctx, s.timeout(), "payments.delete", func(ctx context.Context) (bool, error) {
		return s.repo.Delete(ctx, orgID, id)
	})
	if err != nil {
		return err
	}
	if !deleted {
		return domain.ErrNotFound
	}
	s.metrics.RecordPaymentMutation(ctx, opDelete)

	s.publisher.Publish(ctx, events.New(events.PaymentDeleted, orgID.String(), current.StudentID, s.clock.Now(), *current).
		WithPayment(current.ID.String()))
	logger.WithContext(ctx, s.log).Info("payment.deleted",
		zap.String("payment_id", current.ID.String()),
		zap.String("student_id", current.StudentID),
	)

	return s.reconcile(ctx, *current)
}

func (s *Service) Get(ctx context.Context, paymentID string) (domain.Payment, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return domain.Payment{}, domain.ErrInvalidOrganization
	}
	id, err := parseID(paymentID)
	if err != nil {
		return domain.Payment{}, err
	}

	payment, err := s.payment(ctx, orgID, id)
	if err != nil {
		return domain.Payment{}, err
	}
	s.promoter.Normalize(ctx, []*domain.Payment{payment})
	return *payment, nil
}

func (s *Service) ListByStudent(ctx context.Context, studentID string) ([]domain.Payment, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	studentID = strings.TrimSpace(studentID)
	if studentID == "" {
		return nil, domain.ErrInvalidStudentID
	}

	if _, err := s.student(ctx, orgID, studentID); err != nil {
		return nil, err
	}
	items, err := db.Within(ctx, s.timeout(), "payments.list_by_student", func(ctx context.Context) ([]*domain.Payment, error) {
		return s.repo.ListByStudent(ctx, orgID, studentID)
	})
	if err != nil {
		return nil, err
	}
	items = s.promoter.Normalize(ctx, items)

	payments := make([]domain.Payment, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		payments = append(payments, *item)
	}
	return payments, nil
}

// lockPayment resolves the owning student, takes its lock and re-reads the payment under it.
func (s *Service) lockPayment(ctx context.Context, orgID, id snowflake.ID) (context.Context, *domain.Payment, func(), error) {
	found, err := s.payment(ctx, orgID, id)
	if err != nil {
		return ctx, nil, nil, err
	}

	ctx, unlock, err := s.locker.Lock(ctx, locker.StudentKey(orgID.String(), found.StudentID))
	if err != nil {
		return ctx, nil, nil, err
	}
	current, err := s.payment(ctx, orgID, id)
	if err != nil {
		unlock()
		return ctx, nil, nil, err
	}
	return ctx, current, unlock, nil
}

// reconcile brings the owning student up to date after a saved mutation.
func (s *Service) reconcile(ctx context.Context, payment domain.Payment) error {
	if _, err := s.reconciler.Reconcile(ctx, payment.StudentID); err != nil {
		logger.WithContext(ctx, s.log).Warn("payment.reconcile_failed",
			zap.String("payment_id", payment.ID.String()),
			zap.String("student_id", payment.StudentID),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %w", domain.ErrNotReconciled, err)
	}
	return nil
}

// remaining is what the student still owes, with replaced handed back when an
// already paid amount is being edited.
func (s *Service) remaining(ctx context.Context, student *studentdomain.Student, replaced decimal.Decimal) (decimal.Decimal, error) {
	payments, err := db.Within(ctx, s.timeout(), "payments.list_by_student", func(ctx context.Context) ([]*domain.Payment, error) {
		return s.repo.ListByStudent(ctx, student.OrgID, student.StudentID)
	})
	if err != nil {
		return decimal.Zero, err
	}
	left := student.TotalFees.Sub(domain.Sum(payments).Paid).Add(replaced)
	if left.IsNegative() {
		return decimal.Zero, nil
	}
	return left, nil
}

func (s *Service) student(ctx context.Context, orgID snowflake.ID, studentID string) (*studentdomain.Student, error) {
	student, err := db.Within(ctx, s.timeout(), "students.get", func(ctx context.Context) (*studentdomain.Student, error) {
		return s.students.FindByStudentID(ctx, orgID, studentID)
	})
	if err != nil {
		return nil, err
	}
	if student == nil {
		return nil, domain.ErrStudentNotFound
	}
	return student, nil
}

func (s *Service) payment(ctx context.Context, orgID, id snowflake.ID) (*domain.Payment, error) {
	payment, err := db.Within(ctx, s.timeout(), "payments.get", func(ctx context.Context) (*domain.Payment, error) {
		return s.repo.FindByID(ctx, orgID, id)
	})
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, domain.ErrNotFound
	}
	return payment, nil
}

func (s *Service) receipt(given string, now time.Time) string {
	if given != "" {
		return given
	}
	return "RCPT-" + ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
}

func (s *Service) check(req any) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		if mapped, ok := fieldErrors[verrs[0].StructField()]; ok {
			return mapped
		}
	}
	return err
}

func (s *Service) timeout() time.Duration {
	return s.ledger.Get().StoreTimeout
}

func parseID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, domain.ErrInvalidID
	}
	return id, nil
}

func validAmount(v decimal.Decimal) bool {
	return v.IsPositive() && v.Equal(v.Round(2))
}
