package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/feeledger/internal/clock"
	"github.com/smallbiznis/feeledger/internal/config"
	"github.com/smallbiznis/feeledger/internal/events"
	"github.com/smallbiznis/feeledger/internal/locker"
	"github.com/smallbiznis/feeledger/internal/observability/logger"
	"github.com/smallbiznis/feeledger/internal/orgcontext"
	paymentdomain "github.com/smallbiznis/feeledger/internal/payment/domain"
	reconciliationdomain "github.com/smallbiznis/feeledger/internal/reconciliation/domain"
	"github.com/smallbiznis/feeledger/internal/student/domain"
	"github.com/smallbiznis/feeledger/pkg/db"
	"github.com/smallbiznis/feeledger/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const (
	defaultPageSize = 50
	maxPageSize     = 250
)

type Params struct {
	fx.In

	Repo       domain.Repository
	Payments   paymentdomain.Repository
	Reconciler reconciliationdomain.Reconciler
	Locker     locker.Locker
	Publisher  events.Publisher
	Clock      clock.Clock
	Ledger     *config.LedgerConfigHolder
	GenID      *snowflake.Node
	Log        *zap.Logger
}

type Service struct {
	repo       domain.Repository
	payments   paymentdomain.Repository
	reconciler reconciliationdomain.Reconciler
	locker     locker.Locker
	publisher  events.Publisher
	clock      clock.Clock
	ledger     *config.LedgerConfigHolder
	genID      *snowflake.Node
	validate   *validator.Validate
	log        *zap.Logger
}

func New(p Params) domain.Service {
	return &Service{
		repo:       p.Repo,
		payments:   p.Payments,
		reconciler: p.Reconciler,
		locker:     p.Locker,
		publisher:  p.Publisher,
		clock:      p.Clock,
		ledger:     p.Ledger,
		genID:      p.GenID,
		validate:   validator.New(),
		log:        p.Log.Named("student.service"),
	}
}

var fieldErrors = map[string]error{
	"StudentID": domain.ErrInvalidStudentID,
	"Name":      domain.ErrInvalidName,
	"Email":     domain.ErrInvalidEmail,
}

func (s *Service) Create(ctx context.Context, req domain.CreateStudentRequest) (domain.Student, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return domain.Student{}, domain.ErrInvalidOrganization
	}

	req.StudentID = strings.TrimSpace(req.StudentID)
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.TrimSpace(req.Email)
	req.Phone = strings.TrimSpace(req.Phone)
	req.ClassName = strings.TrimSpace(req.ClassName)
	if err := s.check(req); err != nil {
		return domain.Student{}, err
	}
	if !validTotal(req.TotalFees) {
		return domain.Student{}, domain.ErrInvalidTotalFees
	}

	now := s.clock.Now()
	agg := domain.Derive(req.TotalFees, decimal.Zero)
	metadata := datatypes.JSONMap{}
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	student := domain.Student{
		ID:        s.genID.Generate(),
		OrgID:     orgID,
		StudentID: req.StudentID,
		Name:      req.Name,
		Email:     req.Email,
		Phone:     req.Phone,
		ClassName: req.ClassName,
		Metadata:  metadata,
		TotalFees: req.TotalFees,
		FeesPaid:  agg.FeesPaid,
		FeesDue:   agg.FeesDue,
		Status:    agg.Status,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := db.Exec(ctx, s.timeout(), "students.insert", func(ctx context.Context) error {
		return s.repo.Insert(ctx, &student)
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return domain.Student{}, domain.ErrStudentExists
		}
		return domain.Student{}, err
	}

	logger.WithContext(ctx, s.log).Info("student.created",
		zap.String("student_id", student.StudentID),
		zap.String("total_fees", student.TotalFees.String()),
	)
	return student, nil
}

func (s *Service) Get(ctx context.Context, studentID string) (domain.Student, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return domain.Student{}, domain.ErrInvalidOrganization
	}
	studentID = strings.TrimSpace(studentID)
	if studentID == "" {
		return domain.Student{}, domain.ErrInvalidStudentID
	}

	student, err := s.find(ctx, orgID, studentID)
	if err != nil {
		return domain.Student{}, err
	}
	return *student, nil
}

func (s *Service) List(ctx context.Context, req domain.ListStudentRequest) (domain.ListStudentResponse, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return domain.ListStudentResponse{}, domain.ErrInvalidOrganization
	}

	status := domain.Status(strings.ToLower(strings.TrimSpace(req.Status)))
	if status != "" && !status.Valid() {
		return domain.ListStudentResponse{}, domain.ErrInvalidStatus
	}

	cursor, err := pagination.DecodeCursor(strings.TrimSpace(req.PageToken))
	if err != nil {
		return domain.ListStudentResponse{}, domain.ErrInvalidPageToken
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	filter := domain.ListFilter{Status: status, Limit: pageSize + 1}
	if cursor != nil {
		filter.After = cursor.Key
	}

	items, err := db.Within(ctx, s.timeout(), "students.list", func(ctx context.Context) ([]*domain.Student, error) {
		return s.repo.List(ctx, orgID, filter)
	})
	if err != nil {
		return domain.ListStudentResponse{}, err
	}

	items, pageInfo := pagination.Trim(items, pageSize, func(st *domain.Student) string {
		return st.StudentID
	})

	students := make([]domain.Student, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		students = append(students, *item)
	}

	return domain.ListStudentResponse{PageInfo: pageInfo, Students: students}, nil
}

func (s *Service) Update(ctx context.Context, req domain.UpdateStudentRequest) (domain.Student, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return domain.Student{}, domain.ErrInvalidOrganization
	}

	req.StudentID = strings.TrimSpace(req.StudentID)
	req.Name = trimmed(req.Name)
	req.Email = trimmed(req.Email)
	req.Phone = trimmed(req.Phone)
	req.ClassName = trimmed(req.ClassName)
	if err := s.check(req); err != nil {
		return domain.Student{}, err
	}
	if req.Name != nil && *req.Name == "" {
		return domain.Student{}, domain.ErrInvalidName
	}
	if req.TotalFees != nil && !validTotal(*req.TotalFees) {
		return domain.Student{}, domain.ErrInvalidTotalFees
	}

	patch := domain.Patch{
		Name:      req.Name,
		Email:     req.Email,
		Phone:     req.Phone,
		ClassName: req.ClassName,
		TotalFees: req.TotalFees,
		UpdatedAt: s.clock.Now(),
	}
	if req.Metadata != nil {
		patch.Metadata = datatypes.JSONMap(req.Metadata)
	}
	if len(patch.Fields()) == 0 {
		return s.Get(ctx, req.StudentID)
	}

	if patch.TotalFees == nil {
		updated, err := s.apply(ctx, orgID, req.StudentID, patch)
		if err != nil {
			return domain.Student{}, err
		}
		return *updated, nil
	}

	ctx, unlock, err := s.locker.Lock(ctx, locker.StudentKey(orgID.String(), req.StudentID))
	if err != nil {
		return domain.Student{}, err
	}
	defer unlock()

	if _, err := s.find(ctx, orgID, req.StudentID); err != nil {
		return domain.Student{}, err
	}
	paid, err := s.paidSum(ctx, orgID, req.StudentID)
	if err != nil {
		return domain.Student{}, err
	}
	if patch.TotalFees.LessThan(paid) {
		return domain.Student{}, domain.ErrTotalBelowPaid
	}
	// The new total lands together with its aggregate; Reconcile below only confirms it.
	aggregate := domain.Derive(*patch.TotalFees, paid)
	patch.Aggregate = &aggregate

	updated, err := s.apply(ctx, orgID, req.StudentID, patch)
	if err != nil {
		return domain.Student{}, err
	}

	reconciled, err := s.reconciler.Reconcile(ctx, req.StudentID)
	if err != nil {
		logger.WithContext(ctx, s.log).Warn("student.reconcile_failed",
			zap.String("student_id", req.StudentID),
			zap.Error(err),
		)
		return *updated, fmt.Errorf("%w: %w", paymentdomain.ErrNotReconciled, err)
	}
	return reconciled, nil
}

func (s *Service) Delete(ctx context.Context, studentID string) error {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return domain.ErrInvalidOrganization
	}
	studentID = strings.TrimSpace(studentID)
	if studentID == "" {
		return domain.ErrInvalidStudentID
	}

	ctx, unlock, err := s.locker.Lock(ctx, locker.StudentKey(orgID.String(), studentID))
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := s.find(ctx, orgID, studentID); err != nil {
		return err
	}

	timeout := s.timeout()
	payments, err := db.Within(ctx, timeout, "payments.list_by_student", func(ctx context.Context) ([]*paymentdomain.Payment, error) {
		return s.payments.ListByStudent(ctx, orgID, studentID)
	})
	if err != nil {
		return err
	}

	log := logger.WithContext(ctx, s.log).With(zap.String("student_id", studentID))
	for _, payment := range payments {
		id := payment.ID
		if _, err := db.Within(ctx, timeout, "payments.delete", func(ctx context.Context) (bool, error) {
			return s.payments.Delete(ctx, orgID, id)
		}); err != nil {
			log.Warn("student.cascade_failed", zap.String("payment_id", id.String()), zap.Error(err))
			return err
		}
		s.publisher.Publish(ctx, events.New(events.PaymentDeleted, orgID.String(), studentID, s.clock.Now(), *payment).
			WithPayment(id.String()))
	}

	deleted, err := db.Within(ctx, timeout, "students.delete", func(ctx context.Context) (bool, error) {
		return s.repo.Delete(ctx, orgID, studentID)
	})
	if err != nil {
		return err
	}
	if !deleted {
		return domain.ErrNotFound
	}

	log.Info("student.deleted", zap.Int("payments_deleted", len(payments)))
	return nil
}

func (s *Service) apply(ctx context.Context, orgID snowflake.ID, studentID string, patch domain.Patch) (*domain.Student, error) {
	updated, err := db.Within(ctx, s.timeout(), "students.update", func(ctx context.Context) (*domain.Student, error) {
		return s.repo.Update(ctx, orgID, studentID, patch)
	})
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, domain.ErrNotFound
	}
	s.publisher.Publish(ctx, events.New(events.StudentUpdated, orgID.String(), studentID, patch.UpdatedAt, *updated))
	return updated, nil
}

func (s *Service) find(ctx context.Context, orgID snowflake.ID, studentID string) (*domain.Student, error) {
	student, err := db.Within(ctx, s.timeout(), "students.get", func(ctx context.Context) (*domain.Student, error) {
		return s.repo.FindByStudentID(ctx, orgID, studentID)
	})
	if err != nil {
		return nil, err
	}
	if student == nil {
		return nil, domain.ErrNotFound
	}
	return student, nil
}

func (s *Service) paidSum(ctx context.Context, orgID snowflake.ID, studentID string) (decimal.Decimal, error) {
	payments, err := db.Within(ctx, s.timeout(), "payments.list_by_student", func(ctx context.Context) ([]*paymentdomain.Payment, error) {
		return s.payments.ListByStudent(ctx, orgID, studentID)
	})
	if err != nil {
		return decimal.Zero, err
	}
	return paymentdomain.Sum(payments).Paid, nil
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

func validTotal(v decimal.Decimal) bool {
	return !v.IsNegative() && v.Equal(v.Round(2))
}

func trimmed(v *string) *string {
	if v == nil {
		return nil
	}
	out := strings.TrimSpace(*v)
	return &out
}
