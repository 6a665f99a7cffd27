// Package ledgertest wires an in-memory ledger store for package tests.
package ledgertest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/feeledger/internal/config"
	"github.com/smallbiznis/feeledger/internal/events"
	paymentdomain "github.com/smallbiznis/feeledger/internal/payment/domain"
	studentdomain "github.com/smallbiznis/feeledger/internal/student/domain"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// NewDB opens a private in-memory database with the ledger tables.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	_ = db.Exec("PRAGMA busy_timeout = 5000").Error

	if err := db.AutoMigrate(&studentdomain.Student{}, &paymentdomain.Payment{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func NewNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}

// LedgerConfig returns defaults with short lock waits so contention tests finish quickly.
func LedgerConfig() *config.LedgerConfigHolder {
	cfg := config.DefaultLedgerConfig()
	cfg.LockWait = time.Second
	return config.NewStaticLedgerConfigHolder(cfg)
}

func Amount(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

// SeedStudent inserts a student with a consistent empty aggregate.
func SeedStudent(t *testing.T, db *gorm.DB, node *snowflake.Node, orgID snowflake.ID, studentID, totalFees string, now time.Time) *studentdomain.Student {
	t.Helper()
	total := Amount(totalFees)
	agg := studentdomain.Derive(total, decimal.Zero)
	student := &studentdomain.Student{
		ID:        node.Generate(),
		OrgID:     orgID,
		StudentID: studentID,
		Name:      "Student " + studentID,
		TotalFees: total,
		FeesPaid:  agg.FeesPaid,
		FeesDue:   agg.FeesDue,
		Status:    agg.Status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := db.Create(student).Error; err != nil {
		t.Fatalf("seed student: %v", err)
	}
	return student
}

// SeedPayment inserts a payment row directly, bypassing reconciliation.
func SeedPayment(t *testing.T, db *gorm.DB, node *snowflake.Node, orgID snowflake.ID, studentID, amount string, status paymentdomain.Status, dueDate, createdAt time.Time) *paymentdomain.Payment {
	t.Helper()
	payment := &paymentdomain.Payment{
		ID:        node.Generate(),
		OrgID:     orgID,
		StudentID: studentID,
		Amount:    Amount(amount),
		Status:    status,
		DueDate:   paymentdomain.DateOnly(dueDate),
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	if status == paymentdomain.StatusPaid {
		paid := createdAt
		payment.PaidDate = &paid
		payment.Method = paymentdomain.MethodCash
	}
	if err := db.Create(payment).Error; err != nil {
		t.Fatalf("seed payment: %v", err)
	}
	return payment
}

// Recorder captures published events in order.
type Recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *Recorder) Publish(_ context.Context, event events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *Recorder) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

func (r *Recorder) Types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]events.Type, 0, len(r.events))
	for _, ev := range r.events {
		types = append(types, ev.Type)
	}
	return types
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

var _ events.Publisher = (*Recorder)(nil)
