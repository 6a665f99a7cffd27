package migration

import (
	"strings"

	"github.com/smallbiznis/feeledger/internal/config"
	paymentdomain "github.com/smallbiznis/feeledger/internal/payment/domain"
	studentdomain "github.com/smallbiznis/feeledger/internal/student/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		if !strings.EqualFold(strings.TrimSpace(cfg.DBType), "postgres") {
			// golang-migrate carries postgres SQL only; other dialects get the gorm schema.
			log.Info("auto-migrating ledger schema", zap.String("db_type", cfg.DBType))
			return conn.AutoMigrate(&studentdomain.Student{}, &paymentdomain.Payment{})
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
