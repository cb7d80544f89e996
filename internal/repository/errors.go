package repository

import (
	"errors"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"content-protection-service/internal/domain"
)

const (
	mysqlDeadlock        = 1213
	mysqlLockWaitTimeout = 1205

	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// translateError は鍵状態の更新競合を ErrConcurrentModification に変換する。
// 一意制約違反は gorm.Config.TranslateError により gorm.ErrDuplicatedKey として届く。
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return domain.ErrConcurrentModification
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && (myErr.Number == mysqlDeadlock || myErr.Number == mysqlLockWaitTimeout) {
		return domain.ErrConcurrentModification
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected) {
		return domain.ErrConcurrentModification
	}
	return err
}
