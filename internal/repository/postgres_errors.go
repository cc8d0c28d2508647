package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/lib/pq"

	"github.com/hitoshi/pricetrak/internal/model"
)

// unavailablePQCodes は接続不能とみなすPostgreSQLのエラーコード（クラス08以外）。
var unavailablePQCodes = map[pq.ErrorCode]bool{
	"53300": true, // too_many_connections
	"57P01": true, // admin_shutdown
	"57P02": true, // crash_shutdown
	"57P03": true, // cannot_connect_now
}

// IsUnavailable はエラーが永続化層への到達不能（再試行で回復しうる障害）を表すかを返す。
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, model.ErrStoreUnavailable) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Class() == "08" || unavailablePQCodes[pqErr.Code]
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// wrapStoreError はエラーにメッセージを付与してラップする。
// 到達不能なエラーの場合はmodel.ErrStoreUnavailableとしても判定できるようにする。
func wrapStoreError(msg string, err error) error {
	if IsUnavailable(err) && !errors.Is(err, model.ErrStoreUnavailable) {
		return fmt.Errorf("%s: %w: %w", msg, model.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
