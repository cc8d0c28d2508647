package model

import "time"

// User はウォッチリストを所有するユーザーを表す。
// 認証情報は外部の認証基盤が管理し、ここでは安定したIDのみを扱う。
type User struct {
	ID        string
	Email     string
	Username  string
	CreatedAt time.Time
}
