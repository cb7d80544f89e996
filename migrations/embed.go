// Package migrations はMySQL用のスキーマ定義を埋め込む。
package migrations

import "embed"

// FS はバージョン順に適用するSQLファイル。
//
//go:embed *.sql
var FS embed.FS
