// Package lock はソース単位の排他制御を行うロックテーブルを提供する。
// 抽出・価格追記・健全性記録の間、同一ソースに対する処理を1つに限定する。
package lock

import (
	"context"
	"errors"
)

var (
	// ErrBusy はキーが他の保持者にロックされている場合に返される。
	ErrBusy = errors.New("lock: key is busy")

	// ErrNotHeld は保持していないトークンを解放しようとした場合に返される。
	ErrNotHeld = errors.New("lock: token not held")
)

// Token はロック取得の証明。Releaseに渡す。
type Token struct {
	Key   string
	Value string
}

// Table はキー単位の排他ロックテーブル。
type Table interface {
	// TryAcquire は待たずにロックを取得する。保持中の場合はErrBusyを返す。
	TryAcquire(ctx context.Context, key string) (Token, error)

	// Acquire はロックが解放されるかctxが終了するまで待機して取得する。
	Acquire(ctx context.Context, key string) (Token, error)

	// Release はトークンが現在の保持者である場合にロックを解放する。
	Release(ctx context.Context, token Token) error
}

// SourceKey はソースURLに対応するロックキーを返す。
func SourceKey(url string) string {
	return "source:" + url
}

// CatalogKey は商品カタログの照合・作成を直列化するロックキー。
const CatalogKey = "catalog:match"
