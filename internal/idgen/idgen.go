// Package idgen はエンティティIDの生成戦略を提供する。
// 本番ではUUIDv4、テストでは決定的な連番を注入する。
package idgen

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator は新しいIDを払い出す。
type Generator interface {
	NewID() string
}

// UUID はランダムなUUIDv4を払い出すGenerator。
type UUID struct{}

// NewID はUUIDv4文字列を返す。
func (UUID) NewID() string {
	return uuid.New().String()
}

// Sequence はprefixと連番からなる決定的なIDを払い出すGenerator。
// 並行呼び出しに対して安全。
type Sequence struct {
	prefix string
	n      atomic.Int64
}

// NewSequence はSequenceを生成する。
func NewSequence(prefix string) *Sequence {
	return &Sequence{prefix: prefix}
}

// NewID は "<prefix>-0001" 形式のIDを返す。
func (s *Sequence) NewID() string {
	return fmt.Sprintf("%s-%04d", s.prefix, s.n.Add(1))
}
