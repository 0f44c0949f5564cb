package lock

import (
	"context"
	"strconv"
	"sync"
)

// slot はアリーナ内の1エントリ。
type slot struct {
	key   string
	value string
	// released は保持者が解放したときにcloseされる。
	released chan struct{}
}

// MemoryTable はプロセス内のロックテーブル。
// エントリはアリーナ（slots）に格納し、キーからスロット番号への索引で引く。
// 解放されたスロットはfreeリストで再利用する。
type MemoryTable struct {
	mu    sync.Mutex
	slots []slot
	index map[string]int
	free  []int
	gen   uint64
}

// NewMemoryTable はMemoryTableを生成する。
func NewMemoryTable() *MemoryTable {
	return &MemoryTable{index: make(map[string]int)}
}

// TryAcquire は待たずにロックを取得する。
func (t *MemoryTable) TryAcquire(ctx context.Context, key string) (Token, error) {
	if err := ctx.Err(); err != nil {
		return Token{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	token, _, ok := t.tryLocked(key)
	if !ok {
		return Token{}, ErrBusy
	}
	return token, nil
}

// Acquire はロックが解放されるまで待機して取得する。
func (t *MemoryTable) Acquire(ctx context.Context, key string) (Token, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Token{}, err
		}

		t.mu.Lock()
		token, wait, ok := t.tryLocked(key)
		t.mu.Unlock()
		if ok {
			return token, nil
		}

		select {
		case <-ctx.Done():
			return Token{}, ctx.Err()
		case <-wait:
		}
	}
}

// tryLocked はt.muを保持した状態で呼び出す。
// 取得できない場合は現在の保持者の解放通知チャネルを返す。
func (t *MemoryTable) tryLocked(key string) (Token, <-chan struct{}, bool) {
	if i, held := t.index[key]; held {
		return Token{}, t.slots[i].released, false
	}

	t.gen++
	s := slot{
		key:      key,
		value:    strconv.FormatUint(t.gen, 10),
		released: make(chan struct{}),
	}

	var i int
	if n := len(t.free); n > 0 {
		i = t.free[n-1]
		t.free = t.free[:n-1]
		t.slots[i] = s
	} else {
		i = len(t.slots)
		t.slots = append(t.slots, s)
	}
	t.index[key] = i
	return Token{Key: key, Value: s.value}, nil, true
}

// Release はロックを解放し、待機中の取得者に通知する。
func (t *MemoryTable) Release(_ context.Context, token Token) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	i, held := t.index[token.Key]
	if !held || t.slots[i].value != token.Value {
		return ErrNotHeld
	}

	close(t.slots[i].released)
	t.slots[i] = slot{}
	delete(t.index, token.Key)
	t.free = append(t.free, i)
	return nil
}

// Held は現在保持されているキーの数を返す。
func (t *MemoryTable) Held() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.index)
}

var _ Table = (*MemoryTable)(nil)
