package registry

import (
	"time"

	"github.com/hitoshi/pricewatch/internal/model"
)

// Policy はソース健全性の遷移規則。
// ストレージに依存しない純粋関数として適用する。
type Policy struct {
	// Weight は成功率の指数移動平均の重み。
	Weight float64
	// RediscoveryThreshold を下回ると再探索フラグを立てる。
	RediscoveryThreshold float64
	// StructuralLimit は連続した構造的失敗の許容回数。
	StructuralLimit int
	// NeutralPrior は新規・再生成レシピの初期成功率。
	NeutralPrior float64
	// MaxConsecutiveFailures に達するとソースを無効化する。
	MaxConsecutiveFailures int
	// MaxRediscoveryFailures に達するとソースを無効化する。
	MaxRediscoveryFailures int
}

// DefaultPolicy は既定の健全性ポリシーを返す。
func DefaultPolicy() Policy {
	return Policy{
		Weight:                 0.2,
		RediscoveryThreshold:   0.35,
		StructuralLimit:        3,
		NeutralPrior:           0.7,
		MaxConsecutiveFailures: 10,
		MaxRediscoveryFailures: 3,
	}
}

// Outcome は1回の抽出結果。
type Outcome struct {
	Success     bool
	FailureType model.FailureType
	At          time.Time
}

// Transition はApplyによるフラグ変化を表す。
type Transition struct {
	FlaggedRediscovery bool
	Deactivated        bool
}

// Apply は抽出結果をソースの健全性フィールドに反映する。
func (p Policy) Apply(src *model.Source, o Outcome) Transition {
	cfg := &src.ScrapeConfig
	before := *src

	if o.Success {
		at := o.At
		src.LastScrapedAt = &at
		cfg.SuccessRate += p.Weight * (1 - cfg.SuccessRate)
		if src.NeedsRediscovery && cfg.SuccessRate < p.NeutralPrior {
			cfg.SuccessRate = p.NeutralPrior
		}
		src.NeedsRediscovery = false
		cfg.FailureCount = 0
		cfg.StructuralFailures = 0
		cfg.RediscoveryFailures = 0
		return Transition{}
	}

	cfg.SuccessRate -= p.Weight * cfg.SuccessRate
	cfg.FailureCount++
	if o.FailureType.IsStructural() {
		cfg.StructuralFailures++
	}

	if cfg.SuccessRate < p.RediscoveryThreshold || cfg.StructuralFailures >= p.StructuralLimit {
		src.NeedsRediscovery = true
	}
	if cfg.FailureCount >= p.MaxConsecutiveFailures {
		src.IsActive = false
	}

	return Transition{
		FlaggedRediscovery: !before.NeedsRediscovery && src.NeedsRediscovery,
		Deactivated:        before.IsActive && !src.IsActive,
	}
}

// ApplyRediscoveryFailure はレシピ再生成の失敗を反映する。
func (p Policy) ApplyRediscoveryFailure(src *model.Source) Transition {
	wasActive := src.IsActive
	src.ScrapeConfig.RediscoveryFailures++
	src.NeedsRediscovery = true
	if src.ScrapeConfig.RediscoveryFailures >= p.MaxRediscoveryFailures {
		src.IsActive = false
	}
	return Transition{Deactivated: wasActive && !src.IsActive}
}

// ApplyNewConfig は再生成したレシピでソースの抽出設定を置き換える。
// 健全性カウンタはリセットし、成功率は中立値に戻す。
func (p Policy) ApplyNewConfig(src *model.Source, cfg model.ScrapeConfig, now time.Time) {
	generated := now
	cfg.LastGenerated = &generated
	cfg.SuccessRate = p.NeutralPrior
	cfg.FailureCount = 0
	cfg.StructuralFailures = 0
	cfg.RediscoveryFailures = 0
	src.ScrapeConfig = cfg
	src.NeedsRediscovery = false
}
