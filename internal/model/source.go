package model

import "time"

// SourceType はソースの種別を表す。
type SourceType string

const (
	SourceTypeEcommerce   SourceType = "ecommerce"
	SourceTypeMarketplace SourceType = "marketplace"
	SourceTypeClassified  SourceType = "classified"
	SourceTypeCustom      SourceType = "custom"
)

// Valid は定義済みのソース種別かどうかを返す。
func (t SourceType) Valid() bool {
	switch t {
	case SourceTypeEcommerce, SourceTypeMarketplace, SourceTypeClassified, SourceTypeCustom:
		return true
	default:
		return false
	}
}

// ScriptType は抽出レシピの実行方式を表す。
type ScriptType string

const (
	ScriptTypePlaywright ScriptType = "playwright"
	ScriptTypeCrawl4AI   ScriptType = "crawl4ai"
	ScriptTypeSelectors  ScriptType = "selectors"
)

// ActionType はページ操作の種別を表す。
type ActionType string

const (
	ActionClick  ActionType = "click"
	ActionInput  ActionType = "type"
	ActionScroll ActionType = "scroll"
	ActionWait   ActionType = "wait"
)

// セレクタマップのフィールド名
const (
	FieldName          = "name"
	FieldPrice         = "price"
	FieldCurrency      = "currency"
	FieldOriginalPrice = "originalPrice"
	FieldInStock       = "inStock"
	FieldImage         = "image"
	FieldDescription   = "description"
	FieldCategory      = "category"
	FieldExternalID    = "externalId"
)

// Action は抽出前に実行するページ操作。
// Delayはミリ秒単位。
type Action struct {
	Type     ActionType `json:"type"`
	Selector string     `json:"selector,omitempty"`
	Value    string     `json:"value,omitempty"`
	Delay    int        `json:"delay,omitempty"`
}

// ScrapeConfig はソースごとの抽出レシピと健全性カウンタを保持する。
// Selectorsはフィールド名ごとに優先順のセレクタ候補を持つ。
type ScrapeConfig struct {
	ScriptType    ScriptType          `json:"scriptType"`
	Script        string              `json:"script,omitempty"`
	Selectors     map[string][]string `json:"selectors,omitempty"`
	WaitFor       string              `json:"waitFor,omitempty"`
	Actions       []Action            `json:"actions,omitempty"`
	LastGenerated *time.Time          `json:"lastGenerated,omitempty"`

	SuccessRate         float64 `json:"successRate"`
	FailureCount        int     `json:"failureCount"`
	StructuralFailures  int     `json:"structuralFailures"`
	RediscoveryFailures int     `json:"rediscoveryFailures"`
}

// HasSelectors はフィールドにセレクタが設定されているかを返す。
func (c ScrapeConfig) HasSelectors(field string) bool {
	return len(c.Selectors[field]) > 0
}

// Source は価格を取得する対象ページ（スクレイピングソース）を表す。
// 削除せずIsActive=falseで無効化することで価格履歴の帰属を保つ。
type Source struct {
	ID               string
	URL              string
	Domain           string
	SourceType       SourceType
	ScrapeConfig     ScrapeConfig
	IsActive         bool
	NeedsRediscovery bool
	LastScrapedAt    *time.Time
	CreatedAt        time.Time
}
