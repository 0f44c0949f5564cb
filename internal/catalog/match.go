package catalog

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/hitoshi/pricewatch/internal/model"
)

// DefaultMatchThreshold は同一商品とみなす名前類似度の下限。
const DefaultMatchThreshold = 0.8

// fold はNFKD分解後に結合文字を除去し、小文字化する。
func fold(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.ToLower(folded)
}

// NameTokens は商品名を正規化し、重複を除いたソート済みトークンを返す。
// 英数字以外を区切りとして扱う。
func NameTokens(name string) []string {
	fields := strings.FieldsFunc(fold(name), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(fields))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		tokens = append(tokens, f)
	}
	sort.Strings(tokens)
	return tokens
}

// NormalizeCategory はカテゴリ名を比較用に正規化する。
func NormalizeCategory(category string) string {
	return strings.Join(strings.Fields(fold(category)), " ")
}

// Similarity はソート済みトークン集合のJaccard係数を返す。
func Similarity(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			inter++
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// CategoriesCompatible はどちらかが未分類、または正規化後に一致する場合にtrueを返す。
func CategoriesCompatible(a, b string) bool {
	na, nb := NormalizeCategory(a), NormalizeCategory(b)
	return na == "" || nb == "" || na == nb
}

// BestMatch は候補から最も類似した商品を選ぶ。閾値未満の場合はnil。
// 同点は作成日時の古い順、次にIDの小さい順。
func BestMatch(candidates []*model.Product, tokens []string, category string, threshold float64) *model.Product {
	var best *model.Product
	bestScore := 0.0
	for _, c := range candidates {
		if !CategoriesCompatible(c.Category, category) {
			continue
		}
		candidateTokens := c.NameTokens
		if len(candidateTokens) == 0 {
			candidateTokens = NameTokens(c.Name)
		}
		score := Similarity(tokens, candidateTokens)
		if score < threshold {
			continue
		}
		if best == nil || score > bestScore ||
			(score == bestScore && c.CreatedAt.Before(best.CreatedAt)) ||
			(score == bestScore && c.CreatedAt.Equal(best.CreatedAt) && c.ID < best.ID) {
			best, bestScore = c, score
		}
	}
	return best
}
