package extractor

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Selector はレシピ内のセレクタ1件。
// "css@attr" 形式の場合は要素のテキストではなく属性値を取り出す。
type Selector struct {
	CSS  string
	Attr string
}

// ParseSelector は "div.price" や "img.main@src" 形式のセレクタを解釈する。
func ParseSelector(raw string) Selector {
	raw = strings.TrimSpace(raw)
	if i := strings.LastIndex(raw, "@"); i > 0 && !strings.ContainsAny(raw[i:], "]) ") {
		return Selector{CSS: strings.TrimSpace(raw[:i]), Attr: raw[i+1:]}
	}
	return Selector{CSS: raw}
}

// String はセレクタを元の表記に戻す。
func (s Selector) String() string {
	if s.Attr != "" {
		return s.CSS + "@" + s.Attr
	}
	return s.CSS
}

// Lookup は最初に一致した要素の値を返す。
// 属性の指定がなく要素がmetaタグの場合はcontent属性を使用する。
func (s Selector) Lookup(doc *goquery.Document) (string, bool) {
	if s.CSS == "" {
		return "", false
	}
	sel := doc.Find(s.CSS).First()
	if sel.Length() == 0 {
		return "", false
	}

	var v string
	switch {
	case s.Attr != "":
		v, _ = sel.Attr(s.Attr)
	case goquery.NodeName(sel) == "meta":
		v, _ = sel.Attr("content")
	default:
		v = sel.Text()
	}
	v = strings.Join(strings.Fields(v), " ")
	return v, v != ""
}

// Exists はセレクタに一致する要素があるかを返す。
func (s Selector) Exists(doc *goquery.Document) bool {
	return s.CSS != "" && doc.Find(s.CSS).Length() > 0
}

// firstMatch は優先順のセレクタ候補を順に試し、最初に値が得られたものを返す。
func firstMatch(doc *goquery.Document, candidates []string) (string, bool) {
	for _, raw := range candidates {
		if v, ok := ParseSelector(raw).Lookup(doc); ok {
			return v, true
		}
	}
	return "", false
}
