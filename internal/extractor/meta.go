package extractor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// pageMeta はセレクタ未設定時に使うページ埋め込みのメタデータ。
// JSON-LDのProductが最優先で、次にOpenGraph/productメタタグを使う。
type pageMeta struct {
	Title         string
	Name          string
	Description   string
	Image         string
	URL           string
	Price         string
	Currency      string
	OriginalPrice string
	Availability  string
	SKU           string
	Category      string
}

// readMeta はHTMLトークナイザでhead内のメタ情報とJSON-LDを読み取る。
func readMeta(body []byte) pageMeta {
	var og, ld pageMeta
	z := html.NewTokenizer(bytes.NewReader(body))
	inTitle, inLD := false, false

	for {
		switch z.Next() {
		case html.ErrorToken:
			return merge(ld, og)

		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			attrs := map[string]string{}
			for hasAttr {
				var k, v []byte
				k, v, hasAttr = z.TagAttr()
				attrs[string(k)] = string(v)
			}
			switch atom.Lookup(name) {
			case atom.Meta:
				applyMetaTag(&og, attrs)
			case atom.Link:
				if strings.EqualFold(attrs["rel"], "canonical") && og.URL == "" {
					og.URL = attrs["href"]
				}
			case atom.Title:
				inTitle = true
			case atom.Script:
				inLD = strings.EqualFold(strings.TrimSpace(attrs["type"]), "application/ld+json")
			}

		case html.EndTagToken:
			inTitle, inLD = false, false

		case html.TextToken:
			text := z.Text()
			if inTitle && og.Title == "" {
				og.Title = strings.TrimSpace(string(text))
			}
			if inLD && ld.Name == "" {
				if product := findProductNode(text); product != nil {
					ld = fromJSONLD(product)
				}
			}
		}
	}
}

func applyMetaTag(m *pageMeta, attrs map[string]string) {
	key := strings.ToLower(attrs["property"])
	if key == "" {
		key = strings.ToLower(attrs["name"])
	}
	if key == "" {
		key = strings.ToLower(attrs["itemprop"])
	}
	content := strings.TrimSpace(attrs["content"])
	if content == "" {
		return
	}

	set := func(dst *string) {
		if *dst == "" {
			*dst = content
		}
	}
	switch key {
	case "og:title":
		set(&m.Name)
	case "og:description", "description":
		set(&m.Description)
	case "og:image":
		set(&m.Image)
	case "og:url":
		set(&m.URL)
	case "product:price:amount", "og:price:amount", "price":
		set(&m.Price)
	case "product:price:currency", "og:price:currency", "pricecurrency":
		set(&m.Currency)
	case "product:original_price:amount":
		set(&m.OriginalPrice)
	case "product:availability", "og:availability", "availability":
		set(&m.Availability)
	case "product:retailer_item_id", "sku":
		set(&m.SKU)
	case "product:category":
		set(&m.Category)
	}
}

// merge は優先側で空のフィールドを補完側の値で埋める。
func merge(primary, fallback pageMeta) pageMeta {
	fill := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	fill(&primary.Title, fallback.Title)
	fill(&primary.Name, fallback.Name)
	fill(&primary.Description, fallback.Description)
	fill(&primary.Image, fallback.Image)
	fill(&primary.URL, fallback.URL)
	fill(&primary.Price, fallback.Price)
	fill(&primary.Currency, fallback.Currency)
	fill(&primary.OriginalPrice, fallback.OriginalPrice)
	fill(&primary.Availability, fallback.Availability)
	fill(&primary.SKU, fallback.SKU)
	fill(&primary.Category, fallback.Category)
	if primary.Name == "" {
		primary.Name = primary.Title
	}
	return primary
}

// findProductNode はJSON-LD文書から@typeがProductのノードを探す。
// 配列と@graphを辿る。
func findProductNode(raw []byte) map[string]any {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	return walkLD(doc)
}

func walkLD(v any) map[string]any {
	switch node := v.(type) {
	case []any:
		for _, item := range node {
			if found := walkLD(item); found != nil {
				return found
			}
		}
	case map[string]any:
		if hasType(node["@type"], "Product") {
			return node
		}
		if graph, ok := node["@graph"]; ok {
			return walkLD(graph)
		}
	}
	return nil
}

func hasType(v any, want string) bool {
	switch t := v.(type) {
	case string:
		return strings.EqualFold(t, want)
	case []any:
		for _, item := range t {
			if hasType(item, want) {
				return true
			}
		}
	}
	return false
}

func fromJSONLD(node map[string]any) pageMeta {
	m := pageMeta{
		Name:        ldString(node["name"]),
		Description: ldString(node["description"]),
		Image:       ldString(node["image"]),
		URL:         ldString(node["url"]),
		SKU:         ldString(node["sku"]),
		Category:    ldString(node["category"]),
	}
	if m.SKU == "" {
		m.SKU = ldString(node["productID"])
	}

	offer := firstOffer(node["offers"])
	if offer != nil {
		m.Price = ldString(offer["price"])
		if m.Price == "" {
			m.Price = ldString(offer["lowPrice"])
		}
		m.Currency = ldString(offer["priceCurrency"])
		m.Availability = ldString(offer["availability"])
		if spec, ok := offer["priceSpecification"].(map[string]any); ok {
			if m.Price == "" {
				m.Price = ldString(spec["price"])
			}
			if m.Currency == "" {
				m.Currency = ldString(spec["priceCurrency"])
			}
		}
		if m.URL == "" {
			m.URL = ldString(offer["url"])
		}
	}
	return m
}

func firstOffer(v any) map[string]any {
	switch o := v.(type) {
	case map[string]any:
		return o
	case []any:
		for _, item := range o {
			if m, ok := item.(map[string]any); ok {
				return m
			}
		}
	}
	return nil
}

// ldString は文字列・数値・配列・{"url"|"name"|"@id"}オブジェクトを文字列に変換する。
func ldString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return fmt.Sprintf("%.2f", t)
	case json.Number:
		return t.String()
	case []any:
		if len(t) > 0 {
			return ldString(t[0])
		}
	case map[string]any:
		for _, key := range []string{"url", "name", "@id"} {
			if s := ldString(t[key]); s != "" {
				return s
			}
		}
	}
	return ""
}

// availabilityInStock はschema.orgの在庫表記を真偽値に変換する。
// 判定できない場合はokがfalse。
func availabilityInStock(v string) (inStock bool, ok bool) {
	s := strings.ToLower(v)
	switch {
	case s == "":
		return false, false
	case strings.Contains(s, "outofstock"), strings.Contains(s, "out of stock"),
		strings.Contains(s, "soldout"), strings.Contains(s, "discontinued"):
		return false, true
	case strings.Contains(s, "instock"), strings.Contains(s, "in stock"),
		strings.Contains(s, "limitedavailability"), strings.Contains(s, "preorder"):
		return true, true
	}
	return false, false
}
