package extractor

import (
	"errors"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrNoPrice は文字列から価格を読み取れなかった場合に返される。
var ErrNoPrice = errors.New("no price found")

// priceNumber は価格らしき最初の数値（桁区切りと小数点を含む）に一致する。
var priceNumber = regexp.MustCompile(`\d[\d.,]*\d|\d`)

// ParsePrice は "$1,079.00" や "19,99 €" のような表記から価格を取り出す。
// 小数点と桁区切りが両方ある場合は後に現れる方を小数点とみなす。
// 片方のみで直後が3桁の場合は桁区切りとみなす。
func ParsePrice(text string) (decimal.Decimal, error) {
	raw := priceNumber.FindString(text)
	if raw == "" {
		return decimal.Decimal{}, ErrNoPrice
	}
	d, err := decimal.NewFromString(canonicalNumber(raw))
	if err != nil {
		return decimal.Decimal{}, ErrNoPrice
	}
	if i := strings.Index(text, raw); i > 0 && text[i-1] == '-' {
		d = d.Neg()
	}
	return d, nil
}

func canonicalNumber(raw string) string {
	lastDot := strings.LastIndex(raw, ".")
	lastComma := strings.LastIndex(raw, ",")

	var decimalSep byte
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastDot > lastComma {
			decimalSep = '.'
		} else {
			decimalSep = ','
		}
	case lastDot >= 0:
		decimalSep = pickSeparator(raw, '.', lastDot)
	case lastComma >= 0:
		decimalSep = pickSeparator(raw, ',', lastComma)
	}

	var b strings.Builder
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case c >= '0' && c <= '9':
			b.WriteByte(c)
		case c == decimalSep && i == strings.LastIndexByte(raw, c):
			b.WriteByte('.')
		}
	}
	return b.String()
}

// pickSeparator は区切り文字が1種類のみの場合に小数点かどうかを判定する。
// 小数点でなければ0を返す。
func pickSeparator(raw string, sep byte, last int) byte {
	if strings.Count(raw, string(sep)) > 1 {
		return 0
	}
	if len(raw)-last-1 == 3 {
		return 0
	}
	return sep
}

// currencySymbols は通貨記号とISOコードの対応。
var currencySymbols = []struct {
	symbol string
	code   string
}{
	{"US$", "USD"},
	{"C$", "CAD"},
	{"A$", "AUD"},
	{"€", "EUR"},
	{"£", "GBP"},
	{"¥", "JPY"},
	{"￥", "JPY"},
	{"円", "JPY"},
	{"₹", "INR"},
	{"₩", "KRW"},
	{"$", "USD"},
}

var isoCode = regexp.MustCompile(`\b(USD|EUR|GBP|JPY|CAD|AUD|CHF|CNY|INR|KRW|SEK|NOK|DKK|PLN|BRL|MXN|AED|SGD|HKD|NZD)\b`)

// DetectCurrency は価格表記から通貨コードを推定する。判定できない場合は空文字列。
func DetectCurrency(text string) string {
	if code := isoCode.FindString(strings.ToUpper(text)); code != "" {
		return code
	}
	for _, cs := range currencySymbols {
		if strings.Contains(text, cs.symbol) {
			return cs.code
		}
	}
	return ""
}
