// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer はスクレイパーから受け取った商品名・販売者名からマークアップを除去し、
// 表示用のプレーンテキストに正規化する。
// SSRFGuardService は通知Webhookの送信先を検証し、内部ネットワークへの送信を防止する。
package security

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/unicode/norm"
)

// maxTextRunes は正規化後のテキストの最大文字数。
const maxTextRunes = 512

// TextSanitizer はスクレイプされたテキストの正規化機能のインターフェース。
type TextSanitizer interface {
	// Normalize はタグを除去し、HTMLエンティティを展開したうえで
	// NFKC正規化と空白の畳み込みを行う。空文字列の入力には空文字列を返す。
	Normalize(raw string) string
}

// textSanitizer はTextSanitizerの実装。
// bluemondayのStrictPolicyはすべての要素を除去し、テキストのみを残す。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerの新しいインスタンスを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// Normalize はスクレイプされたテキストをプレーンテキストに正規化する。
func (s *textSanitizer) Normalize(raw string) string {
	if raw == "" {
		return ""
	}

	// StrictPolicyはテキスト中の記号をエスケープするため、除去後に展開する
	text := html.UnescapeString(s.policy.Sanitize(raw))
	text = norm.NFKC.String(text)
	text = strings.Join(strings.FieldsFunc(text, unicode.IsSpace), " ")

	if r := []rune(text); len(r) > maxTextRunes {
		text = string(r[:maxTextRunes])
	}
	return text
}
