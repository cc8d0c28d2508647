package security

import (
	"strings"
	"testing"
	"unicode/utf8"
)

// TestNormalize はスクレイプされたテキストの正規化を検証する。
func TestNormalize(t *testing.T) {
	sanitizer := NewTextSanitizer()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "空文字列",
			input: "",
			want:  "",
		},
		{
			name:  "前後の空白を除去",
			input: "  Desk Lamp \n",
			want:  "Desk Lamp",
		},
		{
			name:  "タグを除去してテキストのみ残す",
			input: `<span class="a-size-large">Desk <b>Lamp</b></span>`,
			want:  "Desk Lamp",
		},
		{
			name:  "scriptタグは中身ごと除去",
			input: `Lamp<script>alert("x")</script>`,
			want:  "Lamp",
		},
		{
			name:  "HTMLエンティティを展開",
			input: "Tom &amp; Jerry&#39;s Mug",
			want:  "Tom & Jerry's Mug",
		},
		{
			name:  "連続する空白・改行・タブを1つの空白に畳み込む",
			input: "USB-C\t\tCable\n\n 2m",
			want:  "USB-C Cable 2m",
		},
		{
			name:  "全角英数字をNFKC正規化",
			input: "ＡＢＣ　１２３",
			want:  "ABC 123",
		},
		{
			name:  "日本語はそのまま",
			input: "<div>卓上ライト（白）</div>",
			want:  "卓上ライト(白)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizer.Normalize(tt.input)
			if got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

// TestNormalize_Truncates は長すぎるテキストが切り詰められることを検証する。
func TestNormalize_Truncates(t *testing.T) {
	sanitizer := NewTextSanitizer()

	got := sanitizer.Normalize(strings.Repeat("あ", maxTextRunes+100))
	if n := utf8.RuneCountInString(got); n != maxTextRunes {
		t.Errorf("文字数 = %d, want %d", n, maxTextRunes)
	}
}

// TestNormalize_Idempotent は正規化が冪等であることを検証する。
func TestNormalize_Idempotent(t *testing.T) {
	sanitizer := NewTextSanitizer()
	input := "<p>Ｐｒｏ  Mouse &amp; Pad</p>"

	first := sanitizer.Normalize(input)
	second := sanitizer.Normalize(first)
	if first != second {
		t.Errorf("1回目 = %q, 2回目 = %q, 同一であるべき", first, second)
	}
}

// TestTextSanitizer_ImplementsInterface はインターフェースの実装を検証する。
func TestTextSanitizer_ImplementsInterface(t *testing.T) {
	var _ TextSanitizer = NewTextSanitizer()
}
