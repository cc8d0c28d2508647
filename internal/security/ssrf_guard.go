package security

import (
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// SSRFGuardService はSSRF防止機能のインターフェースを定義する。
// 通知Webhookの設定検証時と送信時の両方で使用される。
type SSRFGuardService interface {
	// NewSafeClient は内部ネットワークへの接続を拒否するHTTPクライアントを生成する。
	// 接続先の検証はDNS解決後のIPアドレスに対して行われる。
	NewSafeClient(timeout time.Duration) *http.Client

	// ValidateURL は送信先URLをDNS解決なしで静的に検証する。
	ValidateURL(rawURL string) error
}

// ErrBlockedDestination は送信先が許可されていないことを表す。
var ErrBlockedDestination = errors.New("blocked destination")

// defaultAllowedPorts は送信先ポートの指定がない場合に許可するポート。
var defaultAllowedPorts = []int{80, 443}

var allowedSchemes = []string{"http", "https"}

// blockedPrefixes は送信を拒否するアドレス範囲。
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),     // RFC 1918
	netip.MustParsePrefix("172.16.0.0/12"),  // RFC 1918
	netip.MustParsePrefix("192.168.0.0/16"), // RFC 1918
	netip.MustParsePrefix("127.0.0.0/8"),    // ループバック
	netip.MustParsePrefix("169.254.0.0/16"), // リンクローカル（メタデータIPを含む）
	netip.MustParsePrefix("100.64.0.0/10"),  // CGNAT
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fc00::/7"),
}

// blockedHostSuffixes は内部向けとみなすホスト名。
var blockedHostSuffixes = []string{"localhost", ".local", ".internal"}

// ssrfGuard はSSRFGuardServiceの実装。
type ssrfGuard struct {
	allowedPorts []int
}

// NewSSRFGuard はSSRFGuardServiceの新しいインスタンスを生成する。
// allowedPortsを省略した場合は80と443のみ許可する。
func NewSSRFGuard(allowedPorts ...int) *ssrfGuard {
	if len(allowedPorts) == 0 {
		allowedPorts = defaultAllowedPorts
	}
	return &ssrfGuard{allowedPorts: allowedPorts}
}

// NewSafeClient はsafeurlでラップしたHTTPクライアントを生成する。
// safeurlはDialerのControlフックで接続直前のIPアドレスを検証するため、
// DNS再バインディングによる迂回も防止される。
func (g *ssrfGuard) NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(g.allowedPorts...).
		Build()

	return safeurl.Client(config).Client
}

// ValidateURL は送信先URLのスキーム、ポート、ホストを検証する。
func (g *ssrfGuard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("URLが空です: %w", ErrBlockedDestination)
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("URLの解析に失敗: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !slices.Contains(allowedSchemes, scheme) {
		return fmt.Errorf("許可されていないスキーム %q: %w", parsed.Scheme, ErrBlockedDestination)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("ホストが空です: %s: %w", rawURL, ErrBlockedDestination)
	}

	if err := g.validatePort(scheme, parsed.Port()); err != nil {
		return err
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap()
		for _, prefix := range blockedPrefixes {
			if prefix.Contains(addr) {
				return fmt.Errorf("内部アドレス %s: %w", addr, ErrBlockedDestination)
			}
		}
		return nil
	}

	lower := strings.ToLower(strings.TrimSuffix(host, "."))
	for _, suffix := range blockedHostSuffixes {
		if lower == strings.TrimPrefix(suffix, ".") || strings.HasSuffix(lower, suffix) {
			return fmt.Errorf("内部ホスト %s: %w", host, ErrBlockedDestination)
		}
	}
	return nil
}

func (g *ssrfGuard) validatePort(scheme, port string) error {
	if port == "" {
		port = "80"
		if scheme == "https" {
			port = "443"
		}
	}
	for _, p := range g.allowedPorts {
		if fmt.Sprint(p) == port {
			return nil
		}
	}
	return fmt.Errorf("許可されていないポート %s: %w", port, ErrBlockedDestination)
}
