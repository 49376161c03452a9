package tracking

import "strings"

// BotDetector flags non-human user agents. Bot opens and clicks are still
// recorded (mail scanners firing pixels are a real deliverability signal)
// but carry the IsBot flag so engagement reporting can exclude them.
type BotDetector struct {
	patterns []string
}

// NewBotDetector builds a detector with the stock pattern list.
func NewBotDetector() *BotDetector {
	return &BotDetector{
		patterns: []string{
			"bot", "crawler", "spider", "slurp", "googlebot", "bingbot",
			"yahoo", "baidu", "yandex", "preview", "proxy", "scanner",
			"googleimageproxy", "barracuda", "mimecast",
		},
	}
}

// IsBot checks the user agent against the pattern list.
func (bd *BotDetector) IsBot(userAgent string) bool {
	ua := strings.ToLower(userAgent)
	for _, pattern := range bd.patterns {
		if strings.Contains(ua, pattern) {
			return true
		}
	}
	return false
}
