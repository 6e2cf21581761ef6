package llm

import (
	"encoding/json"
	"regexp"
	"strings"
)

// The upstream answers in free-form prose; the image link can arrive as a
// Markdown image, a bare URL, or buried inside a JSON blob it decided to
// quote. Extraction tries formats from most to least explicit.

var (
	markdownImageRe = regexp.MustCompile(`!\[[^\]]*\]\((https?://[^\s)]+)\)`)
	imageExtURLRe   = regexp.MustCompile(`https?://[^\s"'<>)\]]+\.(?:png|jpe?g|webp|gif|bmp)(?:\?[^\s"'<>)\]]*)?`)
	anyURLRe        = regexp.MustCompile(`https?://[^\s"'<>)\]]+`)
)

// 这些字段名覆盖了已知上游返回 JSON 的各种写法
var jsonImageKeys = map[string]bool{
	"url":       true,
	"image":     true,
	"image_url": true,
	"imageurl":  true,
	"img":       true,
	"src":       true,
	"link":      true,
	"output":    true,
}

var placeholderHosts = []string{
	"example.com",
	"example.org",
	"placeholder.com",
	"placehold.it",
	"via.placeholder",
	"your-image-url",
	"image-url-here",
	"localhost",
}

// ExtractImageURL pulls the most plausible image URL out of assistant text.
// Order matters: an explicit Markdown image beats a URL found inside a quoted
// JSON blob, and the loose any-URL scan runs only when nothing better matched.
func ExtractImageURL(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", false
	}

	// 1. Markdown 图片语法
	for _, m := range markdownImageRe.FindAllStringSubmatch(trimmed, -1) {
		if url := cleanCandidate(m[1]); IsValidImageURL(url) {
			return url, true
		}
	}

	// 2. 带图片扩展名的裸 URL
	for _, raw := range imageExtURLRe.FindAllString(trimmed, -1) {
		if url := cleanCandidate(raw); IsValidImageURL(url) {
			return url, true
		}
	}

	// 3. JSON 字段深搜
	if url, ok := extractFromJSON(trimmed); ok {
		return url, true
	}

	// 4. 宽松兜底：任何 URL，优先像图片的
	loose := anyURLRe.FindAllString(trimmed, -1)
	for _, raw := range loose {
		if url := cleanCandidate(raw); IsValidImageURL(url) && IsLikelyImageURL(url) {
			return url, true
		}
	}
	for _, raw := range loose {
		if url := cleanCandidate(raw); IsValidImageURL(url) {
			return url, true
		}
	}
	return "", false
}

// extractFromJSON tries every '{' in the text as the start of a JSON value and
// searches decoded objects depth-first for image-bearing field names.
func extractFromJSON(text string) (string, bool) {
	attempts := 0
	for i := 0; i < len(text) && attempts < 16; i++ {
		if text[i] != '{' {
			continue
		}
		attempts++
		decoder := json.NewDecoder(strings.NewReader(text[i:]))
		var value interface{}
		if err := decoder.Decode(&value); err != nil {
			continue
		}
		if url, ok := searchJSONValue(value); ok {
			return url, true
		}
	}
	return "", false
}

func searchJSONValue(value interface{}) (string, bool) {
	switch v := value.(type) {
	case map[string]interface{}:
		// 先查已知字段，再递归其余
		for key, inner := range v {
			if !jsonImageKeys[strings.ToLower(key)] {
				continue
			}
			if s, ok := inner.(string); ok {
				if url := cleanCandidate(s); strings.HasPrefix(url, "http") && IsValidImageURL(url) {
					return url, true
				}
			}
		}
		for _, inner := range v {
			if url, ok := searchJSONValue(inner); ok {
				return url, true
			}
		}
	case []interface{}:
		for _, inner := range v {
			if url, ok := searchJSONValue(inner); ok {
				return url, true
			}
		}
	}
	return "", false
}

// cleanCandidate strips the trailing punctuation prose tends to glue onto URLs.
func cleanCandidate(raw string) string {
	url := strings.TrimSpace(raw)
	url = strings.TrimRight(url, ".,;:!?")
	url = strings.TrimSuffix(url, ")")
	return url
}

// IsLikelyImageURL reports whether a URL looks like it points at an image:
// either a known extension or a path that smells like an image CDN.
func IsLikelyImageURL(url string) bool {
	lower := strings.ToLower(url)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return false
	}
	path := lower
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		path = path[:idx]
	}
	for _, ext := range []string{".png", ".jpg", ".jpeg", ".webp", ".gif", ".bmp"} {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	for _, marker := range []string{"/image", "/img", "/cdn", "/storage", "/generated", "/output", "/file"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// IsValidImageURL rejects obvious placeholder links the model sometimes emits
// instead of a real result.
func IsValidImageURL(url string) bool {
	trimmed := strings.TrimSpace(url)
	if trimmed == "" {
		return false
	}
	lower := strings.ToLower(trimmed)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return false
	}
	for _, host := range placeholderHosts {
		if strings.Contains(lower, host) {
			return false
		}
	}
	return true
}
