package llm

import "testing"

func TestExtractImageURLMarkdown(t *testing.T) {
	text := "Here is your image:\n\n![alt text](https://cdn.example.net/v1/y.png)\n\nEnjoy!"
	url, ok := ExtractImageURL(text)
	if !ok {
		t.Fatal("expected extraction to succeed")
	}
	if url != "https://cdn.example.net/v1/y.png" {
		t.Fatalf("unexpected url: %s", url)
	}
}

func TestExtractImageURLMarkdownBeatsJSON(t *testing.T) {
	// Markdown 语法是最明确的信号，必须优先于 JSON 字段
	text := `result: {"url":"https://a.files.net/json.png"} and also ![](https://b.files.net/markdown.png)`
	url, ok := ExtractImageURL(text)
	if !ok {
		t.Fatal("expected extraction to succeed")
	}
	if url != "https://b.files.net/markdown.png" {
		t.Fatalf("markdown candidate must win, got %s", url)
	}
}

func TestExtractImageURLBareExtension(t *testing.T) {
	text := "Done! Your picture is at https://files.host.io/abc123.webp?sig=zz now."
	url, ok := ExtractImageURL(text)
	if !ok {
		t.Fatal("expected extraction to succeed")
	}
	if url != "https://files.host.io/abc123.webp?sig=zz" {
		t.Fatalf("unexpected url: %s", url)
	}
}

func TestExtractImageURLNestedJSON(t *testing.T) {
	text := "```json\n{\"data\":{\"results\":[{\"image_url\":\"https://gen.host.io/out/77\"}]}}\n```"
	url, ok := ExtractImageURL(text)
	if !ok {
		t.Fatal("expected extraction to succeed")
	}
	if url != "https://gen.host.io/out/77" {
		t.Fatalf("unexpected url: %s", url)
	}
}

func TestExtractImageURLLooseFallback(t *testing.T) {
	text := "The result was uploaded to https://storage.host.io/generated/42 for you."
	url, ok := ExtractImageURL(text)
	if !ok {
		t.Fatal("expected extraction to succeed")
	}
	if url != "https://storage.host.io/generated/42" {
		t.Fatalf("unexpected url: %s", url)
	}
}

func TestExtractImageURLRejectsPlaceholders(t *testing.T) {
	cases := []string{
		"![x](https://example.com/image.png)",
		"see https://via.placeholder.com/300.png",
		"no links here at all",
		"",
	}
	for _, text := range cases {
		if url, ok := ExtractImageURL(text); ok {
			t.Fatalf("expected no extraction for %q, got %s", text, url)
		}
	}
}

func TestExtractImageURLTrimsTrailingPunctuation(t *testing.T) {
	text := "Saved at https://files.host.io/a.png."
	url, ok := ExtractImageURL(text)
	if !ok {
		t.Fatal("expected extraction to succeed")
	}
	if url != "https://files.host.io/a.png" {
		t.Fatalf("unexpected url: %s", url)
	}
}

func TestIsLikelyImageURL(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://x.io/a.png", true},
		{"https://x.io/a.JPG", true},
		{"https://x.io/cdn/abc", true},
		{"https://x.io/storage/abc", true},
		{"https://x.io/report.pdf", false},
		{"ftp://x.io/a.png", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsLikelyImageURL(tt.url); got != tt.want {
			t.Errorf("IsLikelyImageURL(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}

func TestShortenPrompt(t *testing.T) {
	long := "a very detailed painting of a mountain lake at sunrise with mist"
	short := ShortenPrompt(long, 30)
	if len(short) > 30 {
		t.Fatalf("expected at most 30 chars, got %d: %q", len(short), short)
	}
	if short == "" {
		t.Fatal("shortened prompt must not be empty")
	}

	if got := ShortenPrompt("tiny", 30); got != "tiny" {
		t.Fatalf("short prompts must pass through, got %q", got)
	}
}
