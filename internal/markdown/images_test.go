package markdown

import (
	"reflect"
	"testing"
)

func TestExtractImageURLs(t *testing.T) {
	content := `# Post

![hero](https://example.com/hero.jpg)

Some text with ![inline](https://example.com/a.png "a title") and a repeat
![again](https://example.com/hero.jpg).

![embedded](data:image/png;base64,iVBORw0KGgo=)

A [regular link](https://example.com/not-an-image) stays out.`

	got := ExtractImageURLs(content)
	want := []string{
		"https://example.com/hero.jpg",
		"https://example.com/a.png",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ExtractImageURLs = %v, want %v", got, want)
	}
}

func TestExtractImageURLs_Empty(t *testing.T) {
	if got := ExtractImageURLs("no images here"); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}

func TestRewriteImageURLs(t *testing.T) {
	content := `![a](https://example.com/a.png) and ![b](https://example.com/b.png "title")`
	mapping := map[string]string{
		"https://example.com/a.png": "https://blossom.example/aaaa",
	}

	got := RewriteImageURLs(content, mapping)
	want := `![a](https://blossom.example/aaaa) and ![b](https://example.com/b.png "title")`
	if got != want {
		t.Fatalf("RewriteImageURLs = %q, want %q", got, want)
	}
}

func TestRewriteImageURLs_Idempotent(t *testing.T) {
	content := `![a](https://example.com/a.png)`
	mapping := map[string]string{
		"https://example.com/a.png": "https://blossom.example/aaaa",
	}

	once := RewriteImageURLs(content, mapping)
	twice := RewriteImageURLs(once, mapping)
	if once != twice {
		t.Fatalf("rewrite not idempotent: %q vs %q", once, twice)
	}
}

func TestRewriteImageURLs_NoMapping(t *testing.T) {
	content := `![a](https://example.com/a.png)`
	if got := RewriteImageURLs(content, nil); got != content {
		t.Fatalf("expected unchanged content, got %q", got)
	}
}
