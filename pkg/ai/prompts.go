package ai

import (
	"fmt"
	"strings"
)

func authorsPrompt(req AuthorsRequest) (system, user string) {
	system = "You are a literary identity designer. Respond with a single JSON object only, no prose."
	var b strings.Builder
	fmt.Fprintf(&b, "Invent %d distinct fictional authors who write %s books.\n", req.Count, orAny(req.Genre, "varied"))
	if req.LanguageCode != "" {
		fmt.Fprintf(&b, "They write primarily in language %q.\n", req.LanguageCode)
	}
	if strings.TrimSpace(req.FreeText) != "" {
		fmt.Fprintf(&b, "Their catalogs should suit readers searching for: %q.\n", strings.TrimSpace(req.FreeText))
	}
	b.WriteString(`Return JSON of the form:
{"authors":[{"penName":"...","stylePrompt":"one paragraph describing the author's voice","bio":"short public biography"}]}
`)
	fmt.Fprintf(&b, "The authors array must contain exactly %d entries.", req.Count)
	return system, b.String()
}

func booksPrompt(req BooksRequest) (system, user string) {
	system = "You are a book catalog generator. Respond with a single JSON object only, no prose."
	var b strings.Builder
	fmt.Fprintf(&b, "Invent %d fictional %s books", req.Count, orAny(req.Genre, "assorted"))
	if strings.TrimSpace(req.FreeText) != "" {
		fmt.Fprintf(&b, " matching the reader request %q", strings.TrimSpace(req.FreeText))
	}
	b.WriteString(".\n")
	if len(req.Tags) > 0 {
		fmt.Fprintf(&b, "Themes to weave in: %s.\n", strings.Join(req.Tags, ", "))
	}
	if req.LanguageCode != "" {
		fmt.Fprintf(&b, "Titles and summaries are in language %q.\n", req.LanguageCode)
	}
	if req.PageNumber > 1 {
		fmt.Fprintf(&b, "This is results page %d; avoid the most obvious choices for this request.\n", req.PageNumber)
	}
	b.WriteString("Attribute each book to one of these authors by zero-based index:\n")
	for i, author := range req.Authors {
		fmt.Fprintf(&b, "%d: %s (%s)\n", i, author.PenName, author.StylePrompt)
	}
	b.WriteString(`Return JSON of the form:
{"books":[{"title":"...","summary":"...","pageCount":240,"coverPrompt":"cover art description","authorIndex":0,"sections":[{"title":"...","fromPage":1,"toPage":80,"summary":"..."}]}]}
`)
	fmt.Fprintf(&b, "The books array must contain exactly %d entries. ", req.Count)
	b.WriteString("Each book's sections must cover pages 1 through pageCount contiguously, in order, with no gaps or overlaps.")
	return system, b.String()
}

func classifyPrompt(freeText string) (system, user string) {
	system = "You classify book search queries. Respond with a single JSON object only, no prose."
	user = fmt.Sprintf(
		`Classify this book search query: %q
Return JSON of the form {"genre":"lowercase-genre-slug","languageCode":"two-letter ISO 639-1 code of the query language"}.`,
		strings.TrimSpace(freeText),
	)
	return system, user
}

func orAny(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
