// Package review runs structural quality checks over a generated HTML draft.
package review

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Report is the quality-check output merged into the job result.
type Report struct {
	WordCount        int      `json:"word_count"`
	Headings         int      `json:"headings"`
	Paragraphs       int      `json:"paragraphs"`
	EmptyLinks       int      `json:"empty_links"`
	ImagesMissingAlt int      `json:"images_missing_alt"`
	Issues           []string `json:"issues,omitempty"`
	Passed           bool     `json:"passed"`
}

// Analyzer holds quality thresholds.
type Analyzer struct {
	MinWordCount int
}

// NewAnalyzer builds an analyzer with the given minimum word count.
func NewAnalyzer(minWords int) *Analyzer {
	if minWords <= 0 {
		minWords = 150
	}
	return &Analyzer{MinWordCount: minWords}
}

// Analyze parses the draft and collects structural findings. An error is
// returned only when the draft cannot be parsed at all; a bad-but-parseable
// draft comes back with Passed=false and the issues listed.
func (a *Analyzer) Analyze(html string) (Report, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Report{}, fmt.Errorf("parse draft: %w", err)
	}

	var r Report
	text := strings.TrimSpace(doc.Find("body").Text())
	r.WordCount = len(strings.Fields(text))
	r.Headings = doc.Find("h1, h2, h3").Length()
	r.Paragraphs = doc.Find("p").Length()

	doc.Find("a").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok || strings.TrimSpace(href) == "" || href == "#" {
			r.EmptyLinks++
		}
	})
	doc.Find("img").Each(func(_ int, sel *goquery.Selection) {
		if alt, ok := sel.Attr("alt"); !ok || strings.TrimSpace(alt) == "" {
			r.ImagesMissingAlt++
		}
	})

	if r.WordCount == 0 {
		r.Issues = append(r.Issues, "draft has no readable text")
	} else if r.WordCount < a.MinWordCount {
		r.Issues = append(r.Issues, fmt.Sprintf("word count %d below minimum %d", r.WordCount, a.MinWordCount))
	}
	if r.Headings == 0 {
		r.Issues = append(r.Issues, "draft has no headings")
	}
	if r.EmptyLinks > 0 {
		r.Issues = append(r.Issues, fmt.Sprintf("%d links have no destination", r.EmptyLinks))
	}

	r.Passed = r.WordCount >= a.MinWordCount && r.Headings > 0
	return r, nil
}
