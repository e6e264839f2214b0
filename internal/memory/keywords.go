package memory

import (
	"strings"
	"unicode"
)

// minKeywordLen is the minimum token length counted as a keyword.
const minKeywordLen = 2

// ExtractKeywords lowercases text and splits it into unique tokens of
// at least minKeywordLen characters, in first-seen order.
func ExtractKeywords(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	seen := make(map[string]struct{}, len(fields))
	var keywords []string
	for _, f := range fields {
		if len(f) < minKeywordLen {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		keywords = append(keywords, f)
	}
	return keywords
}

// overlapRatio returns the fraction of task keywords also present in
// the record's keyword set. A task with no usable keywords matches
// nothing (ratio 0).
func overlapRatio(taskKeywords, recordKeywords []string) float64 {
	if len(taskKeywords) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(recordKeywords))
	for _, k := range recordKeywords {
		set[k] = struct{}{}
	}
	hits := 0
	for _, k := range taskKeywords {
		if _, ok := set[k]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(taskKeywords))
}

// keywordHits counts how many of the given keywords appear in the
// lowercased content.
func keywordHits(content string, keywords []string) int {
	lower := strings.ToLower(content)
	hits := 0
	for _, k := range keywords {
		if strings.Contains(lower, k) {
			hits++
		}
	}
	return hits
}
