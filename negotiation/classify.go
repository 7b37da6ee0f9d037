package negotiation

import (
	"regexp"
	"strconv"
	"strings"
)

// pricePattern matches spoken-transcript price mentions: "$12.50", "12
// dollars", "1,200.00". Transcripts rarely contain currency symbols, so the
// word forms matter as much as the symbol form.
var pricePattern = regexp.MustCompile(`(?i)(\$\s?\d[\d,]*(?:\.\d{1,2})?|\d[\d,]*(?:\.\d{1,2})?\s?(?:dollars|bucks|usd)(?:\b|$))`)

// Keyword sets for the deterministic classifier. Classification is
// intentionally deterministic: it drives the transition table, which must
// behave identically whether or not the LLM is reachable. The LLM is used
// for utterance generation and quote extraction, never for routing.
var (
	botMarkers = []string{
		"press 1", "press one", "press 2", "press two", "para español",
		"leave a message", "after the tone", "after the beep", "voicemail",
		"our menu has changed", "for sales", "for support", "directory",
	}
	transferMarkers = []string{
		"transfer you", "transferring you", "put you through", "hold on",
		"hold please", "one moment", "let me get", "connect you",
	}
	goodbyeMarkers = []string{
		"goodbye", "bye now", "have a good", "thanks for calling",
		"talk to you later", "hanging up",
	}
	refusalMarkers = []string{
		"can't do", "cannot do", "no way", "not possible", "won't be able",
		"don't carry", "don't have", "out of stock", "discontinued",
		"can't go lower", "that's our best", "best i can do", "no discount",
	}
	agreementMarkers = []string{
		"sure", "no problem", "sounds good", "we can do", "can do that",
		"that works", "deal", "absolutely", "yes we can", "i can do",
	}
)

// ClassifyUtterance buckets a supplier utterance deterministically.
// Order matters: bot and transfer markers outrank everything because they
// change who we are talking to; price detection outranks sentiment because a
// price response usually contains agreeable filler too.
func ClassifyUtterance(text string) Classification {
	lower := strings.ToLower(text)
	if strings.TrimSpace(lower) == "" {
		return ClassOther
	}

	if containsAny(lower, botMarkers) {
		return ClassBot
	}
	if containsAny(lower, transferMarkers) {
		return ClassTransfer
	}
	if pricePattern.MatchString(text) {
		return ClassPriceGiven
	}
	if containsAny(lower, goodbyeMarkers) {
		return ClassGoodbye
	}
	if containsAny(lower, refusalMarkers) {
		return ClassRefusal
	}
	if containsAny(lower, agreementMarkers) {
		return ClassAgreement
	}
	if strings.Contains(lower, "?") || startsWithAny(lower, "what", "which", "how", "when", "who", "do you", "can you", "could you") {
		return ClassQuestion
	}

	return ClassOther
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func startsWithAny(s string, prefixes ...string) bool {
	trimmed := strings.TrimSpace(s)
	for _, p := range prefixes {
		if strings.HasPrefix(trimmed, p) {
			return true
		}
	}
	return false
}

// FirstPrice returns the first price mentioned in the text, ok=false when
// none parses.
func FirstPrice(text string) (float64, bool) {
	match := pricePattern.FindString(text)
	if match == "" {
		return 0, false
	}
	return parsePrice(match)
}

func parsePrice(s string) (float64, bool) {
	cleaned := strings.ToLower(s)
	for _, junk := range []string{"$", ",", "dollars", "bucks", "usd"} {
		cleaned = strings.ReplaceAll(cleaned, junk, "")
	}
	cleaned = strings.TrimSpace(cleaned)

	value, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || value < 0 {
		return 0, false
	}
	return value, true
}
