package services

import (
	"net/url"
	"path"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/sitewise/api/internal/domain"
)

// Severity classifies a validation outcome.
type Severity string

const (
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// ValidationResult is the outcome of one field validator.
type ValidationResult struct {
	IsValid  bool
	Message  string
	Severity Severity
}

// MetadataReport aggregates field validation with the best-practices score.
type MetadataReport struct {
	Title       ValidationResult
	Description ValidationResult
	Slug        ValidationResult
	OGImage     ValidationResult
	Score       int
	Suggestions []string
	IsValid     bool
}

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

var imageExtensions = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".webp": {}, ".svg": {}, ".avif": {},
}

func success() ValidationResult {
	return ValidationResult{IsValid: true, Severity: SeveritySuccess}
}

func warning(message string) ValidationResult {
	return ValidationResult{IsValid: true, Message: message, Severity: SeverityWarning}
}

func invalid(message string) ValidationResult {
	return ValidationResult{IsValid: false, Message: message, Severity: SeverityError}
}

// ValidateMetaTitle checks the title length bounds. Titles over 60 characters
// are rejected; 51-60 and under 30 pass with a warning.
func ValidateMetaTitle(title string) ValidationResult {
	length := utf8.RuneCountInString(strings.TrimSpace(title))
	switch {
	case length == 0:
		return invalid("meta title is required")
	case length > 60:
		return invalid("meta title exceeds 60 characters")
	case length > 50:
		return warning("meta title is approaching the 60 character limit")
	case length < 30:
		return warning("meta title under 30 characters may be too short")
	}
	return success()
}

// ValidateMetaDescription checks the description length bounds.
func ValidateMetaDescription(desc string) ValidationResult {
	length := utf8.RuneCountInString(strings.TrimSpace(desc))
	switch {
	case length == 0:
		return invalid("meta description is required")
	case length > 160:
		return invalid("meta description exceeds 160 characters")
	case length > 140:
		return warning("meta description is approaching the 160 character limit")
	case length < 120:
		return warning("meta description under 120 characters may be too short")
	}
	return success()
}

// ValidateSlug checks the slug shape. Long slugs pass with a warning.
func ValidateSlug(slug string) ValidationResult {
	slug = strings.TrimSpace(slug)
	switch {
	case slug == "":
		return invalid("slug is required")
	case !slugPattern.MatchString(slug):
		return invalid("slug must contain only lowercase letters, digits, and single hyphens")
	case utf8.RuneCountInString(slug) > 50:
		return warning("slug over 50 characters may be truncated in search results")
	}
	return success()
}

// ValidateOpenGraphImage checks the optional social image URL. An empty value
// is valid.
func ValidateOpenGraphImage(raw string) ValidationResult {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return success()
	}

	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return invalid("open graph image must be an absolute http(s) URL")
	}

	ext := strings.ToLower(path.Ext(parsed.Path))
	if _, ok := imageExtensions[ext]; !ok {
		return warning("open graph image URL has no recognised image extension")
	}
	return success()
}

// ValidateRobots checks every directive against the fixed vocabulary.
func ValidateRobots(robots string) ValidationResult {
	robots = strings.TrimSpace(robots)
	if robots == "" {
		return success()
	}
	for _, directive := range strings.Split(robots, ",") {
		if !domain.KnownRobotsDirective(directive) {
			return invalid("robots contains an unknown directive: " + strings.TrimSpace(directive))
		}
	}
	return success()
}

// BestPractices scores a record against SEO guidelines. Deterministic: the
// same record always yields the same score and suggestions, and fixing a
// deficiency never lowers the score.
func BestPractices(page domain.SEOPage) (int, []string) {
	score := 100
	var suggestions []string

	deduct := func(points int, suggestion string) {
		score -= points
		suggestions = append(suggestions, suggestion)
	}

	titleLen := utf8.RuneCountInString(strings.TrimSpace(page.MetaTitle))
	if titleLen < 30 {
		deduct(10, "Expand the meta title to at least 30 characters")
	} else if titleLen > 50 {
		deduct(5, "Shorten the meta title to 50 characters or fewer")
	}

	descLen := utf8.RuneCountInString(strings.TrimSpace(page.MetaDescription))
	if descLen < 120 {
		deduct(10, "Expand the meta description to at least 120 characters")
	} else if descLen > 140 {
		deduct(5, "Shorten the meta description to 140 characters or fewer")
	}

	if utf8.RuneCountInString(strings.TrimSpace(page.Slug)) > 50 {
		deduct(5, "Shorten the slug to 50 characters or fewer")
	}

	if !sharesSignificantWord(page.MetaTitle, page.MetaDescription) {
		deduct(10, "Repeat a significant keyword from the title in the description")
	}

	if strings.TrimSpace(page.OpenGraph.Image) == "" {
		deduct(5, "Add an Open Graph image for social sharing")
	}

	if score < 0 {
		score = 0
	}
	return score, suggestions
}

// Report runs every field validator and the scoring pass for one record.
func Report(page domain.SEOPage) MetadataReport {
	report := MetadataReport{
		Title:       ValidateMetaTitle(page.MetaTitle),
		Description: ValidateMetaDescription(page.MetaDescription),
		Slug:        ValidateSlug(page.Slug),
		OGImage:     ValidateOpenGraphImage(page.OpenGraph.Image),
	}
	report.Score, report.Suggestions = BestPractices(page)
	report.IsValid = report.Title.IsValid && report.Description.IsValid &&
		report.Slug.IsValid && report.OGImage.IsValid
	return report
}

// sharesSignificantWord reports whether any word longer than three characters
// appears in both texts, case-insensitively.
func sharesSignificantWord(title, description string) bool {
	titleWords := significantWords(title)
	if len(titleWords) == 0 {
		return false
	}
	for word := range significantWords(description) {
		if _, ok := titleWords[word]; ok {
			return true
		}
	}
	return false
}

func significantWords(text string) map[string]struct{} {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make(map[string]struct{}, len(words))
	for _, word := range words {
		if utf8.RuneCountInString(word) > 3 {
			out[word] = struct{}{}
		}
	}
	return out
}
