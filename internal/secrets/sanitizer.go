package secrets

import (
	"regexp"
)

// ScanResult is the outcome of scanning a string for credential material.
type ScanResult struct {
	Clean    bool
	Patterns []string
	Redacted string
}

// Sanitizer detects and masks credential patterns in text crossing a trust
// boundary (LLM-bound prompts, session files, audit lines). It is a
// defense-in-depth layer behind the SecretManager's symbolic conversion.
type Sanitizer struct {
	sensitivity float64
	categories  []leakCategory
}

type leakCategory struct {
	name        string
	alwaysOn    bool // if false, only active when sensitivity > 0.5
	pattern     *regexp.Regexp
	replacement string
}

// NewSanitizer creates a Sanitizer with the given sensitivity.
// Sensitivity is clamped to [0.0, 1.0]; default 0.7.
func NewSanitizer(sensitivity float64) *Sanitizer {
	if sensitivity <= 0 {
		sensitivity = 0.7
	}
	if sensitivity > 1 {
		sensitivity = 1.0
	}
	return &Sanitizer{
		sensitivity: sensitivity,
		categories:  defaultLeakCategories(),
	}
}

func defaultLeakCategories() []leakCategory {
	return []leakCategory{
		{
			name:     "api_key",
			alwaysOn: true,
			pattern: regexp.MustCompile(
				`(` +
					`sk-or-v1-[a-f0-9]{20,}` + // OpenRouter
					`|sk-ant-[a-zA-Z0-9_-]{20,}` + // Anthropic
					`|sk_(live|test)_[a-zA-Z0-9]{20,}` + // Stripe
					`|sk-[a-zA-Z0-9]{20,}` + // OpenAI
					`|AIza[a-zA-Z0-9_-]{35}` + // Google
					`|gh[pousr]_[a-zA-Z0-9]{36,}` + // GitHub (classic)
					`|github_pat_[a-zA-Z0-9_]{22,}` + // GitHub (fine-grained)
					`|xox[baprs]-[a-zA-Z0-9-]{10,}` + // Slack
					`|BSA[a-zA-Z0-9]{20,}` + // Brave Search
					`)`,
			),
			replacement: "[REDACTED_API_KEY]",
		},
		{
			name:     "aws_credential",
			alwaysOn: true,
			pattern: regexp.MustCompile(
				`(` +
					`AKIA[A-Z0-9]{16}` +
					`|(?i)aws[_-]?secret[_-]?access[_-]?key\s*[=:]\s*\S+` +
					`)`,
			),
			replacement: "[REDACTED_AWS_CREDENTIAL]",
		},
		{
			name:        "telegram_token",
			alwaysOn:    true,
			pattern:     regexp.MustCompile(`\b\d{8,10}:[a-zA-Z0-9_-]{35}\b`),
			replacement: "[REDACTED_BOT_TOKEN]",
		},
		{
			name:        "private_key",
			alwaysOn:    true,
			pattern:     regexp.MustCompile(`-----BEGIN\s+(RSA\s+|EC\s+|OPENSSH\s+)?PRIVATE\s+KEY-----`),
			replacement: "[REDACTED_PRIVATE_KEY]",
		},
		{
			name:        "jwt",
			alwaysOn:    true,
			pattern:     regexp.MustCompile(`eyJ[a-zA-Z0-9_-]{10,}\.eyJ[a-zA-Z0-9_-]{10,}\.[a-zA-Z0-9_-]{10,}`),
			replacement: "[REDACTED_JWT]",
		},
		{
			name:     "database_url",
			alwaysOn: true,
			pattern: regexp.MustCompile(
				`(?i)(postgres(ql)?|mysql|mongodb(\+srv)?|redis)://[^\s]+:[^\s]+@[^\s]+`,
			),
			replacement: "[REDACTED_DATABASE_URL]",
		},
		{
			// generic_secret must be last so specific patterns match first.
			name:     "generic_secret",
			alwaysOn: false, // only when sensitivity > 0.5
			pattern: regexp.MustCompile(
				`(?i)(` +
					`password\s*[=:]\s*[^\s\[]\S*` +
					`|secret\s*[=:]\s*[^\s\[]\S*` +
					`|token\s*[=:]\s*[^\s\[]\S*` +
					`)`,
			),
			replacement: "[REDACTED_SECRET]",
		},
	}
}

// Scan checks content for credential patterns and returns a redacted version.
func (s *Sanitizer) Scan(content string) ScanResult {
	var matched []string
	redacted := content

	for _, cat := range s.categories {
		if !cat.alwaysOn && s.sensitivity <= 0.5 {
			continue
		}
		if cat.pattern.MatchString(redacted) {
			matched = append(matched, cat.name)
			redacted = cat.pattern.ReplaceAllString(redacted, cat.replacement)
		}
	}

	return ScanResult{
		Clean:    len(matched) == 0,
		Patterns: matched,
		Redacted: redacted,
	}
}

// Detect returns the raw credential substrings found in content, specific
// categories only. Used by the SecretManager to mint symbolic references.
func (s *Sanitizer) Detect(content string) []DetectedSecret {
	var found []DetectedSecret
	for _, cat := range s.categories {
		if cat.name == "generic_secret" {
			continue // too broad to vault automatically
		}
		for _, m := range cat.pattern.FindAllString(content, -1) {
			found = append(found, DetectedSecret{Category: cat.name, Value: m})
		}
	}
	return found
}

// DetectedSecret is one concrete credential found in a string.
type DetectedSecret struct {
	Category string
	Value    string
}
