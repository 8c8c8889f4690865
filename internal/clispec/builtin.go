package clispec

import "regexp"

// Shared vendor patterns. Every kind recognizes the generic rate-limit
// trio; vendor-specific signals are appended per kind below.
var (
	reRateLimit    = regexp.MustCompile(`(?i)rate.*limit`)
	reTooManyReqs  = regexp.MustCompile(`(?i)too many requests`)
	re429          = regexp.MustCompile(`\b429\b`)
	reMessageLimit = regexp.MustCompile(`(?i)message.*limit`)
	reResourceExh  = regexp.MustCompile(`RESOURCE_EXHAUSTED`)
	reFreeTier     = regexp.MustCompile(`(?i)free tier rate limit exceeded`)
	reQuotaExceed  = regexp.MustCompile(`(?i)quota.*exceed`)
	reBillingLimit = regexp.MustCompile(`(?i)billing.*limit`)
	reTokenLimit   = regexp.MustCompile(`(?i)token.*limit`)
)

var (
	baseRate  = []*regexp.Regexp{reRateLimit, reTooManyReqs, re429}
	baseQuota = []*regexp.Regexp{reQuotaExceed, reBillingLimit}
)

func withPatterns(base []*regexp.Regexp, extra ...*regexp.Regexp) []*regexp.Regexp {
	return append(append([]*regexp.Regexp{}, base...), extra...)
}

// defaultOpencodePermission is applied when the caller did not set the
// permission env var; headless runs need non-interactive approvals.
const defaultOpencodePermission = `{"edit":"allow","bash":"allow","webfetch":"allow"}`

func extraOnly(_, _ string, extra []string) []string {
	return append([]string{}, extra...)
}

var builtinSpecs = map[string]Spec{
	"claude": {
		Key:               "claude",
		Aliases:           []string{"claude-code"},
		DisplayName:       "Claude",
		DefaultExecutable: "claude",
		StdinMode:         StdinPrompt,
		BuildArgs:         extraOnly,
		RateLimit:         withPatterns(baseRate, reMessageLimit),
		Quota:             withPatterns(baseQuota, reTokenLimit),
	},
	"opencode": {
		Key:               "opencode",
		DisplayName:       "OpenCode",
		DefaultExecutable: "opencode",
		StdinMode:         StdinNone,
		BuildArgs: func(model, prompt string, extra []string) []string {
			return append([]string{"run", "--model", model, prompt}, extra...)
		},
		MutateEnv: func(env, _ map[string]string) {
			if _, ok := env["OPENCODE_PERMISSION"]; !ok {
				env["OPENCODE_PERMISSION"] = defaultOpencodePermission
			}
		},
		RateLimit: withPatterns(baseRate),
		Quota:     withPatterns(baseQuota),
	},
	"gemini": {
		Key:               "gemini",
		DisplayName:       "Gemini",
		DefaultExecutable: "gemini",
		StdinMode:         StdinPrompt,
		BuildArgs: func(model, _ string, extra []string) []string {
			return append([]string{"--model", model}, extra...)
		},
		RateLimit: withPatterns(baseRate, reResourceExh, reFreeTier),
		Quota:     withPatterns(baseQuota),
	},
	"droid": {
		Key:               "droid",
		DisplayName:       "Droid",
		DefaultExecutable: "droid",
		StdinMode:         StdinNone,
		BuildArgs: func(_, prompt string, extra []string) []string {
			return append([]string{"exec", prompt}, extra...)
		},
		RateLimit: withPatterns(baseRate),
		Quota:     withPatterns(baseQuota),
	},
	"crush": {
		Key:               "crush",
		DisplayName:       "Crush",
		DefaultExecutable: "crush",
		StdinMode:         StdinNone,
		BuildArgs: func(model, prompt string, extra []string) []string {
			return append([]string{"run", "-m", model, prompt}, extra...)
		},
		RateLimit: withPatterns(baseRate),
		Quota:     withPatterns(baseQuota),
	},
	"kimi": {
		Key:               "kimi",
		Aliases:           []string{"moonshot"},
		DisplayName:       "Kimi",
		DefaultExecutable: "kimi",
		StdinMode:         StdinPrompt,
		BuildArgs:         extraOnly,
		MutateEnv: func(env, permissions map[string]string) {
			if key, ok := permissions["KIMI_API_KEY"]; ok && key != "" {
				env["KIMI_API_KEY"] = key
			}
		},
		RateLimit: withPatterns(baseRate),
		Quota:     withPatterns(baseQuota, reTokenLimit),
	},
	"kilocode": {
		Key:               "kilocode",
		Aliases:           []string{"kilo-code", "kilo"},
		DisplayName:       "Kilo Code",
		DefaultExecutable: "kilocode",
		StdinMode:         StdinPrompt,
		BuildArgs:         extraOnly,
		RateLimit:         withPatterns(baseRate),
		Quota:             withPatterns(baseQuota, reTokenLimit),
	},
}
