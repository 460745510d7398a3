package ai

import (
	"math/rand"
	"strings"
)

// Category buckets a backend failure for user-facing excuses. Never expose
// the raw error text to the chat.
type Category string

const (
	CategoryPolicy    Category = "policy"
	CategoryOverload  Category = "overload"
	CategoryRateLimit Category = "rate-limit"
	CategoryPayload   Category = "payload"
	CategoryUnknown   Category = "unknown"
)

// classifyRules are checked in order; the first rule with a matching keyword
// wins. The order matters: an error mentioning both "quota" and "timeout"
// classifies as overload because that rule comes first.
var classifyRules = []struct {
	category Category
	keywords []string
}{
	{CategoryPolicy, []string{"prohibited", "safety", "blocked", "policy"}},
	{CategoryOverload, []string{"503", "overloaded", "unavailable", "timeout"}},
	{CategoryRateLimit, []string{"429", "quota", "exhausted", "rate limit"}},
	{CategoryPayload, []string{"400", "too large", "invalid argument", "payload"}},
}

// Classify maps a failure text onto a category, defaulting to unknown.
func Classify(errText string) Category {
	lower := strings.ToLower(errText)
	for _, rule := range classifyRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.category
			}
		}
	}
	return CategoryUnknown
}

var cannedPhrases = map[Category][]string{
	CategoryPolicy: {
		"🤬 The moral police upstairs censored my answer. Said we're too toxic here. Sorry.",
		"🔞 Nope, that one got banned. The neural net refused to generate it — too filthy even for me.",
		"👮 Censorship just pulled up. Apparently that content hurts someone's delicate feelings. Ask nicer.",
	},
	CategoryOverload: {
		"🔥 The servers upstairs are melting. \"Model is overloaded,\" they say. Give them a minute to cool off.",
		"🐌 The backend is crawling, got a 503. I sent the request and heard crickets. Try again in a bit.",
		"💤 The neural net is tired. \"Service Unavailable.\" Let it catch its breath.",
	},
	CategoryRateLimit: {
		"💸 That's it folks, quota's gone. We talk too much and someone shut the tap. Wait for the reset.",
		"🛑 Easy there. Error 429 — Too Many Requests. I answer too fast, they throttled me. Catching my breath.",
		"📉 Quota's dead. The upstream said \"enough chatting.\" Try later.",
	},
	CategoryPayload: {
		"🐘 Did you send me the Library of Congress? The file is too fat, I can't digest that.",
		"📜 Too many words. \"Payload size limit.\" Trim the saga, it doesn't fit.",
		"💾 That file is way too heavy for my prompt. Bring something lighter.",
	},
	CategoryUnknown: {
		"🛠 My gears just jammed. Something weird broke in the machinery. Admin, wake up, it's all on fire!",
		"💥 I crashed. Critical error. Admin, come fix me, I can't work like this.",
		"🚑 Houston, we have a problem. I caught a bug and I don't know what to do. Admin, help.",
	},
}

// Phrase picks a canned in-character excuse for the category, uniformly at
// random among its variants.
func Phrase(cat Category) string {
	phrases, ok := cannedPhrases[cat]
	if !ok {
		phrases = cannedPhrases[CategoryUnknown]
	}
	return phrases[rand.Intn(len(phrases))]
}

// Excuse is the one-call shorthand used by the dispatch fallback path.
func Excuse(errText string) string {
	return Phrase(Classify(errText))
}
