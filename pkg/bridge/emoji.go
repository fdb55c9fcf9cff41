// Copyright 2024-2026 Aiku AI

package bridge

import "fmt"

// emojiFromName converts a Slack emoji short name to a Unicode emoji for the
// Matrix annotation key. Unknown names fall back to the :name: form.
func emojiFromName(name string) string {
	emojiMap := map[string]string{
		"+1":               "\U0001f44d",
		"-1":               "\U0001f44e",
		"heart":            "\u2764\ufe0f",
		"smile":            "\U0001f604",
		"laughing":         "\U0001f606",
		"joy":              "\U0001f602",
		"thumbsup":         "\U0001f44d",
		"thumbsdown":       "\U0001f44e",
		"wave":             "\U0001f44b",
		"clap":             "\U0001f44f",
		"fire":             "\U0001f525",
		"100":              "\U0001f4af",
		"tada":             "\U0001f389",
		"eyes":             "\U0001f440",
		"thinking_face":    "\U0001f914",
		"white_check_mark": "\u2705",
		"x":                "\u274c",
		"warning":          "\u26a0\ufe0f",
		"rocket":           "\U0001f680",
		"star":             "\u2b50",
		"pray":             "\U0001f64f",
	}

	if emoji, ok := emojiMap[name]; ok {
		return emoji
	}
	return fmt.Sprintf(":%s:", name)
}
