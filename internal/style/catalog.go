// Package style holds the built-in style catalog and decides which style a prompt should be rendered in.
package style

import (
	"strings"

	"github.com/BTreeMap/ReelPipe/internal/models"
)

// Builtin is a catalog entry shipped with the bot.
type Builtin struct {
	Name   string
	Prefix string
}

// builtins is ordered; the order is the numbering users see.
var builtins = []Builtin{
	{Name: "Cinematic", Prefix: "cinematic, dramatic lighting, high detail, 4k, film grain, "},
	{Name: "Anime", Prefix: "anime style, key visual, vibrant, studio ghibli, cel shading, "},
	{Name: "Pixel Art", Prefix: "pixel art, 16-bit, retro, low-res, vibrant colors, "},
	{Name: "Documentary", Prefix: "documentary style, realistic, natural lighting, steady cam, "},
	{Name: "Fantasy", Prefix: "fantasy, epic, magical, high detail, intricate, glowing, "},
	{Name: "Sci-Fi", Prefix: "sci-fi, futuristic, high-tech, neon lights, dystopian, "},
}

// BuiltinNames returns the built-in style names in display order.
func BuiltinNames() []string {
	names := make([]string, len(builtins))
	for i, b := range builtins {
		names[i] = b.Name
	}
	return names
}

// Names returns built-in names followed by the user's custom names.
// A custom style shadowed by a built-in of the same name is omitted.
func Names(custom []models.CustomStyle) []string {
	names := BuiltinNames()
	for _, c := range custom {
		if _, ok := lookupBuiltin(c.StyleName); ok {
			continue
		}
		names = append(names, c.StyleName)
	}
	return names
}

func lookupBuiltin(name string) (Builtin, bool) {
	for _, b := range builtins {
		if strings.EqualFold(b.Name, strings.TrimSpace(name)) {
			return b, true
		}
	}
	return Builtin{}, false
}

// Canonical returns the catalog spelling of name, matching case-insensitively.
// Built-ins take precedence over custom styles.
func Canonical(name string, custom []models.CustomStyle) (string, bool) {
	if b, ok := lookupBuiltin(name); ok {
		return b.Name, true
	}
	norm := models.NormalizeStyle(name)
	for _, c := range custom {
		if models.NormalizeStyle(c.StyleName) == norm {
			return c.StyleName, true
		}
	}
	return "", false
}

// Prefix returns the prompt fragment for a style, or "" when the style is unknown.
func Prefix(name string, custom []models.CustomStyle) string {
	if b, ok := lookupBuiltin(name); ok {
		return b.Prefix
	}
	norm := models.NormalizeStyle(name)
	for _, c := range custom {
		if models.NormalizeStyle(c.StyleName) == norm {
			return c.StylePrompt
		}
	}
	return ""
}

// EnhancePrompt prepends the style fragment to the prompt, comma-separated.
func EnhancePrompt(prompt, name string, custom []models.CustomStyle) string {
	prefix := strings.TrimSpace(Prefix(name, custom))
	prompt = strings.TrimSpace(prompt)
	switch {
	case prefix == "":
		return prompt
	case strings.HasSuffix(prefix, ","):
		return prefix + " " + prompt
	default:
		return prefix + ", " + prompt
	}
}
