package flow

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/BTreeMap/ReelPipe/internal/models"
)

// User-facing texts.
const (
	textHelp = "Welcome to the AI Video Bot! 🤖\n\n" +
		"To create a video, just send a descriptive prompt.\n\n" +
		"*COMMANDS:*\n" +
		"*/status* - Check if a video is being generated.\n" +
		"*/history* - View your last 5 videos.\n" +
		"*/styles* - List your custom styles.\n" +
		"*/createstyle <name> \"<prompt>\"* - Create a new style.\n" +
		"*/deletestyle <name>* - Delete a custom style.\n" +
		"*/cancel* - Cancel the current operation.\n" +
		"*/help* - Show this message."

	textCancelled        = "✅ Operation cancelled."
	textNothingToCancel  = "Nothing to cancel."
	textStatusProcessing = "⏳ Your video is currently being generated. Please wait."
	textStatusIdle       = "✅ You have no active video generation. Send a prompt to start!"
	textUnknownCommand   = "🤷 I don't know the command %q. Send /help to see what I can do."

	textNoHistory     = "You have no video history yet."
	textHistoryHeader = "📜 *Your Last 5 Videos:*\n\n"
	textNoStyles      = "You haven't created any custom styles yet. Use `/createstyle` to make one!"
	textStylesHeader  = "🎨 *Your Custom Styles:*\n\n"

	textCreateStyleUsage = "Invalid format. Use: /createstyle <name> \"<style prompt>\""
	textStyleCreated     = "✅ Style '%s' created successfully!"
	textStyleReserved    = "❌ '%s' is a built-in style. Please choose another name."
	textNowGenerating    = "\n\nNow generating your video for '%s' with this new style!"
	textDeleteStyleUsage = "Invalid format. Use: /deletestyle <name>"
	textStyleDeleted     = "🗑️ Style '%s' deleted."
	textStyleNotFound    = "❌ Could not find a style named '%s'."

	textTooShort       = "🤔 Your prompt is a bit short. Try being more descriptive!"
	textCachedHit      = "✅ Found it! Here's your video from the cache."
	textCachedReset    = "Let's start over. Please send your new prompt."
	textStyleReset     = "Looks like you want to start over. Your previous operation was cancelled. Please send your new prompt again."
	textInvalidChoice  = "That's not one of the listed numbers, so I've cancelled this request. Please send your prompt again."
	textGeneratingPick = "Great! Generating a '%s' video for you. This might take a minute."
	textGeneratingAuto = "Got it! I have enough info to start. Generating your video now..."
	textGenericFailure = "😔 Apologies, something went wrong on my end. Please try again later."
)

func renderHistory(recs []models.HistoryRecord) string {
	if len(recs) == 0 {
		return textNoHistory
	}
	var b strings.Builder
	b.WriteString(textHistoryHeader)
	for i, r := range recs {
		fmt.Fprintf(&b, "*%d. Prompt:* `%s`\n   - *Style:* %s\n   - *When:* %s\n   - *Link:* %s\n\n",
			i+1, r.Prompt, r.Style, r.CreatedAt.UTC().Format("Jan 02, 15:04 UTC"), r.MediaURL)
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderCustomStyles(styles []models.CustomStyle) string {
	if len(styles) == 0 {
		return textNoStyles
	}
	var b strings.Builder
	b.WriteString(textStylesHeader)
	for _, s := range styles {
		fmt.Fprintf(&b, "*- Name:* `%s`\n   *- Prompt:* \"%s\"\n\n", s.StyleName, s.StylePrompt)
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderCachedStyles(styles []string) string {
	var b strings.Builder
	b.WriteString("I've made videos for that prompt before with these styles:\n\n")
	for i, s := range styles {
		fmt.Fprintf(&b, "*%d.* %s\n", i+1, capitalize(s))
	}
	b.WriteString("\nReply with a number to get that video, or reply with *'all'* to see all available style options.")
	return b.String()
}

func renderStyleOptions(options []string) string {
	var b strings.Builder
	b.WriteString("I couldn't detect a specific style. Please choose one to continue:\n\n")
	for i, s := range options {
		fmt.Fprintf(&b, "*%d.* %s\n", i+1, s)
	}
	b.WriteString("\nOr, create your own with the `/createstyle` command!")
	return b.String()
}

// capitalize upper-cases the first letter and lower-cases the rest, so "pixel art" shows as "Pixel art".
func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + strings.ToLower(s[size:])
}
