package studio

import (
	"fmt"
	"strings"
)

const analyzePrompt = `You are reviewing a product advertising image.
Describe it and reply with one JSON object with these keys:
"summary" (one sentence), "subject" (the product or person shown),
"background" (the setting), "model" (the person, or "" when there is none),
"style" (photographic style), "colors" (up to five dominant colors),
"suggestions" (up to three ideas for alternative ad variations).
Reply with the JSON object only.`

// backgroundPrompt asks for the subject to stay untouched while the setting
// changes. refs is the number of reference images sent after the source.
func backgroundPrompt(description string, refs int) string {
	var b strings.Builder
	b.WriteString("Replace the background of this product photo")
	if description != "" {
		fmt.Fprintf(&b, " with %s", description)
	}
	b.WriteString(".")
	if refs > 0 {
		b.WriteString(" Use the setting shown in the reference image")
		if refs > 1 {
			b.WriteString("s")
		}
		b.WriteString(" as the new background.")
	}
	b.WriteString(" Keep the product exactly as it is: shape, label, colors and position." +
		" Match the lighting and shadows to the new scene.")
	return b.String()
}

func modelPrompt(description string, refs int) string {
	var b strings.Builder
	b.WriteString("Replace the person in this ad")
	if description != "" {
		fmt.Fprintf(&b, " with %s", description)
	}
	b.WriteString(".")
	if refs > 0 {
		b.WriteString(" The new person should look like the reference image.")
	}
	b.WriteString(" Keep the product, the clothing fit, the pose and the background unchanged.")
	return b.String()
}

func resizePrompt(width, height int) string {
	return fmt.Sprintf("Recompose this ad for a %dx%d canvas (aspect ratio %s)."+
		" Extend the background naturally to fill the new frame."+
		" Do not crop, stretch or alter the product.", width, height, aspect(width, height))
}

func editPrompt(instruction string) string {
	return strings.TrimSpace(instruction) +
		"\nChange only what the instruction asks for and leave everything else in the image as it is."
}

func aspect(w, h int) string {
	g := gcd(w, h)
	if g == 0 {
		return "1:1"
	}
	return fmt.Sprintf("%d:%d", w/g, h/g)
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
