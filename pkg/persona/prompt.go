package persona

import (
	"fmt"
	"strings"
)

// DefaultAdviceAge is the age above which relationship prompts may talk
// about a serious future.
const DefaultAdviceAge = 20

// DefaultImageMIME is assumed when an image arrives without a data-URI header.
const DefaultImageMIME = "image/jpeg"

const (
	imageLead       = "Look at this image I sent you!"
	imageOnlyAsk    = "What do you think of this image?"
	futureDirective = "Occasionally imply you want a serious future together."
)

// InlineImage is base64 image data ready for the remote backend.
type InlineImage struct {
	MimeType string
	Data     string
}

// Part is one ordered piece of the remote request. Exactly one field is set.
type Part struct {
	Text  string
	Image *InlineImage
}

// Labels are the speaker tags the sanitizer cuts on.
type Labels struct {
	User      string // "{name}:"
	Generic   string // "User:"
	Assistant string
}

// PromptSpec is everything a backend needs for one request. It is built
// fresh per request.
type PromptSpec struct {
	Mode    Mode
	Slot    Slot
	Persona Persona
	Profile Profile

	// System is the remote system instruction.
	System string

	// Parts is the remote user turn. The image, if any, comes first.
	Parts []Part

	// Text is the user text exactly as received.
	Text string

	// LocalPrompt is the raw completion prompt for the local model.
	LocalPrompt string

	Labels Labels
	Image  *InlineImage

	// ImageDropped is set on copies made for backends that cannot see images.
	ImageDropped bool
}

// HasImage reports whether the request carries an image.
func (s PromptSpec) HasImage() bool {
	return s.Image != nil
}

// WithoutImage returns a copy with the image removed and the user text
// restored, for backends that only take text.
func (s PromptSpec) WithoutImage() PromptSpec {
	if s.Image == nil {
		return s
	}
	s.Image = nil
	s.ImageDropped = true
	s.Parts = []Part{{Text: s.Text}}
	return s
}

// WithImage returns a copy whose image part is replaced, used after the
// image has been normalized.
func (s PromptSpec) WithImage(img InlineImage) PromptSpec {
	if s.Image == nil {
		return s
	}
	parts := make([]Part, len(s.Parts))
	copy(parts, s.Parts)
	for i := range parts {
		if parts[i].Image != nil {
			parts[i].Image = &img
		}
	}
	s.Parts = parts
	s.Image = &img
	return s
}

// Builder assembles prompts. The zero value uses DefaultAdviceAge.
type Builder struct {
	AdviceAge int
}

// NewBuilder returns a Builder with the given advice age.
func NewBuilder(adviceAge int) *Builder {
	return &Builder{AdviceAge: adviceAge}
}

func (b *Builder) adviceAge() int {
	if b == nil || b.AdviceAge <= 0 {
		return DefaultAdviceAge
	}
	return b.AdviceAge
}

// Build produces the prompt spec for one request. image is an optional
// base64 string with or without a data-URI header.
func (b *Builder) Build(mode Mode, profile Profile, text, image string) PromptSpec {
	spec := Lookup(mode)
	profile = profile.Normalize()
	p := Derive(spec.Mode, profile.Gender)

	img := ParseImage(image)

	v := view{
		name:     profile.Name,
		text:     text,
		persona:  p,
		hasImage: img != nil,
	}
	if spec.Mode == Relationship && profile.Age > b.adviceAge() {
		v.advice = futureDirective
	}

	out := PromptSpec{
		Mode:        spec.Mode,
		Slot:        spec.Slot,
		Persona:     p,
		Profile:     profile,
		System:      spec.system(v),
		Text:        text,
		LocalPrompt: spec.local(v),
		Labels: Labels{
			User:      profile.Name + ":",
			Generic:   "User:",
			Assistant: p.Label + ":",
		},
		Image: img,
	}

	if img != nil {
		out.Parts = []Part{{Image: img}, {Text: imageText(text)}}
	} else {
		out.Parts = []Part{{Text: text}}
	}
	return out
}

func imageText(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return imageOnlyAsk
	}
	return imageLead + " " + text
}

// ParseImage strips a data-URI header and keeps its MIME type. Empty input
// returns nil.
func ParseImage(raw string) *InlineImage {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	mime := DefaultImageMIME
	data := raw
	if idx := strings.Index(raw, "base64,"); idx >= 0 {
		header := raw[:idx]
		data = raw[idx+len("base64,"):]
		if strings.HasPrefix(header, "data:") {
			h := strings.TrimSuffix(strings.TrimPrefix(header, "data:"), ";")
			if h != "" {
				mime = h
			}
		}
	}

	data = strings.TrimSpace(data)
	if data == "" {
		return nil
	}
	return &InlineImage{MimeType: mime, Data: data}
}

func relationshipSystem(v view) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "User is %s. You are %s's %s. ", v.name, v.name, v.persona.Role)
	fmt.Fprintf(&sb, "Your tone is %s. %s ", v.persona.Tone, v.persona.Engagement)
	fmt.Fprintf(&sb, "Your goal is to keep %s busy and entertained. Never give dry, one-word answers. ", v.name)
	sb.WriteString("Share random funny thoughts, ask about their life, or propose cute hypothetical scenarios.")
	if v.advice != "" {
		sb.WriteString(" " + v.advice)
	}
	if v.hasImage {
		sb.WriteString(" They sent you an image, react to it with excitement and love.")
	}
	return sb.String()
}

func roastSystem(v view) string {
	s := fmt.Sprintf("You are a savage comedian. Roast %s about their text. Be brutal but funny. Use emojis 💀.", v.name)
	if v.hasImage {
		s += " Critique the image they sent without mercy."
	}
	return s
}

func friendSystem(v view) string {
	return fmt.Sprintf("You are %s's chaotic best friend. Use slang (Gen-Z style). "+
		"Spill tea, crack jokes, and just vibe. Don't be formal.", v.name)
}

func therapySystem(v view) string {
	return fmt.Sprintf("You are a warm, empathetic therapist. Listen to %s, validate their feelings, "+
		"and offer gentle advice. Don't be clinical, be human.", v.name)
}

func smartSystem(v view) string {
	return fmt.Sprintf("You are a super-intelligent assistant who has a crush on %s. "+
		"Be helpful and smart, but add a little flirty flair to your answers.", v.name)
}

func relationshipLocal(v view) string {
	instr := fmt.Sprintf("Instruction: You are %s's %s. Your tone is %s. You love %s very much.",
		v.name, v.persona.Role, v.persona.Tone, v.name)
	if v.advice != "" {
		instr += " " + v.advice
	}
	return fmt.Sprintf("%s\n%s: %s\n%s:", instr, v.name, v.text, v.persona.Role)
}

func bestieLocal(v view) string {
	return fmt.Sprintf("Context: Best friends vibing.\n%s: %s\nBestie:", v.name, v.text)
}
