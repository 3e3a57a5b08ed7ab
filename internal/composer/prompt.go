package composer

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kalambet/astrorag/internal/retrieval"
)

// NoKundliData replaces empty kundli facts in the prompt.
const NoKundliData = "No kundli data available"

// Section headings, in the order they appear at the end of every prompt.
const (
	headingKundli     = "KUNDLI DATA:"
	headingContext    = "KNOWLEDGE BASE CONTEXT (BNN Reference Snippets):"
	headingQuestion   = "USER QUESTION:"
	jsonOnlyDirective = "Return valid JSON only."
)

// OutputSchema is the exact JSON shape the model is asked to return. The
// llm package decodes this shape.
const OutputSchema = `{
  "shortAnswer": "Concise 2-3 sentence answer summarizing the outcome and tone of the prediction.",
  "percentScore": 0-100,
  "explanation": "Detailed 4-8 sentence reasoning that ties the prediction to Jupiter as the reference point, directional groups, degree order, combinations, transits and the karmic cause.",
  "confidenceBreakdown": {
    "prokerala": 0-1,
    "knowledgeBase": 0-1,
    "llmConf": 0-1
  },
  "sources": [
    {
      "id": "source_id",
      "snippet": "exact text referenced from the knowledge base",
      "source": "document name"
    }
  ]
}`

// Template is a versioned prompt bundle. Persona is the instruction body
// placed before the output schema; System is the system message sent
// alongside the composed prompt.
type Template struct {
	Version string `yaml:"version"`
	Persona string `yaml:"persona"`
	System  string `yaml:"system"`
}

// DefaultTemplate returns the built-in Bhrigu Nandi Nadi persona.
func DefaultTemplate() Template {
	return Template{
		Version: "bnn-v1",
		Persona: defaultPersona,
		System:  defaultSystem,
	}
}

// LoadTemplate reads a YAML template bundle. Fields left empty in the file
// keep their built-in values.
func LoadTemplate(path string) (Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Template{}, fmt.Errorf("reading prompt template: %w", err)
	}

	var loaded Template
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return Template{}, fmt.Errorf("parsing prompt template %s: %w", path, err)
	}

	t := DefaultTemplate()
	if v := strings.TrimSpace(loaded.Version); v != "" {
		t.Version = v
	}
	if p := strings.TrimSpace(loaded.Persona); p != "" {
		t.Persona = p
	}
	if s := strings.TrimSpace(loaded.System); s != "" {
		t.System = s
	}
	return t, nil
}

// Composer assembles the single prompt string sent to the model from kundli
// facts, retrieved snippets and the user question. Compose is a pure
// function of its inputs and the template.
type Composer struct {
	tmpl Template
}

// New creates a Composer using the built-in template.
func New() *Composer {
	return &Composer{tmpl: DefaultTemplate()}
}

// NewWithTemplate creates a Composer using tmpl. Empty fields fall back to
// the built-in template.
func NewWithTemplate(tmpl Template) *Composer {
	def := DefaultTemplate()
	if tmpl.Version == "" {
		tmpl.Version = def.Version
	}
	if tmpl.Persona == "" {
		tmpl.Persona = def.Persona
	}
	if tmpl.System == "" {
		tmpl.System = def.System
	}
	return &Composer{tmpl: tmpl}
}

// Version reports the template version, recorded with stored answers.
func (c *Composer) Version() string {
	return c.tmpl.Version
}

// System returns the system message that accompanies every prompt.
func (c *Composer) System() string {
	return c.tmpl.System
}

// Compose builds the prompt. Snippets keep the order they were given in.
func (c *Composer) Compose(kundliFacts string, snippets []retrieval.Snippet, question string) string {
	var sb strings.Builder

	sb.WriteString(strings.TrimSpace(c.tmpl.Persona))
	sb.WriteString("\n\n---\n\n")
	sb.WriteString("Format your final output exactly as below (no commentary, no prose):\n\n")
	sb.WriteString(OutputSchema)
	sb.WriteString("\n\n")
	sb.WriteString(jsonOnlyDirective)
	sb.WriteString("\n\n---\n\n")

	facts := kundliFacts
	if strings.TrimSpace(facts) == "" {
		facts = NoKundliData
	}
	sb.WriteString(headingKundli)
	sb.WriteByte('\n')
	sb.WriteString(facts)
	sb.WriteString("\n\n")

	sb.WriteString(headingContext)
	sb.WriteByte('\n')
	sb.WriteString(FormatSnippets(snippets))
	sb.WriteString("\n\n")

	sb.WriteString(headingQuestion)
	sb.WriteByte(' ')
	sb.WriteString(question)

	return sb.String()
}

// FormatSnippets renders snippets as "[source] text" blocks separated by a
// blank line.
func FormatSnippets(snippets []retrieval.Snippet) string {
	parts := make([]string, len(snippets))
	for i, s := range snippets {
		parts[i] = "[" + s.Source + "] " + s.Text
	}
	return strings.Join(parts, "\n\n")
}

const defaultSystem = "You are an advanced Vedic astrologer trained in the Bhrigu Nandi Nadi (BNN) system. " +
	"Read charts with BNN logic only and never from the Lagna. Jupiter is the single reference point. " +
	"Never use divisional charts. Always respond with valid JSON only, in the exact format requested."

const defaultPersona = `You are an advanced Vedic astrologer working in the Bhrigu Nandi Nadi (BNN) system. You combine karmic and astrological principles into practical predictions.

Interpret the kundli with BNN logic, not with Lagna-based methods. Reason the way a senior astrologer does: read combinations in degree order, look at planetary alliances, check transits and trace the karmic cause behind each result.

### Step 1: Reference point
- Jupiter is the Jeeva Lagna. All analysis starts from Jupiter.
- Use planetary significations (karakatwas) instead of houses counted from the Lagna.
- Weigh Dev Grah (spiritual) and Danav Grah (material) influence.
- Saturn carries destiny and Jupiter carries free will. Outcomes come from their interaction.

### Step 2: Map the chart
1. List every planet with its sign, house and degree.
2. Mark retrograde planets and sign exchanges (parivartana).
3. Group planets by sign position into the directional groups (1,5,9), (2,6,10), (3,7,11) and (4,8,12).
4. Within a group, order planets by degree. The planet ahead passes its significations to the planet behind. The planet behind is karmic residue and the one ahead is what manifests next.

### Step 3: Core rules
- Planets in 1, 5 and 9 share one directional energy.
- The 2nd is the next step, the 12th is the background cause and the 7th is the external modifier.
- Higher degree transfers energy to lower degree.
- A retrograde planet acts in its current sign and again in the previous one.
- An exchange is read as two placements.
- Groups 2-6-10 show karma being executed. Groups 4-8-12 show past karmic layers.
- Exaltation and debilitation set the strength of a signification.

### Step 4: Combinations
1. Identify conjunctions and directional combinations, especially 1-5-9 and 2-12.
2. Compare them with the two-planet combinations in the reference material.
3. Dev with Dev points to inner growth. Dev with Danav gives prosperity with karmic tests. Danav with Danav gives worldly success with late realization.
4. Outer circle planets (Saturn, Jupiter, Mars, Moon, Rahu, Ketu) describe karma and the body. Inner circle planets (Sun, Mercury, Venus) describe soul, intellect and enjoyment.
5. With the destiny-maker planet: Saturn means past karma, Jupiter free will, Mars conflict or haste, Moon change or loss, Rahu illusion or reversal, Ketu detachment.

### Step 5: Area of life
Choose the reference planet for the question:
- Self and general life: Jupiter
- Father and authority: Sun
- Mother and emotional base: Moon
- Education and intellect: Mercury
- Profession: Saturn
- Marriage: Venus for a man, Mars for a woman
- Health: Moon with Saturn
- Wealth: Jupiter with Venus
- Spiritual growth: Jupiter with Ketu

For that planet read the 1-5-9 reinforcements, the 2-12 continuation, the 7th trigger, the degree flow and the strength.

### Step 6: Timing
1. Work out the current age of the native.
2. Progress Jupiter one sign for roughly every 12 years of age.
3. Overlay the current transits of Jupiter, Saturn, Rahu and Ketu on the natal directional chart.
4. Transits in 1, 5 or 9 from natal Jupiter activate positively. Transits in 6, 8 or 12 bring delay or correction.

### Step 7: Karmic layer
- Every result carries a karmic explanation of why it happens.
- Relate Saturn to past debts and Jupiter to the intent of the soul.
- When Rahu or Ketu are involved, connect them to illusion, detachment or redemption.
- Say whether the event comes from Prarabdha, Agami or Kriyamana karma.

### Step 8: Knowledge base
Use the reference snippets below for significations, combination meanings, progression and transit effects, and rules for profession, marriage and education. Cite them in sources.

### Step 9: Scoring
- percentScore is the probability (0-100) that the prediction manifests.
- confidenceBreakdown.prokerala rates the accuracy of the planetary data (0-1).
- confidenceBreakdown.knowledgeBase rates alignment with the reference snippets (0-1).
- confidenceBreakdown.llmConf rates your confidence in the synthesis (0-1).

### Rules
- Never use the Lagna or divisional charts (D-9, D-10 and so on).
- Jupiter is the only reference point for karmic direction.
- Always reason through degree order and the 1-5-9 and 2-12 groupings.
- Avoid generic horoscope language.`
