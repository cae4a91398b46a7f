package outreach

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// defaultMessages are the canned outreach texts keyed by tier. Each contains
// a {firstName} placeholder. The tier 1 message tells the customer they do
// not need to be home.
var defaultMessages = map[int]string{
	1: "Hey {firstName}, we had a cancellation and are pulling your project forward. We'll be stopping by shortly. Let us know if this is an issue. Remember, you don't have to be home -- we just need roof access. We'll send your full assessment with before and after photos when we're done.",
	2: "Hey {firstName}, you're coming up on your scheduled maintenance and we're already nearby. We can complete your service today if that works for you.",
	3: "Hey {firstName}, we had a cancellation nearby and can fit you in today if that works.",
	4: "Hey {firstName}, we have an unexpected opening in your area today. If you'd like to move your appointment forward, we can complete it this afternoon. Otherwise your current appointment stays as is.",
	5: "Hey {firstName}, we're working in your area and noticed it's been a while since your last cleaning. We have an opening this afternoon if you're interested.",
}

// Templates holds the per-tier outreach message catalog.
type Templates struct {
	messages map[int]string
}

// DefaultTemplates returns the built-in message catalog.
func DefaultTemplates() *Templates {
	msgs := make(map[int]string, len(defaultMessages))
	for k, v := range defaultMessages {
		msgs[k] = v
	}
	return &Templates{messages: msgs}
}

// LoadTemplates reads a YAML file mapping tier numbers to message texts and
// overlays it on the defaults. Tiers absent from the file keep their built-in
// message.
func LoadTemplates(path string) (*Templates, error) {
	t := DefaultTemplates()
	if path == "" {
		return t, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "outreach: read templates %s", path)
	}

	var overrides map[int]string
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, eris.Wrapf(err, "outreach: parse templates %s", path)
	}
	for tier, msg := range overrides {
		if tier < 1 || tier > 5 {
			return nil, eris.Errorf("outreach: template tier %d out of range", tier)
		}
		t.messages[tier] = msg
	}
	return t, nil
}

// Message returns the raw template for a tier. Unknown tiers fall back to the
// tier 5 message.
func (t *Templates) Message(tier int) string {
	if msg, ok := t.messages[tier]; ok {
		return msg
	}
	return t.messages[5]
}

// Render substitutes the customer's first name into the tier's template.
func (t *Templates) Render(tier int, firstName string) string {
	return strings.ReplaceAll(t.Message(tier), "{firstName}", firstName)
}
