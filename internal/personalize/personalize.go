package personalize

import (
	"strings"

	"github.com/vkaroly/sms-dispatch/internal/model"
)

// Render substitutes named placeholders in template with the recipient's
// fields. A placeholder whose field is absent or empty is left verbatim.
// Substituted values are treated as plain text: the output is built in a
// single pass, so a value containing brace characters is never re-expanded.
func Render(template string, rec model.Recipient) string {
	fields := map[string]string{
		"name":         rec.Name,
		"custom_field": rec.CustomField,
	}

	var b strings.Builder
	b.Grow(len(template))

	for i := 0; i < len(template); {
		open := strings.IndexByte(template[i:], '{')
		if open < 0 {
			b.WriteString(template[i:])
			break
		}
		open += i

		closing := strings.IndexByte(template[open:], '}')
		if closing < 0 {
			b.WriteString(template[i:])
			break
		}
		closing += open

		val, ok := fields[template[open+1:closing]]
		if ok && val != "" {
			b.WriteString(template[i:open])
			b.WriteString(val)
		} else {
			b.WriteString(template[i : closing+1])
		}
		i = closing + 1
	}

	return b.String()
}
