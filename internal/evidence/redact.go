package evidence

import "regexp"

var (
	emailRe = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	ibanRe  = regexp.MustCompile(`(?i)\b[a-z]{2}\d{2}[a-z0-9]{10,30}\b`)
)

// RedactPreserveLength masks email addresses and IBANs with '*' while keeping
// the text length unchanged, so evidence offsets computed over the redacted
// text remain valid against the canonical text.
func RedactPreserveLength(text string) string {
	chars := []byte(text)
	for _, re := range []*regexp.Regexp{emailRe, ibanRe} {
		for _, m := range re.FindAllStringIndex(text, -1) {
			for i := m[0]; i < m[1]; i++ {
				chars[i] = '*'
			}
		}
	}
	return string(chars)
}
