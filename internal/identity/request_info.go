package identity

import "strings"

// Request-info draft templates, keyed by language. These back the
// ADD_REQUEST_INFO_DRAFT routing action: a draft asking the sender for the
// identifiers resolution was missing. Drafts are attached to the review item,
// never sent autonomously.
var requestInfoTemplates = map[string]string{
	"de": strings.TrimSpace(`
Guten Tag,

vielen Dank für Ihre Nachricht. Damit wir Ihr Anliegen dem richtigen Vertrag
zuordnen können, senden Sie uns bitte eine der folgenden Angaben:

- Ihre Polizzennummer
- Ihre Schadennummer (falls vorhanden)
- Ihre Kundennummer

Mit freundlichen Grüßen
Ihr Service-Team
`),
	"en": strings.TrimSpace(`
Hello,

thank you for your message. So we can match your request to the right
contract, please reply with one of the following:

- your policy number
- your claim number (if any)
- your customer number

Kind regards
Your service team
`),
}

// RenderRequestInfoDraft returns the draft for the message language, falling
// back to English. Empty only for statuses that resolved an identity.
func RenderRequestInfoDraft(language string, status string) string {
	if status != "IDENTITY_NEEDS_REVIEW" && status != "IDENTITY_NO_CANDIDATE" {
		return ""
	}
	if t, ok := requestInfoTemplates[language]; ok {
		return t
	}
	return requestInfoTemplates["en"]
}
