package batch

import "strings"

// ErrorPolicy decides what the user sees when a flush fails. Errors whose
// text contains one of the markers are considered safe to surface verbatim;
// anything else gets the generic notice so internals never leak into chat.
type ErrorPolicy struct {
	// Markers are lowercase substrings that flag an error as user-visible.
	Markers []string
	// GenericNotice is sent for every unmarked error.
	GenericNotice string
}

// DefaultErrorPolicy returns the stock marker table.
func DefaultErrorPolicy() ErrorPolicy {
	return ErrorPolicy{
		Markers: []string{"rate limit", "quota exceeded", "service unavailable"},
		GenericNotice: "Desculpe, ocorreu um erro ao processar sua mensagem. " +
			"Por favor, tente novamente em alguns instantes.",
	}
}

// Notice returns the text to send for a failed flush.
func (p ErrorPolicy) Notice(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range p.Markers {
		if marker != "" && strings.Contains(msg, strings.ToLower(marker)) {
			return err.Error()
		}
	}
	return p.GenericNotice
}
