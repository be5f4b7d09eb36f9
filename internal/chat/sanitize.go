package chat

// Printable ASCII bounds, matching rpchat_string.c's RPCHAT_FILTER_ASCII_*
// constants: everything from '!' through '~', no space, no control bytes.
const (
	filterASCIIStart byte = '!'
	filterASCIIEnd   byte = '~'
	filterTab        byte = '\t'
	filterNewline    byte = '\n'
	filterSpace      byte = ' '
)

// sanitize drops every byte outside the printable ASCII range; when
// allowCtrl is set, tab/newline/space also survive. Forbidden bytes are
// dropped, not escaped.
func sanitize(s string, allowCtrl bool) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= filterASCIIStart && c <= filterASCIIEnd) ||
			(allowCtrl && (c == filterTab || c == filterNewline || c == filterSpace)) {
			out = append(out, c)
		}
	}
	return string(out)
}

// SanitizeUsername restricts to printable ASCII excluding space. An empty
// result fails registration (§8, "Sanitization").
func SanitizeUsername(s string) string {
	return sanitize(s, false)
}

// SanitizeMessage allows printable ASCII plus tab, newline, and space. Used
// for SEND payloads and for system notices ("X has joined the server.").
func SanitizeMessage(s string) string {
	return sanitize(s, true)
}
