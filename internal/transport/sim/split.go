package sim

// Segment limits in characters (GSM 03.38 septets or UCS-2 code units).
const (
	gsmSingle  = 160
	gsmPart    = 153
	ucs2Single = 70
	ucs2Part   = 67
)

var gsmBasic = map[rune]bool{}

// Extension table characters cost two septets.
var gsmExtended = map[rune]bool{
	'^': true, '{': true, '}': true, '\\': true, '[': true, '~': true,
	']': true, '|': true, '€': true, '\f': true,
}

func init() {
	const basic = "@£$¥èéùìòÇ\nØø\rÅåΔ_ΦΓΛΩΠΨΣΘΞÆæßÉ !\"#¤%&'()*+,-./0123456789:;<=>?" +
		"¡ABCDEFGHIJKLMNOPQRSTUVWXYZÄÖÑÜ§¿abcdefghijklmnopqrstuvwxyzäöñüà"
	for _, r := range basic {
		gsmBasic[r] = true
	}
}

// isGSM reports whether every rune of s fits the GSM 7-bit alphabet.
func isGSM(s string) bool {
	for _, r := range s {
		if !gsmBasic[r] && !gsmExtended[r] {
			return false
		}
	}
	return true
}

func gsmCost(r rune) int {
	if gsmExtended[r] {
		return 2
	}
	return 1
}

func ucs2Cost(r rune) int {
	if r > 0xFFFF {
		return 2
	}
	return 1
}

// Split divides body into carrier segments. A body that fits one segment is
// returned whole; otherwise segments use the concatenation limits. Runes are
// never split across segments.
func Split(body string) []string {
	if body == "" {
		return nil
	}
	cost, single, part := ucs2Cost, ucs2Single, ucs2Part
	if isGSM(body) {
		cost, single, part = gsmCost, gsmSingle, gsmPart
	}

	total := Len(body)
	if total <= single {
		return []string{body}
	}

	out := make([]string, 0, total/part+1)
	start, used := 0, 0
	for i, r := range body {
		c := cost(r)
		if used+c > part {
			out = append(out, body[start:i])
			start, used = i, 0
		}
		used += c
	}
	if start < len(body) {
		out = append(out, body[start:])
	}
	return out
}

// Len returns the character count used for splitting.
func Len(body string) int {
	cost := ucs2Cost
	if isGSM(body) {
		cost = gsmCost
	}
	n := 0
	for _, r := range body {
		n += cost(r)
	}
	return n
}
