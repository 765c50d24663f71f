package anonymizer

import (
	"fmt"
	"math/rand/v2"
	"net/netip"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"phi-deid/internal/phi"
)

const (
	consonants = "bcdfghjklmnprstvwz"
	vowels     = "aeiou"
	upperAlpha = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	lowerAlpha = "abcdefghijklmnopqrstuvwxyz"
)

// dateLayouts are tried in order; the first that parses is reused for output.
var dateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"01-02-2006",
	"01/02/06",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"2 Jan 2006",
	"January 2006",
}

// generate produces a format-preserving substitute for original. All
// randomness comes from r, so the result is a pure function of r's seed.
func generate(kind phi.Kind, original string, r *rand.Rand) string {
	switch kind {
	case phi.KindSSN:
		return ssnLike(original, r)
	case phi.KindEmail:
		return emailLike(original, r)
	case phi.KindName, phi.KindOrganization, phi.KindLocation:
		return wordsLike(original, r)
	case phi.KindDate:
		return dateLike(original, r)
	case phi.KindIPAddress:
		return ipLike(original, r)
	case phi.KindURL:
		return urlLike(original, r)
	}
	return classPreserving(original, r)
}

// fallbackToken is used when format-preserving generation keeps colliding.
func fallbackToken(kind phi.Kind, r *rand.Rand) string {
	return fmt.Sprintf("%s-%08x", kind.Label(), r.Uint32())
}

// classPreserving replaces every ASCII digit with a random digit and every
// letter with a random ASCII letter of the same case. Everything else is kept.
func classPreserving(s string, r *rand.Rand) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
			b.WriteByte(byte('0' + r.IntN(10)))
		case unicode.IsUpper(c):
			b.WriteByte(upperAlpha[r.IntN(len(upperAlpha))])
		case unicode.IsLetter(c):
			b.WriteByte(lowerAlpha[r.IntN(len(lowerAlpha))])
		default:
			b.WriteRune(c)
		}
	}
	return b.String()
}

// ssnLike lays a valid area-group-serial triple into the digit positions of
// original. Inputs without exactly nine digits fall back to classPreserving.
func ssnLike(original string, r *rand.Rand) string {
	digits := 0
	for i := 0; i < len(original); i++ {
		if original[i] >= '0' && original[i] <= '9' {
			digits++
		}
	}
	if digits != 9 {
		return classPreserving(original, r)
	}

	area := 1 + r.IntN(899)
	for area == 666 {
		area = 1 + r.IntN(899)
	}
	fresh := fmt.Sprintf("%03d%02d%04d", area, 1+r.IntN(99), 1+r.IntN(9999))

	out := []byte(original)
	j := 0
	for i := range out {
		if out[i] >= '0' && out[i] <= '9' {
			out[i] = fresh[j]
			j++
		}
	}
	return string(out)
}

// emailLike keeps the shape of the local part and the top-level domain.
func emailLike(original string, r *rand.Rand) string {
	at := strings.LastIndexByte(original, '@')
	if at <= 0 || at == len(original)-1 {
		return classPreserving(original, r)
	}
	local, domain := original[:at], original[at+1:]

	labels := strings.Split(domain, ".")
	last := len(labels) - 1
	if last == 0 {
		return classPreserving(local, r) + "@" + classPreserving(domain, r)
	}
	for i := 0; i < last; i++ {
		labels[i] = classPreserving(labels[i], r)
	}
	return classPreserving(local, r) + "@" + strings.Join(labels, ".")
}

// wordsLike replaces each run of letters with a pronounceable word of the
// same length, keeping the run's capitalisation style. Digits are replaced
// and punctuation is kept, so "12 O'Brien St" keeps its shape.
func wordsLike(original string, r *rand.Rand) string {
	var b strings.Builder
	b.Grow(len(original))
	for i := 0; i < len(original); {
		c, size := utf8.DecodeRuneInString(original[i:])
		if !unicode.IsLetter(c) {
			if c >= '0' && c <= '9' {
				b.WriteByte(byte('0' + r.IntN(10)))
			} else {
				b.WriteRune(c)
			}
			i += size
			continue
		}
		j := i
		for j < len(original) {
			c, size := utf8.DecodeRuneInString(original[j:])
			if !unicode.IsLetter(c) {
				break
			}
			j += size
		}
		b.WriteString(matchCase(original[i:j], pronounceable(utf8.RuneCountInString(original[i:j]), r)))
		i = j
	}
	return b.String()
}

// pronounceable returns n lowercase letters alternating consonants and vowels.
func pronounceable(n int, r *rand.Rand) string {
	b := make([]byte, n)
	vowel := r.IntN(2) == 0
	for i := range b {
		if vowel {
			b[i] = vowels[r.IntN(len(vowels))]
		} else {
			b[i] = consonants[r.IntN(len(consonants))]
		}
		vowel = !vowel
	}
	return string(b)
}

// matchCase applies the capitalisation style of model to word.
// Casers are stateful, so each call builds its own.
func matchCase(model, word string) string {
	first, _ := utf8.DecodeRuneInString(model)
	if !unicode.IsUpper(first) {
		return word
	}
	upper := cases.Upper(language.Und)
	if utf8.RuneCountInString(model) > 1 && upper.String(model) == model {
		return upper.String(word)
	}
	return cases.Title(language.Und).String(word)
}

// dateLike shifts a parseable date by 1 to 365 days and prints it in the
// layout it was written in.
func dateLike(original string, r *rand.Rand) string {
	trimmed := strings.TrimSpace(original)
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, trimmed)
		if err != nil {
			continue
		}
		shifted := t.AddDate(0, 0, 1+r.IntN(365))
		if layout == "January 2006" && shifted.Month() == t.Month() && shifted.Year() == t.Year() {
			shifted = shifted.AddDate(0, 1, 0)
		}
		return strings.Replace(original, trimmed, shifted.Format(layout), 1)
	}
	return classPreserving(original, r)
}

// ipLike maps IPv4 into 10.0.0.0/8 and IPv6 into fd00::/8.
func ipLike(original string, r *rand.Rand) string {
	addr, err := netip.ParseAddr(original)
	if err != nil {
		return classPreserving(original, r)
	}
	if addr.Is4() {
		return netip.AddrFrom4([4]byte{10, byte(r.IntN(256)), byte(r.IntN(256)), byte(1 + r.IntN(254))}).String()
	}
	var b [16]byte
	b[0] = 0xfd
	for i := 1; i < len(b); i++ {
		b[i] = byte(r.IntN(256))
	}
	return netip.AddrFrom16(b).String()
}

// urlLike keeps the scheme and the punctuation of the rest.
func urlLike(original string, r *rand.Rand) string {
	if i := strings.Index(original, "://"); i >= 0 {
		return original[:i+3] + classPreserving(original[i+3:], r)
	}
	return classPreserving(original, r)
}
