package match

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Kind is the identifier category that produced a hit.
type Kind string

const (
	KindCNPJ               Kind = "cnpj"
	KindInscricaoEstadual  Kind = "inscricao_estadual"
	KindNome               Kind = "nome"
	KindTermoPersonalizado Kind = "termo_personalizado"
	KindVariante           Kind = "variante"
)

// Fixed per-kind confidence constants. The exact values are a project
// choice; the ordering cnpj ≥ inscrição ≥ nome ≥ termo ≥ variante is a
// contract callers may rely on.
var kindScores = map[Kind]float64{
	KindCNPJ:               1.0,
	KindInscricaoEstadual:  0.95,
	KindNome:               0.9,
	KindTermoPersonalizado: 0.8,
	KindVariante:           0.6,
}

// Score returns the confidence constant for a match kind.
func Score(k Kind) float64 {
	return kindScores[k]
}

// Variant is one searchable term derived from a company's identifiers.
type Variant struct {
	Term string `json:"term"`
	Kind Kind   `json:"kind"`
}

// connectives are Portuguese words skipped when deriving the acronym.
var connectives = map[string]bool{
	"de": true, "da": true, "do": true, "das": true, "dos": true, "e": true,
}

// BuildVariants derives the search-variant set for a company. The result is
// a derived field: callers regenerate it any time name, CNPJ, inscrição
// estadual or custom terms change.
func BuildVariants(name, cnpj, inscricaoEstadual string, customTerms []string) []Variant {
	var out []Variant
	add := func(term string, kind Kind) {
		term = strings.TrimSpace(term)
		if term == "" {
			return
		}
		key := strings.ToLower(term)
		for i, v := range out {
			if strings.ToLower(v.Term) == key {
				// Keep the highest-scoring kind for a duplicate term.
				if Score(kind) > Score(v.Kind) {
					out[i].Kind = kind
				}
				return
			}
		}
		out = append(out, Variant{Term: term, Kind: kind})
	}

	if name = strings.TrimSpace(name); name != "" {
		add(name, KindNome)
		add(strings.ToUpper(name), KindVariante)
		add(StripAccents(name), KindVariante)
		if acr := acronym(name); len(acr) >= 2 {
			add(acr, KindVariante)
		}
	}

	if digits := DigitsOnly(cnpj); len(digits) == 14 {
		add(digits, KindCNPJ)
		add(FormatCNPJ(digits), KindCNPJ)
	}

	if digits := DigitsOnly(inscricaoEstadual); digits != "" {
		add(digits, KindInscricaoEstadual)
	}

	for _, t := range customTerms {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		add(t, KindTermoPersonalizado)
		add(StripAccents(t), KindVariante)
	}

	return out
}

// StripAccents removes combining marks: "Petróleo" → "Petroleo".
func StripAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// DigitsOnly strips every non-digit character.
func DigitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// FormatCNPJ renders 14 digits as XX.XXX.XXX/XXXX-XX.
func FormatCNPJ(digits string) string {
	if len(digits) != 14 {
		return digits
	}
	return digits[0:2] + "." + digits[2:5] + "." + digits[5:8] + "/" + digits[8:12] + "-" + digits[12:14]
}

// acronym builds an initials acronym from the significant words of a name:
// "Companhia Siderúrgica Nacional" → "CSN".
func acronym(name string) string {
	var b strings.Builder
	for _, w := range strings.Fields(name) {
		lw := strings.ToLower(strings.Trim(w, ".,"))
		if connectives[lw] || len(lw) < 3 {
			continue
		}
		r := []rune(w)[0]
		if unicode.IsLetter(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return StripAccents(b.String())
}
