package patterns

import (
	"strings"
	"unicode"

	"github.com/biter777/countries"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// UnknownFlag marks a country that could not be resolved.
const UnknownFlag = "🌍"

// countryAliases rewrites portal range names into display names. Keys are
// title-cased; every value must resolve through countries.ByName so the
// flag lookup agrees with the name shown.
var countryAliases = map[string]string{
	"Ivory":       "Cote d'Ivoire",
	"Ivory Coast": "Cote d'Ivoire",
	"Cote":        "Cote d'Ivoire",
	"Usa":         "United States",
	"Us":          "United States",
	"America":     "United States",
	"Uk":          "United Kingdom",
	"England":     "United Kingdom",
	"Britain":     "United Kingdom",
	"Uae":         "United Arab Emirates",
	"Emirates":    "United Arab Emirates",
	"Drc":         "DR Congo",
	"Dr Congo":    "DR Congo",
	"Korea":       "South Korea",
	"Viet":        "Vietnam",
	"Burma":       "Myanmar",
	"Holland":     "Netherlands",
	"Czech":       "Czech Republic",
	"Bosnia":      "Bosnia and Herzegovina",
	"Cape":        "Cabo Verde",
	"Sierra":      "Sierra Leone",
	"Burkina":     "Burkina Faso",
	"South":       "South Africa",
	"Saudi":       "Saudi Arabia",
	"Sri":         "Sri Lanka",
	"Costa":       "Costa Rica",
	"El":          "El Salvador",
	"New":         "New Zealand",
	"Papua":       "Papua New Guinea",
	"Dominican":   "Dominican Republic",
	"Central":     "Central African Republic",
	"Equatorial":  "Equatorial Guinea",
}

var titleCaser = cases.Title(language.English)

// CountryName resolves a portal range name ("BENIN 761") to a display
// country name ("Benin"). Multi-word names are tried whole before the
// first token is used. Returns "" for an empty range name.
func CountryName(rangeName string) string {
	words := nameWords(rangeName)
	if len(words) == 0 {
		return ""
	}

	whole := titleCaser.String(strings.Join(words, " "))
	if len(words) > 1 {
		if alias, ok := countryAliases[whole]; ok {
			return alias
		}
		if countries.ByName(whole) != countries.Unknown {
			return whole
		}
	}

	first := titleCaser.String(words[0])
	if alias, ok := countryAliases[first]; ok {
		return alias
	}
	return first
}

// Flag returns the regional-indicator flag for a country name.
func Flag(country string) (string, bool) {
	if country == "" {
		return UnknownFlag, false
	}
	code := countries.ByName(country)
	if code == countries.Unknown {
		return UnknownFlag, false
	}
	return flagFromAlpha2(code.Alpha2())
}

// CountryLabel renders "🇧🇯 Benin" for a range name, or an unknown marker.
func CountryLabel(rangeName string) string {
	name := CountryName(rangeName)
	if name == "" {
		return UnknownFlag + " Unknown"
	}
	flag, _ := Flag(name)
	return flag + " " + name
}

func flagFromAlpha2(alpha2 string) (string, bool) {
	if len(alpha2) != 2 {
		return UnknownFlag, false
	}
	var b strings.Builder
	for _, r := range strings.ToUpper(alpha2) {
		if r < 'A' || r > 'Z' {
			return UnknownFlag, false
		}
		b.WriteRune(0x1F1E6 + (r - 'A'))
	}
	return b.String(), true
}

// nameWords drops trailing numeric tokens such as the range id in "BENIN 761".
func nameWords(rangeName string) []string {
	words := strings.Fields(rangeName)
	for len(words) > 0 && isNumeric(words[len(words)-1]) {
		words = words[:len(words)-1]
	}
	return words
}

func isNumeric(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return s != ""
}
