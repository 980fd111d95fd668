package portal

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// parser extracts text values from a response document. matched is false
// when the markup the parser relies on is absent, so the next parser in
// the chain is tried.
type parser func(doc *goquery.Document) (values []string, matched bool)

var quotedArg = regexp.MustCompile(`'([^']*)'|"([^"]*)"`)

func runParsers(doc *goquery.Document, parsers ...parser) ([]string, bool) {
	for _, p := range parsers {
		if values, ok := p(doc); ok {
			return dedupe(values), true
		}
	}
	return nil, false
}

// liveRow is one SMS row of the live feed table.
type liveRow struct {
	Number string
	Text   string
}

type liveParser func(doc *goquery.Document) (rows []liveRow, matched bool)

var livePhone = regexp.MustCompile(`^\+?\d{8,15}$`)

// minLiveTextLen separates SMS bodies from the short sender and time cells.
const minLiveTextLen = 16

func runLiveParsers(doc *goquery.Document, parsers ...liveParser) ([]liveRow, bool) {
	for _, p := range parsers {
		if rows, ok := p(doc); ok {
			return rows, true
		}
	}
	return nil, false
}

// rowParser matches when container is present, then reads its rows with at
// least three cells: the cell that is a bare phone number and the first cell
// long enough to be an SMS body.
func rowParser(container, rowSelector, cellSelector string) liveParser {
	return func(doc *goquery.Document) ([]liveRow, bool) {
		box := doc.Find(container)
		if box.Length() == 0 {
			return nil, false
		}
		var rows []liveRow
		seen := make(map[liveRow]struct{})
		box.Find(rowSelector).Each(func(_ int, tr *goquery.Selection) {
			cells := tr.ChildrenFiltered(cellSelector)
			if cells.Length() < 3 {
				return
			}
			var row liveRow
			cells.Each(func(_ int, td *goquery.Selection) {
				text := strings.TrimSpace(td.Text())
				compact := strings.ReplaceAll(text, " ", "")
				switch {
				case row.Number == "" && livePhone.MatchString(compact):
					row.Number = strings.TrimPrefix(compact, "+")
				case row.Text == "" && len([]rune(text)) >= minLiveTextLen:
					row.Text = text
				}
			})
			if row.Number == "" || row.Text == "" {
				return
			}
			if _, ok := seen[row]; ok {
				return
			}
			seen[row] = struct{}{}
			rows = append(rows, row)
		})
		return rows, true
	}
}

func textParser(selector string) parser {
	return func(doc *goquery.Document) ([]string, bool) {
		sel := doc.Find(selector)
		if sel.Length() == 0 {
			return nil, false
		}
		values := make([]string, 0, sel.Length())
		sel.Each(func(_ int, s *goquery.Selection) {
			values = append(values, s.Text())
		})
		return values, true
	}
}

// onclickParser reads the first quoted argument of the handler call in each
// matching element's onclick attribute.
func onclickParser(fn string) parser {
	selector := `[onclick*="` + fn + `"]`
	return func(doc *goquery.Document) ([]string, bool) {
		sel := doc.Find(selector)
		if sel.Length() == 0 {
			return nil, false
		}
		var values []string
		sel.Each(func(_ int, s *goquery.Selection) {
			onclick, _ := s.Attr("onclick")
			// getDetials also prefixes getDetialsNumber; skip the other handler.
			idx := strings.Index(onclick, fn+"(")
			if idx < 0 {
				return
			}
			m := quotedArg.FindStringSubmatch(onclick[idx:])
			if m == nil {
				return
			}
			values = append(values, m[1]+m[2])
		})
		return values, len(values) > 0
	}
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// CSRFToken finds the page token, preferring the meta tag over the form field.
func CSRFToken(doc *goquery.Document) string {
	if token, ok := doc.Find(`meta[name="csrf-token"]`).Attr("content"); ok && strings.TrimSpace(token) != "" {
		return strings.TrimSpace(token)
	}
	if token, ok := doc.Find(`input[name="_token"]`).Attr("value"); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// IsLoginPage reports whether the document renders the login form.
func IsLoginPage(doc *goquery.Document) bool {
	return doc.Find(`input[name="password"]`).Length() > 0
}
