// Package patterns holds the static lookup tables used to classify scraped
// SMS text: which service sent it and which country a range belongs to.
package patterns

import "regexp"

// UnknownService is reported when no service pattern matches.
const UnknownService = "Unknown"

// Service maps a display name to the pattern that identifies it in SMS text.
type Service struct {
	Name    string
	Pattern *regexp.Regexp
}

// Services is ordered: the first matching entry wins, so more specific
// senders must precede broader ones.
var Services = []Service{
	{"WhatsApp", regexp.MustCompile(`(?i)whats\s*app`)},
	{"Telegram", regexp.MustCompile(`(?i)telegram`)},
	{"Instagram", regexp.MustCompile(`(?i)instagram`)},
	{"Facebook", regexp.MustCompile(`(?i)facebook|\bfb\b|\bmeta\b`)},
	{"Messenger", regexp.MustCompile(`(?i)messenger`)},
	{"Twitter", regexp.MustCompile(`(?i)twitter|\bx\.com\b`)},
	{"TikTok", regexp.MustCompile(`(?i)tik\s*tok`)},
	{"Snapchat", regexp.MustCompile(`(?i)snapchat`)},
	{"Discord", regexp.MustCompile(`(?i)discord`)},
	{"Signal", regexp.MustCompile(`(?i)\bsignal\b`)},
	{"Viber", regexp.MustCompile(`(?i)viber`)},
	{"WeChat", regexp.MustCompile(`(?i)we\s*chat`)},
	{"LINE", regexp.MustCompile(`(?i)\bline\b`)},
	{"imo", regexp.MustCompile(`(?i)\bimo\b`)},
	{"YouTube", regexp.MustCompile(`(?i)youtube`)},
	{"Google", regexp.MustCompile(`(?i)google|\bg-\d{4,8}\b`)},
	{"Microsoft", regexp.MustCompile(`(?i)microsoft|outlook|hotmail`)},
	{"Apple", regexp.MustCompile(`(?i)\bapple\b|icloud`)},
	{"Amazon", regexp.MustCompile(`(?i)amazon`)},
	{"Yahoo", regexp.MustCompile(`(?i)yahoo`)},
	{"LinkedIn", regexp.MustCompile(`(?i)linkedin`)},
	{"Netflix", regexp.MustCompile(`(?i)netflix`)},
	{"PayPal", regexp.MustCompile(`(?i)paypal`)},
	{"Binance", regexp.MustCompile(`(?i)binance`)},
	{"Uber", regexp.MustCompile(`(?i)\buber\b`)},
	{"Tinder", regexp.MustCompile(`(?i)tinder`)},
}

// ServiceFor returns the first service whose pattern matches text.
func ServiceFor(text string) string {
	for _, s := range Services {
		if s.Pattern.MatchString(text) {
			return s.Name
		}
	}
	return UnknownService
}
