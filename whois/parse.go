package whois

import (
	"bufio"
	"strings"
	"time"
)

var notFoundMarkers = []string{
	"no match for",
	"not found",
	"no data found",
	"no entries found",
	"no object found",
	"domain not found",
	"status: free",
	"status: available",
	"is available for registration",
}

var creationKeys = map[string]bool{
	"creation date":            true,
	"created":                  true,
	"created on":               true,
	"created date":             true,
	"domain created":           true,
	"registered":               true,
	"registered on":            true,
	"registration date":        true,
	"registration time":        true,
	"domain registration date": true,
	"domain record activated":  true,
	"commencement date":        true,
}

var referralKeys = map[string]bool{
	"refer":                   true,
	"whois":                   true,
	"registrar whois server":  true,
	"referralserver":          true,
	"registrar whois servers": true,
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05 MST",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02-Jan-2006",
	"2-Jan-2006",
	"02-Jan-2006 15:04:05 MST",
	"2006.01.02",
	"02.01.2006",
	"2006/01/02",
	"02/01/2006",
	"January 2 2006",
	"Mon Jan 2 15:04:05 MST 2006",
	"20060102",
}

// answer holds the fields of one WHOIS response.
type answer struct {
	created   time.Time
	hasDate   bool
	registrar string
	referral  string
	notFound  bool
}

// parseAnswer extracts the creation date, registrar and referral server
// from a free-form "key: value" WHOIS response.
func parseAnswer(raw string) answer {
	var a answer

	lower := strings.ToLower(raw)
	for _, m := range notFoundMarkers {
		if strings.Contains(lower, m) {
			a.notFound = true

			break
		}
	}

	sc := bufio.NewScanner(strings.NewReader(raw))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '%' || line[0] == '#' || line[0] == '>' {
			continue
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}

		key = strings.ToLower(strings.TrimRight(strings.TrimSpace(key), ". "))
		value = strings.TrimSpace(value)

		if value == "" {
			continue
		}

		switch {
		case creationKeys[key] && !a.hasDate:
			if t, ok := parseDate(value); ok {
				a.created, a.hasDate = t, true
			}
		case key == "registrar" && a.registrar == "":
			a.registrar = value
		case referralKeys[key] && a.referral == "":
			a.referral = strings.TrimPrefix(strings.TrimPrefix(value, "whois://"), "rwhois://")
		}
	}

	// registries answer with boilerplate mentioning "not found" next to real data
	if a.hasDate {
		a.notFound = false
	}

	return a
}

func parseDate(value string) (time.Time, bool) {
	candidates := []string{value}
	if i := strings.IndexAny(value, " ("); i > 0 {
		candidates = append(candidates, value[:i])
	}

	for _, c := range candidates {
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, c); err == nil {
				return t.UTC(), true
			}
		}
	}

	return time.Time{}, false
}
