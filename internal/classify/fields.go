package classify

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Structured field extraction from announcement text. All extractors are
// best-effort: they return nil / "" when the text gives nothing away, and
// callers treat every field as optional.

var (
	reCapacity = regexp.MustCompile(`\b(\d+(?:[.,]\d+)?)\s*(mwh|megawattstunden|mw|megawatt|kwh|kilowattstunden|kw|kilowatt)\b`)
	reArea     = regexp.MustCompile(`\b(\d+(?:[.,]\d+)?)\s*(ha|hektar|qm|m²|m2|km²|km2)\b`)
	reDate     = regexp.MustCompile(`\b(\d{1,2})\.(\d{1,2})\.(20\d{2})\b`)

	reDeveloper = regexp.MustCompile(`\b[A-ZÄÖÜ][A-Za-zÄÖÜäöüß0-9\s,&.\-]+?(?:GmbH & Co\. KG|GmbH|AG|UG|KG)\b`)

	rePlanToken = regexp.MustCompile(`(?i)(?:b\s?-?\s?plan|bebauungsplan)[^\d]{0,20}(?:nr\.?\s*)?([0-9]+[a-z]?(?:[/-][0-9]+)?)`)
	reQuoted    = regexp.MustCompile(`[„"]([^“"”]{3,80})[“"”]`)

	reGemarkung  = regexp.MustCompile(`gemarkung\s+([a-z][a-z\-]+)`)
	reFlur       = regexp.MustCompile(`flur\s+(\d+)`)
	reFlurstueck = regexp.MustCompile(`flurstueck\w*\s+(\d+(?:/\d+)?)`)
	reStreet     = regexp.MustCompile(`\b([a-z][a-z\-]*(?:strasse|weg|allee|ring|damm|chaussee))\s*(\d+[a-z]?)?\b`)
)

func parseGermanFloat(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func extractCapacity(text string, mwUnits, kwUnits map[string]bool) *float64 {
	norm, _ := Normalize(text)
	var best *float64
	for _, m := range reCapacity.FindAllStringSubmatch(norm, -1) {
		v, ok := parseGermanFloat(m[1])
		if !ok {
			continue
		}
		switch {
		case mwUnits[m[2]]:
		case kwUnits[m[2]]:
			v /= 1000
		default:
			continue
		}
		if best == nil || v > *best {
			val := v
			best = &val
		}
	}
	return best
}

// ExtractCapacityMW returns the largest power figure in megawatts, or nil.
func ExtractCapacityMW(text string) *float64 {
	return extractCapacity(text,
		map[string]bool{"mw": true, "megawatt": true},
		map[string]bool{"kw": true, "kilowatt": true})
}

// ExtractCapacityMWh returns the largest energy figure in megawatt hours,
// or nil.
func ExtractCapacityMWh(text string) *float64 {
	return extractCapacity(text,
		map[string]bool{"mwh": true, "megawattstunden": true},
		map[string]bool{"kwh": true, "kilowattstunden": true})
}

// ExtractAreaHA returns the largest area figure converted to hectares, or
// nil.
func ExtractAreaHA(text string) *float64 {
	norm, _ := Normalize(text)
	var best *float64
	for _, m := range reArea.FindAllStringSubmatch(norm, -1) {
		v, ok := parseGermanFloat(m[1])
		if !ok {
			continue
		}
		switch m[2] {
		case "ha", "hektar":
		case "qm", "m²", "m2":
			v *= 0.0001
		case "km²", "km2":
			v *= 100
		}
		if best == nil || v > *best {
			val := v
			best = &val
		}
	}
	return best
}

// ExtractDates returns all plausible German dates (years 2020 through 2030)
// in order of appearance, duplicates removed.
func ExtractDates(text string) []time.Time {
	norm, _ := Normalize(text)
	var out []time.Time
	seen := make(map[time.Time]bool)
	for _, m := range reDate.FindAllStringSubmatch(norm, -1) {
		d, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		y, _ := strconv.Atoi(m[3])
		if y < 2020 || y > 2030 || mo < 1 || mo > 12 || d < 1 || d > 31 {
			continue
		}
		t := time.Date(y, time.Month(mo), d, 0, 0, 0, 0, time.UTC)
		if t.Day() != d || t.Month() != time.Month(mo) {
			continue
		}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

var decisionKeywords = []string{
	"aufstellungsbeschluss", "satzungsbeschluss", "beschlossen",
	"gefasst am", "sitzung vom", "beschluss",
}

// ExtractDecisionDate picks the date most likely to be the decision date: the
// first date within 200 characters after a decision keyword, falling back to
// the first date in the text.
func ExtractDecisionDate(text string) *time.Time {
	norm, _ := Normalize(text)
	locs := reDate.FindAllStringSubmatchIndex(norm, -1)
	if len(locs) == 0 {
		return nil
	}
	parse := func(loc []int) (time.Time, bool) {
		d, _ := strconv.Atoi(norm[loc[2]:loc[3]])
		mo, _ := strconv.Atoi(norm[loc[4]:loc[5]])
		y, _ := strconv.Atoi(norm[loc[6]:loc[7]])
		if y < 2020 || y > 2030 || mo < 1 || mo > 12 || d < 1 || d > 31 {
			return time.Time{}, false
		}
		t := time.Date(y, time.Month(mo), d, 0, 0, 0, 0, time.UTC)
		return t, t.Day() == d && t.Month() == time.Month(mo)
	}

	for _, kw := range decisionKeywords {
		kwPos := strings.Index(norm, kw)
		if kwPos < 0 {
			continue
		}
		window := kwPos + len(kw) + 200
		for _, loc := range locs {
			if loc[0] < kwPos || loc[0] > window {
				continue
			}
			if t, ok := parse(loc); ok {
				return &t
			}
		}
	}
	for _, loc := range locs {
		if t, ok := parse(loc); ok {
			return &t
		}
	}
	return nil
}

// ExtractDeveloper pulls company names (GmbH, AG, UG, KG suffixes) from the
// original-case text. Multiple distinct hits are joined with ", ", capped at
// three.
func ExtractDeveloper(text string) string {
	var names []string
	seen := make(map[string]bool)
	for _, m := range reDeveloper.FindAllString(text, -1) {
		name := strings.Join(strings.Fields(m), " ")
		if seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
		if len(names) == 3 {
			break
		}
	}
	return strings.Join(names, ", ")
}

// ExtractLocation assembles a human-readable location hint from cadastral
// references and street names. Parts are joined with "; ".
func ExtractLocation(text string) string {
	norm, _ := Normalize(text)
	var parts []string
	if m := reGemarkung.FindStringSubmatch(norm); m != nil {
		parts = append(parts, "Gemarkung "+m[1])
	}
	if m := reFlur.FindStringSubmatch(norm); m != nil {
		parts = append(parts, "Flur "+m[1])
	}
	if m := reFlurstueck.FindStringSubmatch(norm); m != nil {
		parts = append(parts, "Flurstück "+m[1])
	}
	if m := reStreet.FindStringSubmatch(norm); m != nil {
		street := m[1]
		if m[2] != "" {
			street += " " + m[2]
		}
		parts = append(parts, street)
	}
	return strings.Join(parts, "; ")
}

// ExtractPlanToken returns a stable identifier for the plan an item belongs
// to: the B-Plan number when one is present in title or text, else the
// longest quoted plan name in the title, else "".
func ExtractPlanToken(title, text string) string {
	for _, s := range []string{title, text} {
		if m := rePlanToken.FindStringSubmatch(s); m != nil {
			return strings.ToLower(strings.Join(strings.Fields(m[1]), ""))
		}
	}
	var best string
	for _, m := range reQuoted.FindAllStringSubmatch(title, -1) {
		if len(m[1]) > len(best) {
			best = m[1]
		}
	}
	if best == "" {
		return ""
	}
	norm, _ := Normalize(best)
	return norm
}

// parcelWindow bounds how far apart gemarkung, flur and flurstueck may sit
// and still be read as one cadastral reference.
const parcelWindow = 300

// ExtractParcelToken returns a normalized cadastral key
// "gemarkung:<g>|flur:<f>|flurstueck:<n>" when all three references occur
// close together, else "".
func ExtractParcelToken(text string) string {
	norm, _ := Normalize(text)
	gm := reGemarkung.FindStringSubmatchIndex(norm)
	if gm == nil {
		return ""
	}
	g := norm[gm[2]:gm[3]]
	window := norm[gm[0]:min(len(norm), gm[0]+parcelWindow)]
	fl := reFlur.FindStringSubmatch(window)
	fs := reFlurstueck.FindStringSubmatch(window)
	if fl == nil || fs == nil {
		return ""
	}
	return "gemarkung:" + g + "|flur:" + fl[1] + "|flurstueck:" + fs[1]
}
