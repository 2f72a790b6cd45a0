package megacli

import (
	"regexp"
	"strconv"
	"strings"
)

// Pattern module for scraping MEGAcmd output. Orchestration code never
// touches raw text; everything goes through these helpers.

var (
	percentPattern   = regexp.MustCompile(`(\d{1,3}(?:[.,]\d+)?)\s*%`)
	exportURLPattern = regexp.MustCompile(`https://mega\.nz/\S+`)

	// df output varies with locale and version; try the verbose form first,
	// then any "X of Y" / "X / Y" size pair.
	dfUsedOfTotal = regexp.MustCompile(`(?i)(?:used|storage)[^\d]*([\d.,]+)\s*([KMGT]i?B|B|bytes)?\s*(?:of|/)\s*([\d.,]+)\s*([KMGT]i?B|B|bytes)?`)
	sizePair      = regexp.MustCompile(`([\d.,]+)\s*([KMGT]i?B|B)\s*(?:of|/)\s*([\d.,]+)\s*([KMGT]i?B|B)`)
	sizeToken     = regexp.MustCompile(`([\d.,]+)\s*([KMGT]i?B|B)`)
)

// LastPercent extracts the most recent percent token from a chunk of
// transfer output. Returns ok=false if the chunk carries no percentage.
func LastPercent(s string) (float64, bool) {
	matches := percentPattern.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return 0, false
	}
	raw := strings.ReplaceAll(matches[len(matches)-1][1], ",", ".")
	pct, err := strconv.ParseFloat(raw, 64)
	if err != nil || pct < 0 || pct > 100 {
		return 0, false
	}
	return pct, true
}

// ParseExportURL extracts the public link from export output
func ParseExportURL(s string) (string, bool) {
	url := exportURLPattern.FindString(s)
	if url == "" {
		return "", false
	}
	// The link is often followed by punctuation or quoting in the output
	url = strings.TrimRight(url, `"',)`)
	return url, true
}

// ParseUsage extracts (used, total) bytes from df output, trying the
// locale-tolerant patterns in order.
func ParseUsage(s string) (used, total int64, ok bool) {
	if m := dfUsedOfTotal.FindStringSubmatch(s); m != nil {
		u, uok := parseSize(m[1], m[2])
		t, tok := parseSize(m[3], m[4])
		if uok && tok && t > 0 {
			return u, t, true
		}
	}
	if m := sizePair.FindStringSubmatch(s); m != nil {
		u, uok := parseSize(m[1], m[2])
		t, tok := parseSize(m[3], m[4])
		if uok && tok && t > 0 {
			return u, t, true
		}
	}
	return 0, 0, false
}

// ParseFolderSize extracts a single size token from du output
func ParseFolderSize(s string) (int64, bool) {
	m := sizeToken.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	return parseSize(m[1], m[2])
}

func parseSize(value, unit string) (int64, bool) {
	raw := strings.ReplaceAll(value, ",", ".")
	// Values like "1.234.56" from thousand separators are unusable
	if strings.Count(raw, ".") > 1 {
		raw = strings.Replace(raw, ".", "", strings.Count(raw, ".")-1)
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}

	mult := float64(1)
	switch strings.ToUpper(strings.TrimSuffix(strings.ToUpper(unit), "IB")) {
	case "", "B", "BYTES":
		mult = 1
	case "K", "KB":
		mult = 1024
	case "M", "MB":
		mult = 1024 * 1024
	case "G", "GB":
		mult = 1024 * 1024 * 1024
	case "T", "TB":
		mult = 1024 * 1024 * 1024 * 1024
	}
	return int64(f * mult), true
}

// ParseListing splits newline-delimited find/ls output into entries,
// skipping blanks and MEGAcmd log lines.
func ParseListing(s string) []string {
	var entries []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "[") {
			continue
		}
		entries = append(entries, line)
	}
	return entries
}
