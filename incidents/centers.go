package incidents

import "sort"

// centerNames maps CHP communication center codes to their
// human-readable names.
var centerNames = map[string]string{
	"BFCC":     "Bakersfield",
	"BSCC":     "Barstow",
	"BICC":     "Bishop",
	"BCCC":     "Border",
	"CCCC":     "Capitol",
	"CHCC":     "Chico",
	"ECCC":     "El Centro",
	"FRCC":     "Fresno",
	"GGCC":     "Golden Gate",
	"HMCC":     "Humboldt",
	"ICCC":     "Indio",
	"INCC":     "Inland",
	"LACC":     "Los Angeles",
	"MRCC":     "Merced",
	"MYCC":     "Monterey",
	"OCCC":     "Orange",
	"RDCC":     "Redding",
	"SACC":     "Sacramento",
	"SLCC":     "San Luis Obispo",
	"SKCCSTCC": "Stockton",
	"SUCC":     "Susanville",
	"TKCC":     "Truckee",
	"UKCC":     "Ukiah",
	"VTCC":     "Ventura",
	"YKCC":     "Yreka",
}

// CenterName returns the human-readable name for a center code.
// Unknown codes pass through unchanged.
func CenterName(code string) string {
	if name, ok := centerNames[code]; ok {
		return name
	}
	return code
}

// KnownCenters returns all known center codes in lexical order.
func KnownCenters() []string {
	codes := make([]string, 0, len(centerNames))
	for code := range centerNames {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
