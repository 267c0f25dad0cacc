package datefilter

import "strings"

// months maps lowercase month names and abbreviations in English, French,
// Spanish, German and Indonesian to their number.
var months = map[string]int{
	// English
	"january": 1, "jan": 1,
	"february": 2, "feb": 2,
	"march": 3, "mar": 3,
	"april": 4, "apr": 4,
	"may": 5,
	"june": 6, "jun": 6,
	"july": 7, "jul": 7,
	"august": 8, "aug": 8,
	"september": 9, "sep": 9, "sept": 9,
	"october": 10, "oct": 10,
	"november": 11, "nov": 11,
	"december": 12, "dec": 12,

	// French
	"janvier": 1, "janv": 1,
	"février": 2, "fevrier": 2, "févr": 2, "fevr": 2, "fév": 2,
	"mars": 3,
	"avril": 4, "avr": 4,
	"mai": 5,
	"juin": 6,
	"juillet": 7, "juil": 7,
	"août": 8, "aout": 8,
	"septembre": 9,
	"octobre": 10,
	"novembre": 11,
	"décembre": 12, "decembre": 12, "déc": 12,

	// Spanish
	"enero": 1, "ene": 1,
	"febrero": 2,
	"marzo": 3,
	"abril": 4, "abr": 4,
	"mayo": 5,
	"junio": 6,
	"julio": 7,
	"agosto": 8, "ago": 8,
	"septiembre": 9, "setiembre": 9,
	"octubre": 10,
	"noviembre": 11,
	"diciembre": 12, "dic": 12,

	// German
	"januar": 1, "jänner": 1, "jän": 1,
	"februar": 2,
	"märz": 3, "maerz": 3, "mär": 3,
	"juni": 6,
	"juli": 7,
	"oktober": 10, "okt": 10,
	"dezember": 12, "dez": 12,

	// Indonesian
	"januari": 1,
	"februari": 2, "peb": 2,
	"maret": 3,
	"mei": 5,
	"agustus": 8, "agu": 8, "agt": 8,
	"desember": 12,
}

func lookupMonth(name string) (int, bool) {
	m, ok := months[strings.ToLower(strings.TrimSuffix(name, "."))]
	return m, ok
}
