package extract

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"recipe-ingest/internal/pkg/common"
)

var vulgarFractions = map[rune]float64{
	'¼': 0.25, '½': 0.5, '¾': 0.75,
	'⅐': 1.0 / 7, '⅑': 1.0 / 9, '⅒': 0.1,
	'⅓': 1.0 / 3, '⅔': 2.0 / 3,
	'⅕': 0.2, '⅖': 0.4, '⅗': 0.6, '⅘': 0.8,
	'⅙': 1.0 / 6, '⅚': 5.0 / 6,
	'⅛': 0.125, '⅜': 0.375, '⅝': 0.625, '⅞': 0.875,
}

// unitAliases 單位別名到正規名稱
var unitAliases = map[string]string{
	"tsp": "tsp", "tsps": "tsp", "teaspoon": "tsp", "teaspoons": "tsp", "t": "tsp",
	"tbsp": "tbsp", "tbsps": "tbsp", "tbs": "tbsp", "tablespoon": "tbsp", "tablespoons": "tbsp", "T": "tbsp",
	"cup": "cup", "cups": "cup", "c": "cup",
	"ml": "ml", "milliliter": "ml", "milliliters": "ml", "millilitre": "ml", "millilitres": "ml",
	"l": "l", "liter": "l", "liters": "l", "litre": "l", "litres": "l",
	"dl": "dl", "cl": "cl",
	"g": "g", "gram": "g", "grams": "g", "gr": "g",
	"kg": "kg", "kilogram": "kg", "kilograms": "kg",
	"mg": "mg",
	"oz": "oz", "ounce": "oz", "ounces": "oz",
	"fl oz": "fl oz",
	"lb": "lb", "lbs": "lb", "pound": "lb", "pounds": "lb",
	"pinch": "pinch", "pinches": "pinch",
	"dash": "dash", "dashes": "dash",
	"clove": "clove", "cloves": "clove",
	"can": "can", "cans": "can",
	"slice": "slice", "slices": "slice",
	"piece": "piece", "pieces": "piece",
	"bunch": "bunch", "bunches": "bunch",
	"sprig": "sprig", "sprigs": "sprig",
	"stick": "stick", "sticks": "stick",
	"package": "package", "packages": "package", "pkg": "package",
	"quart": "quart", "quarts": "quart", "qt": "quart",
	"pint": "pint", "pints": "pint", "pt": "pint",
}

var (
	mixedFraction = regexp.MustCompile(`^(\d+)\s+(\d+)\s*/\s*(\d+)`)
	simpleFrac    = regexp.MustCompile(`^(\d+)\s*/\s*(\d+)`)
	decimalNum    = regexp.MustCompile(`^(\d+(?:[.,]\d+)?)`)
	rangeSuffix   = regexp.MustCompile(`^\s*(?:-|–|to)\s*[\d½¼¾⅓⅔⅛]+(?:[.,/]\d+)?`)
	parenNotes    = regexp.MustCompile(`\(([^)]*)\)`)
	wholeVulgar   = regexp.MustCompile(`^(\d+)\s*([¼½¾⅐⅑⅒⅓⅔⅕⅖⅗⅘⅙⅚⅛⅜⅝⅞])`)
)

// ParseQuantity 解析字串開頭的數量，支援整數、小數、分數、帶分數與 unicode 分數；回傳剩餘字串
func ParseQuantity(s string) (*float64, string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, s
	}

	var value float64
	rest := s
	matched := false

	// 前導整數 + unicode 分數，例如 "1½" 或 "1 ½"
	if m := wholeVulgar.FindStringSubmatch(s); m != nil {
		whole, _ := strconv.ParseFloat(m[1], 64)
		value = whole + vulgarFractions[[]rune(m[2])[0]]
		rest = s[len(m[0]):]
		matched = true
	} else if r := []rune(s)[0]; vulgarFractions[r] != 0 {
		value = vulgarFractions[r]
		rest = string([]rune(s)[1:])
		matched = true
	} else if m := mixedFraction.FindStringSubmatch(s); m != nil {
		whole, _ := strconv.ParseFloat(m[1], 64)
		num, _ := strconv.ParseFloat(m[2], 64)
		den, _ := strconv.ParseFloat(m[3], 64)
		if den != 0 {
			value = whole + num/den
			rest = s[len(m[0]):]
			matched = true
		}
	} else if m := simpleFrac.FindStringSubmatch(s); m != nil {
		num, _ := strconv.ParseFloat(m[1], 64)
		den, _ := strconv.ParseFloat(m[2], 64)
		if den != 0 {
			value = num / den
			rest = s[len(m[0]):]
			matched = true
		}
	} else if m := decimalNum.FindStringSubmatch(s); m != nil {
		v, err := strconv.ParseFloat(strings.Replace(m[1], ",", ".", 1), 64)
		if err == nil {
			value = v
			rest = s[len(m[0]):]
			matched = true
		}
	}

	if !matched {
		return nil, s
	}
	// 範圍取下限，例如 "2-3 cups"
	if m := rangeSuffix.FindString(rest); m != "" {
		rest = rest[len(m):]
	}
	value = math.Round(value*1000) / 1000
	return &value, strings.TrimSpace(rest)
}

// NormalizeUnit 正規化單位，未知單位回傳空字串
func NormalizeUnit(word string) string {
	w := strings.TrimSuffix(strings.TrimSpace(word), ".")
	if u, ok := unitAliases[w]; ok {
		return u
	}
	if u, ok := unitAliases[strings.ToLower(w)]; ok {
		return u
	}
	return ""
}

// ParseIngredient 盡力將一行食材拆成數量、單位、名稱與備註
func ParseIngredient(raw string) common.Ingredient {
	raw = strings.Join(strings.Fields(raw), " ")
	ing := common.Ingredient{Raw: raw}
	if raw == "" {
		return ing
	}

	qty, rest := ParseQuantity(raw)
	ing.Quantity = qty

	// 單位可能是一或兩個字，例如 "fl oz"
	words := strings.Fields(rest)
	if len(words) >= 2 && qty != nil {
		if u := NormalizeUnit(words[0] + " " + words[1]); u != "" {
			ing.Unit = u
			words = words[2:]
		}
	}
	if ing.Unit == "" && len(words) >= 1 && qty != nil {
		if u := NormalizeUnit(words[0]); u != "" {
			ing.Unit = u
			words = words[1:]
		}
	}
	if len(words) > 0 && strings.EqualFold(words[0], "of") {
		words = words[1:]
	}
	rest = strings.Join(words, " ")

	var notes []string
	if m := parenNotes.FindAllStringSubmatch(rest, -1); m != nil {
		for _, g := range m {
			if n := strings.TrimSpace(g[1]); n != "" {
				notes = append(notes, n)
			}
		}
		rest = strings.TrimSpace(parenNotes.ReplaceAllString(rest, ""))
	}
	if i := strings.Index(rest, ","); i >= 0 {
		if n := strings.TrimSpace(rest[i+1:]); n != "" {
			notes = append(notes, n)
		}
		rest = strings.TrimSpace(rest[:i])
	}

	ing.Name = strings.TrimFunc(strings.Join(strings.Fields(rest), " "), func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
	if ing.Name == "" {
		ing.Name = raw
	}
	ing.Notes = strings.Join(notes, "; ")
	return ing
}
