package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"strings"

	"recipe-ingest/internal/pkg/common"

	"github.com/microcosm-cc/bluemonday"
)

// ErrNoStructuredRecipe 結構化資料不足以組成食譜
var ErrNoStructuredRecipe = errors.New("structured data does not describe a usable recipe")

var strictPolicy = bluemonday.StrictPolicy()

// cleanText 去除標籤、解碼實體並壓縮空白
func cleanText(s string) string {
	s = strictPolicy.Sanitize(s)
	s = html.UnescapeString(s)
	return strings.Join(strings.Fields(s), " ")
}

// StructuredMeta 結構化資料附帶的來源資訊
type StructuredMeta struct {
	Author   string
	SiteName string
	License  string
}

// ParseStructured 將 schema.org Recipe 的 JSON 轉成食譜
func ParseStructured(data string) (*common.Recipe, StructuredMeta, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(data), &obj); err != nil {
		return nil, StructuredMeta{}, fmt.Errorf("invalid structured data: %w", err)
	}

	r := &common.Recipe{
		Name:        cleanText(firstString(obj["name"])),
		Description: cleanText(firstString(obj["description"])),
	}

	for _, line := range stringList(firstNonNil(obj["recipeIngredient"], obj["ingredients"])) {
		if line = cleanText(line); line != "" {
			r.Ingredients = append(r.Ingredients, ParseIngredient(line))
		}
	}
	r.Instructions = parseInstructions(obj["recipeInstructions"])

	r.Timing.PrepMinutes, _ = ParseISODuration(firstString(obj["prepTime"]))
	r.Timing.CookMinutes, _ = ParseISODuration(firstString(obj["cookTime"]))
	r.Timing.TotalMinutes, _ = ParseISODuration(firstString(obj["totalTime"]))
	if r.Timing.TotalMinutes == 0 {
		r.Timing.TotalMinutes = r.Timing.PrepMinutes + r.Timing.CookMinutes
	}

	r.Servings = cleanText(firstString(obj["recipeYield"]))
	r.Cuisines = cleanList(stringList(obj["recipeCuisine"]))
	r.Diets = parseDiets(obj["suitableForDiet"])
	r.Tags = dedupe(append(cleanList(splitKeywords(obj["keywords"])), cleanList(stringList(obj["recipeCategory"]))...))
	r.ImageURL = imageURL(obj["image"])

	meta := StructuredMeta{
		Author:   personName(obj["author"]),
		SiteName: personName(obj["publisher"]),
		License:  firstString(obj["license"]),
	}

	if r.Name == "" || (len(r.Ingredients) == 0 && len(r.Instructions) == 0) {
		return nil, meta, ErrNoStructuredRecipe
	}
	return r, meta, nil
}

// parseInstructions 支援字串、字串陣列、HowToStep 與 HowToSection
func parseInstructions(v interface{}) []common.InstructionStep {
	var steps []common.InstructionStep
	var walk func(v interface{}, section string)
	add := func(text, section string) {
		if text = cleanText(text); text != "" {
			steps = append(steps, common.InstructionStep{Order: len(steps) + 1, Text: text, Section: section})
		}
	}
	walk = func(v interface{}, section string) {
		switch t := v.(type) {
		case string:
			// 單一字串時依換行切分
			for _, line := range strings.Split(t, "\n") {
				add(line, section)
			}
		case []interface{}:
			for _, item := range t {
				walk(item, section)
			}
		case map[string]interface{}:
			typ := firstString(t["@type"])
			if strings.EqualFold(typ, "HowToSection") || t["itemListElement"] != nil {
				name := cleanText(firstString(t["name"]))
				if name == "" {
					name = section
				}
				walk(t["itemListElement"], name)
				return
			}
			text := firstString(t["text"])
			if text == "" {
				text = firstString(t["name"])
			}
			add(text, section)
		}
	}
	walk(v, "")
	return steps
}

func parseDiets(v interface{}) []string {
	var out []string
	for _, d := range stringList(v) {
		d = strings.TrimSpace(d)
		if i := strings.LastIndex(d, "/"); i >= 0 {
			d = d[i+1:]
		}
		d = strings.TrimSuffix(d, "Diet")
		if d != "" {
			out = append(out, d)
		}
	}
	return dedupe(out)
}

func splitKeywords(v interface{}) []string {
	var out []string
	for _, s := range stringList(v) {
		out = append(out, strings.Split(s, ",")...)
	}
	return out
}

func imageURL(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []interface{}:
		for _, item := range t {
			if u := imageURL(item); u != "" {
				return u
			}
		}
	case map[string]interface{}:
		return firstString(firstNonNil(t["url"], t["contentUrl"]))
	}
	return ""
}

func personName(v interface{}) string {
	switch t := v.(type) {
	case string:
		return cleanText(t)
	case []interface{}:
		var names []string
		for _, item := range t {
			if n := personName(item); n != "" {
				names = append(names, n)
			}
		}
		return strings.Join(names, ", ")
	case map[string]interface{}:
		return cleanText(firstString(t["name"]))
	}
	return ""
}

// firstString 取第一個可轉為字串的值
func firstString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return trimFloat(t)
	case []interface{}:
		for _, item := range t {
			if s := firstString(item); s != "" {
				return s
			}
		}
	case map[string]interface{}:
		if s, ok := t["@value"].(string); ok {
			return s
		}
	}
	return ""
}

func stringList(v interface{}) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case float64:
		return []string{trimFloat(t)}
	case []interface{}:
		var out []string
		for _, item := range t {
			out = append(out, stringList(item)...)
		}
		return out
	case map[string]interface{}:
		if s := firstString(firstNonNil(t["name"], t["text"], t["@value"])); s != "" {
			return []string{s}
		}
	}
	return nil
}

func firstNonNil(vals ...interface{}) interface{} {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func trimFloat(f float64) string {
	return strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%.3f", f), "0"), ".")
}

func cleanList(in []string) []string {
	var out []string
	for _, s := range in {
		if s = cleanText(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		k := strings.ToLower(s)
		if s == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, s)
	}
	return out
}
