package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"recipe-ingest/internal/pkg/common"
)

// errIncompleteRecipe 模型回應可解析但缺少必要欄位
var errIncompleteRecipe = errors.New("response is missing name, ingredients or instructions")

// flexString 接受字串或數字
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// flexInt 接受整數、小數或數字字串
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	var s flexString
	if err := s.UnmarshalJSON(b); err != nil {
		return err
	}
	str := strings.TrimSpace(string(s))
	if str == "" {
		*f = 0
		return nil
	}
	if m, ok := ParseISODuration(str); ok {
		*f = flexInt(m)
		return nil
	}
	v, err := strconv.ParseFloat(strings.Fields(str)[0], 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = flexInt(int(v + 0.5))
	return nil
}

// flexQuantity 接受數字、分數字串或 null
type flexQuantity struct {
	value *float64
}

func (f *flexQuantity) UnmarshalJSON(b []byte) error {
	var s flexString
	if err := s.UnmarshalJSON(b); err != nil {
		return err
	}
	f.value, _ = ParseQuantity(string(s))
	return nil
}

type llmIngredient struct {
	Name     string       `json:"name"`
	Quantity flexQuantity `json:"quantity"`
	Unit     string       `json:"unit"`
	Notes    string       `json:"notes"`
	raw      string
}

// UnmarshalJSON 也接受單純字串的食材
func (i *llmIngredient) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		i.raw = s
		return nil
	}
	type alias llmIngredient
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*i = llmIngredient(a)
	return nil
}

type llmStep struct {
	Order flexInt `json:"order"`
	Text  string  `json:"text"`
}

// UnmarshalJSON 也接受單純字串的步驟
func (s *llmStep) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		s.Text = str
		return nil
	}
	type alias llmStep
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*s = llmStep(a)
	return nil
}

type llmTiming struct {
	PrepMinutes  flexInt `json:"prepMinutes"`
	CookMinutes  flexInt `json:"cookMinutes"`
	TotalMinutes flexInt `json:"totalMinutes"`
}

type llmRecipe struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Ingredients  []llmIngredient `json:"ingredients"`
	Instructions []llmStep       `json:"instructions"`
	Timing       llmTiming       `json:"timing"`
	Servings     flexString      `json:"servings"`
	Cuisines     []string        `json:"cuisines"`
	Diets        []string        `json:"diets"`
	Tags         []string        `json:"tags"`
}

// parseModelRecipe 解析模型輸出成食譜
func parseModelRecipe(content string) (*common.Recipe, error) {
	var lr llmRecipe
	if err := common.ParseModelJSON(content, &lr); err != nil {
		return nil, err
	}

	r := &common.Recipe{
		Name:        cleanText(lr.Name),
		Description: cleanText(lr.Description),
		Servings:    cleanText(string(lr.Servings)),
		Cuisines:    dedupe(cleanList(lr.Cuisines)),
		Diets:       dedupe(cleanList(lr.Diets)),
		Tags:        dedupe(cleanList(lr.Tags)),
		Timing: common.Timing{
			PrepMinutes:  int(lr.Timing.PrepMinutes),
			CookMinutes:  int(lr.Timing.CookMinutes),
			TotalMinutes: int(lr.Timing.TotalMinutes),
		},
	}
	if r.Timing.TotalMinutes == 0 {
		r.Timing.TotalMinutes = r.Timing.PrepMinutes + r.Timing.CookMinutes
	}

	for _, li := range lr.Ingredients {
		if li.raw != "" {
			if line := cleanText(li.raw); line != "" {
				r.Ingredients = append(r.Ingredients, ParseIngredient(line))
			}
			continue
		}
		name := cleanText(li.Name)
		if name == "" {
			continue
		}
		r.Ingredients = append(r.Ingredients, common.Ingredient{
			Name:     name,
			Quantity: li.Quantity.value,
			Unit:     normalizeOrKeep(li.Unit),
			Notes:    cleanText(li.Notes),
		})
	}

	for _, st := range lr.Instructions {
		if text := cleanText(st.Text); text != "" {
			r.Instructions = append(r.Instructions, common.InstructionStep{Order: len(r.Instructions) + 1, Text: text})
		}
	}

	if r.Name == "" || (len(r.Ingredients) == 0 && len(r.Instructions) == 0) {
		return nil, errIncompleteRecipe
	}
	return r, nil
}

func normalizeOrKeep(unit string) string {
	unit = cleanText(unit)
	if u := NormalizeUnit(unit); u != "" {
		return u
	}
	return unit
}
