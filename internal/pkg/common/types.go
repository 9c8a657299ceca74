package common

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// 擷取方式
const (
	ExtractionMethodStructuredData = "StructuredData"
	ExtractionMethodLLM            = "Llm"
)

// Ingredient 食材
type Ingredient struct {
	Name     string   `json:"name"`
	Quantity *float64 `json:"quantity,omitempty"`
	Unit     string   `json:"unit,omitempty"`
	Notes    string   `json:"notes,omitempty"`
	Raw      string   `json:"raw,omitempty"`
}

// InstructionStep 步驟
type InstructionStep struct {
	Order   int    `json:"order"`
	Text    string `json:"text"`
	Section string `json:"section,omitempty"`
}

// Timing 時間（分鐘）
type Timing struct {
	PrepMinutes  int `json:"prepMinutes,omitempty"`
	CookMinutes  int `json:"cookMinutes,omitempty"`
	TotalMinutes int `json:"totalMinutes,omitempty"`
}

// RecipeSource 來源資訊
type RecipeSource struct {
	URL              string    `json:"url"`
	URLHash          string    `json:"urlHash"`
	SiteName         string    `json:"siteName,omitempty"`
	Author           string    `json:"author,omitempty"`
	RetrievedAt      time.Time `json:"retrievedAt"`
	ExtractionMethod string    `json:"extractionMethod"`
	LicenseHint      string    `json:"licenseHint,omitempty"`
}

// Recipe 食譜
type Recipe struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Description  string            `json:"description,omitempty"`
	Ingredients  []Ingredient      `json:"ingredients"`
	Instructions []InstructionStep `json:"instructions"`
	Timing       Timing            `json:"timing"`
	Servings     string            `json:"servings,omitempty"`
	Cuisines     []string          `json:"cuisines,omitempty"`
	Diets        []string          `json:"diets,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	ImageURL     string            `json:"imageUrl,omitempty"`
	Source       *RecipeSource     `json:"source,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// Clone 深拷貝食譜
func (r *Recipe) Clone() *Recipe {
	if r == nil {
		return nil
	}
	out := *r
	out.Ingredients = append([]Ingredient(nil), r.Ingredients...)
	for i := range out.Ingredients {
		if q := r.Ingredients[i].Quantity; q != nil {
			v := *q
			out.Ingredients[i].Quantity = &v
		}
	}
	out.Instructions = append([]InstructionStep(nil), r.Instructions...)
	out.Cuisines = append([]string(nil), r.Cuisines...)
	out.Diets = append([]string(nil), r.Diets...)
	out.Tags = append([]string(nil), r.Tags...)
	if r.Source != nil {
		src := *r.Source
		out.Source = &src
	}
	return &out
}

// FormatIngredients 格式化食材列表
func FormatIngredients(ingredients []Ingredient) string {
	var sb strings.Builder
	for _, ing := range ingredients {
		if ing.Raw != "" {
			sb.WriteString("- " + ing.Raw + "\n")
			continue
		}
		sb.WriteString("- ")
		if ing.Quantity != nil {
			sb.WriteString(fmt.Sprintf("%g ", *ing.Quantity))
		}
		if ing.Unit != "" {
			sb.WriteString(ing.Unit + " ")
		}
		sb.WriteString(ing.Name)
		if ing.Notes != "" {
			sb.WriteString(", " + ing.Notes)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// FormatInstructions 格式化步驟列表
func FormatInstructions(steps []InstructionStep) string {
	var sb strings.Builder
	for _, s := range steps {
		sb.WriteString(fmt.Sprintf("%d. %s\n", s.Order, s.Text))
	}
	return sb.String()
}

// NormalizeURL 正規化 URL（小寫 host、去除 fragment 與結尾斜線）
func NormalizeURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return strings.TrimSpace(raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}

// HashURL 計算正規化 URL 的 SHA-256
func HashURL(raw string) string {
	sum := sha256.Sum256([]byte(NormalizeURL(raw)))
	return hex.EncodeToString(sum[:])
}
