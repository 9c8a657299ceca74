package extract

import (
	"regexp"
	"sort"
	"strings"

	"recipe-ingest/internal/pkg/common"
)

var (
	ingredientHints  = regexp.MustCompile(`(?i)\b(ingredients?|cups?|tbsp|tsp|tablespoons?|teaspoons?|grams?|g|kg|ml|oz|ounces?|pounds?|lb|pinch|cloves?)\b`)
	instructionHints = regexp.MustCompile(`(?i)\b(instructions?|directions?|method|steps?|preheat|bake|stir|mix|whisk|simmer|boil|fry|roast|heat|add|cook|serve|minutes?|°[cf])\b`)
	sectionHeading   = regexp.MustCompile(`(?im)^#{1,6}\s*(ingredients|instructions|directions|method|preparation)\b`)
	boilerplateHints = regexp.MustCompile(`(?i)(cookie|subscribe|newsletter|privacy|copyright|all rights reserved|advertis|sign up|log in|follow us|share this|comments?\b|related posts|affiliate)`)
	quantityLine     = regexp.MustCompile(`(?m)^\s*[-*]?\s*[\d½¼¾⅓⅔⅛]`)
)

type block struct {
	index int
	text  string
	score int
}

// scoreBlock 食材與步驟段落加分，樣板文字扣分
func scoreBlock(text string) int {
	score := 1
	if sectionHeading.MatchString(text) {
		score += 4
	}
	if n := len(ingredientHints.FindAllStringIndex(text, 8)); n > 0 {
		score += 1 + n/2
	}
	if n := len(instructionHints.FindAllStringIndex(text, 8)); n > 0 {
		score += 1 + n/2
	}
	if quantityLine.MatchString(text) {
		score += 2
	}
	if boilerplateHints.MatchString(text) {
		score -= 4
	}
	return score
}

// TrimContent 依重要度挑選段落直到預算用盡，並維持原始順序
func TrimContent(text string, budget int) string {
	text = strings.TrimSpace(text)
	if budget <= 0 || len([]rune(text)) <= budget {
		return text
	}

	raw := strings.Split(text, "\n\n")
	blocks := make([]block, 0, len(raw))
	for i, b := range raw {
		b = strings.TrimSpace(b)
		if b == "" {
			continue
		}
		blocks = append(blocks, block{index: i, text: b, score: scoreBlock(b)})
	}

	ranked := append([]block(nil), blocks...)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	keep := make(map[int]string)
	remaining := budget
	for _, b := range ranked {
		if remaining <= 0 {
			break
		}
		n := len([]rune(b.text)) + 2
		if n <= remaining {
			keep[b.index] = b.text
			remaining -= n
			continue
		}
		// 高分段落過長時截斷保留前段
		if b.score > 1 && remaining > 80 {
			keep[b.index] = common.Truncate(b.text, remaining-2)
			remaining = 0
		}
	}
	// 沒有段落能放入預算時（例如整頁只有一段），截斷最高分段落
	if len(keep) == 0 && len(ranked) > 0 {
		keep[ranked[0].index] = common.Truncate(ranked[0].text, budget)
	}

	var sb strings.Builder
	for _, b := range blocks {
		if t, ok := keep[b.index]; ok {
			if sb.Len() > 0 {
				sb.WriteString("\n\n")
			}
			sb.WriteString(t)
		}
	}
	return sb.String()
}
