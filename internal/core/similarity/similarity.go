// Package similarity 計算擷取內容與來源文字之間的逐字重疊
package similarity

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
)

// DefaultShingleSize 預設 shingle 長度
const DefaultShingleSize = 5

// Thresholds 判定門檻
type Thresholds struct {
	ContiguousWarn  int
	ContiguousError int
	NgramWarn       float64
	NgramError      float64
}

// SectionScore 單一段落的分數
type SectionScore struct {
	Section                   string  `json:"section"`
	MaxContiguousTokenOverlap int     `json:"maxContiguousTokenOverlap"`
	MaxNgramSimilarity        float64 `json:"maxNgramSimilarity"`
	ViolatesPolicy            bool    `json:"violatesPolicy"`
	Warn                      bool    `json:"warn,omitempty"`
}

// Report 相似度報告
type Report struct {
	MaxContiguousTokenOverlap int            `json:"maxContiguousTokenOverlap"`
	MaxNgramSimilarity        float64        `json:"maxNgramSimilarity"`
	ViolatesPolicy            bool           `json:"violatesPolicy"`
	Details                   string         `json:"details,omitempty"`
	Sections                  []SectionScore `json:"sections,omitempty"`
}

// Detector 相似度偵測器
type Detector struct {
	shingleSize int
	thresholds  Thresholds
}

// NewDetector 創建偵測器
func NewDetector(shingleSize int, t Thresholds) *Detector {
	if shingleSize <= 0 {
		shingleSize = DefaultShingleSize
	}
	return &Detector{
		shingleSize: shingleSize,
		thresholds:  t,
	}
}

// Thresholds 目前門檻
func (d *Detector) Thresholds() Thresholds {
	return d.thresholds
}

// Tokenize 以空白與標點切分並做大小寫摺疊
func (d *Detector) Tokenize(text string) []string {
	// cases.Caser 帶狀態，不可跨 goroutine 共用
	folded := cases.Fold().String(text)
	return strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Score 計算單一來源/擷取文字對的報告
func (d *Detector) Score(sourceText, extractedText string) Report {
	src := d.Tokenize(sourceText)
	ext := d.Tokenize(extractedText)

	contiguous := LongestCommonRun(src, ext)
	jaccard := Jaccard(Shingles(src, d.shingleSize), Shingles(ext, d.shingleSize))

	r := Report{
		MaxContiguousTokenOverlap: contiguous,
		MaxNgramSimilarity:        jaccard,
	}
	r.ViolatesPolicy = d.violates(contiguous, jaccard)
	r.Details = fmt.Sprintf("longest verbatim run %d tokens, %d-shingle jaccard %.3f", contiguous, d.shingleSize, jaccard)
	return r
}

// ScoreSection 以段落名稱計分
func (d *Detector) ScoreSection(section, sourceText, extractedText string) SectionScore {
	r := d.Score(sourceText, extractedText)
	return SectionScore{
		Section:                   section,
		MaxContiguousTokenOverlap: r.MaxContiguousTokenOverlap,
		MaxNgramSimilarity:        r.MaxNgramSimilarity,
		ViolatesPolicy:            r.ViolatesPolicy,
		Warn:                      d.warns(r.MaxContiguousTokenOverlap, r.MaxNgramSimilarity),
	}
}

// Aggregate 合併段落分數，回報最大值
func (d *Detector) Aggregate(sections []SectionScore) Report {
	r := Report{Sections: sections}
	var worst []string
	for _, s := range sections {
		if s.MaxContiguousTokenOverlap > r.MaxContiguousTokenOverlap {
			r.MaxContiguousTokenOverlap = s.MaxContiguousTokenOverlap
		}
		if s.MaxNgramSimilarity > r.MaxNgramSimilarity {
			r.MaxNgramSimilarity = s.MaxNgramSimilarity
		}
		if s.ViolatesPolicy {
			worst = append(worst, s.Section)
		}
	}
	r.ViolatesPolicy = d.violates(r.MaxContiguousTokenOverlap, r.MaxNgramSimilarity)
	r.Details = fmt.Sprintf("%d sections scored, max run %d tokens, max jaccard %.3f",
		len(sections), r.MaxContiguousTokenOverlap, r.MaxNgramSimilarity)
	if len(worst) > 0 {
		r.Details += "; violating: " + strings.Join(worst, ", ")
	}
	return r
}

// Warns 是否達警告門檻
func (d *Detector) Warns(r Report) bool {
	return d.warns(r.MaxContiguousTokenOverlap, r.MaxNgramSimilarity)
}

func (d *Detector) violates(contiguous int, jaccard float64) bool {
	t := d.thresholds
	if t.ContiguousError > 0 && contiguous >= t.ContiguousError {
		return true
	}
	return t.NgramError > 0 && jaccard >= t.NgramError
}

func (d *Detector) warns(contiguous int, jaccard float64) bool {
	t := d.thresholds
	if t.ContiguousWarn > 0 && contiguous >= t.ContiguousWarn {
		return true
	}
	return t.NgramWarn > 0 && jaccard >= t.NgramWarn
}

// LongestCommonRun 擷取文字中最長、且逐字出現在來源的連續 token 數
func LongestCommonRun(src, ext []string) int {
	if len(src) == 0 || len(ext) == 0 {
		return 0
	}
	prev := make([]int, len(ext)+1)
	cur := make([]int, len(ext)+1)
	best := 0
	for i := 1; i <= len(src); i++ {
		for j := 1; j <= len(ext); j++ {
			if src[i-1] == ext[j-1] {
				cur[j] = prev[j-1] + 1
				if cur[j] > best {
					best = cur[j]
				}
			} else {
				cur[j] = 0
			}
		}
		prev, cur = cur, prev
	}
	return best
}

// Shingles 產生 n-token shingle 集合；短於 n 的非空文字視為單一 shingle
func Shingles(tokens []string, n int) map[string]struct{} {
	set := make(map[string]struct{})
	if len(tokens) == 0 {
		return set
	}
	if len(tokens) < n {
		set[strings.Join(tokens, " ")] = struct{}{}
		return set
	}
	for i := 0; i+n <= len(tokens); i++ {
		set[strings.Join(tokens[i:i+n], " ")] = struct{}{}
	}
	return set
}

// Jaccard |交集| / |聯集|，任一為空時為 0
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	inter := 0
	for k := range small {
		if _, ok := large[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
