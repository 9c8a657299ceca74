// Package sanitize 將 HTML 轉成可讀文字，並取出 JSON-LD 與頁面中繼資料
package sanitize

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Metadata 頁面中繼資料
type Metadata struct {
	Title        string `json:"title,omitempty"`
	Description  string `json:"description,omitempty"`
	Author       string `json:"author,omitempty"`
	SiteName     string `json:"siteName,omitempty"`
	CanonicalURL string `json:"canonicalUrl,omitempty"`
	Language     string `json:"language,omitempty"`
	ImageURL     string `json:"imageUrl,omitempty"`
	License      string `json:"license,omitempty"`
}

// Content 清理後的內容
type Content struct {
	Text string `json:"text"`
	// StructuredData 所有 ld+json 區塊原文
	StructuredData []string `json:"structuredData,omitempty"`
	// RecipeData 食譜型別的結構化資料（JSON），無則為空
	RecipeData string   `json:"recipeData,omitempty"`
	Metadata   Metadata `json:"metadata"`
}

// HasRecipeData 是否有食譜結構化資料
func (c *Content) HasRecipeData() bool {
	return c.RecipeData != ""
}

var hiddenStylePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)display\s*:\s*none`),
	regexp.MustCompile(`(?i)visibility\s*:\s*hidden`),
}

var spaceRun = regexp.MustCompile(`\n{3,}`)

// Sanitizer 內容清理器，可並行使用
type Sanitizer struct {
	md *converter.Converter
}

// New 創建清理器
func New() *Sanitizer {
	return &Sanitizer{
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// Sanitize 清理 HTML；sourceURL 用於補全相對連結
func (s *Sanitizer) Sanitize(rawHTML, sourceURL string) (*Content, error) {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return nil, err
	}

	out := &Content{}
	collectHead(doc, &out.Metadata)
	out.StructuredData = collectJSONLD(doc)
	out.RecipeData = findRecipeBlock(out.StructuredData)

	stripBoilerplate(doc, false)

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return nil, err
	}
	fallback := collectText(doc)
	out.Text = s.toMarkdown(buf.String(), sourceURL, fallback)

	return out, nil
}

func (s *Sanitizer) toMarkdown(h, sourceURL, fallback string) string {
	result, err := s.md.ConvertString(h, converter.WithDomain(sourceURL))
	if err != nil || strings.TrimSpace(result) == "" {
		return fallback
	}
	return strings.TrimSpace(spaceRun.ReplaceAllString(result, "\n\n"))
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

func hasHiddenStyle(n *html.Node) bool {
	for _, a := range n.Attr {
		if a.Key == "hidden" {
			return true
		}
		if a.Key == "aria-hidden" && a.Val == "true" {
			return true
		}
		if a.Key == "style" {
			for _, pat := range hiddenStylePatterns {
				if pat.MatchString(a.Val) {
					return true
				}
			}
		}
	}
	return false
}

// collectHead 讀取 title、meta、canonical 與語言
func collectHead(doc *html.Node, md *Metadata) {
	var ogTitle, ogDesc string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Html:
				if lang := attr(n, "lang"); lang != "" {
					md.Language = lang
				}
			case atom.Title:
				if md.Title == "" {
					md.Title = strings.TrimSpace(textOf(n))
				}
			case atom.Link:
				rel := strings.ToLower(attr(n, "rel"))
				switch {
				case strings.Contains(rel, "canonical"):
					md.CanonicalURL = attr(n, "href")
				case strings.Contains(rel, "license"):
					md.License = attr(n, "href")
				}
			case atom.Meta:
				key := strings.ToLower(attr(n, "name"))
				if key == "" {
					key = strings.ToLower(attr(n, "property"))
				}
				val := attr(n, "content")
				switch key {
				case "description":
					md.Description = val
				case "author", "article:author":
					if md.Author == "" {
						md.Author = val
					}
				case "og:site_name", "application-name":
					if md.SiteName == "" {
						md.SiteName = val
					}
				case "og:title":
					ogTitle = val
				case "og:description":
					ogDesc = val
				case "og:image":
					md.ImageURL = val
				case "og:locale":
					if md.Language == "" {
						md.Language = val
					}
				}
				if equiv := strings.ToLower(attr(n, "http-equiv")); equiv == "content-language" && md.Language == "" {
					md.Language = val
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if md.Title == "" {
		md.Title = ogTitle
	}
	if md.Description == "" {
		md.Description = ogDesc
	}
}

// collectJSONLD 取出所有 application/ld+json 區塊
func collectJSONLD(doc *html.Node) []string {
	var blocks []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Script {
			if strings.Contains(strings.ToLower(attr(n, "type")), "ld+json") {
				if raw := strings.TrimSpace(textOf(n)); raw != "" {
					blocks = append(blocks, raw)
				}
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return blocks
}

// findRecipeBlock 在 ld+json 區塊中尋找 @type 為 Recipe 的物件（支援 @graph 與陣列）
func findRecipeBlock(blocks []string) string {
	for _, raw := range blocks {
		var v interface{}
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			continue
		}
		if obj := findRecipe(v); obj != nil {
			data, err := json.Marshal(obj)
			if err == nil {
				return string(data)
			}
		}
	}
	return ""
}

func findRecipe(v interface{}) map[string]interface{} {
	switch t := v.(type) {
	case []interface{}:
		for _, item := range t {
			if r := findRecipe(item); r != nil {
				return r
			}
		}
	case map[string]interface{}:
		if isRecipeType(t["@type"]) {
			return t
		}
		if g, ok := t["@graph"]; ok {
			if r := findRecipe(g); r != nil {
				return r
			}
		}
		if me, ok := t["mainEntity"]; ok {
			if r := findRecipe(me); r != nil {
				return r
			}
		}
	}
	return nil
}

func isRecipeType(v interface{}) bool {
	switch t := v.(type) {
	case string:
		return strings.EqualFold(strings.TrimPrefix(t, "schema:"), "Recipe") ||
			strings.HasSuffix(strings.ToLower(t), "/recipe")
	case []interface{}:
		for _, item := range t {
			if isRecipeType(item) {
				return true
			}
		}
	}
	return false
}

// stripBoilerplate 移除腳本、樣式、導覽、頁尾與隱藏元素；article/main 內的 header 保留
func stripBoilerplate(n *html.Node, inContent bool) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		switch c.Type {
		case html.CommentNode:
			n.RemoveChild(c)
		case html.ElementNode:
			switch c.DataAtom {
			case atom.Head, atom.Script, atom.Style, atom.Noscript, atom.Nav, atom.Footer,
				atom.Aside, atom.Form, atom.Iframe, atom.Svg, atom.Template, atom.Button:
				n.RemoveChild(c)
			case atom.Header:
				if inContent && !hasHiddenStyle(c) {
					stripBoilerplate(c, inContent)
				} else {
					n.RemoveChild(c)
				}
			default:
				if hasHiddenStyle(c) {
					n.RemoveChild(c)
				} else {
					stripBoilerplate(c, inContent || c.DataAtom == atom.Article || c.DataAtom == atom.Main)
				}
			}
		}
		c = next
	}
}

func textOf(n *html.Node) string {
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
		} else {
			sb.WriteString(textOf(c))
		}
	}
	return sb.String()
}

// collectText 純文字後備
func collectText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(text)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}
