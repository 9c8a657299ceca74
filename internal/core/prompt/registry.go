// Package prompt 管理依 (phase, promptId) 索引的提示模板
package prompt

import (
	_ "embed"
	"fmt"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// 階段名稱
const (
	PhaseExtract          = "extract"
	PhaseExtractRepair    = "extract_repair"
	PhaseRepairParaphrase = "repair_paraphrase"
	PhaseNormalize        = "normalize"
)

//go:embed templates.yaml
var defaultTemplates []byte

type templateDef struct {
	ID     string `yaml:"id"`
	System string `yaml:"system"`
	User   string `yaml:"user"`
}

type phaseDef struct {
	Default   string        `yaml:"default"`
	Templates []templateDef `yaml:"templates"`
}

// Template 已編譯的模板
type Template struct {
	ID     string
	Phase  string
	system *template.Template
	user   *template.Template
}

// Rendered 渲染後的提示
type Rendered struct {
	PromptID string
	System   string
	User     string
}

// Registry 模板登錄表
type Registry struct {
	phases   map[string]map[string]*Template
	defaults map[string]string
}

// NewDefaultRegistry 載入內建模板
func NewDefaultRegistry() (*Registry, error) {
	return Load(defaultTemplates)
}

// Load 從 YAML 載入模板
func Load(data []byte) (*Registry, error) {
	var raw map[string]phaseDef
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse prompt templates: %w", err)
	}

	r := &Registry{
		phases:   make(map[string]map[string]*Template),
		defaults: make(map[string]string),
	}
	for phase, def := range raw {
		byID := make(map[string]*Template, len(def.Templates))
		for _, td := range def.Templates {
			if td.ID == "" {
				return nil, fmt.Errorf("prompt in phase %s has no id", phase)
			}
			sys, err := template.New(td.ID + ".system").Option("missingkey=error").Parse(td.System)
			if err != nil {
				return nil, fmt.Errorf("prompt %s: %w", td.ID, err)
			}
			usr, err := template.New(td.ID + ".user").Option("missingkey=error").Parse(td.User)
			if err != nil {
				return nil, fmt.Errorf("prompt %s: %w", td.ID, err)
			}
			byID[td.ID] = &Template{ID: td.ID, Phase: phase, system: sys, user: usr}
		}
		if _, ok := byID[def.Default]; !ok {
			return nil, fmt.Errorf("phase %s default prompt %q is not defined", phase, def.Default)
		}
		r.phases[phase] = byID
		r.defaults[phase] = def.Default
	}
	return r, nil
}

// Resolve 依 promptId 取得模板；未知或空白時回傳階段預設，fellBack 表示是否改用預設
func (r *Registry) Resolve(phase, promptID string) (tpl *Template, fellBack bool, err error) {
	byID, ok := r.phases[phase]
	if !ok {
		return nil, false, fmt.Errorf("no prompts registered for phase %s", phase)
	}
	if promptID != "" {
		if t, ok := byID[promptID]; ok {
			return t, false, nil
		}
	}
	return byID[r.defaults[phase]], promptID != "", nil
}

// IDs 列出階段內所有 promptId
func (r *Registry) IDs(phase string) []string {
	var ids []string
	for id := range r.phases[phase] {
		ids = append(ids, id)
	}
	return ids
}

// Has 是否存在指定模板
func (r *Registry) Has(phase, promptID string) bool {
	_, ok := r.phases[phase][promptID]
	return ok
}

// Render 渲染模板
func (t *Template) Render(data interface{}) (*Rendered, error) {
	var sys, usr strings.Builder
	if err := t.system.Execute(&sys, data); err != nil {
		return nil, fmt.Errorf("render %s system: %w", t.ID, err)
	}
	if err := t.user.Execute(&usr, data); err != nil {
		return nil, fmt.Errorf("render %s user: %w", t.ID, err)
	}
	return &Rendered{
		PromptID: t.ID,
		System:   strings.TrimSpace(sys.String()),
		User:     strings.TrimSpace(usr.String()),
	}, nil
}
