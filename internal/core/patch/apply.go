package patch

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"recipe-ingest/internal/pkg/common"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// 允許的操作
const (
	OpAdd     = "add"
	OpRemove  = "remove"
	OpReplace = "replace"
	OpTest    = "test"
)

// protectedPaths 不允許被修補的欄位
var protectedPaths = []string{"/id", "/source", "/createdAt", "/updatedAt"}

// Indexed 帶原始索引的操作
type Indexed struct {
	Index     int
	Operation Operation
}

// Select 依索引與風險上限挑選操作，回傳被排除的數量
func (f Filter) Select(ops []Operation) ([]Indexed, int) {
	var wanted map[int]bool
	if len(f.Indices) > 0 {
		wanted = make(map[int]bool, len(f.Indices))
		for _, i := range f.Indices {
			wanted[i] = true
		}
	}

	limit := riskRank[RiskHigh]
	if f.MaxRisk != "" {
		// 無法辨識的上限只放行低風險
		limit = riskRank[RiskLow]
		if r, ok := ParseRisk(string(f.MaxRisk)); ok {
			limit = r.Rank()
		}
	}

	var out []Indexed
	for i, op := range ops {
		if wanted != nil && !wanted[i] {
			continue
		}
		if op.RiskCategory.Rank() > limit {
			continue
		}
		out = append(out, Indexed{Index: i, Operation: op})
	}
	return out, len(ops) - len(out)
}

// ValidatePatches 不修改文件的結構檢查，回傳每個不合格操作的原因
func ValidatePatches(recipe *common.Recipe, ops []Operation) ([]Failure, error) {
	doc, err := toDocument(recipe)
	if err != nil {
		return nil, err
	}
	var failures []Failure
	for i, op := range ops {
		if err := checkOperation(doc, op); err != nil {
			failures = append(failures, Failure{Index: i, Operation: op, Message: err.Error()})
		}
	}
	return failures, nil
}

// ApplyPatches 逐一套用；每個操作先對目前文件試套，失敗者記錄後繼續下一個
func ApplyPatches(recipe *common.Recipe, ops []Indexed, now time.Time) (*ApplyResult, error) {
	doc, err := json.Marshal(recipe)
	if err != nil {
		return nil, fmt.Errorf("failed to encode recipe: %w", err)
	}

	result := &ApplyResult{Applied: []Operation{}, Failed: []Failure{}}
	for _, item := range ops {
		next, err := applyOne(doc, item.Operation)
		if err != nil {
			result.Failed = append(result.Failed, Failure{Index: item.Index, Operation: item.Operation, Message: err.Error()})
			continue
		}
		doc = next
		result.Applied = append(result.Applied, item.Operation)
	}

	var updated common.Recipe
	if err := json.Unmarshal(doc, &updated); err != nil {
		return nil, fmt.Errorf("failed to decode patched recipe: %w", err)
	}
	// 身分與來源欄位一律保留原值
	updated.ID = recipe.ID
	updated.Source = recipe.Source
	updated.CreatedAt = recipe.CreatedAt
	updated.UpdatedAt = recipe.UpdatedAt
	if len(result.Applied) > 0 {
		updated.UpdatedAt = now
	}

	result.Recipe = &updated
	result.AppliedCount = len(result.Applied)
	result.FailedCount = len(result.Failed)
	return result, nil
}

// applyOne 對文件副本試套單一操作，並確認結果仍是合法的食譜
func applyOne(doc []byte, op Operation) ([]byte, error) {
	var current interface{}
	if err := json.Unmarshal(doc, &current); err != nil {
		return nil, err
	}
	if err := checkOperation(current, op); err != nil {
		return nil, err
	}

	var raw []map[string]interface{}
	if op.OriginalValue != nil && (op.Op == OpReplace || op.Op == OpRemove) {
		got, _ := Lookup(current, op.Path)
		if !sameJSON(got, op.OriginalValue) {
			return nil, fmt.Errorf("current value at %s no longer matches the suggested original", op.Path)
		}
		raw = append(raw, map[string]interface{}{"op": OpTest, "path": op.Path, "value": op.OriginalValue})
	}
	step := map[string]interface{}{"op": op.Op, "path": op.Path}
	if op.Op != OpRemove {
		step["value"] = op.Value
	}
	raw = append(raw, step)

	patchJSON, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	p, err := jsonpatch.DecodePatch(patchJSON)
	if err != nil {
		return nil, fmt.Errorf("invalid patch: %w", err)
	}
	out, err := p.Apply(doc)
	if err != nil {
		return nil, fmt.Errorf("apply %s %s: %w", op.Op, op.Path, err)
	}

	var check common.Recipe
	if err := common.ParseJSONStrict(string(out), &check); err != nil {
		return nil, fmt.Errorf("patched recipe is invalid: %w", err)
	}
	return out, nil
}

// checkOperation 檢查操作類型、路徑格式、保護欄位與目標是否存在
func checkOperation(doc interface{}, op Operation) error {
	switch op.Op {
	case OpAdd, OpRemove, OpReplace, OpTest:
	default:
		return fmt.Errorf("unsupported op %q", op.Op)
	}
	if !strings.HasPrefix(op.Path, "/") {
		return fmt.Errorf("path %q is not a JSON pointer", op.Path)
	}
	for _, p := range protectedPaths {
		if op.Path == p || strings.HasPrefix(op.Path, p+"/") {
			return fmt.Errorf("path %s is read-only", op.Path)
		}
	}
	if op.Op != OpRemove && op.Value == nil {
		return fmt.Errorf("%s %s requires a value", op.Op, op.Path)
	}
	if op.Op == OpRemove || op.Op == OpReplace || op.Op == OpTest {
		if _, ok := Lookup(doc, op.Path); !ok {
			return fmt.Errorf("path %s does not exist", op.Path)
		}
	}
	return nil
}

// Lookup 以 JSON pointer 取值
func Lookup(doc interface{}, pointer string) (interface{}, bool) {
	if pointer == "" {
		return doc, true
	}
	if !strings.HasPrefix(pointer, "/") {
		return nil, false
	}
	cur := doc
	for _, token := range strings.Split(pointer[1:], "/") {
		token = strings.ReplaceAll(strings.ReplaceAll(token, "~1", "/"), "~0", "~")
		switch node := cur.(type) {
		case map[string]interface{}:
			v, ok := node[token]
			if !ok {
				return nil, false
			}
			cur = v
		case []interface{}:
			i, err := strconv.Atoi(token)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// sameJSON 以序列化結果比較，避免數字型別差異
func sameJSON(a, b interface{}) bool {
	x, err1 := json.Marshal(a)
	y, err2 := json.Marshal(b)
	return err1 == nil && err2 == nil && string(x) == string(y)
}

func toDocument(recipe *common.Recipe) (interface{}, error) {
	data, err := json.Marshal(recipe)
	if err != nil {
		return nil, fmt.Errorf("failed to encode recipe: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
