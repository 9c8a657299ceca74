package common

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// ParseJSONStrict 解析單一 JSON 值，禁止未知欄位與多餘資料
func ParseJSONStrict(data string, v interface{}) error {
	return decodeOne(data, v, true)
}

func decodeOne(data string, v interface{}, disallowUnknown bool) error {
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()
	if disallowUnknown {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("unexpected extra JSON data")
	}
	return nil
}

var (
	unquotedKeyPattern   = regexp.MustCompile(`([{\[,]\s*)([A-Za-z_][A-Za-z0-9_]*)\s*:`)
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
)

// modelObject 去除 markdown fence 與前後說明：取第一個 { 到最後一個 }
func modelObject(content string) string {
	content = strings.TrimSpace(content)
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end <= start {
		return content
	}
	return content[start : end+1]
}

// ParseModelJSON 解析模型輸出的 JSON 物件；失敗時補鍵名引號、去尾逗號再試一次
func ParseModelJSON(content string, v interface{}) error {
	candidate := modelObject(content)
	err := decodeOne(candidate, v, false)
	if err == nil {
		return nil
	}
	patched := unquotedKeyPattern.ReplaceAllString(candidate, `$1"$2":`)
	patched = trailingCommaPattern.ReplaceAllString(patched, "$1")
	if patched != candidate && decodeOne(patched, v, false) == nil {
		return nil
	}
	return err
}

// MustJSONBytes 序列化為縮排 JSON，失敗時回傳錯誤描述
func MustJSONBytes(v interface{}) []byte {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return []byte(fmt.Sprintf(`{"error":%q}`, err.Error()))
	}
	return data
}
