package structure

// ============================================================================
// CIF 詞法分析
// 職責：將 PDBx/mmCIF 文字切成 token（tag、值、保留字）
// ============================================================================

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

const (
	maxLineSize      = 16 * 1024 * 1024 // 單行最大長度
	ctxCheckInterval = 4096             // 每讀多少行檢查一次 context
)

// token 一個 CIF token
type token struct {
	value  string
	quoted bool // 引號或 ; 文字欄位，不可視為 tag 或保留字
	line   int
}

// isTag 是否為資料名稱（_category.item）
func (t token) isTag() bool {
	return !t.quoted && strings.HasPrefix(t.value, "_")
}

// isReserved 是否為保留字（loop_、data_ 等）
func (t token) isReserved() bool {
	if t.quoted {
		return false
	}
	v := strings.ToLower(t.value)
	return v == "loop_" || v == "stop_" || v == "global_" ||
		strings.HasPrefix(v, "data_") || strings.HasPrefix(v, "save_")
}

// isNull CIF 的 ? 與 . 代表缺值
func (t token) isNull() bool {
	return !t.quoted && (t.value == "?" || t.value == ".")
}

// tokenizer 以行為單位的詞法分析器
type tokenizer struct {
	ctx     context.Context
	sc      *bufio.Scanner
	line    string
	pos     int
	lineNo  int
	started bool // 目前行是否已開始處理
	pending *token
}

func newTokenizer(ctx context.Context, r io.Reader) *tokenizer {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	return &tokenizer{ctx: ctx, sc: sc, started: true}
}

// unread 放回一個 token（只支援一層）
func (t *tokenizer) unread(tok token) {
	t.pending = &tok
}

// advance 讀取下一行
func (t *tokenizer) advance() (bool, error) {
	if !t.sc.Scan() {
		if err := t.sc.Err(); err != nil {
			return false, &ParseError{Line: t.lineNo, Msg: err.Error()}
		}
		return false, nil
	}
	t.lineNo++
	if t.lineNo%ctxCheckInterval == 0 {
		if err := t.ctx.Err(); err != nil {
			return false, err
		}
	}
	t.line = t.sc.Text()
	t.pos = 0
	t.started = false
	return true, nil
}

// next 回傳下一個 token，結尾回傳 io.EOF
func (t *tokenizer) next() (token, error) {
	if t.pending != nil {
		tok := *t.pending
		t.pending = nil
		return tok, nil
	}

	for {
		if t.pos >= len(t.line) {
			ok, err := t.advance()
			if err != nil {
				return token{}, err
			}
			if !ok {
				return token{}, io.EOF
			}
		}

		// ; 開頭的行是多行文字欄位
		if !t.started {
			t.started = true
			if strings.HasPrefix(t.line, ";") {
				return t.textField()
			}
		}

		for t.pos < len(t.line) && isSpace(t.line[t.pos]) {
			t.pos++
		}
		if t.pos >= len(t.line) {
			continue
		}

		c := t.line[t.pos]
		switch {
		case c == '#':
			t.pos = len(t.line)
			continue
		case c == '\'' || c == '"':
			return t.quotedValue(c)
		default:
			start := t.pos
			for t.pos < len(t.line) && !isSpace(t.line[t.pos]) {
				t.pos++
			}
			return token{value: t.line[start:t.pos], line: t.lineNo}, nil
		}
	}
}

// quotedValue 讀取引號值：結束引號後必須是空白或行尾
func (t *tokenizer) quotedValue(q byte) (token, error) {
	startLine := t.lineNo
	for k := t.pos + 1; k < len(t.line); k++ {
		if t.line[k] == q && (k+1 == len(t.line) || isSpace(t.line[k+1])) {
			tok := token{value: t.line[t.pos+1 : k], quoted: true, line: startLine}
			t.pos = k + 1
			return tok, nil
		}
	}
	return token{}, &ParseError{Line: startLine, Msg: "unterminated quoted string"}
}

// textField 讀取 ; ... ; 多行文字
func (t *tokenizer) textField() (token, error) {
	startLine := t.lineNo
	var b strings.Builder
	b.WriteString(t.line[1:])
	for {
		ok, err := t.advance()
		if err != nil {
			return token{}, err
		}
		if !ok {
			return token{}, &ParseError{Line: startLine, Msg: "unterminated text field"}
		}
		if strings.HasPrefix(t.line, ";") {
			t.pos = 1
			t.started = true
			return token{value: b.String(), quoted: true, line: startLine}, nil
		}
		b.WriteByte('\n')
		b.WriteString(t.line)
	}
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

// ParseError 解析器層級的錯誤，保留原始訊息
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
	}
	return e.Msg
}
