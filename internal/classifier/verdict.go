package classifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// UnreachableScore 分类器不可达时的哨兵分数
const UnreachableScore = -1.0

// ErrUnreachable 分类器后端无法连接
var ErrUnreachable = errors.New("classifier unreachable")

// ErrInvalidResponse 分类器返回内容无法解析
var ErrInvalidResponse = errors.New("classifier returned an invalid verdict")

// Verdict 分类结论，分数越高越可疑，无固定范围
type Verdict struct {
	Score  float64 `json:"score"`
	Reason string  `json:"reason"`
}

// Failed 是否为不可达哨兵结论
func (v Verdict) Failed() bool {
	return v.Score == UnreachableScore
}

// ErrorVerdict 构造携带哨兵分数的错误结论
func ErrorVerdict(backend string, err error) Verdict {
	label := "Classifier"
	if backend != "" {
		label = strings.ToUpper(backend[:1]) + backend[1:]
	}

	kind := "Connection Error"
	if errors.Is(err, ErrInvalidResponse) {
		kind = "Response Error"
	}

	return Verdict{
		Score:  UnreachableScore,
		Reason: fmt.Sprintf("%s %s: %v", label, kind, err),
	}
}

// rawVerdict 兼容模型把分数写成字符串的情况
type rawVerdict struct {
	Score  json.RawMessage `json:"score"`
	Reason json.RawMessage `json:"reason"`
}

// ParseVerdict 从模型回复中截取 JSON 对象并解析
func ParseVerdict(text string) (Verdict, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return Verdict{}, fmt.Errorf("%w: no json object in %q", ErrInvalidResponse, truncate(text, 200))
	}

	var raw rawVerdict
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if len(raw.Score) == 0 {
		return Verdict{}, fmt.Errorf("%w: missing score", ErrInvalidResponse)
	}

	score, err := parseScore(raw.Score)
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	return Verdict{Score: score, Reason: parseReason(raw.Reason)}, nil
}

func parseScore(raw json.RawMessage) (float64, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("score is neither number nor string: %s", raw)
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("score %q is not numeric", s)
	}
	return f, nil
}

func parseReason(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	// 非字符串原样保留
	return string(raw)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
