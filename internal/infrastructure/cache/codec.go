package cache

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// 成员编码格式: <uuid>:<prefix><bytes>
// uuid 防止字节相同的两个载荷被 sorted set 去重；prefix 区分编码。
const (
	prefixJSON = "json:"
	prefixGob  = "gob:"
)

// encodeMember 序列化载荷为队列成员串。
// 优先 JSON；不可 JSON 序列化的值（含 channel / func 字段等）走 gob 兜底。
func encodeMember(payload any) (string, error) {
	id := uuid.NewString()

	if data, err := json.Marshal(payload); err == nil {
		return id + ":" + prefixJSON + string(data), nil
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(payload); err != nil {
		return "", fmt.Errorf("payload is neither JSON- nor gob-encodable: %w", err)
	}
	return id + ":" + prefixGob + buf.String(), nil
}

// decodedMember 解码后的队列成员
type decodedMember struct {
	id       string
	encoding string // "json" | "gob"
	data     []byte
}

// decodeMember 解析成员串。格式不合法返回错误，调用方记日志后跳过。
func decodeMember(member string) (*decodedMember, error) {
	sep := strings.IndexByte(member, ':')
	if sep <= 0 {
		return nil, fmt.Errorf("malformed queue member: no id separator")
	}
	id, rest := member[:sep], member[sep+1:]

	switch {
	case strings.HasPrefix(rest, prefixJSON):
		return &decodedMember{id: id, encoding: "json", data: []byte(rest[len(prefixJSON):])}, nil
	case strings.HasPrefix(rest, prefixGob):
		return &decodedMember{id: id, encoding: "gob", data: []byte(rest[len(prefixGob):])}, nil
	default:
		return nil, fmt.Errorf("malformed queue member: unknown encoding prefix")
	}
}

// decodeInto 把载荷反序列化到 v
func (m *decodedMember) decodeInto(v any) error {
	switch m.encoding {
	case "json":
		return json.Unmarshal(m.data, v)
	case "gob":
		return gob.NewDecoder(bytes.NewReader(m.data)).Decode(v)
	default:
		return fmt.Errorf("unknown encoding %q", m.encoding)
	}
}
