package service

import (
	"strings"
	"unicode"

	"github.com/zirenlegend/EverMemOS-sub001/internal/domain/repository"
)

// 查询词权重分档。权重进入倒排检索的 boost，
// 让实词主导相关度、数字次之、标点和空白几乎不贡献分数。
const (
	weightWord       = 1.0 // CJK / 英文实词
	weightNumber     = 0.8
	weightPunct      = 0.2
	weightWhitespace = 0.1
)

// TokenizeQuery 把查询串切成带权查询词。
// 切分规则：CJK 逐字成词，英文字母 / 数字串成段，标点单字成词，
// 连续空白合并为一个词。空白与标点通常会被索引侧分析器丢弃，
// 低权重只是兜底，避免异常查询里它们喧宾夺主。
func TokenizeQuery(query string) []repository.WeightedTerm {
	var terms []repository.WeightedTerm
	runes := []rune(query)

	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			j := i
			for j < len(runes) && unicode.IsSpace(runes[j]) {
				j++
			}
			terms = append(terms, repository.WeightedTerm{
				Term:   string(runes[i:j]),
				Weight: weightWhitespace,
			})
			i = j

		case unicode.IsDigit(r):
			j := i
			for j < len(runes) && unicode.IsDigit(runes[j]) {
				j++
			}
			terms = append(terms, repository.WeightedTerm{
				Term:   string(runes[i:j]),
				Weight: weightNumber,
			})
			i = j

		case isCJK(r):
			terms = append(terms, repository.WeightedTerm{
				Term:   string(r),
				Weight: weightWord,
			})
			i++

		case unicode.IsLetter(r):
			j := i
			for j < len(runes) && unicode.IsLetter(runes[j]) && !isCJK(runes[j]) {
				j++
			}
			terms = append(terms, repository.WeightedTerm{
				Term:   string(runes[i:j]),
				Weight: weightWord,
			})
			i = j

		default:
			terms = append(terms, repository.WeightedTerm{
				Term:   string(r),
				Weight: weightPunct,
			})
			i++
		}
	}
	return terms
}

// SearchTerms 检索用词表：丢掉纯空白词，其余保留
func SearchTerms(query string) []repository.WeightedTerm {
	all := TokenizeQuery(query)
	out := make([]repository.WeightedTerm, 0, len(all))
	for _, t := range all {
		if strings.TrimSpace(t.Term) == "" {
			continue
		}
		out = append(out, t)
	}
	return out
}

// isCJK 判断是否 CJK 统一表意文字（含扩展 A 与兼容区）
func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0xF900 && r <= 0xFAFF)
}
