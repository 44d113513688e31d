// Package content は画像からの説明文生成と音声合成を行う。
package content

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/exp/slices"
)

// Kind は生成する文章の種類
type Kind string

const (
	// Describe は物の中立的な説明
	Describe Kind = "describe"
	// IsArt はその物を芸術作品として紹介する
	IsArt Kind = "isart"
	// NotArt はその物が芸術作品ではない理由を述べる
	NotArt Kind = "notart"
)

// Kinds はすべての種類
var Kinds = []Kind{IsArt, NotArt, Describe}

var playlistLetters = map[rune]Kind{
	'I': IsArt,
	'N': NotArt,
	'D': Describe,
}

// ParseKind は種類名を検証する
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !slices.Contains(Kinds, k) {
		return "", fmt.Errorf("type must be 'describe', 'isart', or 'notart': %q", s)
	}
	return k, nil
}

// ParsePlaylist は "IND" のような文字列を種類のリストに変換する。
// 未知の文字は無視し、順序と重複はそのまま残す。
func ParsePlaylist(s string) []Kind {
	var kinds []Kind
	for _, r := range strings.ToUpper(s) {
		if k, ok := playlistLetters[r]; ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// Prompt は種類ごとの指示文を返す。textLength は生成する文字数の目安。
// 種類名の大文字小文字と前後の空白は区別しない。
func Prompt(kind Kind, textLength int) (string, error) {
	k, err := ParseKind(string(kind))
	if err != nil {
		return "", err
	}
	switch k {
	case Describe:
		return fmt.Sprintf("請想像你是直接看見，並以%d字繁體中文描述這個物品。", textLength), nil
	case IsArt:
		return fmt.Sprintf("請想像你是直接看見這個藝術品，請以繁體中文介紹這個作品的名稱，並以%d字介紹他的作品理念。", textLength), nil
	case NotArt:
		return fmt.Sprintf("請想像你是直接看見，請以%d字以內的繁體中文告訴我為何這個東西不是一個藝術作品。", textLength), nil
	default:
		return "", fmt.Errorf("unknown content kind %q", k)
	}
}

// Generator は画像 (JPEG) から文章を生成する。数秒かかることがあり、失敗することもある。
type Generator interface {
	Generate(ctx context.Context, jpeg []byte, kind Kind) (string, error)
}

// Synthesizer は文章を音声ファイルに変換し、そのパスを返す
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, kind Kind) (string, error)
}
