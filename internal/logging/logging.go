// Package logging はアプリケーション全体で使う構造化ロガーを作る
package logging

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// 出力形式
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// New は level と format に従ったロガーを作成する
// console は人が読む端末向け、json は収集基盤向けの出力になる
func New(level, format string, w io.Writer) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("ログレベルが不正です: %q: %w", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	var out io.Writer
	switch strings.ToLower(format) {
	case FormatConsole, "":
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	case FormatJSON:
		out = w
	default:
		return zerolog.Nop(), fmt.Errorf("ログ形式が不正です: %q", format)
	}

	return zerolog.New(out).Level(lvl).With().
		Timestamp().
		Str("app", "otcsnap").
		Logger(), nil
}
