// Package source はRSS/Atomで公開されているマーケットプレイス投稿のバックグラウンド取得を提供する。
// ソース定義の読み込み、フィード検出、条件付きGETによるフェッチ、
// リトライ/バックオフ戦略、セマフォで並列数を制御するスケジューラを含む。
package source

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Source はSOURCES_FILEに記述された1件の取得元。
type Source struct {
	Name     string `yaml:"name"`
	Platform string `yaml:"platform"`
	Category string `yaml:"category"`
	// Type は取得した投稿に付与する種別（buying/selling）。空の場合はunknownになる。
	Type string `yaml:"type"`
	URL  string `yaml:"url"`
	// Discover がtrueの場合、URLをHTMLページとみなしてフィードリンクを検出する。
	Discover bool `yaml:"discover"`
}

// fileConfig はSOURCES_FILEの全体構造。
type fileConfig struct {
	Sources []Source `yaml:"sources"`
}

// URLValidator はソースURLの静的検証インターフェース。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// LoadSources はYAMLファイルからソース定義を読み込む。
// validatorがnilでない場合は各URLを検証し、危険なURLを含むファイルはエラーにする。
func LoadSources(path string, validator URLValidator) ([]Source, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sources file: %w", err)
	}
	return ParseSources(b, validator)
}

// ParseSources はYAMLのバイト列からソース定義を解析する。
func ParseSources(b []byte, validator URLValidator) ([]Source, error) {
	var cfg fileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse sources file: %w", err)
	}

	seen := make(map[string]bool, len(cfg.Sources))
	sources := make([]Source, 0, len(cfg.Sources))
	for i, s := range cfg.Sources {
		s.Name = strings.TrimSpace(s.Name)
		s.URL = strings.TrimSpace(s.URL)
		if s.URL == "" {
			return nil, fmt.Errorf("source %d: url is required", i)
		}
		if s.Name == "" {
			s.Name = s.URL
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("source %d: duplicate name %q", i, s.Name)
		}
		seen[s.Name] = true
		if validator != nil {
			if err := validator.ValidateURL(s.URL); err != nil {
				return nil, fmt.Errorf("source %q: %w", s.Name, err)
			}
		}
		sources = append(sources, s)
	}
	return sources, nil
}
