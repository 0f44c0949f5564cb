// Package seed はYAMLファイルからスクレイピングソースを一括登録する。
package seed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hitoshi/pricewatch/internal/model"
)

// ErrNoSources はシードファイルにソースが1件も含まれていない場合に返される。
var ErrNoSources = errors.New("no sources found in seed file")

// Selectors は1セレクタの文字列または候補リストのどちらでも記述できる。
type Selectors []string

// UnmarshalYAML はスカラーとシーケンスの両方を受け付ける。
func (s *Selectors) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Value == "" {
			*s = nil
			return nil
		}
		*s = Selectors{node.Value}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*s = list
		return nil
	default:
		return fmt.Errorf("line %d: セレクタは文字列またはリストで指定してください", node.Line)
	}
}

// Action はシードファイル上のページ操作。
type Action struct {
	Type     string `yaml:"type"`
	Selector string `yaml:"selector"`
	Value    string `yaml:"value"`
	Delay    int    `yaml:"delay"`
}

// Source はシードファイル上の1ソース。
type Source struct {
	URL       string               `yaml:"url"`
	Type      string               `yaml:"type"`
	Selectors map[string]Selectors `yaml:"selectors"`
	WaitFor   string               `yaml:"wait_for"`
	Actions   []Action             `yaml:"actions"`
}

// File はシードファイル全体。
type File struct {
	Sources []Source `yaml:"sources"`
}

// Parse はYAMLを読み込む。未知のキーはエラーにする。
func Parse(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrNoSources
		}
		return nil, fmt.Errorf("シードファイルの解析に失敗: %w", err)
	}
	if len(f.Sources) == 0 {
		return nil, ErrNoSources
	}
	return &f, nil
}

// Load はパスからシードファイルを読み込む。
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("シードファイルの読み込みに失敗: %w", err)
	}
	return Parse(bytes.NewReader(data))
}

// ScrapeConfig はセレクタが指定されている場合に抽出レシピへ変換する。
// セレクタもwait_forも無い場合はnilを返し、登録側の既定値に任せる。
func (s Source) ScrapeConfig() *model.ScrapeConfig {
	if len(s.Selectors) == 0 && s.WaitFor == "" && len(s.Actions) == 0 {
		return nil
	}
	cfg := &model.ScrapeConfig{
		ScriptType: model.ScriptTypeSelectors,
		WaitFor:    s.WaitFor,
	}
	if len(s.Selectors) > 0 {
		cfg.Selectors = make(map[string][]string, len(s.Selectors))
		for field, list := range s.Selectors {
			if len(list) > 0 {
				cfg.Selectors[field] = []string(list)
			}
		}
	}
	for _, a := range s.Actions {
		cfg.Actions = append(cfg.Actions, model.Action{
			Type:     model.ActionType(a.Type),
			Selector: a.Selector,
			Value:    a.Value,
			Delay:    a.Delay,
		})
	}
	return cfg
}

// Registrar はソース登録のインターフェース。registry.Registryが実装する。
type Registrar interface {
	Register(ctx context.Context, rawURL string, sourceType model.SourceType, cfg *model.ScrapeConfig) (*model.Source, error)
}

// Result はシード適用の集計。
type Result struct {
	Created  int
	Existing int
	Invalid  int
}

// Apply はシードファイルのソースを順に登録する。
// 登録済みのURLと入力不正のエントリは読み飛ばし、それ以外のエラーで中断する。
func Apply(ctx context.Context, reg Registrar, f *File, logger *slog.Logger) (Result, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var res Result
	for i, entry := range f.Sources {
		src, err := reg.Register(ctx, entry.URL, model.SourceType(entry.Type), entry.ScrapeConfig())
		if err != nil {
			var apiErr *model.APIError
			if !errors.As(err, &apiErr) {
				return res, fmt.Errorf("ソースの登録に失敗 (index=%d): %w", i, err)
			}
			switch apiErr.Code {
			case model.ErrCodeDuplicateSource:
				res.Existing++
				logger.Debug("seed source already registered", slog.String("url", entry.URL))
			case model.ErrCodeInvalidInput:
				res.Invalid++
				logger.Warn("seed source rejected",
					slog.Int("index", i),
					slog.String("url", entry.URL),
					slog.String("reason", apiErr.Message),
				)
			default:
				return res, fmt.Errorf("ソースの登録に失敗 (index=%d): %w", i, err)
			}
			continue
		}
		res.Created++
		logger.Info("seed source registered",
			slog.String("source_id", src.ID),
			slog.String("url", src.URL),
		)
	}
	return res, nil
}
