package content

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// Voices は音声合成で使う声の一覧
var Voices = []string{"alloy", "echo", "fable", "onyx", "nova", "shimmer"}

// OpenAIConfig は OpenAI クライアントの設定
type OpenAIConfig struct {
	APIKey string
	// BaseURL は API のベース URL (テスト用。空なら既定値)
	BaseURL     string
	Model       string
	SpeechModel string
	SpeechDir   string
	MaxTokens   int
	TextLength  int
	Timeout     time.Duration
}

// OpenAI は Generator と Synthesizer を OpenAI API で実装する
type OpenAI struct {
	client *openai.Client
	cfg    OpenAIConfig
	// randVoice は声の選択に使う (テストで固定するため)
	randVoice func() string
}

func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.SpeechModel == "" {
		cfg.SpeechModel = string(openai.TTSModel1)
	}
	if cfg.SpeechDir == "" {
		cfg.SpeechDir = "speech"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 300
	}
	if cfg.TextLength <= 0 {
		cfg.TextLength = 50
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout > 0 {
		config.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}

	if err := os.MkdirAll(cfg.SpeechDir, 0o755); err != nil {
		return nil, fmt.Errorf("音声の保存先を作成できませんでした: %w", err)
	}

	return &OpenAI{
		client: openai.NewClientWithConfig(config),
		cfg:    cfg,
		randVoice: func() string {
			return Voices[rand.Intn(len(Voices))]
		},
	}, nil
}

// Generate は画像を見て kind に応じた文章を生成する
func (o *OpenAI) Generate(ctx context.Context, jpeg []byte, kind Kind) (string, error) {
	instruction, err := Prompt(kind, o.cfg.TextLength)
	if err != nil {
		return "", err
	}

	req := openai.ChatCompletionRequest{
		Model:     o.cfg.Model,
		MaxTokens: o.cfg.MaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{
						Type: openai.ChatMessagePartTypeText,
						Text: instruction,
					},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpeg),
						},
					},
				},
			},
		},
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", errors.New("chat completion returned empty text")
	}
	slog.Debug("文章を生成しました", "kind", kind, "chars", len([]rune(text)), "tokens", resp.Usage.TotalTokens)
	return text, nil
}

// Synthesize は text を音声にして <SpeechDir>/<kind>_<voice>.mp3 に保存する
func (o *OpenAI) Synthesize(ctx context.Context, text string, kind Kind) (string, error) {
	// kind はファイル名になる
	kind, err := ParseKind(string(kind))
	if err != nil {
		return "", err
	}
	voice := o.randVoice()
	resp, err := o.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(o.cfg.SpeechModel),
		Input:          text,
		Voice:          openai.SpeechVoice(voice),
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		return "", fmt.Errorf("speech synthesis failed: %w", err)
	}
	defer resp.Close()

	path := filepath.Join(o.cfg.SpeechDir, fmt.Sprintf("%s_%s.mp3", kind, voice))
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, resp); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("音声を保存できませんでした: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	slog.Debug("音声を合成しました", "kind", kind, "voice", voice, "path", path)
	return path, nil
}
