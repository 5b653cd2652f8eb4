package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const maxVoiceBytes = 20 << 20

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// downloader fetches the bytes of an uploaded Telegram file.
type downloader func(ctx context.Context, fileID string) ([]byte, error)

type botAPISender struct{ api *tgbotapi.BotAPI }

func (s botAPISender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return s.api.Send(c)
}

func botAPIDownloader(api *tgbotapi.BotAPI, client *http.Client) downloader {
	return func(ctx context.Context, fileID string) ([]byte, error) {
		url, err := api.GetFileDirectURL(fileID)
		if err != nil {
			return nil, fmt.Errorf("resolve file: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to download file: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("failed to download file: status %d", resp.StatusCode)
		}
		return io.ReadAll(io.LimitReader(resp.Body, maxVoiceBytes))
	}
}
