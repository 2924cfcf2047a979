package notifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Telegram 通过 Bot API 推送文本消息。
type Telegram struct {
	botToken string
	chatID   string
	client   *http.Client
}

// NewTelegram 构造 Telegram 推送器。
func NewTelegram(botToken, chatID string) *Telegram {
	return &Telegram{
		botToken: botToken,
		chatID:   chatID,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// SendText 发送一条 Markdown 文本；失败返回错误由调用方记日志，不中断周期。
func (t *Telegram) SendText(text string) error {
	if t == nil || t.botToken == "" || t.chatID == "" {
		return nil
	}
	payload := map[string]string{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	resp, err := t.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram 返回状态 %s", resp.Status)
	}
	return nil
}
