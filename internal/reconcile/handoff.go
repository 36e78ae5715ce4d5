package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hitoshi/postwatch/internal/model"
)

// MessageTypeScraperData はスクレイパーのポップアップから届くメッセージの種別。
const MessageTypeScraperData = "SCRAPER_DATA"

// HandoffTTL はハンドオフを有効とみなす期間。
const HandoffTTL = 5 * time.Minute

// ErrNotScraperData はSCRAPER_DATA以外のメッセージであることを表す。
var ErrNotScraperData = errors.New("not a scraper data message")

// ScraperMessage は {type: "SCRAPER_DATA", data: {items}} 形式のメッセージ。
type ScraperMessage struct {
	Type string `json:"type"`
	Data struct {
		Items []model.RawItem `json:"items"`
	} `json:"data"`
}

// DecodeScraperMessage はメッセージからitemを取り出す。
// 種別が異なる場合はErrNotScraperDataを返す。
func DecodeScraperMessage(raw []byte) ([]model.RawItem, error) {
	var msg ScraperMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode scraper message: %w", err)
	}
	if msg.Type != MessageTypeScraperData {
		return nil, ErrNotScraperData
	}
	return msg.Data.Items, nil
}

// Handoff はスクレイパーがローカルに書き残したitemの受け渡しデータ。
type Handoff struct {
	Items   []model.RawItem `json:"items"`
	SavedAt time.Time       `json:"savedAt"`
}

// UnmarshalJSON はsavedAtにRFC3339文字列とUnixミリ秒の両方を受け付ける。
func (h *Handoff) UnmarshalJSON(data []byte) error {
	var raw struct {
		Items   []model.RawItem `json:"items"`
		SavedAt json.RawMessage `json:"savedAt"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	h.Items = raw.Items
	h.SavedAt = time.Time{}

	if len(raw.SavedAt) == 0 || string(raw.SavedAt) == "null" {
		return nil
	}
	var ms int64
	if err := json.Unmarshal(raw.SavedAt, &ms); err == nil {
		h.SavedAt = time.UnixMilli(ms).UTC()
		return nil
	}
	if err := json.Unmarshal(raw.SavedAt, &h.SavedAt); err != nil {
		return fmt.Errorf("invalid savedAt: %w", err)
	}
	return nil
}

// Fresh は保存からHandoffTTL以内かを返す。保存時刻がないものは無効。
func (h Handoff) Fresh(now time.Time) bool {
	if h.SavedAt.IsZero() {
		return false
	}
	return now.Sub(h.SavedAt) <= HandoffTTL
}

// ConsumeHandoff はハンドオフファイルを読み込んで削除し、新鮮な場合だけitemを返す。
// ファイルがない場合はnil, nilを返す。
func ConsumeHandoff(path string, now time.Time) ([]model.RawItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read handoff: %w", err)
	}

	// 古いものも含め、読んだら消す
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove handoff: %w", err)
	}

	var h Handoff
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("failed to decode handoff: %w", err)
	}
	if !h.Fresh(now) {
		return nil, nil
	}
	return h.Items, nil
}
