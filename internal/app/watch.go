package app

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/hitoshi/postwatch/internal/config"
	"github.com/hitoshi/postwatch/internal/liveclient"
	"github.com/hitoshi/postwatch/internal/reconcile"
)

// maxScraperMessageSize はSCRAPER_DATAメッセージ1行の最大サイズ。
const maxScraperMessageSize = 10 << 20

// runWatch はWATCH_URLのサーバーに接続し、投稿一覧をローカルに追従させる。
// ハンドオフファイルがあれば接続前に取り込み、inが指定されていれば
// 1行1件のSCRAPER_DATAメッセージを読み込んで同じ重複判定で取り込む。
func runWatch(ctx context.Context, cfg *config.Config, in io.Reader, logger *slog.Logger) error {
	client := liveclient.New(liveclient.Config{
		BaseURL: cfg.WatchURL,
		Token:   cfg.IngestToken,
		OnChange: func(event string, view *reconcile.View) {
			logger.Info("投稿一覧を更新しました",
				slog.String("event", event),
				slog.Int("posts", view.Len()),
			)
		},
	}, reconcile.NewView(), logger)

	if cfg.WatchHandoffFile != "" {
		importHandoff(client, cfg.WatchHandoffFile, time.Now(), logger)
	}

	if in != nil {
		go readScraperMessages(ctx, client, in, logger)
	}

	logger.Info("watch starting", slog.String("url", cfg.WatchURL))
	if err := client.Run(ctx); err != nil && !isCanceled(err) {
		return err
	}
	logger.Info("watch stopped")
	return nil
}

// importHandoff はハンドオフファイルを読み込んで削除し、新しければビューに取り込む。
func importHandoff(client *liveclient.Client, path string, now time.Time, logger *slog.Logger) {
	items, err := reconcile.ConsumeHandoff(path, now)
	if err != nil {
		logger.Warn("ハンドオフファイルの読み込みに失敗しました",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return
	}
	if len(items) == 0 {
		return
	}
	client.ImportItems(items, "handoff")
}

// readScraperMessages はinから1行ずつSCRAPER_DATAメッセージを読み込んで取り込む。
// 他の種類のメッセージは無視する。
func readScraperMessages(ctx context.Context, client *liveclient.Client, in io.Reader, logger *slog.Logger) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxScraperMessageSize)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		items, err := reconcile.DecodeScraperMessage(line)
		if err != nil {
			if !errors.Is(err, reconcile.ErrNotScraperData) {
				logger.Warn("メッセージの解析に失敗しました", slog.String("error", err.Error()))
			}
			continue
		}
		client.ImportItems(items, "scraper")
	}
	if err := scanner.Err(); err != nil {
		logger.Error("メッセージの読み込みに失敗しました", slog.String("error", err.Error()))
	}
}
