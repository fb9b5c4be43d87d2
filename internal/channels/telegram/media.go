package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/kestrel/internal/bus"
)

const (
	// mediaMaxBytes caps downloads at the Bot API file limit.
	mediaMaxBytes int64 = 20 * 1024 * 1024

	downloadMaxRetries = 3
)

func hasMedia(msg *telego.Message) bool {
	return len(msg.Photo) > 0 || msg.Document != nil || msg.Voice != nil || msg.Audio != nil
}

// resolveMedia downloads the message's attachments to temp files and
// returns their paths. Photos use the highest resolution variant.
func (c *Channel) resolveMedia(ctx context.Context, msg *telego.Message) []string {
	var paths []string

	if len(msg.Photo) > 0 {
		photo := msg.Photo[len(msg.Photo)-1]
		if path, err := c.downloadFile(ctx, photo.FileID); err != nil {
			slog.Warn("telegram photo download failed", "file_id", photo.FileID, "error", err)
		} else {
			paths = append(paths, path)
		}
	}
	if msg.Document != nil {
		if path, err := c.downloadFile(ctx, msg.Document.FileID); err != nil {
			slog.Warn("telegram document download failed", "file_id", msg.Document.FileID, "error", err)
		} else {
			paths = append(paths, path)
		}
	}
	if msg.Voice != nil {
		if path, err := c.downloadFile(ctx, msg.Voice.FileID); err != nil {
			slog.Warn("telegram voice download failed", "file_id", msg.Voice.FileID, "error", err)
		} else {
			paths = append(paths, path)
		}
	}
	if msg.Audio != nil {
		if path, err := c.downloadFile(ctx, msg.Audio.FileID); err != nil {
			slog.Warn("telegram audio download failed", "file_id", msg.Audio.FileID, "error", err)
		} else {
			paths = append(paths, path)
		}
	}

	return paths
}

// downloadFile fetches one file by file_id into a temp file and returns
// its path. GetFile is retried with linear backoff since Telegram's file
// endpoints flake under load.
func (c *Channel) downloadFile(ctx context.Context, fileID string) (string, error) {
	var file *telego.File
	var err error
	for attempt := 1; attempt <= downloadMaxRetries; attempt++ {
		file, err = c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
		if err == nil {
			break
		}
		if attempt < downloadMaxRetries {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	if err != nil {
		return "", fmt.Errorf("get file info after %d attempts: %w", downloadMaxRetries, err)
	}
	if file.FilePath == "" {
		return "", fmt.Errorf("empty file path for file_id %s", fileID)
	}
	if int64(file.FileSize) > mediaMaxBytes {
		return "", fmt.Errorf("file too large: %d bytes (max %d)", file.FileSize, mediaMaxBytes)
	}

	downloadURL := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", c.token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	ext := filepath.Ext(file.FilePath)
	if ext == "" {
		ext = ".bin"
	}
	tmpFile, err := os.CreateTemp("", "kestrel_media_*"+ext)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer tmpFile.Close()

	written, err := io.Copy(tmpFile, io.LimitReader(resp.Body, mediaMaxBytes+1))
	if err != nil {
		os.Remove(tmpFile.Name())
		return "", fmt.Errorf("save file: %w", err)
	}
	if written > mediaMaxBytes {
		os.Remove(tmpFile.Name())
		return "", fmt.Errorf("file exceeds max size during download: %d bytes", written)
	}

	return tmpFile.Name(), nil
}

// sendMedia uploads one attachment: images as photos, everything else as
// documents. Local paths upload the file; URLs pass through to Telegram.
func (c *Channel) sendMedia(ctx context.Context, chatID telego.ChatID, m bus.MediaAttachment) error {
	input, cleanup, err := inputFile(m.URL)
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}

	if isImage(m) {
		params := tu.Photo(chatID, input)
		if m.Caption != "" {
			params = params.WithCaption(m.Caption)
		}
		_, err = c.bot.SendPhoto(ctx, params)
		return err
	}

	params := tu.Document(chatID, input)
	if m.Caption != "" {
		params = params.WithCaption(m.Caption)
	}
	_, err = c.bot.SendDocument(ctx, params)
	return err
}

func inputFile(ref string) (telego.InputFile, func(), error) {
	if strings.Contains(ref, "://") {
		return tu.FileFromURL(ref), nil, nil
	}
	f, err := os.Open(ref)
	if err != nil {
		return telego.InputFile{}, nil, fmt.Errorf("open media file: %w", err)
	}
	return tu.File(f), func() { f.Close() }, nil
}

func isImage(m bus.MediaAttachment) bool {
	if strings.HasPrefix(m.ContentType, "image/") {
		return true
	}
	switch strings.ToLower(filepath.Ext(m.URL)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp":
		return true
	}
	return false
}
