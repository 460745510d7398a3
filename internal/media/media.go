// Package media extracts at most one attachment payload from a message,
// by fixed priority, with size and MIME guard rails. Download failures
// degrade to "no attachment" so a broken file never kills the reply.
package media

import (
	"log"
	"regexp"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// MaxFileSize is the Telegram getFile ceiling; larger videos and documents
// are refused up front instead of attempting a doomed download.
const MaxFileSize = 20 * 1024 * 1024

// allowedDocMimes is what the backend reliably ingests as a document.
// Anything else (except image/*) gets an in-character refusal.
var allowedDocMimes = map[string]bool{
	"application/pdf":          true,
	"application/x-javascript": true,
	"text/javascript":          true,
	"application/x-python":     true,
	"text/x-python":            true,
	"text/plain":               true,
	"text/html":                true,
	"text/css":                 true,
	"text/md":                  true,
	"text/markdown":            true,
	"text/csv":                 true,
	"text/xml":                 true,
	"text/rtf":                 true,
}

var imageURLPattern = regexp.MustCompile(`(?i)https?://\S+?\.(?:jpg|jpeg|png|webp|gif|bmp)`)

// Attachment is one resolved payload ready for the AI gateway.
type Attachment struct {
	Data []byte
	Mime string
}

// Downloader fetches file bytes; the Telegram channel implements it.
type Downloader interface {
	Download(fileID string) ([]byte, error)
	DownloadURL(link string) ([]byte, error)
}

type Resolver struct {
	dl Downloader
}

func NewResolver(dl Downloader) *Resolver {
	return &Resolver{dl: dl}
}

// Resolve walks the priority chain — sticker, photo, video, document,
// URL-embedded image — stopping at the first hit. Photo, video and document
// also consider the replied-to message. A non-empty refusal means the
// message must be answered with that text and processing stops; a nil
// attachment with empty refusal means "proceed without media".
func (r *Resolver) Resolve(msg *tgbotapi.Message) (att *Attachment, refusal string) {
	if msg == nil {
		return nil, ""
	}
	reply := msg.ReplyToMessage

	if msg.Sticker != nil {
		return r.resolveSticker(msg.Sticker), ""
	}

	if photo := pickPhoto(msg, reply); photo != nil {
		data, err := r.dl.Download(photo.FileID)
		if err != nil {
			log.Printf("[media] photo download failed: %v", err)
			return nil, ""
		}
		return &Attachment{Data: data, Mime: "image/jpeg"}, ""
	}

	if video := pickVideo(msg, reply); video != nil {
		if video.FileSize > MaxFileSize {
			return nil, "🐢 That video is a unit (over 20MB). I'm an owl, not a cargo freighter. Trim it down."
		}
		data, err := r.dl.Download(video.FileID)
		if err != nil {
			log.Printf("[media] video download failed: %v", err)
			return nil, ""
		}
		mime := video.MimeType
		if mime == "" {
			mime = "video/mp4"
		}
		return &Attachment{Data: data, Mime: mime}, ""
	}

	if doc := pickDocument(msg, reply); doc != nil {
		if doc.FileSize > MaxFileSize {
			return nil, "🐘 Nope, that file is heavy (over 20MB). I pass."
		}
		if !allowedDocMimes[doc.MimeType] && !strings.HasPrefix(doc.MimeType, "image/") {
			return nil, "🗿 What format even is that? I don't read it. Bring a PDF or plain text."
		}
		data, err := r.dl.Download(doc.FileID)
		if err != nil {
			log.Printf("[media] document download failed: %v", err)
			return nil, ""
		}
		return &Attachment{Data: data, Mime: doc.MimeType}, ""
	}

	if link := findImageURL(msg); link != "" {
		data, err := r.dl.DownloadURL(link)
		if err != nil {
			log.Printf("[media] image url download failed: %v", err)
			return nil, ""
		}
		mime := "image/jpeg"
		if strings.HasSuffix(strings.ToLower(link), ".webp") {
			mime = "image/webp"
		}
		return &Attachment{Data: data, Mime: mime}, ""
	}

	return nil, ""
}

// resolveSticker downloads static stickers only; animated stickers
// contribute just their emoji (handled by the caller via StickerNote),
// never a payload.
func (r *Resolver) resolveSticker(sticker *tgbotapi.Sticker) *Attachment {
	if sticker.IsAnimated {
		return nil
	}
	data, err := r.dl.Download(sticker.FileID)
	if err != nil {
		log.Printf("[media] sticker download failed: %v", err)
		return nil
	}
	return &Attachment{Data: data, Mime: "image/webp"}
}

// StickerNote returns the text annotation for a sticker message, if any.
func StickerNote(msg *tgbotapi.Message) string {
	if msg == nil || msg.Sticker == nil || msg.Sticker.Emoji == "" {
		return ""
	}
	return " [sent a sticker: " + msg.Sticker.Emoji + "]"
}

func pickPhoto(msg, reply *tgbotapi.Message) *tgbotapi.PhotoSize {
	if len(msg.Photo) > 0 {
		return &msg.Photo[len(msg.Photo)-1]
	}
	if reply != nil && len(reply.Photo) > 0 {
		return &reply.Photo[len(reply.Photo)-1]
	}
	return nil
}

func pickVideo(msg, reply *tgbotapi.Message) *tgbotapi.Video {
	if msg.Video != nil {
		return msg.Video
	}
	if reply != nil {
		return reply.Video
	}
	return nil
}

func pickDocument(msg, reply *tgbotapi.Message) *tgbotapi.Document {
	if msg.Document != nil {
		return msg.Document
	}
	if reply != nil {
		return reply.Document
	}
	return nil
}

// findImageURL looks for a direct image link in the message text first,
// then in the replied-to message.
func findImageURL(msg *tgbotapi.Message) string {
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if link := imageURLPattern.FindString(text); link != "" {
		return link
	}
	if reply := msg.ReplyToMessage; reply != nil {
		replyText := reply.Text
		if replyText == "" {
			replyText = reply.Caption
		}
		return imageURLPattern.FindString(replyText)
	}
	return ""
}
