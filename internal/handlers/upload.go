package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"lanchat/internal/identity"
	"lanchat/internal/models"
	"lanchat/internal/protocol"
	"lanchat/internal/ws"
)

const (
	// Slack on top of the byte limit for the multipart framing and the
	// non-file form fields when pre-checking Content-Length.
	formOverhead = 1 << 20

	// Upper bound for any single non-file form field.
	maxFieldSize = 1 << 20
)

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

var errFileTooLarge = errors.New("file exceeds the upload limit")

// UploadHandler ingests attachment uploads: it persists the bytes, builds
// the attachment or envelope payload, and routes the resulting message
// through the same hub path live chat events take. The HTTP response carries
// the routed message so the uploader learns its message id.
type UploadHandler struct {
	Hub       *ws.Hub
	UploadDir string
	MaxBytes  int64
	Log       zerolog.Logger
	Metrics   *Metrics
}

type uploadResponse struct {
	OK      bool            `json:"ok"`
	Message *models.Message `json:"message,omitempty"`
	Detail  string          `json:"detail,omitempty"`
}

type storedFile struct {
	name         string
	path         string
	originalName string
	mimeType     string
	size         int64
}

// Upload handles a multipart POST with fields file, device_id, and the
// optional recipient_id, caption, and encrypted_payload.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > h.MaxBytes+formOverhead {
		h.reject(w, http.StatusRequestEntityTooLarge, h.tooLargeDetail())
		return
	}

	reader, err := r.MultipartReader()
	if err != nil {
		h.reject(w, http.StatusBadRequest, "expected a multipart form")
		return
	}

	fields := make(map[string]string)
	var stored *storedFile
	cleanup := func() {
		if stored != nil {
			os.Remove(stored.path)
		}
	}

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			cleanup()
			h.reject(w, http.StatusBadRequest, "malformed multipart form")
			return
		}

		if part.FormName() == "file" {
			if stored != nil {
				part.Close()
				continue
			}
			stored, err = h.storeFilePart(part)
			part.Close()
			if err != nil {
				cleanup()
				if errors.Is(err, errFileTooLarge) {
					h.reject(w, http.StatusRequestEntityTooLarge, h.tooLargeDetail())
				} else {
					h.Log.Error().Err(err).Msg("upload write failed")
					h.reject(w, http.StatusInternalServerError, "could not store file")
				}
				return
			}
			continue
		}

		value, err := readFieldPart(part)
		if err != nil {
			cleanup()
			h.reject(w, http.StatusBadRequest, "malformed form field")
			return
		}
		fields[part.FormName()] = value
	}

	if stored == nil {
		h.reject(w, http.StatusBadRequest, "missing file field")
		return
	}

	senderIP := identity.ClientIPFromRequest(r)
	declaredID := r.Header.Get("X-Device-ID")
	if declaredID == "" {
		declaredID = fields["device_id"]
	}
	senderID := identity.ClientID(senderIP, declaredID)

	recipientRaw := strings.TrimSpace(fields["recipient_id"])
	if recipientRaw == "" {
		recipientRaw = strings.TrimSpace(fields["recipient_ip"]) // legacy alias
	}
	recipientID := ""
	if recipientRaw != "" {
		recipientID = identity.NormalizeRecipientID(recipientRaw)
		if recipientID == "" {
			cleanup()
			h.reject(w, http.StatusBadRequest, "malformed recipient_id")
			return
		}
	}

	var msg models.Message
	if payload := strings.TrimSpace(fields["encrypted_payload"]); payload != "" {
		if recipientID == "" {
			cleanup()
			h.reject(w, http.StatusBadRequest, "encrypted uploads require recipient_id")
			return
		}
		env, err := protocol.ParseEnvelope([]byte(payload))
		if err == nil {
			err = protocol.RequireFileFields(env)
		}
		if err != nil {
			cleanup()
			h.reject(w, http.StatusBadRequest, "malformed encrypted_payload")
			return
		}

		// Stored bytes are ciphertext; the true name, mime, and caption live
		// inside the envelope's metadata ciphertext, readable only by the
		// recipient.
		att := models.Attachment{
			OriginalName: "encrypted.bin",
			StoredName:   stored.name,
			URL:          "/uploads/" + stored.name,
			Size:         stored.size,
			MimeType:     "application/octet-stream",
			Kind:         "encrypted",
		}
		msg = h.Hub.SendEncryptedFile(senderID, recipientID, att, env)
	} else {
		att := models.Attachment{
			OriginalName: stored.originalName,
			StoredName:   stored.name,
			URL:          "/uploads/" + stored.name,
			Size:         stored.size,
			MimeType:     stored.mimeType,
			Kind:         mediaKind(stored.mimeType),
		}
		msg = h.Hub.SendFile(senderID, att, recipientID, strings.TrimSpace(fields["caption"]))
	}

	h.Metrics.recordUpload("accepted")
	h.Log.Info().Str("device", senderID).Str("stored", stored.name).
		Int64("size", stored.size).Msg("upload ingested")
	writeJSON(w, http.StatusOK, uploadResponse{OK: true, Message: &msg})
}

// storeFilePart streams the file part to the upload directory under a
// collision-resistant name, enforcing the byte limit as it copies. Nothing
// is retained on disk when the limit is exceeded or the write fails.
func (h *UploadHandler) storeFilePart(part *multipart.Part) (*storedFile, error) {
	cleaned := safeFilename(part.FileName())
	name := strings.ReplaceAll(uuid.NewString(), "-", "") + "_" + cleaned
	dst := filepath.Join(h.UploadDir, name)

	out, err := os.Create(dst)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", dst, err)
	}

	size, err := io.Copy(out, io.LimitReader(part, h.MaxBytes+1))
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dst)
		return nil, fmt.Errorf("write %s: %w", dst, err)
	}
	if size > h.MaxBytes {
		os.Remove(dst)
		return nil, errFileTooLarge
	}

	mimeType := part.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = mime.TypeByExtension(path.Ext(cleaned))
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	return &storedFile{
		name:         name,
		path:         dst,
		originalName: cleaned,
		mimeType:     mimeType,
		size:         size,
	}, nil
}

func (h *UploadHandler) reject(w http.ResponseWriter, status int, detail string) {
	h.Metrics.recordUpload("rejected")
	writeJSON(w, status, uploadResponse{OK: false, Detail: detail})
}

func (h *UploadHandler) tooLargeDetail() string {
	return fmt.Sprintf("file too large, limit is %d MB", h.MaxBytes/(1024*1024))
}

func readFieldPart(part *multipart.Part) (string, error) {
	defer part.Close()
	data, err := io.ReadAll(io.LimitReader(part, maxFieldSize))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// safeFilename reduces a client-supplied filename to its base name with a
// conservative character set.
func safeFilename(raw string) string {
	cleaned := path.Base(strings.ReplaceAll(raw, `\`, "/"))
	cleaned = unsafeFilenameChars.ReplaceAllString(cleaned, "_")
	cleaned = strings.Trim(cleaned, "._")
	if cleaned == "" {
		return "file"
	}
	return cleaned
}

func mediaKind(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return "image"
	case strings.HasPrefix(mimeType, "video/"):
		return "video"
	case strings.HasPrefix(mimeType, "audio/"):
		return "audio"
	}
	return "file"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
