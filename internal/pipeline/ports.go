package pipeline

import (
	"bytes"
	"context"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"
	"time"

	"intake/internal/attachments"
	"intake/internal/identity"
)

// retry runs fn up to attempts times with a fixed backoff sequence. The
// sequence is deterministic: no jitter, so retries replay identically.
func retry(ctx context.Context, attempts int, backoff time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return err
}

// deadlineDirectory wraps every directory call with the configured per-call
// deadline.
type deadlineDirectory struct {
	inner   identity.Directory
	timeout time.Duration
}

func withDirectoryDeadline(d identity.Directory, timeout time.Duration) identity.Directory {
	if timeout <= 0 {
		return d
	}
	return &deadlineDirectory{inner: d, timeout: timeout}
}

func (d *deadlineDirectory) LookupPolicy(ctx context.Context, id string) (*identity.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.inner.LookupPolicy(ctx, id)
}

func (d *deadlineDirectory) LookupClaim(ctx context.Context, id string) (*identity.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.inner.LookupClaim(ctx, id)
}

func (d *deadlineDirectory) LookupCustomer(ctx context.Context, id string) (*identity.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.inner.LookupCustomer(ctx, id)
}

func (d *deadlineDirectory) PolicyNumbersForSender(ctx context.Context, email string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.inner.PolicyNumbersForSender(ctx, email)
}

// attachmentsFromMIME walks the multipart structure and returns parts with an
// attachment disposition (or a filename). Parsing failures yield an empty
// list; the message still classifies on its text.
func attachmentsFromMIME(raw []byte) []attachments.Raw {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil
	}
	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return nil
	}

	var out []attachments.Raw
	mr := multipart.NewReader(msg.Body, params["boundary"])
	for i := 0; ; i++ {
		part, err := mr.NextPart()
		if err != nil {
			return out
		}
		filename := part.FileName()
		disposition, _, _ := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
		if filename == "" && disposition != "attachment" {
			continue
		}
		data, err := io.ReadAll(part)
		if err != nil {
			continue
		}
		partType, _, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if partType == "" {
			partType = "application/octet-stream"
		}
		out = append(out, attachments.Raw{
			SourceAttachmentID: filename,
			Filename:           filename,
			MimeType:           partType,
			Data:               data,
		})
	}
}
