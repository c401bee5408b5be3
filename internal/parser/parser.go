// Package parser turns raw RFC 5322 messages into store records.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/nhle/mailsync/internal/model"
)

// OctetStream is the content type used when a part's type is unknown.
const OctetStream = "application/octet-stream"

// ParseError reports a message that could not be parsed. It is scoped to
// one message; the caller should skip it and continue.
type ParseError struct {
	UID uint32
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing message uid %d: %v", e.UID, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// IsParseError reports whether err (or any error in its chain) is a ParseError.
func IsParseError(err error) bool {
	var parseErr *ParseError
	return errors.As(err, &parseErr)
}

// Parse extracts envelope, bodies and attachments from raw. The returned
// message carries raw's UID, flags and size; account, folder and epoch are
// left for the caller to fill in. Attachment content is kept in memory on
// each Attachment.
func Parse(raw model.RawMessage) (*model.Message, []model.Attachment, error) {
	if len(raw.Body) == 0 {
		return nil, nil, &ParseError{UID: raw.UID, Err: errors.New("empty message body")}
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw.Body))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, nil, &ParseError{UID: raw.UID, Err: err}
	}
	defer mr.Close()

	msg := &model.Message{
		UID:     raw.UID,
		Size:    raw.Size,
		Headers: collectHeaders(mr.Header),
	}
	if msg.Size == 0 {
		msg.Size = int64(len(raw.Body))
	}
	msg.ApplyFlags(raw.Flags)
	readEnvelope(msg, mr.Header, raw)

	attachments, err := walkParts(mr, msg)
	if err != nil {
		return nil, nil, &ParseError{UID: raw.UID, Err: err}
	}
	msg.HasAttachments = len(attachments) > 0

	return msg, attachments, nil
}

func readEnvelope(msg *model.Message, h mail.Header, raw model.RawMessage) {
	if id, err := h.MessageID(); err == nil {
		msg.MessageID = id
	}

	if subject, err := h.Subject(); err == nil {
		msg.Subject = subject
	} else {
		msg.Subject = h.Get("Subject")
	}

	if date, err := h.Date(); err == nil && !date.IsZero() {
		msg.Date = date.UTC()
	} else {
		msg.Date = raw.InternalDate.UTC()
	}

	if from := addresses(h, "From"); len(from) > 0 {
		msg.From = from[0]
	} else if v := strings.TrimSpace(h.Get("From")); v != "" {
		msg.From = model.Address{Email: v}
	}

	for _, kind := range []model.RecipientKind{model.RecipientTo, model.RecipientCc, model.RecipientBcc} {
		for _, addr := range addresses(h, string(kind)) {
			msg.Recipients = append(msg.Recipients, model.Recipient{Kind: kind, Address: addr})
		}
	}
}

func addresses(h mail.Header, key string) []model.Address {
	list, err := h.AddressList(key)
	if err != nil {
		return nil
	}
	out := make([]model.Address, 0, len(list))
	for _, a := range list {
		out = append(out, model.Address{Name: a.Name, Email: a.Address})
	}
	return out
}

// collectHeaders flattens the top-level header. Repeated fields are joined
// with newlines in the order they appear.
func collectHeaders(h mail.Header) map[string]string {
	headers := make(map[string]string)
	fields := h.Fields()
	for fields.Next() {
		value, err := fields.Text()
		if err != nil {
			value = fields.Value()
		}
		key := textproto.CanonicalMIMEHeaderKey(fields.Key())
		if prev, ok := headers[key]; ok {
			value = prev + "\n" + value
		}
		headers[key] = value
	}
	return headers
}

func walkParts(mr *mail.Reader, msg *model.Message) ([]model.Attachment, error) {
	var attachments []model.Attachment
	index := 0

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return nil, err
		}
		if part == nil {
			continue
		}
		index++

		body, err := io.ReadAll(part.Body)
		if err != nil {
			return nil, fmt.Errorf("reading part %d: %w", index, err)
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, params := partType(h.Get("Content-Type"), body)
			switch contentType {
			case "text/plain":
				msg.TextBody = appendBody(msg.TextBody, body)
			case "text/html":
				msg.HTMLBody = appendBody(msg.HTMLBody, body)
			default:
				// Inline images and the like, usually referenced by Content-ID.
				attachments = append(attachments, model.Attachment{
					PartIndex:   index,
					Filename:    params["name"],
					ContentType: contentType,
					Size:        int64(len(body)),
					ContentID:   contentID(h.Get("Content-Id")),
					Content:     body,
				})
			}

		case *mail.AttachmentHeader:
			contentType, params := partType(h.Get("Content-Type"), body)
			filename, err := h.Filename()
			if err != nil || filename == "" {
				filename = params["name"]
			}
			attachments = append(attachments, model.Attachment{
				PartIndex:   index,
				Filename:    filename,
				ContentType: contentType,
				Size:        int64(len(body)),
				ContentID:   contentID(h.Get("Content-Id")),
				Content:     body,
			})
		}
	}

	return attachments, nil
}

// partType returns the media type of a part. When the header is missing
// or unparseable the type is sniffed from the content.
func partType(header string, body []byte) (string, map[string]string) {
	if header != "" {
		if mediaType, params, err := mime.ParseMediaType(header); err == nil {
			return strings.ToLower(mediaType), params
		}
	}
	return Sniff(body), map[string]string{}
}

// Sniff infers a media type from the first bytes of content, falling back
// to application/octet-stream.
func Sniff(content []byte) string {
	if len(content) == 0 {
		return OctetStream
	}
	detected := http.DetectContentType(content)
	mediaType, _, err := mime.ParseMediaType(detected)
	if err != nil {
		return OctetStream
	}
	return mediaType
}

func contentID(v string) string {
	return strings.Trim(strings.TrimSpace(v), "<>")
}

func appendBody(existing string, part []byte) string {
	if existing == "" {
		return string(part)
	}
	return existing + "\n" + string(part)
}
