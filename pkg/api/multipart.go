package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"strings"
)

// Part names of a protocol message.
const (
	PartHeader  = "header"
	PartPayload = "payload"
)

// ErrNoHeaderPart is returned for a multipart body without a header part.
var ErrNoHeaderPart = errors.New("multipart message has no header part")

// Parts is a protocol message as carried over the wire: the serialized
// header and the raw payload. HasPayload distinguishes an absent payload
// part from an empty one.
type Parts struct {
	Header     string
	Payload    []byte
	HasPayload bool
}

// WriteParts encodes p as multipart/form-data into w and returns the
// content type to send with it.
func WriteParts(w io.Writer, p Parts) (string, error) {
	mw := multipart.NewWriter(w)
	if err := mw.WriteField(PartHeader, p.Header); err != nil {
		return "", err
	}
	if p.HasPayload {
		fw, err := mw.CreateFormField(PartPayload)
		if err != nil {
			return "", err
		}
		if _, err := fw.Write(p.Payload); err != nil {
			return "", err
		}
	}
	if err := mw.Close(); err != nil {
		return "", err
	}
	return mw.FormDataContentType(), nil
}

// EncodeParts is WriteParts into a buffer.
func EncodeParts(p Parts) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	ct, err := WriteParts(&buf, p)
	if err != nil {
		return nil, "", err
	}
	return &buf, ct, nil
}

// ReadParts decodes a multipart body. Unknown parts are skipped. The whole
// body is bounded by limit bytes.
func ReadParts(body io.Reader, contentType string, limit int64) (Parts, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return Parts{}, fmt.Errorf("content type: %w", err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return Parts{}, fmt.Errorf("content type %s is not multipart", mediaType)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return Parts{}, errors.New("multipart boundary is missing")
	}

	lr := &io.LimitedReader{R: body, N: limit + 1}
	mr := multipart.NewReader(lr, boundary)
	fail := func(err error) (Parts, error) {
		if lr.N <= 0 {
			return Parts{}, ErrTooLarge
		}
		return Parts{}, err
	}
	var (
		out       Parts
		hasHeader bool
	)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) && lr.N > 0 {
			break
		}
		if err != nil {
			return fail(err)
		}
		data, err := io.ReadAll(part)
		_ = part.Close()
		if err != nil {
			return fail(err)
		}
		if lr.N <= 0 {
			return Parts{}, ErrTooLarge
		}
		switch part.FormName() {
		case PartHeader:
			out.Header, hasHeader = string(data), true
		case PartPayload:
			out.Payload, out.HasPayload = data, true
		}
	}
	if !hasHeader {
		return Parts{}, ErrNoHeaderPart
	}
	return out, nil
}

// ErrTooLarge is returned when a body exceeds the read limit.
var ErrTooLarge = errors.New("multipart message too large")
