package envelope

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// wireHeader is the JSON-encoded preamble for an envelope; wireItemHeader
// is the per-item header that precedes each item's binary payload.
type wireHeader struct {
	Meta  RequestMeta `json:"meta"`
	Count int         `json:"count"`
}

type wireItemHeader struct {
	Type           ItemType       `json:"type"`
	AttachmentType AttachmentType `json:"attachment_type,omitempty"`
	ContentType    string         `json:"content_type,omitempty"`
	Filename       string         `json:"filename,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
}

// Framing reads and writes envelopes as a sequence of length-prefixed
// frames: one frame for the envelope preamble, then for each item one
// frame for its JSON header followed by one frame for its raw payload
// bytes. Unlike a single line-delimited JSON document, this format carries
// item payloads that are arbitrary binary data and cannot be newline-safe.
type Framing struct{}

// ContentType identifies this wire format for content negotiation.
func (Framing) ContentType() string { return "application/x-ingest-relay-envelope" }

// Marshal writes env to w as a sequence of length-prefixed frames.
func (Framing) Marshal(env *Envelope, w *bufio.Writer) error {
	preamble, err := json.Marshal(wireHeader{Meta: env.Meta, Count: len(env.Items)})
	if err != nil {
		return fmt.Errorf("marshal envelope preamble: %w", err)
	}
	if err := writeFrame(w, preamble); err != nil {
		return err
	}

	for _, item := range env.Items {
		header, err := json.Marshal(wireItemHeader{
			Type:           item.Type,
			AttachmentType: item.AttachmentType,
			ContentType:    item.ContentType,
			Filename:       item.Filename,
			Headers:        item.Headers,
		})
		if err != nil {
			return fmt.Errorf("marshal item header: %w", err)
		}
		if err := writeFrame(w, header); err != nil {
			return err
		}
		if err := writeFrame(w, item.Payload); err != nil {
			return err
		}
	}

	return w.Flush()
}

// Unmarshal reads one envelope from r.
func (Framing) Unmarshal(r *bufio.Reader) (*Envelope, error) {
	preamble, err := readFrame(r)
	if err != nil {
		return nil, fmt.Errorf("read envelope preamble: %w", err)
	}
	var header wireHeader
	if err := json.Unmarshal(preamble, &header); err != nil {
		return nil, fmt.Errorf("unmarshal envelope preamble: %w", err)
	}

	env := &Envelope{Meta: header.Meta, Items: make([]Item, 0, header.Count)}
	for i := 0; i < header.Count; i++ {
		itemHeaderBytes, err := readFrame(r)
		if err != nil {
			return nil, fmt.Errorf("read item %d header: %w", i, err)
		}
		var itemHeader wireItemHeader
		if err := json.Unmarshal(itemHeaderBytes, &itemHeader); err != nil {
			return nil, fmt.Errorf("unmarshal item %d header: %w", i, err)
		}

		payload, err := readFrame(r)
		if err != nil {
			return nil, fmt.Errorf("read item %d payload: %w", i, err)
		}

		env.Items = append(env.Items, Item{
			Type:           itemHeader.Type,
			AttachmentType: itemHeader.AttachmentType,
			ContentType:    itemHeader.ContentType,
			Filename:       itemHeader.Filename,
			Headers:        itemHeader.Headers,
			Payload:        payload,
		})
	}

	return env, nil
}

func writeFrame(w *bufio.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return buf, nil
}
