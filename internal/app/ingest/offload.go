package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/saashqdev/delightful-sub003/internal/model"
)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("ingest: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("ingest: zstd decoder initialization failed: " + err.Error())
	}
}

// OffloadedTool is what a message keeps of a tool payload moved to the file store.
type OffloadedTool struct {
	Key  string `json:"offloaded_key"`
	Size int    `json:"size"`
}

// ToolObjectKey returns the file store key of an off-loaded tool payload.
func ToolObjectKey(topicID, messageID string) string {
	return fmt.Sprintf("topics/%s/tool/%s.json.zst", topicID, messageID)
}

// toolContentLength is the length of the tool "content" field, or of the whole
// payload when it has none.
func toolContentLength(tool json.RawMessage) int {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(tool, &fields); err != nil {
		return len(tool)
	}
	c, ok := fields["content"]
	if !ok {
		return len(tool)
	}
	var s string
	if err := json.Unmarshal(c, &s); err == nil {
		return len(s)
	}
	return len(c)
}

// offloadTool moves large tool payloads to the file store and returns the
// reference to keep on the message. Small payloads are returned as they are.
func (s *Service) offloadTool(ctx context.Context, topicID, messageID string, tool json.RawMessage) (json.RawMessage, error) {
	if len(tool) == 0 {
		return tool, nil
	}
	if toolContentLength(tool) < s.offloadMinLen || len(tool) <= s.offloadSize {
		return tool, nil
	}

	key := ToolObjectKey(topicID, messageID)
	compressed := zstdEncoder.EncodeAll(tool, nil)
	if _, err := s.files.Put(ctx, key, bytes.NewReader(compressed)); err != nil {
		return nil, fmt.Errorf("could not off-load tool content: %w", err)
	}

	ref, err := json.Marshal(OffloadedTool{Key: key, Size: len(tool)})
	if err != nil {
		return nil, fmt.Errorf("could not encode off-loaded tool reference: %w", err)
	}
	s.logger.Debugf("Tool content of message %s off-loaded to %s (%d -> %d bytes)", messageID, key, len(tool), len(compressed))

	return ref, nil
}

// LoadTool returns the full tool payload of a message, reading it back from the
// file store when it was off-loaded.
func (s *Service) LoadTool(ctx context.Context, m model.Message) (json.RawMessage, error) {
	var ref OffloadedTool
	if len(m.Tool) == 0 || json.Unmarshal(m.Tool, &ref) != nil || ref.Key == "" {
		return m.Tool, nil
	}

	r, err := s.files.Get(ctx, ref.Key)
	if err != nil {
		return nil, fmt.Errorf("could not get off-loaded tool content: %w", err)
	}
	defer r.Close()

	compressed, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("could not read off-loaded tool content: %w", err)
	}
	tool, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, ref.Size))
	if err != nil {
		return nil, fmt.Errorf("could not decompress tool content: %w", err)
	}

	return tool, nil
}
