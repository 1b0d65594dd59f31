package storage

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/crop-copilot-be/internal/domain"
)

// SyncCursor marks the last item a client has seen in the sync feed
type SyncCursor struct {
	CreatedAt time.Time
	InputID   string
}

// DecodeSyncCursor parses an opaque cursor. An empty string means "first page".
func DecodeSyncCursor(cursorStr string) (*SyncCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.RawURLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, fmt.Errorf("%w: not base64url", domain.ErrInvalidCursor)
	}

	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return nil, fmt.Errorf("%w: unexpected format", domain.ErrInvalidCursor)
	}

	createdAt, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid timestamp", domain.ErrInvalidCursor)
	}

	return &SyncCursor{
		CreatedAt: domain.StoreTime(createdAt),
		InputID:   parts[1],
	}, nil
}

// EncodeSyncCursor serializes a cursor for the client
func EncodeSyncCursor(cursor SyncCursor) string {
	cs := cursor.CreatedAt.UTC().Format(time.RFC3339Nano) + "|" + cursor.InputID
	return base64.RawURLEncoding.EncodeToString([]byte(cs))
}

// IsAfter reports whether an item sorts strictly after the cursor
// under (createdAt desc, inputId desc)
func (c *SyncCursor) IsAfter(createdAt time.Time, inputID string) bool {
	if c == nil {
		return true
	}
	if createdAt.Before(c.CreatedAt) {
		return true
	}
	return createdAt.Equal(c.CreatedAt) && inputID < c.InputID
}
