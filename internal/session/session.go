// Package session persists conversation state between turns.
//
// A state is stored as a zstd-compressed JSON snapshot of its flat-map
// form ([agent.State.Flatten]). Stores are written only at turn
// boundaries; the engine owns a state exclusively while a turn runs.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/nugget/aki/internal/agent"
)

// ErrNotFound is returned when no state exists for a conversation id.
var ErrNotFound = errors.New("session not found")

// Store saves and loads conversation state.
type Store interface {
	Save(ctx context.Context, st *agent.State) error
	Load(ctx context.Context, id string) (*agent.State, error)
	List(ctx context.Context, limit int) ([]Info, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// Info describes a stored conversation without its messages.
type Info struct {
	ID           string    `json:"id"`
	UpdatedAt    time.Time `json:"updated_at"`
	ModelID      string    `json:"model_id"`
	MessageCount int       `json:"message_count"`
	TokenCount   int       `json:"token_count"`
	ByteSize     int64     `json:"byte_size"`
}

// defaultListLimit bounds List when the caller passes no limit.
const defaultListLimit = 20

var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("session: zstd encoder initialization failed: " + err.Error())
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("session: zstd decoder initialization failed: " + err.Error())
	}
}

// snapshot is a state ready to be written.
type snapshot struct {
	info Info
	data []byte
}

func encode(st *agent.State) (*snapshot, error) {
	if st == nil || st.ID == "" {
		return nil, fmt.Errorf("state has no id")
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(st.Flatten())
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	data := encoder.EncodeAll(raw, nil)
	return &snapshot{
		info: Info{
			ID:           st.ID,
			UpdatedAt:    st.UpdatedAt.UTC(),
			ModelID:      st.Model.ModelID,
			MessageCount: len(st.Messages),
			TokenCount:   st.TokenCount,
			ByteSize:     int64(len(data)),
		},
		data: data,
	}, nil
}

func decode(data []byte) (*agent.State, error) {
	raw, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress state: %w", err)
	}
	var flat map[string]any
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return agent.Unflatten(flat)
}

// Open returns the store named by driver ("sqlite" or "postgres").
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "", "sqlite":
		s, err := NewSQLiteStore(dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := OpenPostgres(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
