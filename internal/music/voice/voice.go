// Package voice abstracts the voice channel transport the playback pipeline
// pushes encoded frames through. The production implementation rides a
// discordgo session and encodes PCM to Opus with gopus.
package voice

import (
	"context"
	"errors"
)

// Standard PCM frame geometry: 48 kHz stereo, 20 ms frames.
const (
	Channels   = 2
	SampleRate = 48000
	FrameSize  = 960
	// FrameBytes is the size of one PCM frame in s16le bytes.
	FrameBytes = FrameSize * Channels * 2
)

var ErrNotConnected = errors.New("voice connection not established")

// Conn is one live voice channel connection.
type Conn interface {
	// WriteFrame pushes one 20 ms PCM frame (s16le, FrameBytes long).
	// Blocks with backpressure from the transport.
	WriteFrame(ctx context.Context, pcm []byte) error
	Speaking(on bool) error
	Disconnect() error
	ChannelID() string
}

// Transport establishes voice connections for guilds.
type Transport interface {
	Connect(ctx context.Context, guildID, channelID string) (Conn, error)
}
