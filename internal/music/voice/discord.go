package voice

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
	"layeh.com/gopus"
)

// DiscordTransport joins voice channels over a shared discordgo session.
type DiscordTransport struct {
	session *discordgo.Session
}

func NewDiscordTransport(session *discordgo.Session) *DiscordTransport {
	return &DiscordTransport{session: session}
}

func (t *DiscordTransport) Connect(ctx context.Context, guildID, channelID string) (Conn, error) {
	vc, err := t.session.ChannelVoiceJoin(guildID, channelID, false, true)
	if err != nil {
		return nil, fmt.Errorf("failed to join voice channel: %w", err)
	}
	enc, err := gopus.NewEncoder(SampleRate, Channels, gopus.Audio)
	if err != nil {
		vc.Disconnect()
		return nil, fmt.Errorf("encoder error: %w", err)
	}
	return &discordConn{vc: vc, encoder: enc, intBuf: make([]int16, FrameSize*Channels)}, nil
}

type discordConn struct {
	mu      sync.Mutex
	vc      *discordgo.VoiceConnection
	encoder *gopus.Encoder
	intBuf  []int16
}

func (c *discordConn) WriteFrame(ctx context.Context, pcm []byte) error {
	if len(pcm) != FrameBytes {
		return fmt.Errorf("pcm frame must be %d bytes, got %d", FrameBytes, len(pcm))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.vc == nil {
		return ErrNotConnected
	}

	for i := range c.intBuf {
		c.intBuf[i] = int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
	}
	opus, err := c.encoder.Encode(c.intBuf, FrameSize, len(pcm))
	if err != nil {
		return fmt.Errorf("encode error: %w", err)
	}

	select {
	case c.vc.OpusSend <- opus:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *discordConn) Speaking(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.vc == nil {
		return ErrNotConnected
	}
	return c.vc.Speaking(on)
}

func (c *discordConn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.vc == nil {
		return nil
	}
	_ = c.vc.Speaking(false)
	err := c.vc.Disconnect()
	c.vc = nil
	return err
}

func (c *discordConn) ChannelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.vc == nil {
		return ""
	}
	return c.vc.ChannelID
}
