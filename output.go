package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/snowflake/v2"
)

// ===========================
// Constants & Variables
// ===========================

const (
	MsgOutputJoining      = "Joining channel %s in guild %s"
	MsgOutputJoinRetry    = "Retrying voice connection in %v (Attempt %d/5)"
	MsgOutputJoinFail     = "Failed to connect to voice in guild %s after 5 attempts: %v"
	MsgOutputOpenFail     = "Transcoder OpenInput failed: %v"
	MsgOutputDecoderFail  = "Transcoder SetupDecoder failed: %v"
	MsgOutputEncoderFail  = "Transcoder SetupEncoder failed: %v"
	MsgOutputDone         = "Stream finished: %s"
	MsgOutputHalted       = "Stream halted: %s"
	MsgOutputProviderFail = "Exhausted retries for SetOpusFrameProvider in guild %s"
	MsgOutputSpeakingFail = "Exhausted retries for SetSpeaking in guild %s"
	MsgOutputPanic        = "CRITICAL: Transcoder panic recovered: %v"
)

var (
	// Audio
	OpusSilence     = []byte{0xf8, 0xff, 0xfe}
	SilenceDuration = 1 * time.Second
)

// StreamHandle is the playable payload the resolver attaches to a queue
// entry. MediaURL is a stream URL the demuxer can open directly; when
// empty, Load fetches one at playback time.
type StreamHandle struct {
	MediaURL string
	Title    string
	Load     func(ctx context.Context) (string, error)
}

// ===========================
// Voice Output
// ===========================

// VoiceOutput streams Opus frames into a disgo voice connection. One
// stream at a time; Begin supersedes any previous stream.
type VoiceOutput struct {
	GuildID   snowflake.ID
	ChannelID snowflake.ID
	Conn      voice.Conn

	mu           sync.Mutex
	streamCancel context.CancelFunc
	provider     *StreamProvider
	cancelCtx    context.Context
	cancelFunc   context.CancelFunc

	// pauseChan closed = playing; open chan = paused.
	pauseChan chan struct{}
	pauseMu   sync.RWMutex

	Volume atomic.Int32
}

// NewVoiceOutput opens the voice connection for a guild channel with
// exponential backoff, returning once the connection is live.
func NewVoiceOutput(ctx context.Context, client bot.Client, guildID, channelID snowflake.ID) (*VoiceOutput, error) {
	conn := client.VoiceManager.CreateConn(guildID)

	LogPlayer(MsgOutputJoining, channelID, guildID)

	var lastErr error
	for i := range 5 {
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * 1000 * time.Millisecond
			LogPlayer(MsgOutputJoinRetry, backoff, i+1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if err := conn.Open(ctx, channelID, false, false); err != nil {
			lastErr = err
			continue
		}
		lastErr = nil
		break
	}

	if lastErr != nil {
		LogPlayer(MsgOutputJoinFail, guildID, lastErr)
		conn.Close(ctx)
		return nil, lastErr
	}

	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	out := &VoiceOutput{
		GuildID:    guildID,
		ChannelID:  channelID,
		Conn:       conn,
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
		pauseChan:  make(chan struct{}),
	}
	vol := int32(100)
	if GlobalConfig != nil {
		vol = int32(GlobalConfig.DefaultVolume)
	}
	out.Volume.Store(vol)
	close(out.pauseChan)
	return out, nil
}

// Begin starts streaming the handle's media URL. It returns after the
// transcode goroutines are spawned; done fires once when the stream ends
// or fails. A second Begin supersedes the first.
func (o *VoiceOutput) Begin(handle any, done func(err error)) error {
	h, ok := handle.(*StreamHandle)
	if !ok || h == nil || (h.MediaURL == "" && h.Load == nil) {
		return errors.New("handle is not a stream handle")
	}

	o.mu.Lock()
	if o.cancelCtx.Err() != nil {
		o.mu.Unlock()
		return errors.New("output closed")
	}
	if o.streamCancel != nil {
		o.streamCancel()
	}
	p := NewStreamProvider(o)
	o.provider = p
	ctx, cancel := context.WithCancel(o.cancelCtx)
	o.streamCancel = cancel
	p.SetContext(ctx)
	o.setUnpausedLocked()
	o.mu.Unlock()

	finished := make(chan struct{})
	p.OnFinish = func() {
		close(finished)
	}

	var streamErr error
	var streamErrMu sync.Mutex

	// Decode loop. Pushes a nil frame on exit so the provider drains.
	safeGo(func() {
		defer p.PushFrame(nil)
		t := NewAudioTranscoder()
		t.volume = &o.Volume
		defer t.Close()

		fail := func(err error) {
			streamErrMu.Lock()
			streamErr = err
			streamErrMu.Unlock()
		}

		mediaURL := h.MediaURL
		if mediaURL == "" {
			var err error
			mediaURL, err = h.Load(ctx)
			if err != nil {
				LogPlayer(MsgOutputOpenFail, err)
				fail(err)
				return
			}
		}

		if err := t.OpenInput(mediaURL); err != nil {
			LogPlayer(MsgOutputOpenFail, err)
			fail(err)
			return
		}
		if err := t.SetupDecoder(); err != nil {
			LogPlayer(MsgOutputDecoderFail, err)
			fail(err)
			return
		}
		if err := t.SetupEncoder(); err != nil {
			LogPlayer(MsgOutputEncoderFail, err)
			fail(err)
			return
		}

		if err := t.Transcode(ctx, p.PushFrame); err != nil && !errors.Is(err, context.Canceled) {
			fail(err)
		}
	})

	// Watcher. Fires done exactly once, then parks the connection.
	safeGo(func() {
		defer cancel()

		o.setOpusFrameProviderSafe(p)
		o.setSpeakingSafe(voice.SpeakingFlagMicrophone)

		select {
		case <-finished:
			LogPlayer(MsgOutputDone, h.Title)
		case <-ctx.Done():
			LogPlayer(MsgOutputHalted, h.Title)
		}

		streamErrMu.Lock()
		err := streamErr
		streamErrMu.Unlock()

		o.mu.Lock()
		current := o.provider == p
		if current {
			o.provider = nil
		}
		o.mu.Unlock()

		if current {
			o.setOpusFrameProviderSafe(nil)
			o.setSpeakingSafe(0)
		}

		done(err)
	})

	return nil
}

// Pause gates the Opus frame provider. Already-paused is a no-op.
func (o *VoiceOutput) Pause() error {
	o.pauseMu.Lock()
	defer o.pauseMu.Unlock()
	select {
	case <-o.pauseChan:
		o.pauseChan = make(chan struct{})
	default:
	}
	return nil
}

// Resume reopens the frame gate.
func (o *VoiceOutput) Resume() error {
	o.pauseMu.Lock()
	defer o.pauseMu.Unlock()
	select {
	case <-o.pauseChan:
	default:
		close(o.pauseChan)
	}
	return nil
}

func (o *VoiceOutput) setUnpausedLocked() {
	o.pauseMu.Lock()
	select {
	case <-o.pauseChan:
	default:
		close(o.pauseChan)
	}
	o.pauseMu.Unlock()
}

// Halt cancels the current stream without touching the connection.
func (o *VoiceOutput) Halt() {
	o.mu.Lock()
	cancel := o.streamCancel
	o.streamCancel = nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Close tears the connection down. The output is unusable afterwards.
func (o *VoiceOutput) Close(ctx context.Context) {
	o.cancelFunc()
	if o.Conn != nil {
		o.Conn.Close(ctx)
	}
}

func (o *VoiceOutput) setOpusFrameProviderSafe(provider voice.OpusFrameProvider) {
	if o.cancelCtx.Err() != nil && provider != nil {
		return
	}
	if o.Conn == nil || (reflect.ValueOf(o.Conn).Kind() == reflect.Ptr && reflect.ValueOf(o.Conn).IsNil()) {
		return
	}

	for i := range 3 {
		if o.trySetOpusFrameProvider(provider) {
			return
		}
		if i < 2 {
			time.Sleep(150 * time.Millisecond)
		}
	}
	LogPlayer(MsgOutputProviderFail, o.GuildID)
}

func (o *VoiceOutput) trySetOpusFrameProvider(provider voice.OpusFrameProvider) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	o.Conn.SetOpusFrameProvider(provider)
	return true
}

func (o *VoiceOutput) setSpeakingSafe(flags voice.SpeakingFlags) {
	if o.Conn == nil || (reflect.ValueOf(o.Conn).Kind() == reflect.Ptr && reflect.ValueOf(o.Conn).IsNil()) {
		return
	}

	for i := range 3 {
		if o.trySetSpeaking(flags) {
			return
		}
		if i < 2 {
			time.Sleep(150 * time.Millisecond)
		}
	}
	LogPlayer(MsgOutputSpeakingFail, o.GuildID)
}

func (o *VoiceOutput) trySetSpeaking(flags voice.SpeakingFlags) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	o.Conn.SetSpeaking(o.cancelCtx, flags)
	return true
}

// NewVoiceOutputFactory binds a disgo client into an OutputFactory.
func NewVoiceOutputFactory(client bot.Client) OutputFactory {
	return func(ctx context.Context, guildID, channelID snowflake.ID) (Output, error) {
		return NewVoiceOutput(ctx, client, guildID, channelID)
	}
}

// ===========================
// Stream Provider
// ===========================

// StreamProvider feeds transcoded Opus frames to the voice connection,
// padding with silence while waiting and draining with silence after the
// last real frame so Discord flushes its jitter buffer.
type StreamProvider struct {
	frames        chan []byte
	OnFinish      func()
	once          sync.Once
	out           *VoiceOutput
	ctx           context.Context
	draining      bool
	silenceFrames int
}

func NewStreamProvider(o *VoiceOutput) *StreamProvider {
	return &StreamProvider{
		frames: make(chan []byte, 100),
		out:    o,
	}
}

func (p *StreamProvider) SetContext(ctx context.Context) {
	p.ctx = ctx
}

func (p *StreamProvider) Close() {
	p.once.Do(func() {
		if p.OnFinish != nil {
			p.OnFinish()
		}
	})
}

func (p *StreamProvider) PushFrame(f []byte) {
	select {
	case p.frames <- f:
	case <-p.out.cancelCtx.Done():
	case <-p.ctx.Done():
	}
}

func (p *StreamProvider) ProvideOpusFrame() ([]byte, error) {
	p.out.pauseMu.RLock()
	pauseChan := p.out.pauseChan
	p.out.pauseMu.RUnlock()

	select {
	case <-pauseChan:
	case <-p.out.cancelCtx.Done():
		return nil, io.EOF
	case <-p.ctx.Done():
		return nil, io.EOF
	}

	if p.draining {
		target := int(SilenceDuration.Milliseconds() / 20)
		if p.silenceFrames < target {
			p.silenceFrames++
			return OpusSilence, nil
		}
		p.Close()
		return nil, io.EOF
	}

	select {
	case f := <-p.frames:
		if f == nil {
			p.draining = true
			return OpusSilence, nil
		}
		return f, nil
	case <-p.out.cancelCtx.Done():
		p.Close()
		return nil, io.EOF
	case <-p.ctx.Done():
		p.Close()
		return nil, io.EOF
	case <-time.After(500 * time.Millisecond):
		return OpusSilence, nil
	}
}

// ===========================
// Transcoder
// ===========================

// AudioTranscoder decodes any input the demuxer understands and encodes
// 48kHz stereo Opus in 20ms frames.
type AudioTranscoder struct {
	inputCtx               *astiav.FormatContext
	decoderCtx, encoderCtx *astiav.CodecContext
	audioStreamIndex       int
	packet                 *astiav.Packet
	frame                  *astiav.Frame
	resampleCtx            *astiav.SoftwareResampleContext
	resampleFrame          *astiav.Frame
	fifo                   *astiav.AudioFifo
	onFrame                func([]byte)
	pts                    int64
	volume                 *atomic.Int32
}

func NewAudioTranscoder() *AudioTranscoder {
	return &AudioTranscoder{
		packet:        astiav.AllocPacket(),
		frame:         astiav.AllocFrame(),
		resampleFrame: astiav.AllocFrame(),
	}
}

func (t *AudioTranscoder) OpenInput(in string) error {
	t.inputCtx = astiav.AllocFormatContext()
	if t.inputCtx == nil {
		return errors.New("failed to alloc ctx")
	}

	var opts *astiav.Dictionary
	if len(in) > 4 && in[:4] == "http" {
		opts = astiav.NewDictionary()
		defer opts.Free()
		opts.Set("reconnect", "1", 0)
		opts.Set("reconnect_at_eof", "1", 0)
		opts.Set("reconnect_streamed", "1", 0)
		opts.Set("reconnect_delay_max", "30", 0)
		opts.Set("timeout", "30000000", 0)
		opts.Set("probesize", "10000000", 0)
		opts.Set("analyzeduration", "10000000", 0)
	}
	if err := t.inputCtx.OpenInput(in, nil, opts); err != nil {
		return err
	}

	if err := t.inputCtx.FindStreamInfo(nil); err != nil {
		return err
	}
	t.audioStreamIndex = -1
	for _, s := range t.inputCtx.Streams() {
		if s.CodecParameters().MediaType() == astiav.MediaTypeAudio {
			t.audioStreamIndex = s.Index()
			break
		}
	}
	if t.audioStreamIndex == -1 {
		return errors.New("no audio")
	}
	return nil
}

func (t *AudioTranscoder) SetupDecoder() error {
	p := t.inputCtx.Streams()[t.audioStreamIndex].CodecParameters()
	d := astiav.FindDecoder(p.CodecID())
	if d == nil {
		return errors.New("no decoder")
	}
	t.decoderCtx = astiav.AllocCodecContext(d)
	_ = p.ToCodecContext(t.decoderCtx)
	return t.decoderCtx.Open(d, nil)
}

func (t *AudioTranscoder) SetupEncoder() error {
	e := astiav.FindEncoderByName("libopus")
	if e == nil {
		e = astiav.FindEncoder(astiav.CodecIDOpus)
	}
	if e == nil {
		return errors.New("no encoder")
	}
	t.encoderCtx = astiav.AllocCodecContext(e)
	t.encoderCtx.SetBitRate(192000)
	t.encoderCtx.SetSampleRate(48000)
	t.encoderCtx.SetChannelLayout(astiav.ChannelLayoutStereo)
	t.encoderCtx.SetSampleFormat(astiav.SampleFormatS16)
	t.encoderCtx.SetTimeBase(astiav.NewRational(1, 48000))
	o := astiav.NewDictionary()
	defer o.Free()
	o.Set("vbr", "on", 0)
	o.Set("compression_level", "10", 0)
	o.Set("frame_size", "20", 0)
	if err := t.encoderCtx.Open(e, o); err != nil {
		return err
	}
	t.resampleCtx = astiav.AllocSoftwareResampleContext()
	if t.resampleCtx == nil {
		return errors.New("failed to allocate resampler")
	}
	return nil
}

func (t *AudioTranscoder) Transcode(ctx context.Context, on func([]byte)) (err error) {
	// 1. Panic Recovery
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transcoder panic: %v", r)
			LogPlayer(MsgOutputPanic, r)
		}
	}()

	// 2. Resource Cleanup
	defer t.packet.Unref()
	t.onFrame = on
	defer func() {
		if t.onFrame != nil {
			t.onFrame(nil)
		}
	}()

	fifoSize := 960 * 2
	t.fifo = astiav.AllocAudioFifo(t.encoderCtx.SampleFormat(), t.encoderCtx.ChannelLayout().Channels(), fifoSize)
	if t.fifo == nil {
		return errors.New("failed to alloc fifo")
	}
	defer func() {
		if t.fifo != nil {
			t.fifo.Free()
			t.fifo = nil
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// 3. Reuse Packet (Unref at the end of loop or before read)
		t.packet.Unref()

		if err := t.inputCtx.ReadFrame(t.packet); err != nil {
			if errors.Is(err, astiav.ErrEof) {
				break
			}
			return err
		}

		if t.packet.StreamIndex() != t.audioStreamIndex {
			continue
		}

		if err := t.decoderCtx.SendPacket(t.packet); err != nil {
			return err
		}

		for {
			if err := t.decoderCtx.ReceiveFrame(t.frame); err != nil {
				break
			}

			if err := t.pushToFifo(); err != nil {
				return err
			}

			t.frame.Unref()
		}
	}

	// Flush Decoder
	if t.decoderCtx != nil {
		_ = t.decoderCtx.SendPacket(nil)
		for {
			if err := t.decoderCtx.ReceiveFrame(t.frame); err != nil {
				break
			}
			if err := t.pushToFifo(); err != nil {
				return err
			}
			t.frame.Unref()
		}
	}

	// Clear FIFO
	if err := t.processFifo(true); err != nil {
		return err
	}

	// Flush Encoder
	if t.encoderCtx != nil {
		_ = t.encoderCtx.SendFrame(nil)
		for {
			t.packet.Unref()
			if t.encoderCtx.ReceivePacket(t.packet) != nil {
				break
			}
			if t.onFrame != nil {
				d := t.packet.Data()
				fd := make([]byte, len(d))
				copy(fd, d)
				t.onFrame(fd)
			}
		}
	}
	return nil
}

func (t *AudioTranscoder) encodeAndWrite(f *astiav.Frame) error {
	if err := t.encoderCtx.SendFrame(f); err != nil {
		return err
	}
	for {
		// Reuse Packet
		t.packet.Unref()
		if t.encoderCtx.ReceivePacket(t.packet) != nil {
			break
		}
		if t.onFrame != nil {
			d := t.packet.Data()
			fd := make([]byte, len(d))
			copy(fd, d)
			t.onFrame(fd)
		}
	}
	return nil
}

func (t *AudioTranscoder) pushToFifo() error {
	t.resampleFrame.Unref()
	t.resampleFrame.SetChannelLayout(t.encoderCtx.ChannelLayout())
	t.resampleFrame.SetSampleFormat(t.encoderCtx.SampleFormat())
	t.resampleFrame.SetSampleRate(t.encoderCtx.SampleRate())
	nb := int(astiav.RescaleQ(int64(t.frame.NbSamples()), astiav.NewRational(1, t.frame.SampleRate()), astiav.NewRational(1, t.encoderCtx.SampleRate())))
	if nb > 0 {
		t.resampleFrame.SetNbSamples(nb)
		_ = t.resampleFrame.AllocBuffer(0)
		if t.resampleCtx.ConvertFrame(t.frame, t.resampleFrame) == nil {
			_, _ = t.fifo.Write(t.resampleFrame)
			return t.processFifo(false)
		}
	}
	return nil
}

func (t *AudioTranscoder) processFifo(drain bool) error {
	if t.fifo == nil {
		return nil
	}
	for {
		sz := 960
		if t.fifo.Size() < sz {
			if !drain || t.fifo.Size() == 0 {
				return nil
			}
			sz = t.fifo.Size()
		}
		t.resampleFrame.Unref()
		t.resampleFrame.SetNbSamples(sz)
		t.resampleFrame.SetChannelLayout(t.encoderCtx.ChannelLayout())
		t.resampleFrame.SetSampleFormat(t.encoderCtx.SampleFormat())
		t.resampleFrame.SetSampleRate(t.encoderCtx.SampleRate())
		_ = t.resampleFrame.AllocBuffer(0)
		_, _ = t.fifo.Read(t.resampleFrame)

		if t.volume != nil {
			vol := t.volume.Load()
			if vol != 100 {
				data, _ := t.resampleFrame.Data().Bytes(1)
				limit := sz * 4
				if limit > len(data) {
					limit = len(data)
				}
				for i := 0; i < limit; i += 2 {
					sample := int16(data[i]) | int16(data[i+1])<<8
					scaled := int64(sample) * int64(vol) / 100
					if scaled > 32767 {
						scaled = 32767
					} else if scaled < -32768 {
						scaled = -32768
					}
					data[i] = byte(scaled)
					data[i+1] = byte(scaled >> 8)
				}
				_ = t.resampleFrame.Data().SetBytes(data, 1)
			}
		}

		t.resampleFrame.SetPts(atomic.LoadInt64(&t.pts))
		atomic.AddInt64(&t.pts, int64(sz))
		if err := t.encodeAndWrite(t.resampleFrame); err != nil {
			return err
		}
	}
}

func (t *AudioTranscoder) Close() {
	if t.resampleCtx != nil {
		t.resampleCtx.Free()
	}
	if t.resampleFrame != nil {
		t.resampleFrame.Free()
	}
	if t.packet != nil {
		t.packet.Free()
	}
	if t.frame != nil {
		t.frame.Free()
	}
	if t.decoderCtx != nil {
		t.decoderCtx.Free()
	}
	if t.encoderCtx != nil {
		t.encoderCtx.Free()
	}
	if t.inputCtx != nil {
		t.inputCtx.CloseInput()
		t.inputCtx.Free()
	}
}
