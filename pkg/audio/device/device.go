// Package device connects the pipeline to the local sound card through
// miniaudio (github.com/gen2brain/malgo).
//
// A [Device] owns one miniaudio context with a playback device exposed as an
// [audio.Sink] and a capture device exposed as an [audio.Source]. The
// playback device runs for the lifetime of the Device and plays silence while
// idle; the capture device runs only between Source Start and Stop.
package device

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/murmur/pkg/audio"
)

const (
	// DefaultOutputRate is the playback sample rate when none is configured.
	DefaultOutputRate = 24000

	// DefaultInputRate is the capture sample rate when none is configured.
	DefaultInputRate = 16000
)

// Option configures a [Device].
type Option func(*Device)

// WithOutputFormat sets the playback format. Only mono and stereo are
// supported.
func WithOutputFormat(f audio.Format) Option {
	return func(d *Device) { d.outFormat = f }
}

// WithInputFormat sets the capture format.
func WithInputFormat(f audio.Format) Option {
	return func(d *Device) { d.inFormat = f }
}

// Device is an open miniaudio context with one playback and one capture
// device.
type Device struct {
	ctx       *malgo.AllocatedContext
	outFormat audio.Format
	inFormat  audio.Format

	out *Output
	in  *Input
}

// Open initialises the default playback and capture devices and starts
// playback. Release it with [Device.Close].
func Open(opts ...Option) (*Device, error) {
	d := &Device{
		outFormat: audio.Format{SampleRate: DefaultOutputRate, Channels: 1},
		inFormat:  audio.Format{SampleRate: DefaultInputRate, Channels: 1},
	}
	for _, o := range opts {
		o(d)
	}
	if !d.outFormat.Valid() || !d.inFormat.Valid() {
		return nil, fmt.Errorf("device: invalid format (output %s, input %s)", d.outFormat, d.inFormat)
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		slog.Debug("device: miniaudio", "msg", msg)
	})
	if err != nil {
		return nil, fmt.Errorf("device: init context: %w", err)
	}
	d.ctx = ctx

	d.out, err = newOutput(ctx, d.outFormat)
	if err != nil {
		_ = d.Close()
		return nil, err
	}
	d.in, err = newInput(ctx, d.inFormat)
	if err != nil {
		_ = d.Close()
		return nil, err
	}
	slog.Info("device: opened", "output", d.outFormat, "input", d.inFormat)
	return d, nil
}

// Output returns the playback sink.
func (d *Device) Output() *Output { return d.out }

// Input returns the capture source.
func (d *Device) Input() *Input { return d.in }

// Close stops and releases both devices and the context.
func (d *Device) Close() error {
	var errs []error
	if d.in != nil {
		errs = append(errs, d.in.close())
		d.in = nil
	}
	if d.out != nil {
		errs = append(errs, d.out.close())
		d.out = nil
	}
	if d.ctx != nil {
		errs = append(errs, d.ctx.Uninit())
		d.ctx.Free()
		d.ctx = nil
	}
	return errors.Join(errs...)
}

// Output plays PCM on the default playback device.
type Output struct {
	format audio.Format
	dev    *malgo.Device
	p      player
}

var _ audio.Sink = (*Output)(nil)

func newOutput(ctx *malgo.AllocatedContext, f audio.Format) (*Output, error) {
	o := &Output{format: f}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.SampleRate = uint32(f.SampleRate)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = uint32(f.Channels)
	cfg.Alsa.NoMMap = 1
	cfg.PeriodSizeInFrames = uint32(f.SampleRate / 50) // 20 ms
	cfg.Periods = 4

	dev, err := malgo.InitDevice(ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(out, _ []byte, _ uint32) { o.p.fill(out) },
	})
	if err != nil {
		return nil, fmt.Errorf("device: init playback: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("device: start playback: %w", err)
	}
	o.dev = dev
	return o, nil
}

// Format implements [audio.Sink].
func (o *Output) Format() audio.Format { return o.format }

// Play implements [audio.Sink]. It fails while a previous playback is still
// in progress.
func (o *Output) Play(pcm []byte, done func(error)) error {
	if len(pcm)%(2*o.format.Channels) != 0 {
		return fmt.Errorf("device: pcm length %d is not a whole number of frames", len(pcm))
	}
	return o.p.play(pcm, done)
}

// Stop implements [audio.Sink].
func (o *Output) Stop() error {
	if o.p.stop() {
		slog.Debug("device: playback stopped")
	}
	return nil
}

func (o *Output) close() error {
	o.p.stop()
	if o.dev == nil {
		return nil
	}
	err := o.dev.Stop()
	o.dev.Uninit()
	o.dev = nil
	if err != nil {
		return fmt.Errorf("device: stop playback: %w", err)
	}
	return nil
}

// Input captures PCM from the default capture device.
type Input struct {
	format audio.Format
	dev    *malgo.Device

	mu      sync.Mutex
	onAudio func([]byte)
}

var _ audio.Source = (*Input)(nil)

func newInput(ctx *malgo.AllocatedContext, f audio.Format) (*Input, error) {
	in := &Input{format: f}
	frameBytes := malgo.SampleSizeInBytes(malgo.FormatS16) * f.Channels

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.SampleRate = uint32(f.SampleRate)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(f.Channels)
	cfg.Alsa.NoMMap = 1
	cfg.PerformanceProfile = malgo.LowLatency
	cfg.PeriodSizeInFrames = uint32(f.SampleRate / 50) // 20 ms
	cfg.Periods = 3

	dev, err := malgo.InitDevice(ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, input []byte, frames uint32) {
			n := int(frames) * frameBytes
			if n == 0 || len(input) < n {
				return
			}
			in.mu.Lock()
			fn := in.onAudio
			in.mu.Unlock()
			if fn != nil {
				fn(input[:n])
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("device: init capture: %w", err)
	}
	in.dev = dev
	return in, nil
}

// Format implements [audio.Source].
func (in *Input) Format() audio.Format { return in.format }

// Start implements [audio.Source].
func (in *Input) Start(onAudio func([]byte)) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.dev == nil {
		return errors.New("device: capture closed")
	}
	in.onAudio = onAudio
	if in.dev.IsStarted() {
		return nil
	}
	if err := in.dev.Start(); err != nil {
		in.onAudio = nil
		return fmt.Errorf("device: start capture: %w", err)
	}
	return nil
}

// Stop implements [audio.Source].
func (in *Input) Stop() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.onAudio = nil
	if in.dev == nil || !in.dev.IsStarted() {
		return nil
	}
	if err := in.dev.Stop(); err != nil {
		return fmt.Errorf("device: stop capture: %w", err)
	}
	return nil
}

func (in *Input) close() error {
	err := in.Stop()
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.dev != nil {
		in.dev.Uninit()
		in.dev = nil
	}
	return err
}
