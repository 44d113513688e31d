package frame

import (
	"context"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedDevice は release が閉じられるまで ReadFrame を返さない
type gatedDevice struct {
	release chan struct{}
	started chan struct{}

	mu     sync.Mutex
	events []string
	open   bool
}

func newGatedDevice() *gatedDevice {
	return &gatedDevice{release: make(chan struct{}), started: make(chan struct{}, 8), open: true}
}

func (d *gatedDevice) record(ev string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
}

func (d *gatedDevice) history() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.events...)
}

func (d *gatedDevice) ReadFrame() (*Frame, error) {
	d.started <- struct{}{}
	<-d.release
	d.record("read")
	return &Frame{Image: image.NewGray(image.Rect(0, 0, 1, 1)), CapturedAt: time.Now()}, nil
}

func (d *gatedDevice) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

func (d *gatedDevice) Close() error {
	d.record("close")
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	return nil
}

func TestDeviceSource_Read(t *testing.T) {
	dev := newGatedDevice()
	close(dev.release)
	src := NewDeviceSource(dev)

	f, err := src.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, f.Width())
	assert.True(t, src.Ready())
}

func TestDeviceSource_TimedOutReadBlocksNextRead(t *testing.T) {
	dev := newGatedDevice()
	src := NewDeviceSource(dev)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := src.Read(ctx)
	assert.ErrorIs(t, err, ErrNoFrame)
	<-dev.started

	// 前の読み取りが終わっていないので新しい読み取りは始めない
	_, err = src.Read(context.Background())
	assert.ErrorIs(t, err, ErrNoFrame)
	assert.Empty(t, dev.started)
	assert.True(t, src.Ready())

	close(dev.release)
	require.Eventually(t, func() bool {
		_, err := src.Read(context.Background())
		return err == nil
	}, time.Second, 5*time.Millisecond)
}

func TestDeviceSource_CloseWaitsForInflightRead(t *testing.T) {
	dev := newGatedDevice()
	src := NewDeviceSource(dev)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := src.Read(ctx)
	require.ErrorIs(t, err, ErrNoFrame)
	<-dev.started

	closed := make(chan error, 1)
	go func() { closed <- src.Close() }()

	select {
	case <-closed:
		t.Fatal("Close returned while a read was still using the device")
	case <-time.After(50 * time.Millisecond):
	}
	assert.False(t, src.Ready())

	close(dev.release)
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close did not return after the read finished")
	}
	assert.Equal(t, []string{"read", "close"}, dev.history())

	require.NoError(t, src.Close())
	assert.Equal(t, []string{"read", "close"}, dev.history(), "second Close is a no-op")

	_, err = src.Read(context.Background())
	assert.ErrorIs(t, err, ErrNoFrame)
}
