package wssource

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-medlink/source"
)

func TestSource_StreamsBinaryMessages(t *testing.T) {
	require := require.New(t)

	srv := httptest.NewServer(Handler(func(ctx context.Context, w io.Writer, _ <-chan []byte) error {
		if _, err := w.Write([]byte{0x02, 0x01}); err != nil {
			return err
		}
		if _, err := w.Write([]byte{0x03}); err != nil {
			return err
		}
		<-ctx.Done()

		return nil
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	src, err := Dialer(url, nil).Dial(context.Background())
	require.NoError(err)
	defer src.Close()

	var got []byte
	for len(got) < 3 {
		chunk, err := src.Read(context.Background(), 1, time.Second)
		require.NoError(err)
		require.Equal(1, chunk.Len())
		got = append(got, chunk.Data...)
	}
	require.Equal([]byte{0x02, 0x01, 0x03}, got)

	_, err = src.Read(context.Background(), 8, 20*time.Millisecond)
	require.ErrorIs(err, source.ErrTimeout)
}

func TestSource_ServerClose(t *testing.T) {
	require := require.New(t)

	srv := httptest.NewServer(Handler(func(_ context.Context, w io.Writer, _ <-chan []byte) error {
		_, err := w.Write([]byte{0x10})
		return err
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	src, err := Dial(context.Background(), url, nil)
	require.NoError(err)
	defer src.Close()

	chunk, err := src.Read(context.Background(), 8, time.Second)
	require.NoError(err)
	require.Equal([]byte{0x10}, chunk.Data)

	_, err = src.Read(context.Background(), 8, time.Second)
	require.ErrorIs(err, source.ErrDisconnected)
}

func TestSource_Send(t *testing.T) {
	require := require.New(t)

	echoed := make(chan []byte, 1)
	srv := httptest.NewServer(Handler(func(ctx context.Context, w io.Writer, in <-chan []byte) error {
		select {
		case msg := <-in:
			echoed <- msg
			_, err := w.Write(msg)
			return err
		case <-ctx.Done():
			return nil
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	src, err := Dial(context.Background(), url, nil)
	require.NoError(err)

	require.NoError(src.Send(context.Background(), []byte{0x02, 0x05, 0x03}))
	require.Equal([]byte{0x02, 0x05, 0x03}, <-echoed)

	chunk, err := src.Read(context.Background(), 8, time.Second)
	require.NoError(err)
	require.Equal([]byte{0x02, 0x05, 0x03}, chunk.Data)

	require.NoError(src.Close())
	require.ErrorIs(src.Send(context.Background(), []byte{1}), source.ErrClosed)
}

func TestDial_BadURL(t *testing.T) {
	_, err := Dial(context.Background(), "ws://127.0.0.1:1/none", nil)
	require.Error(t, err)
	require.True(t, source.IsTransportFault(err))
}
